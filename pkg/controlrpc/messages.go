// Copyright 2025 Takhin Data, Inc.

package controlrpc

import (
	"github.com/riftlog/riftlog/pkg/fetcher"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// LeaderAndISRRequest is the wire shape of spec.md §6.2's LeaderAndISR RPC.
type LeaderAndISRRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	Changes         []replicamanager.RoleChange
}

// LeaderAndISRResponse carries a per-partition error code (empty on success).
type LeaderAndISRResponse struct {
	Errors map[string]string
}

// StopReplicaRequest is the wire shape of spec.md §6.2's StopReplica RPC.
type StopReplicaRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	TopicPartition  model.TopicPartition
	DeletePartition bool
}

// StopReplicaResponse carries this partition's error, if any.
type StopReplicaResponse struct {
	Error string
}

// UpdateMetadataRequest is the wire shape of spec.md §6.2's UpdateMetadata
// RPC: a pure cache update, no per-partition response.
type UpdateMetadataRequest struct {
	ControllerID    int32
	ControllerEpoch int32
	AliveBrokers    []int32
	Partitions      []model.TopicPartition
}

// UpdateMetadataResponse carries one cluster-wide error code.
type UpdateMetadataResponse struct {
	Error string
}

// AlterPartitionRequest is the wire shape of spec.md §6.2's broker→coordinator
// AlterPartition RPC.
type AlterPartitionRequest struct {
	BrokerID        int32
	ControllerEpoch int32
	TopicPartition  model.TopicPartition
	Proposed        model.LeaderAndISR
}

// AlterPartitionResponse carries either the newly committed LeaderAndISR or
// a typed error (spec.md §6.2).
type AlterPartitionResponse struct {
	Committed model.LeaderAndISR
	Error     string
}

// OffsetForLeaderEpochRequest batches epoch-end-offset lookups against one
// leader broker (spec.md §6.3), used by followers to find where to truncate
// after an epoch mismatch.
type OffsetForLeaderEpochRequest struct {
	Requests []replicamanager.PerPartitionEpoch
}

// offsetForLeaderEpochWire is one partition's lookup result with the error
// flattened to a string for transport.
type offsetForLeaderEpochWire struct {
	TopicPartition model.TopicPartition
	LeaderEpoch    int32
	EndOffset      int64
	Error          string
}

// OffsetForLeaderEpochResponse is the leader's batched reply.
type OffsetForLeaderEpochResponse struct {
	Responses []offsetForLeaderEpochWire
}

// FetchRequest batches one leader's worth of follower-fetch requests
// (spec.md §4.4).
type FetchRequest struct {
	Requests []fetcher.FetchRequest
}

// fetchResponseWire is fetcher.FetchResponse with its error field flattened
// to a string for JSON transport (error is not itself serializable).
type fetchResponseWire struct {
	TopicPartition     model.TopicPartition
	Records            []fetcher.Record
	HighWatermark      int64
	LeaderEpoch        int32
	DivergingEpoch     *int32
	DivergingEndOffset int64
	Error              string
}

// FetchResponse is the leader's batched reply.
type FetchResponse struct {
	Responses []fetchResponseWire
}
