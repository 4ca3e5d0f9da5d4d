// Copyright 2025 Takhin Data, Inc.

// Package model holds the shared data-model types for the replicated
// commit-log core: partition identity, replica assignment, and the
// leadership/ISR snapshot that flows between the coordinator and every
// broker's replica manager.
package model

import "github.com/google/uuid"

// NoLeader marks a partition with no current leader.
const NoLeader int32 = -1

// Epoch sentinels. NoEpoch marks a partition that has never had a leader
// elected. EpochDuringDelete marks a partition whose topic deletion is in
// flight; both bypass the normal epoch-fencing comparison in make_follower
// and last_offset_for_leader_epoch. If both could apply to the same
// partition at once, EpochDuringDelete takes precedence (see DESIGN.md,
// Open Question 1).
const (
	NoEpoch           int32 = -1
	EpochDuringDelete int32 = -2
)

// TopicPartition identifies a single partition of a topic. Immutable once
// created; UUID, once assigned, never changes while the topic exists.
type TopicPartition struct {
	Topic     string
	Partition int32
	UUID      uuid.UUID
}

// NewTopicUUID generates a stable topic identifier.
func NewTopicUUID() uuid.UUID {
	return uuid.New()
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + itoa(tp.Partition)
}

func itoa(v int32) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [12]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ReplicaAssignment is the replica set for a partition, including any
// in-flight reassignment markers.
//
// Invariants: AddingReplicas ⊆ Replicas, RemovingReplicas ⊆ Replicas.
type ReplicaAssignment struct {
	Replicas       []int32
	AddingReplicas []int32
	RemovingReplicas []int32
}

// OriginReplicas returns Replicas \ AddingReplicas: the replica set before
// the in-flight reassignment began.
func (a ReplicaAssignment) OriginReplicas() []int32 {
	return subtract(a.Replicas, a.AddingReplicas)
}

// TargetReplicas returns Replicas \ RemovingReplicas: the replica set the
// reassignment is converging toward.
func (a ReplicaAssignment) TargetReplicas() []int32 {
	return subtract(a.Replicas, a.RemovingReplicas)
}

// IsReassigning reports whether this assignment has an in-flight
// reassignment (adding or removing replicas).
func (a ReplicaAssignment) IsReassigning() bool {
	return len(a.AddingReplicas) > 0 || len(a.RemovingReplicas) > 0
}

func subtract(all, minus []int32) []int32 {
	if len(minus) == 0 {
		out := make([]int32, len(all))
		copy(out, all)
		return out
	}
	excl := make(map[int32]struct{}, len(minus))
	for _, id := range minus {
		excl[id] = struct{}{}
	}
	out := make([]int32, 0, len(all))
	for _, id := range all {
		if _, found := excl[id]; !found {
			out = append(out, id)
		}
	}
	return out
}

// LeaderAndISR is a leadership snapshot for one partition.
//
// Invariants: Leader ∈ ISR or Leader == NoLeader. LeaderEpoch is
// monotonically non-decreasing per partition (ignoring EpochDuringDelete).
// PartitionEpoch is strictly monotone on every update and is used as the
// metadata store's CAS token.
type LeaderAndISR struct {
	Leader         int32
	LeaderEpoch    int32
	ISR            []int32
	PartitionEpoch int32
	Recovering     bool
}

// ContainsReplica reports whether id is present in the ISR.
func (l LeaderAndISR) ContainsReplica(id int32) bool {
	for _, r := range l.ISR {
		if r == id {
			return true
		}
	}
	return false
}

// HostedState is the local state of a partition on a single broker.
type HostedState int

const (
	// HostedNone: the broker does not host this partition.
	HostedNone HostedState = iota
	// HostedOnline: the broker hosts an online replica of this partition.
	HostedOnline
	// HostedOffline: the broker hosted this partition but its log
	// directory failed; sticky until directory restore + restart.
	HostedOffline
)

func (s HostedState) String() string {
	switch s {
	case HostedNone:
		return "none"
	case HostedOnline:
		return "online"
	case HostedOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// PartitionState is a node in the coordinator's partition state machine.
type PartitionState int

const (
	PartitionNonExistent PartitionState = iota
	PartitionNew
	PartitionOnline
	PartitionOffline
)

func (s PartitionState) String() string {
	switch s {
	case PartitionNonExistent:
		return "NonExistent"
	case PartitionNew:
		return "New"
	case PartitionOnline:
		return "Online"
	case PartitionOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ReplicaState is a node in the coordinator's replica state machine.
type ReplicaState int

const (
	ReplicaNonExistent ReplicaState = iota
	ReplicaNew
	ReplicaOnline
	ReplicaOffline
	ReplicaDeletionStarted
	ReplicaDeletionSuccessful
	ReplicaDeletionIneligible
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaNonExistent:
		return "NonExistent"
	case ReplicaNew:
		return "New"
	case ReplicaOnline:
		return "Online"
	case ReplicaOffline:
		return "Offline"
	case ReplicaDeletionStarted:
		return "ReplicaDeletionStarted"
	case ReplicaDeletionSuccessful:
		return "ReplicaDeletionSuccessful"
	case ReplicaDeletionIneligible:
		return "ReplicaDeletionIneligible"
	default:
		return "Unknown"
	}
}

// HWChange reports how append_records_to_leader affected a partition's
// high watermark.
type HWChange int

const (
	HWNone HWChange = iota
	HWSame
	HWIncreased
)
