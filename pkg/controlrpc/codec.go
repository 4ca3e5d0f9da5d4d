// Copyright 2025 Takhin Data, Inc.

// Package controlrpc fans the inter-broker control RPCs spec.md §6.2 and
// §6.3 describe in the abstract — LeaderAndISR, StopReplica, UpdateMetadata,
// AlterPartition, and the fetcher pool's inter-broker Fetch — out over real
// connections. It is grounded on the teacher's pkg/grpcapi/grpc_server.go
// (grpc.NewServer with keepalive params, the health and reflection
// services), generalized from the teacher's never-wired
// "would be generated from proto" placeholder into a hand-registered
// grpc.ServiceDesc over a JSON wire codec, since no .proto toolchain runs in
// this environment (see DESIGN.md).
package controlrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec so the control
// RPC service can run over grpc's connection, keepalive, and health-check
// machinery without a protoc-generated wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
