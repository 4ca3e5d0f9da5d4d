// Copyright 2025 Takhin Data, Inc.

package controlrpc

import (
	"context"

	"google.golang.org/grpc"
)

// serviceHandler is implemented by Server; kept separate from the concrete
// type so serviceDesc below only names the methods it actually dispatches.
type serviceHandler interface {
	handleLeaderAndISR(ctx context.Context, req *LeaderAndISRRequest) (*LeaderAndISRResponse, error)
	handleStopReplica(ctx context.Context, req *StopReplicaRequest) (*StopReplicaResponse, error)
	handleUpdateMetadata(ctx context.Context, req *UpdateMetadataRequest) (*UpdateMetadataResponse, error)
	handleAlterPartition(ctx context.Context, req *AlterPartitionRequest) (*AlterPartitionResponse, error)
	handleFetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error)
	handleOffsetForLeaderEpoch(ctx context.Context, req *OffsetForLeaderEpochRequest) (*OffsetForLeaderEpochResponse, error)
}

func unaryHandler[Req, Resp any](fn func(serviceHandler, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		h := srv.(serviceHandler)
		if interceptor == nil {
			return fn(h, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/riftlog.ControlRPC/Call"}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return fn(h, ctx, req.(*Req))
		})
	}
}

// serviceDesc registers the control-plane service by hand: spec.md's RPCs
// have no .proto source in this environment, so the method table is written
// directly against grpc's MethodDesc/ServiceDesc rather than generated code
// (DESIGN.md).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "riftlog.ControlRPC",
	HandlerType: (*serviceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "LeaderAndISR",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *LeaderAndISRRequest) (*LeaderAndISRResponse, error) {
				return h.handleLeaderAndISR(ctx, req)
			}),
		},
		{
			MethodName: "StopReplica",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *StopReplicaRequest) (*StopReplicaResponse, error) {
				return h.handleStopReplica(ctx, req)
			}),
		},
		{
			MethodName: "UpdateMetadata",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *UpdateMetadataRequest) (*UpdateMetadataResponse, error) {
				return h.handleUpdateMetadata(ctx, req)
			}),
		},
		{
			MethodName: "AlterPartition",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *AlterPartitionRequest) (*AlterPartitionResponse, error) {
				return h.handleAlterPartition(ctx, req)
			}),
		},
		{
			MethodName: "Fetch",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
				return h.handleFetch(ctx, req)
			}),
		},
		{
			MethodName: "OffsetForLeaderEpoch",
			Handler: unaryHandler(func(h serviceHandler, ctx context.Context, req *OffsetForLeaderEpochRequest) (*OffsetForLeaderEpochResponse, error) {
				return h.handleOffsetForLeaderEpoch(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riftlog/controlrpc.proto",
}
