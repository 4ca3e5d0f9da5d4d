// Copyright 2025 Takhin Data, Inc.

package controlrpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/riftlog/riftlog/pkg/controller"
	"github.com/riftlog/riftlog/pkg/fetcher"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// AlterPartitionHandler is the narrow slice of pkg/controller.Controller the
// server needs to answer a broker's AlterPartition proposal.
type AlterPartitionHandler interface {
	AlterPartition(ctx context.Context, req controller.AlterPartitionRequest) (model.LeaderAndISR, error)
}

// Server implements the control-plane RPCs against a broker's local replica
// manager, and (when this broker is the active coordinator) its
// AlterPartitionHandler. It is grounded on the teacher's
// pkg/grpcapi.GRPCServer (listener + grpc.Server + health/reflection
// wiring), generalized from a thin unimplemented stub into the real dispatch
// target for spec.md §6.2's RPCs.
type Server struct {
	replicas   *replicamanager.ReplicaManager
	proposer   replica.ISRProposer
	controller AlterPartitionHandler
	log        *logger.Logger

	grpcServer   *grpc.Server
	listener     net.Listener
	healthServer *health.Server
}

// Config constructs one Server.
type Config struct {
	Addr       string
	Replicas   *replicamanager.ReplicaManager
	Proposer   replica.ISRProposer
	Controller AlterPartitionHandler // nil on brokers that never hold the coordinator lease
	Logger     *logger.Logger
}

// NewServer binds addr and registers the control-plane service, the
// standard grpc health service, and reflection, mirroring the teacher's
// keepalive parameters.
func NewServer(cfg Config) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("controlrpc-server")

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(16 * 1024 * 1024),
		grpc.MaxSendMsgSize(16 * 1024 * 1024),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     15 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Minute,
			Time:                  5 * time.Minute,
			Timeout:               1 * time.Minute,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             1 * time.Minute,
			PermitWithoutStream: true,
		}),
	}

	grpcServer := grpc.NewServer(opts...)

	s := &Server{
		replicas:   cfg.Replicas,
		proposer:   cfg.Proposer,
		controller: cfg.Controller,
		log:        log,
		grpcServer: grpcServer,
		listener:   listener,
	}

	grpcServer.RegisterService(&serviceDesc, s)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("riftlog.ControlRPC", healthpb.HealthCheckResponse_SERVING)
	s.healthServer = healthServer

	reflection.Register(grpcServer)

	return s, nil
}

// Start serves on its own goroutine until Stop is called.
func (s *Server) Start() {
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			s.log.Error("control rpc server stopped", "error", err)
		}
	}()
}

// Stop gracefully drains in-flight RPCs.
func (s *Server) Stop() {
	s.healthServer.Shutdown()
	s.grpcServer.GracefulStop()
}

func (s *Server) handleLeaderAndISR(ctx context.Context, req *LeaderAndISRRequest) (*LeaderAndISRResponse, error) {
	resp := &LeaderAndISRResponse{Errors: make(map[string]string)}
	if err := s.replicas.BecomeLeaderOrFollower(req.ControllerEpoch, req.Changes, s.proposer); err != nil {
		for _, c := range req.Changes {
			resp.Errors[c.TopicPartition.String()] = err.Error()
		}
	}
	return resp, nil
}

func (s *Server) handleStopReplica(ctx context.Context, req *StopReplicaRequest) (*StopReplicaResponse, error) {
	if err := s.replicas.StopReplica(req.TopicPartition, req.DeletePartition); err != nil {
		return &StopReplicaResponse{Error: err.Error()}, nil
	}
	return &StopReplicaResponse{}, nil
}

func (s *Server) handleUpdateMetadata(ctx context.Context, req *UpdateMetadataRequest) (*UpdateMetadataResponse, error) {
	// Pure cache update (spec.md §6.2): this broker's replica manager does
	// not hold a separate metadata cache of its own, it reads partition
	// state off the replicas it hosts, so UpdateMetadata is an
	// acknowledgment point rather than a state mutation here.
	return &UpdateMetadataResponse{}, nil
}

func (s *Server) handleAlterPartition(ctx context.Context, req *AlterPartitionRequest) (*AlterPartitionResponse, error) {
	if s.controller == nil {
		return &AlterPartitionResponse{Error: "NotController"}, nil
	}
	committed, err := s.controller.AlterPartition(ctx, controller.AlterPartitionRequest{
		BrokerID:        req.BrokerID,
		ControllerEpoch: req.ControllerEpoch,
		TopicPartition:  req.TopicPartition,
		Proposed:        req.Proposed,
	})
	if err != nil {
		s.log.WithController().Warn("alter_partition rejected",
			"topic", req.TopicPartition.Topic, "partition", req.TopicPartition.Partition,
			"broker", req.BrokerID, "error", err)
		return &AlterPartitionResponse{Error: err.Error()}, nil
	}
	return &AlterPartitionResponse{Committed: committed}, nil
}

func (s *Server) handleOffsetForLeaderEpoch(ctx context.Context, req *OffsetForLeaderEpochRequest) (*OffsetForLeaderEpochResponse, error) {
	results := s.replicas.OffsetForLeaderEpoch(req.Requests)
	out := make([]offsetForLeaderEpochWire, 0, len(results))
	for _, res := range results {
		wire := offsetForLeaderEpochWire{
			TopicPartition: res.TopicPartition,
			LeaderEpoch:    res.LeaderEpoch,
			EndOffset:      res.EndOffset,
		}
		if res.Err != nil {
			wire.Error = res.Err.Error()
		}
		out = append(out, wire)
	}
	return &OffsetForLeaderEpochResponse{Responses: out}, nil
}

func (s *Server) handleFetch(ctx context.Context, req *FetchRequest) (*FetchResponse, error) {
	out := make([]fetchResponseWire, 0, len(req.Requests))
	for _, freq := range req.Requests {
		r, ok := s.replicas.GetReplica(freq.TopicPartition)
		if !ok {
			out = append(out, fetchResponseWire{TopicPartition: freq.TopicPartition, Error: "NotLeaderOrFollower"})
			continue
		}
		info, err := r.FetchRecords(freq.FetchOffset, freq.MaxBytes, freq.FollowerID, freq.FollowerLEO, freq.LastFetchedEpoch)
		if err != nil {
			out = append(out, fetchResponseWire{TopicPartition: freq.TopicPartition, Error: err.Error()})
			continue
		}
		records := make([]fetcher.Record, 0, len(info.Records))
		for _, rec := range info.Records {
			records = append(records, fetcher.Record{Key: rec.Key, Value: rec.Value})
		}
		out = append(out, fetchResponseWire{
			TopicPartition:     freq.TopicPartition,
			Records:            records,
			HighWatermark:      info.HighWatermark,
			LeaderEpoch:        r.LeaderEpoch(),
			DivergingEpoch:     info.DivergingEpoch,
			DivergingEndOffset: info.DivergingEndOffset,
		})
	}
	return &FetchResponse{Responses: out}, nil
}
