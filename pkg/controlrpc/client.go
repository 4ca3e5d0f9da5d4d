// Copyright 2025 Takhin Data, Inc.

package controlrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/riftlog/riftlog/pkg/controller"
	"github.com/riftlog/riftlog/pkg/fetcher"
	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// AddressBook resolves a broker id to its control-rpc listen address. The
// coordinator and fetcher pool both dial through it rather than holding raw
// addresses themselves.
type AddressBook interface {
	Address(brokerID int32) (string, bool)
}

// Client dials control-rpc servers on demand and caches the connections. It
// implements pkg/controller.ControlRPCSender and pkg/fetcher.LeaderClient,
// so both the coordinator's control-RPC fan-out and a fetcher worker's
// inter-broker fetch share one dialing/caching strategy.
type Client struct {
	addrs AddressBook
	log   *logger.Logger

	mu    sync.Mutex
	conns map[int32]*grpc.ClientConn
}

// NewClient constructs a Client resolving peer addresses through addrs.
func NewClient(addrs AddressBook, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		addrs: addrs,
		log:   log.WithComponent("controlrpc-client"),
		conns: make(map[int32]*grpc.ClientConn),
	}
}

func (c *Client) connFor(brokerID int32) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[brokerID]; ok {
		return conn, nil
	}
	addr, ok := c.addrs.Address(brokerID)
	if !ok {
		return nil, fmt.Errorf("no known address for broker %d", brokerID)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial broker %d at %s: %w", brokerID, addr, err)
	}
	c.conns[brokerID] = conn
	return conn, nil
}

func invoke[Req, Resp any](ctx context.Context, c *Client, brokerID int32, method string, req *Req, resp *Resp) error {
	conn, err := c.connFor(brokerID)
	if err != nil {
		return err
	}
	fullMethod := fmt.Sprintf("/%s/%s", serviceDesc.ServiceName, method)
	return conn.Invoke(ctx, fullMethod, req, resp)
}

// SendLeaderAndISR implements pkg/controller.ControlRPCSender.
func (c *Client) SendLeaderAndISR(ctx context.Context, brokerID int32, controllerEpoch int32, changes []replicamanager.RoleChange) error {
	req := &LeaderAndISRRequest{ControllerEpoch: controllerEpoch, Changes: changes}
	resp := &LeaderAndISRResponse{}
	if err := invoke(ctx, c, brokerID, "LeaderAndISR", req, resp); err != nil {
		return err
	}
	for _, msg := range resp.Errors {
		return kerrors.New(kerrors.CodeUnknownServerError, "send_leader_and_isr", fmt.Errorf("%s", msg))
	}
	return nil
}

// SendStopReplica implements pkg/controller.ControlRPCSender.
func (c *Client) SendStopReplica(ctx context.Context, brokerID int32, tp model.TopicPartition, deletePartition bool) error {
	req := &StopReplicaRequest{TopicPartition: tp, DeletePartition: deletePartition}
	resp := &StopReplicaResponse{}
	if err := invoke(ctx, c, brokerID, "StopReplica", req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return kerrors.New(kerrors.CodeUnknownServerError, "send_stop_replica", fmt.Errorf("%s", resp.Error))
	}
	return nil
}

// SendUpdateMetadata implements pkg/controller.ControlRPCSender: a pure
// cache update pushed to one broker (spec.md §6.2).
func (c *Client) SendUpdateMetadata(ctx context.Context, brokerID int32, controllerEpoch int32, partitions []model.TopicPartition) error {
	req := &UpdateMetadataRequest{ControllerEpoch: controllerEpoch, Partitions: partitions}
	resp := &UpdateMetadataResponse{}
	if err := invoke(ctx, c, brokerID, "UpdateMetadata", req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return kerrors.New(kerrors.CodeUnknownServerError, "send_update_metadata", fmt.Errorf("%s", resp.Error))
	}
	return nil
}

// ProposeAlterPartition sends a broker's ISR proposal to the active
// coordinator over the AlterPartition RPC (spec.md §6.2). coordinatorID
// identifies the broker currently holding the coordinator lease.
func (c *Client) ProposeAlterPartition(ctx context.Context, coordinatorID, brokerID int32, tp model.TopicPartition, controllerEpoch int32, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	req := &AlterPartitionRequest{BrokerID: brokerID, ControllerEpoch: controllerEpoch, TopicPartition: tp, Proposed: proposed}
	resp := &AlterPartitionResponse{}
	if err := invoke(ctx, c, coordinatorID, "AlterPartition", req, resp); err != nil {
		return model.LeaderAndISR{}, err
	}
	if resp.Error != "" {
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeUnknownServerError, "propose_alter_partition", fmt.Errorf("%s", resp.Error))
	}
	return resp.Committed, nil
}

// OffsetForLeaderEpoch asks leaderID where each requested epoch ended, the
// lookup a follower runs before truncating a diverging log suffix (spec.md
// §6.3).
func (c *Client) OffsetForLeaderEpoch(ctx context.Context, leaderID int32, reqs []replicamanager.PerPartitionEpoch) ([]replicamanager.EpochEndOffsetResult, error) {
	req := &OffsetForLeaderEpochRequest{Requests: reqs}
	resp := &OffsetForLeaderEpochResponse{}
	if err := invoke(ctx, c, leaderID, "OffsetForLeaderEpoch", req, resp); err != nil {
		return nil, err
	}
	out := make([]replicamanager.EpochEndOffsetResult, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		res := replicamanager.EpochEndOffsetResult{
			TopicPartition: r.TopicPartition,
			LeaderEpoch:    r.LeaderEpoch,
			EndOffset:      r.EndOffset,
		}
		if r.Error != "" {
			res.Err = fmt.Errorf("%s", r.Error)
		}
		out = append(out, res)
	}
	return out, nil
}

// Fetch implements pkg/fetcher.LeaderClient: one batched inter-broker fetch
// against leaderID.
func (c *Client) Fetch(ctx context.Context, leaderID int32, reqs []fetcher.FetchRequest) ([]fetcher.FetchResponse, error) {
	req := &FetchRequest{Requests: reqs}
	resp := &FetchResponse{}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := invoke(callCtx, c, leaderID, "Fetch", req, resp); err != nil {
		return nil, err
	}
	out := make([]fetcher.FetchResponse, 0, len(resp.Responses))
	for _, r := range resp.Responses {
		fr := fetcher.FetchResponse{
			TopicPartition:     r.TopicPartition,
			Records:            r.Records,
			HighWatermark:      r.HighWatermark,
			LeaderEpoch:        r.LeaderEpoch,
			DivergingEpoch:     r.DivergingEpoch,
			DivergingEndOffset: r.DivergingEndOffset,
		}
		if r.Error != "" {
			fr.Err = fmt.Errorf("%s", r.Error)
		}
		out = append(out, fr)
	}
	return out, nil
}

// CoordinatorLocator resolves which broker currently holds the coordinator
// lease, and at what controller epoch. A broker that does not hold the
// coordinator lease has no local path to propose ISR changes (spec.md
// §4.2's ISRProposer contract); it resolves the coordinator through this
// interface and proposes over the network instead.
type CoordinatorLocator interface {
	CoordinatorID() (brokerID int32, controllerEpoch int32, ok bool)
}

// RemoteISRProposer adapts Client.ProposeAlterPartition to the narrow
// replica.ISRProposer shape so that replicas on a broker that does not hold
// the coordinator lease propose ISR changes over the AlterPartition RPC;
// CoordinatorProposer falls back to it whenever the local controller is not
// active.
type RemoteISRProposer struct {
	client   *Client
	brokerID int32
	locator  CoordinatorLocator
}

// NewRemoteISRProposer builds a proposer for a replica hosted on brokerID.
func NewRemoteISRProposer(client *Client, brokerID int32, locator CoordinatorLocator) *RemoteISRProposer {
	return &RemoteISRProposer{client: client, brokerID: brokerID, locator: locator}
}

// ProposeAlterPartition implements pkg/replica.ISRProposer.
func (p *RemoteISRProposer) ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	coordinatorID, controllerEpoch, ok := p.locator.CoordinatorID()
	if !ok {
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeNotController, "propose_alter_partition", fmt.Errorf("no known coordinator"))
	}
	return p.client.ProposeAlterPartition(ctx, coordinatorID, p.brokerID, tp, controllerEpoch, proposed)
}

// LocalController is the in-process slice of a colocated controller the
// proposer short-circuits to while this broker holds the coordinator lease.
type LocalController interface {
	IsActiveController() bool
	ControllerEpoch() int32
	AlterPartition(ctx context.Context, req controller.AlterPartitionRequest) (model.LeaderAndISR, error)
}

// CoordinatorProposer is the replica.ISRProposer every broker's replicas are
// wired to: each ISR proposal goes through the coordinator's AlterPartition
// validation (spec.md §4.7's NotController/FencedLeaderEpoch/
// InvalidUpdateVersion/InvalidRequest/IneligibleReplica rule set) — as an
// in-process call when this broker is the active coordinator, over the
// AlterPartition RPC otherwise. Replicas never write (leader, ISR) to the
// metadata store directly.
type CoordinatorProposer struct {
	brokerID int32
	local    LocalController
	remote   *RemoteISRProposer
}

// NewCoordinatorProposer builds the proposer for replicas hosted on
// brokerID. local may be nil on brokers that never run a controller.
func NewCoordinatorProposer(client *Client, brokerID int32, local LocalController, locator CoordinatorLocator) *CoordinatorProposer {
	return &CoordinatorProposer{
		brokerID: brokerID,
		local:    local,
		remote:   NewRemoteISRProposer(client, brokerID, locator),
	}
}

// ProposeAlterPartition implements pkg/replica.ISRProposer.
func (p *CoordinatorProposer) ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	if p.local != nil && p.local.IsActiveController() {
		return p.local.AlterPartition(ctx, controller.AlterPartitionRequest{
			BrokerID:        p.brokerID,
			ControllerEpoch: p.local.ControllerEpoch(),
			TopicPartition:  tp,
			Proposed:        proposed,
		})
	}
	return p.remote.ProposeAlterPartition(ctx, tp, proposed)
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.log.Warn("close control rpc connection failed", "broker", id, "error", err)
		}
	}
	return nil
}

// StaticAddressBook is a fixed brokerID->address map, suitable for
// configuration-driven clusters where peer addresses are known up front.
type StaticAddressBook map[int32]string

func (b StaticAddressBook) Address(brokerID int32) (string, bool) {
	addr, ok := b[brokerID]
	return addr, ok
}
