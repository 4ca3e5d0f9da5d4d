// Copyright 2025 Takhin Data, Inc.

// Package metastore is the reference metadata-store client spec.md §6.1
// describes in the abstract: CAS coordinator lease with a monotonic cluster
// epoch, typed watches, topic-assignment and leader/ISR storage, feature
// versioning, delete-topic tombstones, and producer-id block allocation. It
// is grounded on the teacher's pkg/raft package (Node/Config/Apply,
// monitorLeadership), generalized from a topic/message Raft log into a
// cluster-metadata Raft log; the bring-up/transport/snapshot wiring is kept
// nearly verbatim, the FSM and Command enum are entirely new (see fsm.go).
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"

	"github.com/riftlog/riftlog/pkg/config"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/metrics"
	"github.com/riftlog/riftlog/pkg/model"
)

const defaultApplyTimeout = 5 * time.Second

// Config constructs one Client.
type Config struct {
	NodeID    string
	RaftDir   string
	RaftBind  string
	Bootstrap bool
	RaftCfg   *config.RaftConfig
	Logger    *logger.Logger

	// Transport lets tests substitute an in-memory transport; production
	// callers leave this nil and get a real TCP transport bound to RaftBind.
	Transport raft.Transport
}

// Client is the Raft-backed metadata store. Its ProposeAlterPartition and
// NotifyLogDirFailure methods have the replica.ISRProposer and
// replicamanager.MetadataNotifier signatures, but partition replicas are not
// wired to it directly: their ISR proposals go through
// controlrpc.CoordinatorProposer, so the coordinator validates each one
// before it commits it here.
type Client struct {
	raft        *raft.Raft
	fsm         *FSM
	broadcaster *broadcaster
	transport   raft.Transport
	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	logger      *logger.Logger
	notifyCh    chan bool
	lastState   raft.RaftState
	electionStart time.Time

	brokerID int32
}

// New brings up one Raft node over a fresh FSM.
func New(cfg Config, brokerID int32) (*Client, error) {
	if err := os.MkdirAll(cfg.RaftDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft directory: %w", err)
	}

	bc := newBroadcaster()
	fsm := NewFSM(bc)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	if cfg.RaftCfg != nil {
		raftConfig.HeartbeatTimeout = time.Duration(cfg.RaftCfg.HeartbeatTimeoutMs) * time.Millisecond
		raftConfig.ElectionTimeout = time.Duration(cfg.RaftCfg.ElectionTimeoutMs) * time.Millisecond
		raftConfig.LeaderLeaseTimeout = time.Duration(cfg.RaftCfg.LeaderLeaseTimeoutMs) * time.Millisecond
		raftConfig.CommitTimeout = time.Duration(cfg.RaftCfg.CommitTimeoutMs) * time.Millisecond
		raftConfig.SnapshotInterval = time.Duration(cfg.RaftCfg.SnapshotIntervalMs) * time.Millisecond
		raftConfig.SnapshotThreshold = uint64(cfg.RaftCfg.SnapshotThreshold)
		raftConfig.MaxAppendEntries = cfg.RaftCfg.MaxAppendEntries
		raftConfig.PreVoteDisabled = !cfg.RaftCfg.PreVoteEnabled
	}

	notifyCh := make(chan bool, 10)
	raftConfig.NotifyCh = notifyCh

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("metastore")

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.RaftDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.RaftDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return nil, fmt.Errorf("create stable store: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.RaftDir, 3, os.Stderr)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	transport := cfg.Transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", cfg.RaftBind)
		if err != nil {
			logStore.Close()
			stableStore.Close()
			return nil, fmt.Errorf("resolve raft bind address: %w", err)
		}
		tcpTransport, err := raft.NewTCPTransport(cfg.RaftBind, addr, 3, 10*time.Second, os.Stderr)
		if err != nil {
			logStore.Close()
			stableStore.Close()
			return nil, fmt.Errorf("create transport: %w", err)
		}
		transport = tcpTransport
	}

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		logStore.Close()
		stableStore.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	c := &Client{
		raft:        r,
		fsm:         fsm,
		broadcaster: bc,
		transport:   transport,
		logStore:    logStore,
		stableStore: stableStore,
		logger:      log,
		notifyCh:    notifyCh,
		lastState:   raft.Follower,
		brokerID:    brokerID,
	}

	go c.monitorLeadership()

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			c.logger.Error("failed to bootstrap cluster", "error", err)
		}
	}

	return c, nil
}

// IsLeader reports whether this node currently holds the raft leadership
// (a prerequisite for, but not equivalent to, holding the coordinator lease:
// spec.md §4.7 layers an application-level CAS claim on top).
func (c *Client) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

func (c *Client) apply(cmd Command) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	future := c.raft.Apply(data, defaultApplyTimeout)
	if err := future.Error(); err != nil {
		return nil, err
	}
	resp := future.Response()
	if respErr, ok := resp.(error); ok {
		return nil, respErr
	}
	return resp, nil
}

// ClaimCoordinator attempts the CAS coordinator-lease claim (spec.md §6.1,
// §4.7). On success it returns the new (incremented) cluster epoch.
func (c *Client) ClaimCoordinator(ctx context.Context, brokerID int32) (int32, error) {
	resp, err := c.apply(Command{Type: CommandClaimCoordinator, BrokerID: brokerID})
	if err != nil {
		return 0, err
	}
	epoch, _ := resp.(int32)
	return epoch, nil
}

// ResignCoordinator releases the lease if brokerID currently holds it.
func (c *Client) ResignCoordinator(ctx context.Context, brokerID int32) error {
	_, err := c.apply(Command{Type: CommandResignCoordinator, BrokerID: brokerID})
	return err
}

// ProposeAlterPartition implements replica.ISRProposer: propose a new
// (leader, ISR) under optimistic concurrency guarded by partition epoch.
func (c *Client) ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	resp, err := c.apply(Command{
		Type:         CommandAlterPartition,
		Topic:        tp.Topic,
		Partition:    tp.Partition,
		LeaderAndISR: &proposed,
	})
	if err != nil {
		return model.LeaderAndISR{}, err
	}
	committed, _ := resp.(model.LeaderAndISR)
	return committed, nil
}

// PutAssignment persists a topic-partition's replica assignment.
func (c *Client) PutAssignment(ctx context.Context, tp model.TopicPartition, assignment model.ReplicaAssignment) error {
	_, err := c.apply(Command{
		Type:       CommandPutAssignment,
		Topic:      tp.Topic,
		Partition:  tp.Partition,
		Assignment: &assignment,
	})
	return err
}

// DeleteTopic commits an atomic delete-topic tombstone (spec.md §6.1).
func (c *Client) DeleteTopic(ctx context.Context, topic string) error {
	_, err := c.apply(Command{Type: CommandDeleteTopic, Topic: topic})
	return err
}

// SetFeature commits a feature-version entry (spec.md §6.5's "update-features").
func (c *Client) SetFeature(ctx context.Context, name string, version int16) error {
	_, err := c.apply(Command{Type: CommandSetFeature, FeatureName: name, FeatureVersion: version})
	return err
}

// ProducerIDBlock is a contiguous, exclusively-owned range of producer ids.
type ProducerIDBlock struct {
	Start int64
	End   int64
}

// AllocateProducerIDBlock allocates the next contiguous block of producer
// ids (spec.md §6.5's "allocate-producer-ids").
func (c *Client) AllocateProducerIDBlock(ctx context.Context, size int64) (ProducerIDBlock, error) {
	resp, err := c.apply(Command{Type: CommandAllocateProducer, BlockSize: size})
	if err != nil {
		return ProducerIDBlock{}, err
	}
	block, _ := resp.(producerIDBlock)
	return ProducerIDBlock{Start: block.Start, End: block.End}, nil
}

// NotifyLogDirFailure implements replicamanager.MetadataNotifier: it commits
// a log-directory-failure entry through raft and wakes WatchLogDirFailure
// watches keyed "brokerID:dir". The FSM keeps no state for the entry (the
// affected partition list is not stored), so a coordinator that was not
// watching when it committed cannot look the failure up afterwards.
func (c *Client) NotifyLogDirFailure(ctx context.Context, brokerID int32, dir string, affected []model.TopicPartition) error {
	_, err := c.apply(Command{Type: CommandLogDirFailure, BrokerID: brokerID, Dir: dir, Affected: affected})
	return err
}

// GetLeaderAndISR returns the last committed (leader, ISR) for tp.
func (c *Client) GetLeaderAndISR(tp model.TopicPartition) (model.LeaderAndISR, bool) {
	c.fsm.mu.RLock()
	defer c.fsm.mu.RUnlock()
	meta, ok := c.fsm.state.Partitions[partitionKey(tp.Topic, tp.Partition)]
	return meta.LeaderAndISR, ok
}

// GetAssignment returns the last committed replica assignment for tp.
func (c *Client) GetAssignment(tp model.TopicPartition) (model.ReplicaAssignment, bool) {
	c.fsm.mu.RLock()
	defer c.fsm.mu.RUnlock()
	meta, ok := c.fsm.state.Partitions[partitionKey(tp.Topic, tp.Partition)]
	return meta.Assignment, ok
}

// ClusterEpoch returns the last committed cluster epoch.
func (c *Client) ClusterEpoch() int32 {
	c.fsm.mu.RLock()
	defer c.fsm.mu.RUnlock()
	return c.fsm.state.ClusterEpoch
}

// CoordinatorBrokerID returns the broker id currently holding the
// coordinator lease, or model.NoLeader if vacant.
func (c *Client) CoordinatorBrokerID() int32 {
	c.fsm.mu.RLock()
	defer c.fsm.mu.RUnlock()
	return c.fsm.state.CoordinatorBrokerID
}

// CoordinatorID implements pkg/controlrpc.CoordinatorLocator, letting a
// broker that does not hold the coordinator lease resolve where to send its
// AlterPartition proposals.
func (c *Client) CoordinatorID() (brokerID int32, controllerEpoch int32, ok bool) {
	id := c.CoordinatorBrokerID()
	if id == model.NoLeader {
		return 0, 0, false
	}
	return id, c.ClusterEpoch(), true
}

// Watch registers interest in kind/key; see WatchKind's doc for the
// available kinds (spec.md §6.1).
func (c *Client) Watch(kind WatchKind, key string) (<-chan struct{}, func()) {
	return c.broadcaster.Watch(kind, key)
}

// AddVoter adds a new voting member to the raft cluster.
func (c *Client) AddVoter(id, address string) error {
	return c.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 0).Error()
}

// RemoveServer removes a server from the raft cluster.
func (c *Client) RemoveServer(id string) error {
	return c.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

// monitorLeadership mirrors the teacher's pkg/raft/node.go goroutine: update
// raft-state gauges and log transitions, now under the riftlog metric names.
func (c *Client) monitorLeadership() {
	for isLeader := range c.notifyCh {
		currentState := c.raft.State()
		if currentState == c.lastState {
			continue
		}

		switch currentState {
		case raft.Follower:
			metrics.RaftState.Set(0)
		case raft.Candidate:
			metrics.RaftState.Set(1)
			c.electionStart = time.Now()
			metrics.RaftElectionsTotal.Inc()
			c.logger.Info("starting leader election")
		case raft.Leader:
			metrics.RaftState.Set(2)
			if c.lastState == raft.Candidate && !c.electionStart.IsZero() {
				duration := time.Since(c.electionStart).Seconds()
				metrics.RaftElectionDuration.Observe(duration)
				c.logger.Info("leader election completed", "duration_seconds", duration)
			}
		}

		if (c.lastState == raft.Leader) != (currentState == raft.Leader) {
			metrics.RaftLeaderChanges.Inc()
			c.logger.Info("leadership changed", "from", c.lastState.String(), "to", currentState.String(), "is_leader", isLeader)
		}

		c.lastState = currentState
	}
}

// Shutdown tears down the raft node and its stores.
func (c *Client) Shutdown() error {
	c.logger.Info("shutting down metadata store")

	if err := c.raft.Shutdown().Error(); err != nil {
		c.logger.Error("failed to shutdown raft", "error", err)
	}
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.logger.Error("failed to close transport", "error", err)
		}
	}
	if err := c.logStore.Close(); err != nil {
		c.logger.Error("failed to close log store", "error", err)
	}
	if err := c.stableStore.Close(); err != nil {
		c.logger.Error("failed to close stable store", "error", err)
	}
	return nil
}
