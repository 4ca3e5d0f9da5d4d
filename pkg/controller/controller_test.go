// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riftlog/riftlog/pkg/config"
	"github.com/riftlog/riftlog/pkg/metastore"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// fakeStore is a minimal in-memory MetadataStore for exercising the
// controller's election and dispatch logic without a real raft cluster.
type fakeStore struct {
	mu          sync.Mutex
	coordinator int32
	epoch       int32
	leadership  map[model.TopicPartition]model.LeaderAndISR
	assignment  map[model.TopicPartition]model.ReplicaAssignment
	broadcaster chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		coordinator: model.NoLeader,
		leadership:  make(map[model.TopicPartition]model.LeaderAndISR),
		assignment:  make(map[model.TopicPartition]model.ReplicaAssignment),
		broadcaster: make(chan struct{}, 1),
	}
}

func (f *fakeStore) ClaimCoordinator(ctx context.Context, brokerID int32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coordinator = brokerID
	f.epoch++
	select {
	case f.broadcaster <- struct{}{}:
	default:
	}
	return f.epoch, nil
}

func (f *fakeStore) ResignCoordinator(ctx context.Context, brokerID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coordinator = model.NoLeader
	return nil
}

func (f *fakeStore) Watch(kind metastore.WatchKind, key string) (<-chan struct{}, func()) {
	return f.broadcaster, func() {}
}

func (f *fakeStore) GetLeaderAndISR(tp model.TopicPartition) (model.LeaderAndISR, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lai, ok := f.leadership[tp]
	return lai, ok
}

func (f *fakeStore) GetAssignment(tp model.TopicPartition) (model.ReplicaAssignment, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignment[tp]
	return a, ok
}

func (f *fakeStore) PutAssignment(ctx context.Context, tp model.TopicPartition, assignment model.ReplicaAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignment[tp] = assignment
	return nil
}

// ProposeAlterPartition mirrors the real FSM's applyAlterPartition: bump the
// partition epoch and commit the proposal.
func (f *fakeStore) ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	committed := proposed
	committed.PartitionEpoch = f.leadership[tp].PartitionEpoch + 1
	f.leadership[tp] = committed
	return committed, nil
}

func (f *fakeStore) DeleteTopic(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tp := range f.assignment {
		if tp.Topic == topic {
			delete(f.assignment, tp)
			delete(f.leadership, tp)
		}
	}
	return nil
}

func (f *fakeStore) ClusterEpoch() int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

// fakeRPC records every control RPC sent, standing in for pkg/controlrpc.
type fakeRPC struct {
	mu             sync.Mutex
	leaderAndISR   []replicamanager.RoleChange
	stopReplica    []model.TopicPartition
	updateMetadata []model.TopicPartition
}

func (f *fakeRPC) SendLeaderAndISR(ctx context.Context, brokerID int32, controllerEpoch int32, changes []replicamanager.RoleChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderAndISR = append(f.leaderAndISR, changes...)
	return nil
}

func (f *fakeRPC) SendStopReplica(ctx context.Context, brokerID int32, tp model.TopicPartition, deletePartition bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopReplica = append(f.stopReplica, tp)
	return nil
}

func (f *fakeRPC) SendUpdateMetadata(ctx context.Context, brokerID int32, controllerEpoch int32, partitions []model.TopicPartition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateMetadata = append(f.updateMetadata, partitions...)
	return nil
}

func newTestController(t *testing.T) (*Controller, *fakeStore, *fakeRPC) {
	t.Helper()
	store := newFakeStore()
	rpc := &fakeRPC{}
	ctrl := New(1, config.ControllerConfig{UncleanLeaderElectionEnable: true, DeleteTopicEnable: true}, store, nil, rpc, zap.NewNop())
	return ctrl, store, rpc
}

func TestControllerBecomesActiveAndProcessesTopicChange(t *testing.T) {
	ctrl, _, rpc := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)

	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	err := ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	})
	require.NoError(t, err)

	lai, ok := ctrl.ctx.Leadership(tp)
	require.True(t, ok)
	assert.Equal(t, int32(1), lai.Leader)
	assert.Equal(t, PartitionOnline, ctrl.ctx.PartitionState(tp))

	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	assert.Len(t, rpc.leaderAndISR, 3)
}

func TestControllerElectsOnBrokerOffline(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)
	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	}))
	require.NoError(t, ctrl.SubmitWait(ctx, eventBrokerChange, BrokerChange{BrokerID: 2, Live: true}))
	require.NoError(t, ctrl.SubmitWait(ctx, eventBrokerChange, BrokerChange{BrokerID: 3, Live: true}))

	require.NoError(t, ctrl.SubmitWait(ctx, eventBrokerChange, BrokerChange{BrokerID: 1, Live: false}))

	lai, ok := ctrl.ctx.Leadership(tp)
	require.True(t, ok)
	assert.NotEqual(t, int32(1), lai.Leader)
}

func TestControllerDeleteTopic(t *testing.T) {
	ctrl, store, rpc := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)
	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	require.NoError(t, ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	}))

	require.NoError(t, ctrl.SubmitWait(ctx, eventDeleteTopic, DeleteTopicRequest{Topic: "orders"}))

	assert.Empty(t, ctrl.ctx.Topics())
	_, ok := store.GetAssignment(model.TopicPartition{Topic: "orders", Partition: 0})
	assert.False(t, ok)

	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	assert.Len(t, rpc.stopReplica, 3)
}
