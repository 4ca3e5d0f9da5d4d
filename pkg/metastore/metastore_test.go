// Copyright 2025 Takhin Data, Inc.

package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/model"
)

func newSingleNodeClient(t *testing.T) *Client {
	t.Helper()
	_, transport := raft.NewInmemTransport("node-1")

	c, err := New(Config{
		NodeID:    "node-1",
		RaftDir:   t.TempDir(),
		Bootstrap: true,
		Transport: transport,
	}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Shutdown() })

	require.Eventually(t, c.IsLeader, 5*time.Second, 10*time.Millisecond)
	return c
}

func TestClaimAndResignCoordinator(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()

	epoch, err := c.ClaimCoordinator(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), epoch)
	assert.Equal(t, int32(1), c.CoordinatorBrokerID())

	epoch2, err := c.ClaimCoordinator(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), epoch2, "re-claiming by the same broker still bumps the epoch")

	_, err = c.ClaimCoordinator(ctx, 2)
	assert.ErrorIs(t, err, ErrNotCoordinator)

	require.NoError(t, c.ResignCoordinator(ctx, 1))
	assert.Equal(t, model.NoLeader, c.CoordinatorBrokerID())

	epoch3, err := c.ClaimCoordinator(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), epoch3)
}

func TestProposeAlterPartitionFencing(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()
	tp := model.TopicPartition{Topic: "orders", Partition: 0}

	committed, err := c.ProposeAlterPartition(ctx, tp, model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), committed.PartitionEpoch)

	committed2, err := c.ProposeAlterPartition(ctx, tp, model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1, 2}, PartitionEpoch: committed.PartitionEpoch})
	require.NoError(t, err)
	assert.Equal(t, int32(2), committed2.PartitionEpoch)
	assert.Equal(t, []int32{1, 2}, committed2.ISR)

	_, err = c.ProposeAlterPartition(ctx, tp, model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1}, PartitionEpoch: committed2.PartitionEpoch})
	assert.ErrorIs(t, err, ErrFencedLeaderEpoch)
}

func TestPutAssignmentAndDeleteTopic(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()
	tp := model.TopicPartition{Topic: "orders", Partition: 0}

	require.NoError(t, c.PutAssignment(ctx, tp, model.ReplicaAssignment{Replicas: []int32{1, 2, 3}}))

	assignment, ok := c.GetAssignment(tp)
	require.True(t, ok)
	assert.Equal(t, []int32{1, 2, 3}, assignment.Replicas)

	require.NoError(t, c.DeleteTopic(ctx, "orders"))
	_, ok = c.GetAssignment(tp)
	assert.False(t, ok)
}

func TestAllocateProducerIDBlock(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()

	block1, err := c.AllocateProducerIDBlock(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), block1.Start)
	assert.Equal(t, int64(99), block1.End)

	block2, err := c.AllocateProducerIDBlock(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(100), block2.Start)
	assert.Equal(t, int64(149), block2.End)
}

func TestWatchCoordinator(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()

	ch, cancel := c.Watch(WatchCoordinator, "")
	defer cancel()

	_, err := c.ClaimCoordinator(ctx, 1)
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected coordinator watch to fire")
	}
}

func TestWatchISRChangeIsKeyed(t *testing.T) {
	c := newSingleNodeClient(t)
	ctx := context.Background()
	tpA := model.TopicPartition{Topic: "orders", Partition: 0}
	tpB := model.TopicPartition{Topic: "orders", Partition: 1}

	chA, cancelA := c.Watch(WatchISRChange, partitionKey(tpA.Topic, tpA.Partition))
	defer cancelA()

	_, err := c.ProposeAlterPartition(ctx, tpB, model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1}})
	require.NoError(t, err)

	select {
	case <-chA:
		t.Fatal("watch on partition A should not fire for a mutation to partition B")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = c.ProposeAlterPartition(ctx, tpA, model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1}})
	require.NoError(t, err)

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected watch on partition A to fire")
	}
}
