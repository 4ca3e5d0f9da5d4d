// Copyright 2025 Takhin Data, Inc.

package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/logstore"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

type fakeClient struct {
	mu    sync.Mutex
	calls int
	fn    func(leaderID int32, reqs []FetchRequest) ([]FetchResponse, error)
}

func (f *fakeClient) Fetch(ctx context.Context, leaderID int32, reqs []FetchRequest) ([]FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(leaderID, reqs)
}

func newFollowerManager(t *testing.T, tp model.TopicPartition) *replicamanager.ReplicaManager {
	t.Helper()
	rm, err := replicamanager.New(replicamanager.Config{
		BrokerID:        2,
		LogRootDir:      t.TempDir(),
		MaxSegmentBytes: 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rm.Close() })

	err = rm.BecomeLeaderOrFollower(1, []replicamanager.RoleChange{
		{
			TopicPartition: tp,
			IsLeader:       false,
			State: replica.LeaderState{
				LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1, 2}},
				Assignment:   model.ReplicaAssignment{Replicas: []int32{1, 2}},
			},
		},
	}, nil)
	require.NoError(t, err)
	return rm
}

func TestPoolAppliesFetchedRecords(t *testing.T) {
	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	rm := newFollowerManager(t, tp)

	served := false
	client := &fakeClient{fn: func(leaderID int32, reqs []FetchRequest) ([]FetchResponse, error) {
		assert.Equal(t, int32(1), leaderID)
		require.Len(t, reqs, 1)
		if served {
			return []FetchResponse{{TopicPartition: tp, Records: nil, HighWatermark: 2, LeaderEpoch: 0}}, nil
		}
		served = true
		return []FetchResponse{{
			TopicPartition: tp,
			Records: []Record{
				{Key: []byte("k1"), Value: []byte("v1")},
				{Key: []byte("k2"), Value: []byte("v2")},
			},
			HighWatermark: 2,
			LeaderEpoch:   0,
		}}, nil
	}}

	pool := New(Config{
		NumWorkers:     1,
		FetchInterval:  20 * time.Millisecond,
		BrokerID:       2,
		Client:         client,
		Replicas:       rm,
		RequestsPerSec: 1000,
	})
	pool.AddFollower(tp, 1, 0)
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		r, ok := rm.GetReplica(tp)
		return ok && r.LogEndOffset() == 2
	}, time.Second, 10*time.Millisecond)

	r, ok := rm.GetReplica(tp)
	require.True(t, ok)
	assert.Equal(t, int64(2), r.HighWatermark())
}

func TestPoolRemoveFollowerStopsFetching(t *testing.T) {
	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	rm := newFollowerManager(t, tp)

	client := &fakeClient{fn: func(leaderID int32, reqs []FetchRequest) ([]FetchResponse, error) {
		t.Fatal("fetch should not be called after RemoveFollower")
		return nil, nil
	}}

	pool := New(Config{NumWorkers: 1, FetchInterval: 10 * time.Millisecond, Client: client, Replicas: rm})
	pool.AddFollower(tp, 1, 0)
	pool.RemoveFollower(tp)
	pool.Start()
	defer pool.Stop()

	time.Sleep(50 * time.Millisecond)
}

func TestPoolTruncatesOnDivergingEpoch(t *testing.T) {
	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	rm := newFollowerManager(t, tp)

	// Seed the follower with three records it will turn out to have fetched
	// from a deposed leader.
	r, ok := rm.GetReplica(tp)
	require.True(t, ok)
	var seeded int64
	for i := 0; i < 3; i++ {
		var err error
		seeded, err = r.AppendFetchedRecords([]*logstore.Record{{Value: []byte("stale")}}, 0, 0)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), seeded)

	epoch := int32(0)
	client := &fakeClient{fn: func(leaderID int32, reqs []FetchRequest) ([]FetchResponse, error) {
		return []FetchResponse{{
			TopicPartition:     tp,
			DivergingEpoch:     &epoch,
			DivergingEndOffset: 1,
			LeaderEpoch:        1,
		}}, nil
	}}

	pool := New(Config{NumWorkers: 1, FetchInterval: 10 * time.Millisecond, BrokerID: 2, Client: client, Replicas: rm, RequestsPerSec: 1000})
	pool.AddFollower(tp, 1, 3)
	pool.Start()
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return r.LogEndOffset() == 1
	}, time.Second, 10*time.Millisecond, "diverging suffix should be truncated")
}

func TestLoopbackClientServesLocalLeader(t *testing.T) {
	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	rm, err := replicamanager.New(replicamanager.Config{
		BrokerID:        1,
		LogRootDir:      t.TempDir(),
		MaxSegmentBytes: 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rm.Close() })

	require.NoError(t, rm.BecomeLeaderOrFollower(1, []replicamanager.RoleChange{{
		TopicPartition: tp,
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil))

	var appended []replicamanager.LogAppendResult
	rm.AppendRecords(context.Background(), 1, time.Second, []replicamanager.PerPartitionAppend{
		{TopicPartition: tp, Key: []byte("k"), Value: []byte("v")},
	}, func(r []replicamanager.LogAppendResult) { appended = r })
	require.NoError(t, appended[0].Err)

	client := LoopbackClient{Replicas: rm}
	resps, err := client.Fetch(context.Background(), 0, []FetchRequest{
		{TopicPartition: tp, FetchOffset: 0, MaxBytes: 1 << 20},
	})
	require.NoError(t, err)
	require.Len(t, resps, 1)
	require.NoError(t, resps[0].Err)
	assert.Len(t, resps[0].Records, 1)
	assert.Equal(t, int32(1), resps[0].LeaderEpoch)
}

func TestShardForIsStable(t *testing.T) {
	pool := New(Config{NumWorkers: 4})
	tp := model.TopicPartition{Topic: "orders", Partition: 3}
	assert.Same(t, pool.shardFor(tp), pool.shardFor(tp))
}
