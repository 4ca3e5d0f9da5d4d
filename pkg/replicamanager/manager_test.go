// Copyright 2025 Takhin Data, Inc.

package replicamanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
)

type noopFetchers struct{}

func (noopFetchers) AddFollower(model.TopicPartition, int32, int64) {}
func (noopFetchers) RemoveFollower(model.TopicPartition)            {}

func newTestManager(t *testing.T, brokerID int32) *ReplicaManager {
	t.Helper()
	m, err := New(Config{
		BrokerID:        brokerID,
		LogRootDir:      t.TempDir(),
		MaxSegmentBytes: 1024 * 1024,
		Fetchers:        noopFetchers{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func tp() model.TopicPartition {
	return model.TopicPartition{Topic: "orders", Partition: 0}
}

func TestBecomeLeaderThenAppendAndFetch(t *testing.T) {
	m := newTestManager(t, 1)

	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	var appendResults []LogAppendResult
	m.AppendRecords(context.Background(), 1, time.Second, []PerPartitionAppend{
		{TopicPartition: tp(), Key: []byte("k"), Value: []byte("v")},
	}, func(r []LogAppendResult) { appendResults = r })

	require.Len(t, appendResults, 1)
	require.NoError(t, appendResults[0].Err)
	assert.Equal(t, int64(0), appendResults[0].BaseOffset)

	var fetchResults []FetchResult
	m.FetchRecords(context.Background(), 0, 0, []FetchInfo{
		{TopicPartition: tp(), FetchOffset: 0, MaxBytes: 1 << 20},
	}, func(r []FetchResult) { fetchResults = r })

	require.Len(t, fetchResults, 1)
	require.NoError(t, fetchResults[0].Err)
	assert.Len(t, fetchResults[0].Info.Records, 1)
}

func TestAppendRecordsRejectsInvalidAcks(t *testing.T) {
	m := newTestManager(t, 1)

	var results []LogAppendResult
	m.AppendRecords(context.Background(), 2, time.Second, []PerPartitionAppend{
		{TopicPartition: tp()},
	}, func(r []LogAppendResult) { results = r })

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestStopReplicaRemovesHostedPartition(t *testing.T) {
	m := newTestManager(t, 1)
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	require.NoError(t, m.StopReplica(tp(), false))
	_, ok := m.GetReplica(tp())
	assert.False(t, ok)
}

func TestDeleteRecordsAdvancesLowWatermark(t *testing.T) {
	m := newTestManager(t, 1)
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		var results []LogAppendResult
		m.AppendRecords(context.Background(), 1, time.Second, []PerPartitionAppend{
			{TopicPartition: tp(), Value: []byte("v")},
		}, func(r []LogAppendResult) { results = r })
		require.NoError(t, results[0].Err)
	}

	var results []DeleteRecordsResult
	m.DeleteRecords(context.Background(), time.Second, []PerPartitionDelete{
		{TopicPartition: tp(), Offset: 3},
	}, func(r []DeleteRecordsResult) { results = r })

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(3), results[0].LowWatermark)
}

func TestDeleteRecordsUnknownPartition(t *testing.T) {
	m := newTestManager(t, 1)

	var results []DeleteRecordsResult
	m.DeleteRecords(context.Background(), time.Second, []PerPartitionDelete{
		{TopicPartition: tp(), Offset: 3},
	}, func(r []DeleteRecordsResult) { results = r })

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestOffsetForLeaderEpoch(t *testing.T) {
	m := newTestManager(t, 1)
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	var appendResults []LogAppendResult
	m.AppendRecords(context.Background(), 1, time.Second, []PerPartitionAppend{
		{TopicPartition: tp(), Value: []byte("v")},
	}, func(r []LogAppendResult) { appendResults = r })
	require.NoError(t, appendResults[0].Err)

	results := m.OffsetForLeaderEpoch([]PerPartitionEpoch{
		{TopicPartition: tp(), LeaderEpoch: 1},
	})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(1), results[0].EndOffset)
}

func TestElectLeadersCompletesOnceLeaderArrives(t *testing.T) {
	m := newTestManager(t, 1)

	done := make(chan []ElectLeaderResult, 1)
	m.ElectLeaders(context.Background(), time.Second, []model.TopicPartition{tp()}, func(r []ElectLeaderResult) {
		done <- r
	})

	// The coordinator's decision lands as a LeaderAndISR; that role change
	// must wake the elect-leader waiter.
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	select {
	case results := <-done:
		require.Len(t, results, 1)
		require.NoError(t, results[0].Err)
		assert.Equal(t, int32(1), results[0].Leader)
	case <-time.After(2 * time.Second):
		t.Fatal("elect-leader waiter never completed")
	}
}

func TestElectLeadersExpiresWhenNoLeaderArrives(t *testing.T) {
	m := newTestManager(t, 1)

	done := make(chan []ElectLeaderResult, 1)
	m.ElectLeaders(context.Background(), 20*time.Millisecond, []model.TopicPartition{tp()}, func(r []ElectLeaderResult) {
		done <- r
	})

	select {
	case results := <-done:
		require.Len(t, results, 1)
		require.Error(t, results[0].Err)
	case <-time.After(2 * time.Second):
		t.Fatal("elect-leader waiter never expired")
	}
}

type fakeTxnVerifier struct {
	verified map[model.TopicPartition]bool
}

func (f fakeTxnVerifier) VerifyTransaction(_ context.Context, _ string, _ []model.TopicPartition) (map[model.TopicPartition]bool, error) {
	return f.verified, nil
}

func TestAppendTransactionalRecordsSkipsUnverifiedPartitions(t *testing.T) {
	m, err := New(Config{
		BrokerID:        1,
		LogRootDir:      t.TempDir(),
		MaxSegmentBytes: 1024 * 1024,
		Fetchers:        noopFetchers{},
		TxnVerification: true,
		TxnVerifier:     fakeTxnVerifier{verified: map[model.TopicPartition]bool{tp(): true}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	other := model.TopicPartition{Topic: "orders", Partition: 1}
	require.NoError(t, m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil))

	var results []LogAppendResult
	m.AppendTransactionalRecords(context.Background(), "txn-1", 1, time.Second, []PerPartitionAppend{
		{TopicPartition: tp(), Value: []byte("v")},
		{TopicPartition: other, Value: []byte("v")},
	}, func(r []LogAppendResult) { results = r })

	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err, "unverified partition fails with a transaction error")
}

func TestHandleLogDirFailureMarksPartitionsOffline(t *testing.T) {
	m := newTestManager(t, 1)
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	m.mu.RLock()
	dir := m.partitions[key(tp())].dir
	m.mu.RUnlock()

	require.NoError(t, m.HandleLogDirFailure(context.Background(), dir))
	_, ok := m.GetReplica(tp())
	assert.False(t, ok, "offline partitions are not returned as hosted")
}

func TestReportLogDirFailureDrainsChannel(t *testing.T) {
	m := newTestManager(t, 1)
	err := m.BecomeLeaderOrFollower(1, []RoleChange{{
		TopicPartition: tp(),
		IsLeader:       true,
		State: replica.LeaderState{
			LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 1, ISR: []int32{1}, PartitionEpoch: 1},
			Assignment:   model.ReplicaAssignment{Replicas: []int32{1}},
		},
	}}, nil)
	require.NoError(t, err)

	m.mu.RLock()
	dir := m.partitions[key(tp())].dir
	m.mu.RUnlock()

	// The log layer reports the failure; the dedicated drain goroutine must
	// take the partition offline without any direct call.
	m.ReportLogDirFailure(dir)

	require.Eventually(t, func() bool {
		_, ok := m.GetReplica(tp())
		return !ok
	}, time.Second, 5*time.Millisecond)
}
