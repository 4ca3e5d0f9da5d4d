// Copyright 2025 Takhin Data, Inc.

package replica

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/logstore"
	"github.com/riftlog/riftlog/pkg/model"
)

func newTestReplica(t *testing.T, brokerID int32) *Replica {
	t.Helper()
	log, err := logstore.Open(logstore.Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return New(Config{
		TopicPartition: model.TopicPartition{Topic: "orders", Partition: 0},
		BrokerID:       brokerID,
		Log:            log,
	})
}

func leaderState(epoch int32, replicas []int32) LeaderState {
	return LeaderState{
		LeaderAndISR: model.LeaderAndISR{Leader: replicas[0], LeaderEpoch: epoch, ISR: replicas, PartitionEpoch: 1},
		Assignment:   model.ReplicaAssignment{Replicas: replicas},
	}
}

func TestMakeLeaderThenAppendAdvancesHWOnlyOverISR(t *testing.T) {
	r := newTestReplica(t, 1)

	advanced, err := r.MakeLeader(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.True(t, r.IsLeader())

	info, err := r.AppendRecordsToLeader([]byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.BaseOffset)

	// Followers haven't fetched yet, so HW stays at 0 even though LEO is 1.
	assert.Equal(t, int64(0), r.HighWatermark())
	assert.Equal(t, int64(1), r.LogEndOffset())
}

func TestUpdateFollowerFetchStateAdvancesHW(t *testing.T) {
	r := newTestReplica(t, 1)
	_, err := r.MakeLeader(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v"))
	require.NoError(t, err)

	r.UpdateFollowerFetchState(2, 1)
	assert.Equal(t, int64(0), r.HighWatermark(), "HW waits on every ISR member")

	r.UpdateFollowerFetchState(3, 1)
	assert.Equal(t, int64(1), r.HighWatermark(), "HW advances once every ISR member has caught up")
}

func TestMakeLeaderRejectsStaleEpoch(t *testing.T) {
	r := newTestReplica(t, 1)
	_, err := r.MakeLeader(leaderState(5, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	_, err = r.MakeLeader(leaderState(3, []int32{1, 2, 3}), 0, uuid.New())
	require.Error(t, err)
}

func TestMakeFollowerBypassesEpochCheckOnSentinels(t *testing.T) {
	r := newTestReplica(t, 2)
	_, err := r.MakeFollower(leaderState(model.NoEpoch, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)
	assert.False(t, r.IsLeader())
}

func TestFetchRecordsReturnsWatermarks(t *testing.T) {
	r := newTestReplica(t, 1)
	_, err := r.MakeLeader(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v"))
	require.NoError(t, err)

	info, err := r.FetchRecords(0, 1<<20, 0, 0, model.NoEpoch)
	require.NoError(t, err)
	assert.Len(t, info.Records, 1)
	assert.Equal(t, int64(1), info.LogEndOffset)
}

func TestDeleteRecordsOnLeaderRequiresLeadership(t *testing.T) {
	r := newTestReplica(t, 2)
	_, err := r.MakeFollower(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	_, err = r.DeleteRecordsOnLeader(0)
	require.Error(t, err)
}

func TestLastOffsetForLeaderEpochTracksEpochBoundaries(t *testing.T) {
	r := newTestReplica(t, 1)
	_, err := r.MakeLeader(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v1"))
	require.NoError(t, err)

	_, err = r.MakeLeader(leaderState(2, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)
	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	end, err := r.LastOffsetForLeaderEpoch(nil, 1, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), end.EndOffset)
}

func TestFetchRecordsReportsDivergingEpoch(t *testing.T) {
	r := newTestReplica(t, 1)
	_, err := r.MakeLeader(leaderState(1, []int32{1, 2}), 0, uuid.New())
	require.NoError(t, err)
	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v1"))
	require.NoError(t, err)

	_, err = r.MakeLeader(leaderState(2, []int32{1, 2}), 0, uuid.New())
	require.NoError(t, err)
	_, err = r.AppendRecordsToLeader([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	// Follower 2 claims epoch-1 records up to offset 3, but epoch 1 ended at
	// offset 1 on this leader: diverging.
	info, err := r.FetchRecords(3, 1<<20, 2, 3, 1)
	require.NoError(t, err)
	require.NotNil(t, info.DivergingEpoch)
	assert.Equal(t, int32(1), *info.DivergingEpoch)
	assert.Equal(t, int64(1), info.DivergingEndOffset)
	assert.Empty(t, info.Records)

	// A follower still within epoch 1's range is not diverging.
	info, err = r.FetchRecords(1, 1<<20, 2, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, info.DivergingEpoch)
}

func TestTruncateFollowerLogDropsSuffix(t *testing.T) {
	r := newTestReplica(t, 2)
	_, err := r.MakeFollower(leaderState(1, []int32{1, 2}), 0, uuid.New())
	require.NoError(t, err)

	records := []*logstore.Record{
		{Key: []byte("k"), Value: []byte("v1")},
		{Key: []byte("k"), Value: []byte("v2")},
		{Key: []byte("k"), Value: []byte("v3")},
	}
	_, err = r.AppendFetchedRecords(records, 1, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), r.LogEndOffset())

	leo, err := r.TruncateFollowerLog(1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), leo)
	assert.Equal(t, int64(1), r.LogEndOffset())
	assert.LessOrEqual(t, r.HighWatermark(), leo)
}

type fakeProposer struct {
	calls int
}

func (f *fakeProposer) ProposeAlterPartition(_ context.Context, _ model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error) {
	f.calls++
	proposed.PartitionEpoch++
	return proposed, nil
}

func TestMaybeShrinkISRDropsLaggingFollowerAndProposes(t *testing.T) {
	log, err := logstore.Open(logstore.Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer log.Close()

	proposer := &fakeProposer{}
	r := New(Config{
		TopicPartition:      model.TopicPartition{Topic: "orders", Partition: 0},
		BrokerID:            1,
		Log:                 log,
		ReplicaLagTimeMaxMs: 1,
		Proposer:            proposer,
	})
	_, err = r.MakeLeader(leaderState(1, []int32{1, 2, 3}), 0, uuid.New())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.MaybeShrinkISR()

	assert.NotContains(t, r.ISR(), int32(2))
	assert.NotContains(t, r.ISR(), int32(3))
	assert.Positive(t, proposer.calls)
}
