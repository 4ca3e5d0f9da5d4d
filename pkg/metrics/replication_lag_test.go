// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

func TestReplicationLagMetrics(t *testing.T) {
	tests := []struct {
		name          string
		topic         string
		partition     int32
		followerID    int32
		lag           int64
		expectedValue float64
	}{
		{name: "zero lag", topic: "test-topic", partition: 0, followerID: 2, lag: 0, expectedValue: 0},
		{name: "small lag", topic: "test-topic", partition: 1, followerID: 3, lag: 100, expectedValue: 100},
		{name: "large lag", topic: "test-topic-2", partition: 0, followerID: 2, lag: 10000, expectedValue: 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ReplicationLag.Reset()

			UpdateReplicationMetrics(tt.topic, tt.partition, tt.followerID, tt.lag, 2, 3)

			labels := prometheus.Labels{
				"topic":       tt.topic,
				"partition":   string(rune('0' + tt.partition)),
				"follower_id": string(rune('0' + tt.followerID)),
			}
			gauge := ReplicationLag.With(labels)
			value := testutil.ToFloat64(gauge)
			assert.Equal(t, tt.expectedValue, value)
		})
	}
}

func TestReplicationLagTimeMetrics(t *testing.T) {
	tests := []struct {
		name          string
		topic         string
		partition     int32
		followerID    int32
		lagMs         int64
		expectedValue float64
	}{
		{name: "recent fetch", topic: "test-topic", partition: 0, followerID: 2, lagMs: 100, expectedValue: 100},
		{name: "stale fetch", topic: "test-topic", partition: 1, followerID: 3, lagMs: 15000, expectedValue: 15000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ReplicationLagTimeMs.Reset()

			UpdateReplicationLagTime(tt.topic, tt.partition, tt.followerID, tt.lagMs)

			labels := prometheus.Labels{
				"topic":       tt.topic,
				"partition":   string(rune('0' + tt.partition)),
				"follower_id": string(rune('0' + tt.followerID)),
			}
			gauge := ReplicationLagTimeMs.With(labels)
			value := testutil.ToFloat64(gauge)
			assert.Equal(t, tt.expectedValue, value)
		})
	}
}

func TestISRMetrics(t *testing.T) {
	tests := []struct {
		name              string
		topic             string
		partition         int32
		isrSize           int
		replicasTotal     int
		expectedISRSize   float64
		expectedReplicas  float64
		expectedUnderRepl float64
	}{
		{name: "fully replicated", topic: "test-topic", partition: 0, isrSize: 3, replicasTotal: 3, expectedISRSize: 3, expectedReplicas: 3, expectedUnderRepl: 0},
		{name: "under replicated", topic: "test-topic", partition: 1, isrSize: 2, replicasTotal: 3, expectedISRSize: 2, expectedReplicas: 3, expectedUnderRepl: 1},
		{name: "single replica", topic: "test-topic-2", partition: 0, isrSize: 1, replicasTotal: 1, expectedISRSize: 1, expectedReplicas: 1, expectedUnderRepl: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ReplicationISRSize.Reset()
			ReplicationReplicasTotal.Reset()
			ReplicationUnderReplicated.Reset()

			UpdateReplicationMetrics(tt.topic, tt.partition, 0, -1, tt.isrSize, tt.replicasTotal)

			labels := prometheus.Labels{
				"topic":     tt.topic,
				"partition": string(rune('0' + tt.partition)),
			}
			isrGauge := ReplicationISRSize.With(labels)
			assert.Equal(t, tt.expectedISRSize, testutil.ToFloat64(isrGauge))

			replicasGauge := ReplicationReplicasTotal.With(labels)
			assert.Equal(t, tt.expectedReplicas, testutil.ToFloat64(replicasGauge))

			underReplGauge := ReplicationUnderReplicated.With(labels)
			assert.Equal(t, tt.expectedUnderRepl, testutil.ToFloat64(underReplGauge))
		})
	}
}

func TestISRChangeMetrics(t *testing.T) {
	ReplicationISRShrinks.Reset()
	ReplicationISRExpands.Reset()

	topic := "test-topic"
	partition := int32(0)

	RecordISRShrink(topic, partition)
	labels := prometheus.Labels{"topic": topic, "partition": "0"}
	shrinkCounter := ReplicationISRShrinks.With(labels)
	assert.Equal(t, float64(1), testutil.ToFloat64(shrinkCounter))

	RecordISRShrink(topic, partition)
	assert.Equal(t, float64(2), testutil.ToFloat64(shrinkCounter))

	RecordISRExpand(topic, partition)
	expandCounter := ReplicationISRExpands.With(labels)
	assert.Equal(t, float64(1), testutil.ToFloat64(expandCounter))
}

func TestReplicationBytesMetrics(t *testing.T) {
	ReplicationBytesInRate.Reset()
	ReplicationBytesOutRate.Reset()

	topic := "test-topic"
	partition := int32(0)

	RecordReplicationBytesIn(topic, partition, 1024)
	RecordReplicationBytesIn(topic, partition, 2048)

	labels := prometheus.Labels{"topic": topic, "partition": "0"}
	bytesInCounter := ReplicationBytesInRate.With(labels)
	assert.Equal(t, float64(3072), testutil.ToFloat64(bytesInCounter))

	RecordReplicationBytesOut(topic, partition, 512)
	bytesOutCounter := ReplicationBytesOutRate.With(labels)
	assert.Equal(t, float64(512), testutil.ToFloat64(bytesOutCounter))
}

func TestReplicationFetchMetrics(t *testing.T) {
	ReplicationFetchRequestsTotal.Reset()
	ReplicationFetchLatency.Reset()

	followerID := int32(2)

	RecordReplicationFetch(followerID, 50*time.Millisecond)

	labels := prometheus.Labels{"follower_id": "2"}
	counter := ReplicationFetchRequestsTotal.With(labels)
	assert.Equal(t, float64(1), testutil.ToFloat64(counter))

	RecordReplicationFetch(followerID, 100*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))
}

func newTestManager(t *testing.T) *replicamanager.ReplicaManager {
	t.Helper()
	rm, err := replicamanager.New(replicamanager.Config{
		BrokerID:        1,
		LogRootDir:      t.TempDir(),
		MaxSegmentBytes: 1024 * 1024,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rm.Close() })
	return rm
}

func TestCollectorReplicationMetrics(t *testing.T) {
	rm := newTestManager(t)

	tp := model.TopicPartition{Topic: "test-topic", Partition: 0}
	err := rm.BecomeLeaderOrFollower(1, []replicamanager.RoleChange{
		{
			TopicPartition: tp,
			IsLeader:       true,
			State: replica.LeaderState{
				LeaderAndISR: model.LeaderAndISR{Leader: 1, LeaderEpoch: 0, ISR: []int32{1, 2, 3}, PartitionEpoch: 0},
				Assignment:   model.ReplicaAssignment{Replicas: []int32{1, 2, 3}},
			},
		},
	}, nil)
	require.NoError(t, err)

	r, ok := rm.GetReplica(tp)
	require.True(t, ok)
	_, err = r.AppendRecordsToLeader(nil, []byte("hello"))
	require.NoError(t, err)

	_, err = r.FetchRecords(0, 1024, 2, 1, model.NoEpoch)
	require.NoError(t, err)
	_, err = r.FetchRecords(0, 1024, 3, 1, model.NoEpoch)
	require.NoError(t, err)

	ReplicationISRSize.Reset()
	ReplicationReplicasTotal.Reset()

	collector := NewCollector(rm, 30*time.Second)
	collector.collectStorageMetrics()

	labels := prometheus.Labels{"topic": "test-topic", "partition": "0"}
	isrGauge := ReplicationISRSize.With(labels)
	assert.Equal(t, float64(3), testutil.ToFloat64(isrGauge))

	replicasGauge := ReplicationReplicasTotal.With(labels)
	assert.Equal(t, float64(3), testutil.ToFloat64(replicasGauge))
}
