// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"strconv"
	"time"
)

// UpdateStorageMetrics updates storage-related metrics for a topic partition
func UpdateStorageMetrics(topic string, partition int32, diskUsage int64, segments int, logEndOffset int64, highWatermark int64, activeSegmentSize int64) {
	partitionStr := strconv.Itoa(int(partition))

	StorageDiskUsageBytes.WithLabelValues(topic, partitionStr).Set(float64(diskUsage))
	StorageLogSegments.WithLabelValues(topic, partitionStr).Set(float64(segments))
	StorageLogEndOffset.WithLabelValues(topic, partitionStr).Set(float64(logEndOffset))
	StorageHighWatermark.WithLabelValues(topic, partitionStr).Set(float64(highWatermark))
	StorageActiveSegmentBytes.WithLabelValues(topic, partitionStr).Set(float64(activeSegmentSize))
}

// RecordStorageError records a storage I/O error
func RecordStorageError(topic string, operation string) {
	StorageIOErrors.WithLabelValues(topic, operation).Inc()
}

// UpdateReplicationMetrics updates replication metrics for a partition
func UpdateReplicationMetrics(topic string, partition int32, followerID int32, lag int64, isrSize int, replicasTotal int) {
	partitionStr := strconv.Itoa(int(partition))
	followerIDStr := strconv.Itoa(int(followerID))

	if lag >= 0 {
		ReplicationLag.WithLabelValues(topic, partitionStr, followerIDStr).Set(float64(lag))
	}

	ReplicationISRSize.WithLabelValues(topic, partitionStr).Set(float64(isrSize))
	ReplicationReplicasTotal.WithLabelValues(topic, partitionStr).Set(float64(replicasTotal))

	if isrSize < replicasTotal {
		ReplicationUnderReplicated.WithLabelValues(topic, partitionStr).Set(1)
	} else {
		ReplicationUnderReplicated.WithLabelValues(topic, partitionStr).Set(0)
	}
}

// UpdateReplicationLagTime updates replication lag time metrics
func UpdateReplicationLagTime(topic string, partition int32, followerID int32, lagMs int64) {
	partitionStr := strconv.Itoa(int(partition))
	followerIDStr := strconv.Itoa(int(followerID))

	ReplicationLagTimeMs.WithLabelValues(topic, partitionStr, followerIDStr).Set(float64(lagMs))
}

// RecordISRShrink records an ISR shrink event
func RecordISRShrink(topic string, partition int32) {
	partitionStr := strconv.Itoa(int(partition))
	ReplicationISRShrinks.WithLabelValues(topic, partitionStr).Inc()
}

// RecordISRExpand records an ISR expand event
func RecordISRExpand(topic string, partition int32) {
	partitionStr := strconv.Itoa(int(partition))
	ReplicationISRExpands.WithLabelValues(topic, partitionStr).Inc()
}

// RecordReplicationBytesIn records bytes received from leader
func RecordReplicationBytesIn(topic string, partition int32, bytes int64) {
	partitionStr := strconv.Itoa(int(partition))
	ReplicationBytesInRate.WithLabelValues(topic, partitionStr).Add(float64(bytes))
}

// RecordReplicationBytesOut records bytes sent to followers
func RecordReplicationBytesOut(topic string, partition int32, bytes int64) {
	partitionStr := strconv.Itoa(int(partition))
	ReplicationBytesOutRate.WithLabelValues(topic, partitionStr).Add(float64(bytes))
}

// RecordReplicationFetch records a replication fetch request
func RecordReplicationFetch(followerID int32, duration time.Duration) {
	followerIDStr := strconv.Itoa(int(followerID))

	ReplicationFetchRequestsTotal.WithLabelValues(followerIDStr).Inc()
	ReplicationFetchLatency.WithLabelValues(followerIDStr).Observe(duration.Seconds())
}

// UpdatePurgatorySize updates the watched-operation count for a named purgatory.
func UpdatePurgatorySize(purgatory string, size int) {
	PurgatorySize.WithLabelValues(purgatory).Set(float64(size))
}

// RecordPurgatoryCompletion records a delayed operation leaving a purgatory,
// tagged with how it completed (satisfied, expired).
func RecordPurgatoryCompletion(purgatory, outcome string) {
	PurgatoryCompletionsTotal.WithLabelValues(purgatory, outcome).Inc()
}

// SetControllerState updates the controller epoch and active-coordinator gauges.
func SetControllerState(epoch int32, active bool) {
	ControllerEpoch.Set(float64(epoch))
	if active {
		ControllerActive.Set(1)
	} else {
		ControllerActive.Set(0)
	}
}

// RecordStaleControllerEpoch records a control RPC rejected for a stale epoch.
func RecordStaleControllerEpoch(rpc string) {
	ControllerStaleEpochRejectionsTotal.WithLabelValues(rpc).Inc()
}

// RecordFencedLeaderEpoch records a produce/fetch request rejected for a stale leader epoch.
func RecordFencedLeaderEpoch(topic string) {
	FencedLeaderEpochRejectionsTotal.WithLabelValues(topic).Inc()
}

// RecordFetcherLag observes a follower fetcher's lag behind the leader LEO.
func RecordFetcherLag(topic string, lagMessages int64) {
	FetcherLagMessages.WithLabelValues(topic).Observe(float64(lagMessages))
}
