// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/replica"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// Collector periodically collects storage and replication metrics from the
// replica manager's hosted partitions.
type Collector struct {
	replicaManager *replicamanager.ReplicaManager
	logger         *logger.Logger
	stopChan       chan struct{}
	interval       time.Duration
	// Track last ISR sizes to detect changes: "topic-partition" -> size
	lastISRSizes map[string]int
	isrMu        sync.RWMutex
}

// NewCollector creates a new metrics collector
func NewCollector(rm *replicamanager.ReplicaManager, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Collector{
		replicaManager: rm,
		logger:         logger.Default().WithComponent("metrics-collector"),
		stopChan:       make(chan struct{}),
		interval:       interval,
		lastISRSizes:   make(map[string]int),
	}
}

// Start begins periodic metrics collection
func (c *Collector) Start() {
	go c.collectLoop()
	c.logger.Info("metrics collector started", "interval", c.interval)
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	close(c.stopChan)
	c.logger.Info("metrics collector stopped")
}

func (c *Collector) collectLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collectMetrics()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collectMetrics() {
	c.collectStorageMetrics()
}

func (c *Collector) collectStorageMetrics() {
	if c.replicaManager == nil {
		return
	}

	for _, hp := range c.replicaManager.Partitions() {
		topicName := hp.TopicPartition.Topic
		partitionID := hp.TopicPartition.Partition
		r := hp.Replica

		diskUsage := r.DiskUsageBytes()
		segments := r.NumSegments()
		leo := r.LogEndOffset()
		hwm := r.HighWatermark()
		activeBytes := r.ActiveSegmentBytes()

		UpdateStorageMetrics(topicName, partitionID, diskUsage, segments, leo, hwm, activeBytes)

		c.collectReplicationMetrics(topicName, partitionID, r)
	}
}

func (c *Collector) collectReplicationMetrics(topicName string, partitionID int32, r *replica.Replica) {
	if !r.IsLeader() {
		return
	}

	assignment := r.Assignment()
	replicas := assignment.TargetReplicas()
	isr := r.ISR()
	if len(replicas) == 0 {
		return
	}

	oldISRSize := c.getLastISRSize(topicName, partitionID)
	newISRSize := len(isr)

	if oldISRSize > 0 && oldISRSize != newISRSize {
		if newISRSize < oldISRSize {
			RecordISRShrink(topicName, partitionID)
			c.logger.Warn("ISR shrunk",
				"topic", topicName,
				"partition", partitionID,
				"old_size", oldISRSize,
				"new_size", newISRSize)
		} else {
			RecordISRExpand(topicName, partitionID)
			c.logger.Info("ISR expanded",
				"topic", topicName,
				"partition", partitionID,
				"old_size", oldISRSize,
				"new_size", newISRSize)
		}
	}
	c.setLastISRSize(topicName, partitionID, newISRSize)

	UpdateReplicationMetrics(topicName, partitionID, 0, -1, len(isr), len(replicas))

	leaderLEO := r.LogEndOffset()
	for _, followerID := range replicas {
		leo, ok := r.FollowerLEO(followerID)
		if !ok {
			continue
		}

		lag := leaderLEO - leo
		if lag < 0 {
			lag = 0
		}
		UpdateReplicationMetrics(topicName, partitionID, followerID, lag, len(isr), len(replicas))
	}
}

// getLastISRSize returns the last known ISR size for a partition
func (c *Collector) getLastISRSize(topic string, partition int32) int {
	c.isrMu.RLock()
	defer c.isrMu.RUnlock()

	key := partitionKey(topic, partition)
	return c.lastISRSizes[key]
}

// setLastISRSize stores the ISR size for a partition
func (c *Collector) setLastISRSize(topic string, partition int32, size int) {
	c.isrMu.Lock()
	defer c.isrMu.Unlock()

	key := partitionKey(topic, partition)
	c.lastISRSizes[key] = size
}

// partitionKey generates a unique key for a partition
func partitionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}
