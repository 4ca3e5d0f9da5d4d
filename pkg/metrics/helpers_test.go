// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateStorageMetrics(t *testing.T) {
	UpdateStorageMetrics("test-topic", 0, 10485760, 5, 1000, 950, 2097152)
}

func TestUpdateReplicationMetrics(t *testing.T) {
	UpdateReplicationMetrics("test-topic", 0, 2, 10, 3, 3)
	UpdateReplicationMetrics("test-topic", 0, 3, 5, 3, 3)
}

func TestRecordReplicationFetch(t *testing.T) {
	RecordReplicationFetch(2, 30*time.Millisecond)
}

func TestRecordStorageError(t *testing.T) {
	RecordStorageError("test-topic", "read")
	RecordStorageError("test-topic", "write")
}

func TestPurgatoryHelpers(t *testing.T) {
	UpdatePurgatorySize("produce", 4)
	RecordPurgatoryCompletion("produce", "satisfied")
	RecordPurgatoryCompletion("produce", "expired")
}

func TestControllerHelpers(t *testing.T) {
	SetControllerState(7, true)
	SetControllerState(7, false)
	RecordStaleControllerEpoch("LeaderAndISR")
	RecordFencedLeaderEpoch("test-topic")
}

func TestFetcherHelpers(t *testing.T) {
	RecordFetcherLag("test-topic", 42)
}

func TestMetricsServer(t *testing.T) {
	// Test with disabled metrics
	server := &Server{
		stopChan: make(chan struct{}),
	}

	err := server.Stop()
	assert.NoError(t, err)
}
