// Copyright 2025 Takhin Data, Inc.

package replicamanager

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cp, err := openHWCheckpoints(dir)
	require.NoError(t, err)
	require.NoError(t, cp.save(map[string]int64{
		"orders-0":     42,
		"audit-log-3":  7,
	}))

	reopened, err := openHWCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(42), reopened.get("orders-0"))
	assert.Equal(t, int64(7), reopened.get("audit-log-3"), "topics containing dashes split at the last one")
	assert.Equal(t, int64(0), reopened.get("unknown-1"))
}

func TestCheckpointFileFormat(t *testing.T) {
	dir := t.TempDir()

	cp, err := openHWCheckpoints(dir)
	require.NoError(t, err)
	require.NoError(t, cp.save(map[string]int64{"orders-0": 10}))

	data, err := os.ReadFile(filepath.Join(dir, "replication-offset-checkpoint"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "0", lines[0], "version line")
	assert.Equal(t, "1", lines[1], "count line")
	assert.Equal(t, "orders 0 10", lines[2])
}

func TestCheckpointDeleteDropsEntry(t *testing.T) {
	dir := t.TempDir()

	cp, err := openHWCheckpoints(dir)
	require.NoError(t, err)
	require.NoError(t, cp.save(map[string]int64{"orders-0": 10}))

	cp.delete("orders-0")
	require.NoError(t, cp.save(nil))

	reopened, err := openHWCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(0), reopened.get("orders-0"))
}
