// Copyright 2025 Takhin Data, Inc.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaftConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Broker:      BrokerConfig{ID: 1, LogDirs: []string{"/tmp/x"}},
			Replication: ReplicationConfig{ReplicaLagTimeMaxMs: 10000, MaxSegmentBytes: 1024},
			Logging:     LoggingConfig{Level: "info"},
		}
	}

	tests := []struct {
		name    string
		raft    RaftConfig
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid raft config",
			raft: RaftConfig{
				HeartbeatTimeoutMs:   1000,
				ElectionTimeoutMs:    3000,
				LeaderLeaseTimeoutMs: 500,
				CommitTimeoutMs:      50,
				PreVoteEnabled:       true,
			},
			wantErr: false,
		},
		{
			name: "heartbeat timeout too low",
			raft: RaftConfig{
				HeartbeatTimeoutMs:   50,
				ElectionTimeoutMs:    3000,
				LeaderLeaseTimeoutMs: 500,
			},
			wantErr: true,
			errMsg:  "invalid heartbeat timeout: 50ms (minimum 100ms)",
		},
		{
			name: "election timeout less than heartbeat",
			raft: RaftConfig{
				HeartbeatTimeoutMs:   2000,
				ElectionTimeoutMs:    1000,
				LeaderLeaseTimeoutMs: 500,
			},
			wantErr: true,
			errMsg:  "election timeout (1000ms) must be >= heartbeat timeout (2000ms)",
		},
		{
			name: "leader lease timeout too low",
			raft: RaftConfig{
				HeartbeatTimeoutMs:   1000,
				ElectionTimeoutMs:    3000,
				LeaderLeaseTimeoutMs: 50,
			},
			wantErr: true,
			errMsg:  "invalid leader lease timeout: 50ms (minimum 100ms)",
		},
		{
			name:    "no raft config (should pass - uses defaults)",
			raft:    RaftConfig{},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			cfg.Raft = tt.raft
			err := validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRaftConfigDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, 1000, cfg.Raft.HeartbeatTimeoutMs, "heartbeat timeout default")
	assert.Equal(t, 3000, cfg.Raft.ElectionTimeoutMs, "election timeout default")
	assert.Equal(t, 500, cfg.Raft.LeaderLeaseTimeoutMs, "leader lease timeout default")
	assert.Equal(t, 50, cfg.Raft.CommitTimeoutMs, "commit timeout default")
	assert.Equal(t, 120000, cfg.Raft.SnapshotIntervalMs, "snapshot interval default")
	assert.Equal(t, 8192, cfg.Raft.SnapshotThreshold, "snapshot threshold default")
	assert.Equal(t, 64, cfg.Raft.MaxAppendEntries, "max append entries default")
	assert.False(t, cfg.Raft.PreVoteEnabled, "prevote enabled default")
}

func TestRaftConfigValidationInLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, cfg.Raft.HeartbeatTimeoutMs, 100)
	assert.GreaterOrEqual(t, cfg.Raft.ElectionTimeoutMs, cfg.Raft.HeartbeatTimeoutMs)
}
