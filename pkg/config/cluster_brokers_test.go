// Copyright 2025 Takhin Data, Inc.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerLogDirsValidation(t *testing.T) {
	tests := []struct {
		name          string
		logDirs       []string
		shouldFail    bool
		errorContains string
	}{
		{
			name:       "single log dir",
			logDirs:    []string{"/data/riftlog-1"},
			shouldFail: false,
		},
		{
			name:       "multiple log dirs",
			logDirs:    []string{"/data/riftlog-1", "/data/riftlog-2"},
			shouldFail: false,
		},
		{
			name:          "no log dirs",
			logDirs:       nil,
			shouldFail:    true,
			errorContains: "log directory is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Broker:      BrokerConfig{ID: 1, LogDirs: tt.logDirs},
				Replication: ReplicationConfig{ReplicaLagTimeMaxMs: 10000, MaxSegmentBytes: 1024},
				Logging:     LoggingConfig{Level: "info"},
			}

			err := validate(cfg)
			if tt.shouldFail {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBrokerLogDirsDefault(t *testing.T) {
	cfg := &Config{Broker: BrokerConfig{ID: 1}}
	setDefaults(cfg)
	assert.NotEmpty(t, cfg.Broker.LogDirs)
}
