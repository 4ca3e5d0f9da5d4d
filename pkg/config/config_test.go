// Copyright 2025 Takhin Data, Inc.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name       string
		configFile string
		wantErr    bool
		validate   func(*testing.T, *Config)
	}{
		{
			name:       "load with defaults",
			configFile: "",
			wantErr:    false,
			validate: func(t *testing.T, cfg *Config) {
				assert.EqualValues(t, 1, cfg.Broker.ID)
				assert.NotEmpty(t, cfg.Broker.LogDirs)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "lowest-id", cfg.Fetcher.ReplicaSelectorName)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.configFile)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &Config{
				Broker:      BrokerConfig{ID: 1, LogDirs: []string{"/tmp/x"}},
				Replication: ReplicationConfig{ReplicaLagTimeMaxMs: 10000, MaxSegmentBytes: 1024},
				Logging:     LoggingConfig{Level: "info"},
			},
			wantErr: false,
		},
		{
			name: "invalid broker id",
			cfg: &Config{
				Broker: BrokerConfig{ID: -1, LogDirs: []string{"/tmp/x"}},
			},
			wantErr: true,
		},
		{
			name: "missing log dirs",
			cfg: &Config{
				Broker: BrokerConfig{ID: 1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
