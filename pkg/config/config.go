// Copyright 2025 Takhin Data, Inc.

package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the root configuration tree, re-shaped around spec.md §6.5's
// recognized options: broker identity/log directories, replication tuning,
// per-kind purgatory purge intervals, controller/election policy, the
// fetcher pool's replica-selector strategy, plus the unchanged Raft/
// logging/metrics ambient sections. TLS/ACL/Throttle/Encryption sections
// from the teacher's config are dropped along with the subsystems they
// configured (see DESIGN.md).
type Config struct {
	Broker      BrokerConfig      `koanf:"broker"`
	Replication ReplicationConfig `koanf:"replication"`
	Purgatory   PurgatoryConfig   `koanf:"purgatory"`
	Controller  ControllerConfig  `koanf:"controller"`
	Fetcher     FetcherConfig     `koanf:"fetcher"`
	Raft        RaftConfig        `koanf:"raft"`
	ControlRPC  ControlRPCConfig  `koanf:"control.rpc"`
	AdminAPI    AdminAPIConfig    `koanf:"admin.api"`
	Cluster     ClusterConfig     `koanf:"cluster"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Health      HealthConfig      `koanf:"health"`
}

// BrokerConfig identifies this node and its on-disk log directories
// (spec.md §6.5: brokerId, logDirs).
type BrokerConfig struct {
	ID      int32    `koanf:"id"`
	LogDirs []string `koanf:"log.dirs"`
}

// ReplicationConfig tunes the Partition Replica and Replica Manager
// (spec.md §6.5: replicaLagTimeMaxMs, replicaFetchMinBytes/MaxBytes,
// replicaHighWatermarkCheckpointIntervalMs).
type ReplicationConfig struct {
	ReplicaLagTimeMaxMs                   int64 `koanf:"replica.lag.time.max.ms"`
	ReplicaFetchMinBytes                  int64 `koanf:"replica.fetch.min.bytes"`
	ReplicaFetchMaxBytes                  int64 `koanf:"replica.fetch.max.bytes"`
	HighWatermarkCheckpointIntervalMs     int   `koanf:"high.watermark.checkpoint.interval.ms"`
	MaxSegmentBytes                       int64 `koanf:"max.segment.bytes"`
	CompressionType                       string `koanf:"compression.type"`
	TransactionPartitionVerificationEnable bool  `koanf:"transaction.partition.verification.enable"`
}

// PurgatoryConfig holds per-kind purge intervals for the four delayed-
// operation purgatories (spec.md §6.5): the tombstone count at which each
// purgatory compacts its watcher lists.
type PurgatoryConfig struct {
	ProducePurgeIntervalRequests       int `koanf:"produce.purge.interval.requests"`
	FetchPurgeIntervalRequests         int `koanf:"fetch.purge.interval.requests"`
	DeleteRecordsPurgeIntervalRequests int `koanf:"delete.records.purge.interval.requests"`
	ElectLeaderPurgeIntervalRequests   int `koanf:"elect.leader.purge.interval.requests"`
}

// ControllerConfig holds cluster-coordinator policy knobs (spec.md §6.5:
// autoLeaderRebalanceEnable, leaderImbalancePerBrokerPercentage,
// leaderImbalanceCheckIntervalSeconds, deleteTopicEnable,
// interBrokerProtocolVersion, interBrokerListenerName,
// uncleanLeaderElectionEnable).
type ControllerConfig struct {
	AutoLeaderRebalanceEnable           bool    `koanf:"auto.leader.rebalance.enable"`
	LeaderImbalancePerBrokerPercentage  int     `koanf:"leader.imbalance.per.broker.percentage"`
	LeaderImbalanceCheckIntervalSeconds int     `koanf:"leader.imbalance.check.interval.seconds"`
	DeleteTopicEnable                   bool    `koanf:"delete.topic.enable"`
	InterBrokerProtocolVersion          string  `koanf:"inter.broker.protocol.version"`
	InterBrokerListenerName             string  `koanf:"inter.broker.listener.name"`
	UncleanLeaderElectionEnable         bool    `koanf:"unclean.leader.election.enable"`
	EventQueueCapacity                  int     `koanf:"event.queue.capacity"`
}

// FetcherConfig holds the Fetcher Pool's tuning knobs: worker shard count,
// batched-fetch interval, and the named preferred-read-replica selector
// strategy (spec.md §6.5's replicaSelectorClassName).
type FetcherConfig struct {
	NumWorkers            int    `koanf:"num.workers"`
	FetchIntervalMs       int    `koanf:"fetch.interval.ms"`
	IdleTimeoutMs         int    `koanf:"idle.timeout.ms"`
	ReplicaSelectorName   string `koanf:"replica.selector.class.name"`
}

// RaftConfig holds the metadata-store's Raft consensus configuration.
type RaftConfig struct {
	NodeID               string `koanf:"node.id"`
	Dir                  string `koanf:"dir"`
	BindAddr             string `koanf:"bind.addr"`
	Bootstrap            bool   `koanf:"bootstrap"`
	HeartbeatTimeoutMs   int    `koanf:"heartbeat.timeout.ms"`
	ElectionTimeoutMs    int    `koanf:"election.timeout.ms"`
	LeaderLeaseTimeoutMs int    `koanf:"leader.lease.timeout.ms"`
	CommitTimeoutMs      int    `koanf:"commit.timeout.ms"`
	SnapshotIntervalMs   int    `koanf:"snapshot.interval.ms"`
	SnapshotThreshold    int    `koanf:"snapshot.threshold"`
	PreVoteEnabled       bool   `koanf:"prevote.enabled"`
	MaxAppendEntries     int    `koanf:"max.append.entries"`
}

// ControlRPCConfig binds the inter-broker control-plane RPC server this
// broker serves LeaderAndISR/StopReplica/UpdateMetadata/AlterPartition on
// (spec.md §6.2).
type ControlRPCConfig struct {
	Addr string `koanf:"addr"`
}

// AdminAPIConfig binds the operator-facing HTTP surface (spec.md §6.4's
// "operator view"): cluster/topic inspection, reassignment/election/
// deletion triggers, and the live event feed.
type AdminAPIConfig struct {
	Addr string `koanf:"addr"`
}

// ClusterConfig maps every broker id in the cluster to its control-rpc
// address, so this broker's controlrpc.Client and fetcher.Pool can dial
// peers without a separate service-discovery mechanism.
type ClusterConfig struct {
	Peers map[string]string `koanf:"peers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Path    string `koanf:"path"`
}

// HealthConfig binds the liveness/readiness HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
}

// Load loads configuration from file and environment variables, in that
// order, env taking precedence (the teacher's koanf-layered pattern).
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		slog.Info("loaded config from file", "path", configPath)
	}

	if err := k.Load(env.Provider("RIFTLOG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "RIFTLOG_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Broker.ID == 0 {
		cfg.Broker.ID = 1
	}
	if len(cfg.Broker.LogDirs) == 0 {
		cfg.Broker.LogDirs = []string{"/tmp/riftlog-data"}
	}

	if cfg.Replication.ReplicaLagTimeMaxMs == 0 {
		cfg.Replication.ReplicaLagTimeMaxMs = 10000
	}
	if cfg.Replication.ReplicaFetchMinBytes == 0 {
		cfg.Replication.ReplicaFetchMinBytes = 1
	}
	if cfg.Replication.ReplicaFetchMaxBytes == 0 {
		cfg.Replication.ReplicaFetchMaxBytes = 1048576
	}
	if cfg.Replication.HighWatermarkCheckpointIntervalMs == 0 {
		cfg.Replication.HighWatermarkCheckpointIntervalMs = 5000
	}
	if cfg.Replication.MaxSegmentBytes == 0 {
		cfg.Replication.MaxSegmentBytes = 256 * 1024 * 1024
	}
	if cfg.Replication.CompressionType == "" {
		cfg.Replication.CompressionType = "none"
	}

	if cfg.Purgatory.ProducePurgeIntervalRequests == 0 {
		cfg.Purgatory.ProducePurgeIntervalRequests = 1000
	}
	if cfg.Purgatory.FetchPurgeIntervalRequests == 0 {
		cfg.Purgatory.FetchPurgeIntervalRequests = 1000
	}
	if cfg.Purgatory.DeleteRecordsPurgeIntervalRequests == 0 {
		cfg.Purgatory.DeleteRecordsPurgeIntervalRequests = 1000
	}
	if cfg.Purgatory.ElectLeaderPurgeIntervalRequests == 0 {
		cfg.Purgatory.ElectLeaderPurgeIntervalRequests = 1000
	}

	if cfg.Controller.LeaderImbalancePerBrokerPercentage == 0 {
		cfg.Controller.LeaderImbalancePerBrokerPercentage = 10
	}
	if cfg.Controller.LeaderImbalanceCheckIntervalSeconds == 0 {
		cfg.Controller.LeaderImbalanceCheckIntervalSeconds = 300
	}
	if cfg.Controller.InterBrokerProtocolVersion == "" {
		cfg.Controller.InterBrokerProtocolVersion = "1.0"
	}
	if cfg.Controller.InterBrokerListenerName == "" {
		cfg.Controller.InterBrokerListenerName = "INTERNAL"
	}
	if cfg.Controller.EventQueueCapacity == 0 {
		cfg.Controller.EventQueueCapacity = 4096
	}

	if cfg.Fetcher.NumWorkers == 0 {
		cfg.Fetcher.NumWorkers = 4
	}
	if cfg.Fetcher.FetchIntervalMs == 0 {
		cfg.Fetcher.FetchIntervalMs = 500
	}
	if cfg.Fetcher.IdleTimeoutMs == 0 {
		cfg.Fetcher.IdleTimeoutMs = 60000
	}
	if cfg.Fetcher.ReplicaSelectorName == "" {
		cfg.Fetcher.ReplicaSelectorName = "lowest-id"
	}

	if cfg.Raft.NodeID == "" {
		cfg.Raft.NodeID = fmt.Sprintf("broker-%d", cfg.Broker.ID)
	}
	if cfg.Raft.Dir == "" {
		cfg.Raft.Dir = "/tmp/riftlog-raft"
	}
	if cfg.Raft.BindAddr == "" {
		cfg.Raft.BindAddr = "127.0.0.1:7000"
	}
	if cfg.Raft.HeartbeatTimeoutMs == 0 {
		cfg.Raft.HeartbeatTimeoutMs = 1000
	}
	if cfg.Raft.ElectionTimeoutMs == 0 {
		cfg.Raft.ElectionTimeoutMs = 3000
	}
	if cfg.Raft.LeaderLeaseTimeoutMs == 0 {
		cfg.Raft.LeaderLeaseTimeoutMs = 500
	}
	if cfg.Raft.CommitTimeoutMs == 0 {
		cfg.Raft.CommitTimeoutMs = 50
	}
	if cfg.Raft.SnapshotIntervalMs == 0 {
		cfg.Raft.SnapshotIntervalMs = 120000
	}
	if cfg.Raft.SnapshotThreshold == 0 {
		cfg.Raft.SnapshotThreshold = 8192
	}
	if cfg.Raft.MaxAppendEntries == 0 {
		cfg.Raft.MaxAppendEntries = 64
	}

	if cfg.ControlRPC.Addr == "" {
		cfg.ControlRPC.Addr = fmt.Sprintf("127.0.0.1:%d", 9100+cfg.Broker.ID)
	}
	if cfg.AdminAPI.Addr == "" {
		cfg.AdminAPI.Addr = fmt.Sprintf("127.0.0.1:%d", 9200+cfg.Broker.ID)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Health.Host == "" {
		cfg.Health.Host = "0.0.0.0"
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 9190 + int(cfg.Broker.ID)
	}
}

func validate(cfg *Config) error {
	if cfg.Broker.ID < 0 {
		return fmt.Errorf("invalid broker id: %d", cfg.Broker.ID)
	}
	if len(cfg.Broker.LogDirs) == 0 {
		return fmt.Errorf("at least one broker log directory is required")
	}

	if cfg.Replication.ReplicaLagTimeMaxMs <= 0 {
		return fmt.Errorf("invalid replica.lag.time.max.ms: %d", cfg.Replication.ReplicaLagTimeMaxMs)
	}
	if cfg.Replication.MaxSegmentBytes <= 0 {
		return fmt.Errorf("invalid max.segment.bytes: %d", cfg.Replication.MaxSegmentBytes)
	}

	if cfg.Controller.LeaderImbalancePerBrokerPercentage < 0 || cfg.Controller.LeaderImbalancePerBrokerPercentage > 100 {
		return fmt.Errorf("invalid leader.imbalance.per.broker.percentage: %d", cfg.Controller.LeaderImbalancePerBrokerPercentage)
	}

	if cfg.Raft.HeartbeatTimeoutMs > 0 {
		if cfg.Raft.HeartbeatTimeoutMs < 100 {
			return fmt.Errorf("invalid heartbeat timeout: %dms (minimum 100ms)", cfg.Raft.HeartbeatTimeoutMs)
		}
		if cfg.Raft.ElectionTimeoutMs < cfg.Raft.HeartbeatTimeoutMs {
			return fmt.Errorf("election timeout (%dms) must be >= heartbeat timeout (%dms)",
				cfg.Raft.ElectionTimeoutMs, cfg.Raft.HeartbeatTimeoutMs)
		}
		if cfg.Raft.LeaderLeaseTimeoutMs > 0 && cfg.Raft.LeaderLeaseTimeoutMs < 100 {
			return fmt.Errorf("invalid leader lease timeout: %dms (minimum 100ms)", cfg.Raft.LeaderLeaseTimeoutMs)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	return nil
}
