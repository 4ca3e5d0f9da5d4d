// Copyright 2025 Takhin Data, Inc.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/riftlog/riftlog/pkg/adminapi"
	"github.com/riftlog/riftlog/pkg/config"
	"github.com/riftlog/riftlog/pkg/controller"
	"github.com/riftlog/riftlog/pkg/controlrpc"
	"github.com/riftlog/riftlog/pkg/fetcher"
	"github.com/riftlog/riftlog/pkg/health"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/metastore"
	"github.com/riftlog/riftlog/pkg/metrics"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/riftlogd.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("riftlogd version %s (commit: %s, built: %s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.SetDefault(log)

	zapLog, zapErr := zap.NewProduction()
	if cfg.Logging.Level == "debug" {
		zapLog, zapErr = zap.NewDevelopment()
	}
	if zapErr != nil {
		zapLog = zap.NewNop()
	}
	defer zapLog.Sync()

	log.Info("starting riftlogd",
		"version", version, "commit", commit, "build_time", buildTime,
		"broker_id", cfg.Broker.ID, "log_dirs", cfg.Broker.LogDirs,
	)

	// --- metastore: the per-broker raft node backing the typed metadata-
	// store interface (spec.md §6.1). Every broker runs one; only the
	// winner of the coordinator lease drives cluster decisions through it.
	store, err := metastore.New(metastore.Config{
		NodeID:    cfg.Raft.NodeID,
		RaftDir:   cfg.Raft.Dir,
		RaftBind:  cfg.Raft.BindAddr,
		Bootstrap: cfg.Raft.Bootstrap,
		RaftCfg:   &cfg.Raft,
		Logger:    log,
	}, cfg.Broker.ID)
	if err != nil {
		log.Error("failed to start metadata store", "error", err)
		os.Exit(1)
	}

	// --- control-rpc client: dials peer brokers for inter-broker fetch and
	// control-RPC fan-out (spec.md §6.2). Built before the fetcher pool and
	// replica manager so both can be wired to it at construction time.
	peers := buildAddressBook(cfg)
	rpcClient := controlrpc.NewClient(peers, log)

	// --- fetcher pool: follower-fetch workers, bound to the replica
	// manager once it exists (spec.md §4.4).
	fetcherPool := fetcher.New(fetcher.Config{
		NumWorkers:     cfg.Fetcher.NumWorkers,
		FetchInterval:  time.Duration(cfg.Fetcher.FetchIntervalMs) * time.Millisecond,
		IdleTimeout:    time.Duration(cfg.Fetcher.IdleTimeoutMs) * time.Millisecond,
		MaxBytesPerReq: cfg.Replication.ReplicaFetchMaxBytes,
		BrokerID:       cfg.Broker.ID,
		Client:         rpcClient,
		Logger:         log,
	})

	// --- replica manager: the broker-local façade (spec.md §4.3). Its
	// replicas get their ISR proposer later, once the coordinator exists;
	// role changes carry the proposer down into each hosted partition.
	replicas, err := replicamanager.New(replicamanager.Config{
		BrokerID:            cfg.Broker.ID,
		LogRootDir:          firstOrDefault(cfg.Broker.LogDirs, "/tmp/riftlog-data"),
		MaxSegmentBytes:     cfg.Replication.MaxSegmentBytes,
		ReplicaLagTimeMaxMs: cfg.Replication.ReplicaLagTimeMaxMs,
		TxnVerification:     cfg.Replication.TransactionPartitionVerificationEnable,
		Fetchers:            fetcherPool,
		Notifier:            store,
		ProduceTimeout:      30 * time.Second,
		Logger:              log,

		ProducePurgeInterval:       cfg.Purgatory.ProducePurgeIntervalRequests,
		FetchPurgeInterval:         cfg.Purgatory.FetchPurgeIntervalRequests,
		DeleteRecordsPurgeInterval: cfg.Purgatory.DeleteRecordsPurgeIntervalRequests,
		ElectLeaderPurgeInterval:   cfg.Purgatory.ElectLeaderPurgeIntervalRequests,
	})
	if err != nil {
		log.Error("failed to start replica manager", "error", err)
		os.Exit(1)
	}
	fetcherPool.BindReplicaManager(replicas, replicas.FetchPurgatory(), replicas.ProducePurgatory())

	// --- cluster coordinator (spec.md §4.5-§4.7). Colocated with this
	// broker; only active while it holds the metastore coordinator lease.
	coord := controller.New(cfg.Broker.ID, cfg.Controller, store, replicas, rpcClient, zapLog)

	// Replicas propose ISR changes through the coordinator's AlterPartition
	// validation, never straight to the metadata store: in-process while this
	// broker holds the lease, over the AlterPartition RPC otherwise.
	proposer := controlrpc.NewCoordinatorProposer(rpcClient, cfg.Broker.ID, coord, store)

	rpcServer, err := controlrpc.NewServer(controlrpc.Config{
		Addr:       cfg.ControlRPC.Addr,
		Replicas:   replicas,
		Proposer:   proposer,
		Controller: coord,
		Logger:     log,
	})
	if err != nil {
		log.Error("failed to start control-rpc server", "error", err)
		os.Exit(1)
	}

	healthChecker := health.NewChecker(version, replicas, coord)
	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthAddr := fmt.Sprintf("%s:%d", cfg.Health.Host, cfg.Health.Port)
		healthServer = health.NewServer(healthAddr, healthChecker)
	}

	adminServer := adminapi.NewServer(adminapi.Config{
		Addr:       cfg.AdminAPI.Addr,
		Controller: coord,
		Replicas:   replicas,
		Health:     healthChecker,
		Logger:     log,
	})

	metricsServer := metrics.New(cfg)

	// Startup order follows SPEC_FULL.md §12: metrics/health, metastore,
	// fetcher pool, replica manager, control-rpc, coordinator, admin api —
	// the reverse of the shutdown order below.
	if err := metricsServer.Start(); err != nil {
		log.Error("failed to start metrics server", "error", err)
		os.Exit(1)
	}
	if healthServer != nil {
		if err := healthServer.Start(); err != nil {
			log.Error("failed to start health check server", "error", err)
			os.Exit(1)
		}
	}

	fetcherPool.Start()
	rpcServer.Start()

	collector := metrics.NewCollector(replicas, 30*time.Second)
	collector.Start()

	// Periodic replication upkeep: HW checkpointing on its configured
	// interval, ISR shrink at half the lag bound so a follower is dropped
	// within ~1.5x replicaLagTimeMaxMs of going quiet (spec.md §4.2, §6.4).
	upkeepStop := make(chan struct{})
	go func() {
		shrinkIntervalMs := cfg.Replication.ReplicaLagTimeMaxMs / 2
		if shrinkIntervalMs < 1 {
			shrinkIntervalMs = 1
		}
		checkpointTicker := time.NewTicker(time.Duration(cfg.Replication.HighWatermarkCheckpointIntervalMs) * time.Millisecond)
		shrinkTicker := time.NewTicker(time.Duration(shrinkIntervalMs) * time.Millisecond)
		defer checkpointTicker.Stop()
		defer shrinkTicker.Stop()
		for {
			select {
			case <-upkeepStop:
				return
			case <-checkpointTicker.C:
				if err := replicas.CheckpointHW(); err != nil {
					log.Warn("hw checkpoint failed", "error", err)
				}
			case <-shrinkTicker.C:
				for _, hp := range replicas.Partitions() {
					if hp.Replica.IsLeader() {
						hp.Replica.MaybeShrinkISR()
					}
				}
			}
		}
	}()

	ctrlCtx, cancelCtrl := context.WithCancel(context.Background())
	go coord.Run(ctrlCtx)

	go func() {
		if err := adminServer.Start(); err != nil {
			log.Error("admin api server stopped", "error", err)
		}
	}()

	log.Info("riftlogd started successfully",
		"control_rpc_addr", cfg.ControlRPC.Addr,
		"admin_api_addr", cfg.AdminAPI.Addr,
		"metrics_port", cfg.Metrics.Port,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down riftlogd")

	// Graceful shutdown, following SPEC_FULL.md §12's documented order:
	// adminapi -> controller -> replica manager -> fetcher pool -> metastore
	// -> metrics/health.
	adminServer.Shutdown()

	close(upkeepStop)
	collector.Stop()

	coord.Stop()
	cancelCtrl()

	rpcServer.Stop()

	if err := replicas.Close(); err != nil {
		log.Error("failed to close replica manager", "error", err)
	}

	fetcherPool.Stop()

	if err := rpcClient.Close(); err != nil {
		log.Error("failed to close control-rpc client", "error", err)
	}

	if err := store.Shutdown(); err != nil {
		log.Error("failed to shut down metadata store", "error", err)
	}

	if healthServer != nil {
		if err := healthServer.Stop(); err != nil {
			log.Error("failed to stop health check server", "error", err)
		}
	}
	if err := metricsServer.Stop(); err != nil {
		log.Error("failed to stop metrics server", "error", err)
	}

	log.Info("riftlogd stopped")
}

// buildAddressBook turns the configured broker-id->addr peer map into the
// int32-keyed StaticAddressBook pkg/controlrpc expects, adding this
// broker's own control-rpc address so fetchers can target a local leader
// replica too.
func buildAddressBook(cfg *config.Config) controlrpc.StaticAddressBook {
	book := make(controlrpc.StaticAddressBook, len(cfg.Cluster.Peers)+1)
	for idStr, addr := range cfg.Cluster.Peers {
		id, err := strconv.ParseInt(idStr, 10, 32)
		if err != nil {
			continue
		}
		book[int32(id)] = addr
	}
	book[cfg.Broker.ID] = cfg.ControlRPC.Addr
	return book
}

func firstOrDefault(dirs []string, def string) string {
	if len(dirs) == 0 {
		return def
	}
	return dirs[0]
}
