// Copyright 2025 Takhin Data, Inc.

package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftlog/riftlog/pkg/config"
	"github.com/riftlog/riftlog/pkg/logger"
)

var (
	// Storage metrics
	StorageDiskUsageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_storage_disk_usage_bytes",
			Help: "Disk usage in bytes by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	StorageLogSegments = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_storage_log_segments",
			Help: "Number of log segments by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	StorageLogEndOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_storage_log_end_offset",
			Help: "Log end offset by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	StorageHighWatermark = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_storage_high_watermark",
			Help: "High watermark by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	StorageActiveSegmentBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_storage_active_segment_bytes",
			Help: "Active segment size in bytes by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	StorageIOReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_storage_io_reads_total",
			Help: "Total number of storage read operations by topic",
		},
		[]string{"topic"},
	)

	StorageIOWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_storage_io_writes_total",
			Help: "Total number of storage write operations by topic",
		},
		[]string{"topic"},
	)

	StorageIOErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_storage_io_errors_total",
			Help: "Total number of storage I/O errors by topic and operation",
		},
		[]string{"topic", "operation"},
	)

	// Replication metrics
	ReplicationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_replication_lag_offsets",
			Help: "Replication lag in offsets by topic, partition and follower",
		},
		[]string{"topic", "partition", "follower_id"},
	)

	ReplicationLagTimeMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_replication_lag_time_ms",
			Help: "Time since the last fetch request from a follower, in milliseconds",
		},
		[]string{"topic", "partition", "follower_id"},
	)

	ReplicationISRSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_replication_isr_size",
			Help: "Number of in-sync replicas by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	ReplicationReplicasTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_replication_replicas_total",
			Help: "Total number of replicas by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	ReplicationUnderReplicated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_replication_under_replicated",
			Help: "1 if the partition's ISR is smaller than its replica set, 0 otherwise",
		},
		[]string{"topic", "partition"},
	)

	ReplicationISRShrinks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_replication_isr_shrinks_total",
			Help: "Total number of ISR shrink events by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	ReplicationISRExpands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_replication_isr_expands_total",
			Help: "Total number of ISR expand events by topic and partition",
		},
		[]string{"topic", "partition"},
	)

	ReplicationBytesInRate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_replication_bytes_in_total",
			Help: "Total bytes received from the leader by a follower replica",
		},
		[]string{"topic", "partition"},
	)

	ReplicationBytesOutRate = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_replication_bytes_out_total",
			Help: "Total bytes sent to followers by a leader replica",
		},
		[]string{"topic", "partition"},
	)

	ReplicationFetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_replication_fetch_requests_total",
			Help: "Total number of replication fetch requests by follower",
		},
		[]string{"follower_id"},
	)

	ReplicationFetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riftlog_replication_fetch_latency_seconds",
			Help:    "Replication fetch latency in seconds by follower",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"follower_id"},
	)

	// Purgatory metrics
	PurgatorySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "riftlog_purgatory_size",
			Help: "Number of operations currently watched in a delayed-operation purgatory",
		},
		[]string{"purgatory"},
	)

	PurgatoryCompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_purgatory_completions_total",
			Help: "Total number of delayed operations completed, by purgatory and outcome",
		},
		[]string{"purgatory", "outcome"},
	)

	// Controller metrics
	ControllerEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_controller_epoch",
			Help: "Current cluster controller epoch, as last observed by this broker",
		},
	)

	ControllerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_controller_active",
			Help: "1 if this broker is the active cluster coordinator, 0 otherwise",
		},
	)

	ControllerEventQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_controller_event_queue_size",
			Help: "Number of pending events in the controller's single-threaded event loop",
		},
	)

	ControllerReassignmentsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_controller_reassignments_in_progress",
			Help: "Number of partitions currently undergoing reassignment",
		},
	)

	ControllerStaleEpochRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_controller_stale_epoch_rejections_total",
			Help: "Total number of control RPCs rejected for carrying a stale controller epoch, by RPC type",
		},
		[]string{"rpc"},
	)

	FencedLeaderEpochRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riftlog_fenced_leader_epoch_rejections_total",
			Help: "Total number of produce/fetch requests rejected for carrying a stale leader epoch, by topic",
		},
		[]string{"topic"},
	)

	// Fetcher pool metrics
	FetcherLagMessages = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "riftlog_fetcher_lag_messages",
			Help:    "Follower fetcher lag in messages behind the leader's log end offset, observed per fetch",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000, 100000},
		},
		[]string{"topic"},
	)

	FetcherActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_fetcher_active_workers",
			Help: "Number of fetcher pool worker threads currently active",
		},
	)

	// Go Runtime metrics
	GoRoutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_goroutines",
			Help: "Number of goroutines",
		},
	)

	GoThreads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_threads",
			Help: "Number of OS threads",
		},
	)

	GoMemAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_mem_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	GoMemTotalAllocBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_go_mem_total_alloc_bytes",
			Help: "Cumulative bytes allocated for heap objects",
		},
	)

	GoMemSysBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_mem_sys_bytes",
			Help: "Total bytes of memory obtained from the OS",
		},
	)

	GoMemHeapAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_mem_heap_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	GoMemHeapIdleBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_mem_heap_idle_bytes",
			Help: "Bytes in idle heap spans",
		},
	)

	GoMemHeapInuseBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_go_mem_heap_inuse_bytes",
			Help: "Bytes in in-use heap spans",
		},
	)

	GoGCPauseSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riftlog_go_gc_pause_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	GoGCTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_go_gc_total",
			Help: "Total number of GC runs",
		},
	)

	// Raft election metrics
	RaftElectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_raft_elections_total",
			Help: "Total number of leader elections initiated",
		},
	)

	RaftElectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "riftlog_raft_election_duration_seconds",
			Help:    "Duration of leader elections in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0},
		},
	)

	RaftLeaderChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_raft_leader_changes_total",
			Help: "Total number of leader changes",
		},
	)

	RaftState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "riftlog_raft_state",
			Help: "Current Raft state (0=follower, 1=candidate, 2=leader)",
		},
	)

	RaftPreVoteRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_raft_prevote_requests_total",
			Help: "Total number of PreVote requests sent",
		},
	)

	RaftPreVoteGrantedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "riftlog_raft_prevote_granted_total",
			Help: "Total number of PreVote requests granted",
		},
	)
)

type Server struct {
	config      *config.Config
	logger      *logger.Logger
	server      *http.Server
	stopChan    chan struct{}
	lastGCPause uint64
	lastNumGC   uint32
}

func New(cfg *config.Config) *Server {
	return &Server{
		config:   cfg,
		logger:   logger.Default().WithComponent("metrics"),
		stopChan: make(chan struct{}),
	}
}

func (s *Server) Start() error {
	if !s.config.Metrics.Enabled {
		s.logger.Info("metrics server disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Metrics.Host, s.config.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("starting metrics server",
		"address", addr,
		"path", s.config.Metrics.Path,
	)

	go s.collectRuntimeMetrics()

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) collectRuntimeMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	var lastTotalAlloc uint64
	for {
		select {
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			GoRoutines.Set(float64(runtime.NumGoroutine()))
			GoThreads.Set(float64(runtime.GOMAXPROCS(0)))

			GoMemAllocBytes.Set(float64(m.Alloc))
			GoMemTotalAllocBytes.Add(float64(m.TotalAlloc - lastTotalAlloc))
			lastTotalAlloc = m.TotalAlloc
			GoMemSysBytes.Set(float64(m.Sys))
			GoMemHeapAllocBytes.Set(float64(m.HeapAlloc))
			GoMemHeapIdleBytes.Set(float64(m.HeapIdle))
			GoMemHeapInuseBytes.Set(float64(m.HeapInuse))

			if m.NumGC > s.lastNumGC {
				for i := s.lastNumGC; i < m.NumGC; i++ {
					pause := m.PauseNs[i%256]
					GoGCPauseSeconds.Observe(float64(pause) / 1e9)
					GoGCTotal.Inc()
				}
				s.lastNumGC = m.NumGC
			}

		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) Stop() error {
	close(s.stopChan)
	if s.server != nil {
		s.logger.Info("stopping metrics server")
		return s.server.Close()
	}
	return nil
}
