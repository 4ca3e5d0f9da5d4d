// Copyright 2025 Takhin Data, Inc.

// Package fetcher implements the Fetcher Pool (spec.md §4.4): a sharded set
// of workers, each owning a distinct subset of (follower-partition →
// leader-endpoint) assignments, that periodically issue batched fetches to
// each leader broker and write the results back into the local follower
// replicas. It is grounded on the teacher's pkg/raft/node.go
// monitorLeadership background-goroutine idiom (a channel-driven loop owned
// by one long-running goroutine per concern) and paces batched requests with
// golang.org/x/time/rate, the teacher's dependency for throttling.
package fetcher

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/logstore"
	"github.com/riftlog/riftlog/pkg/metrics"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
)

// Record is one key/value pair pulled from a leader's fetch response.
type Record struct {
	Key   []byte
	Value []byte
}

// FetchRequest is one partition's slice of a batched inter-broker fetch
// (spec.md §6.3's Fetch RPC, as issued by a follower against its leader).
type FetchRequest struct {
	TopicPartition   model.TopicPartition
	FetchOffset      int64
	MaxBytes         int64
	FollowerID       int32
	FollowerLEO      int64
	LastFetchedEpoch int32
}

// FetchResponse is the leader's reply for one partition. A non-nil
// DivergingEpoch means the follower's log has diverged: it must truncate
// its suffix to DivergingEndOffset before fetching further (spec.md §4.2).
type FetchResponse struct {
	TopicPartition     model.TopicPartition
	Records            []Record
	HighWatermark      int64
	LeaderEpoch        int32
	DivergingEpoch     *int32
	DivergingEndOffset int64
	Err                error
}

// LeaderClient is the narrow slice of the inter-broker control-RPC client a
// fetcher worker uses to pull records from a set of partitions hosted on one
// leader broker. Implemented by pkg/controlrpc's grpc client; a loopback
// implementation serves the inter-directory replica-movement pool, where the
// "leader" is a local sentinel rather than a remote broker (spec.md §4.4).
type LeaderClient interface {
	Fetch(ctx context.Context, leaderID int32, reqs []FetchRequest) ([]FetchResponse, error)
}

// ReplicaSource resolves a local replica handle by topic-partition, the only
// Replica Manager operation a fetcher worker calls directly.
type ReplicaSource interface {
	GetReplica(tp model.TopicPartition) (*replica.Replica, bool)
}

// PurgatoryNudger lets a fetcher worker wake up delayed fetch/produce
// operations blocked on this partition's LEO/HW advancing.
type PurgatoryNudger interface {
	CheckAndComplete(key string) int
}

// Config constructs one Pool.
type Config struct {
	NumWorkers      int
	FetchInterval   time.Duration
	IdleTimeout     time.Duration
	MaxBytesPerReq  int64
	RequestsPerSec  float64
	BrokerID        int32
	Client          LeaderClient
	Replicas        ReplicaSource
	FetchNudge      PurgatoryNudger
	ProduceNudge    PurgatoryNudger
	Logger          *logger.Logger
}

type followerTask struct {
	leaderID    int32
	fetchOffset int64
	lastEpoch   int32 // epoch of the most recently appended record, for divergence checks
	lastActive  time.Time
}

// shard is one worker's private state: the set of follower partitions it
// owns, grouped by leader broker id so each tick issues one batched request
// per leader instead of one per partition.
type shard struct {
	mu    sync.Mutex
	tasks map[model.TopicPartition]*followerTask

	limiter *rate.Limiter
}

// Pool is the Fetcher Pool. It satisfies replicamanager.FetcherPool.
type Pool struct {
	cfg    Config
	log    *logger.Logger
	shards []*shard

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pool with cfg.NumWorkers shards, defaulting unset tuning
// knobs the way spec.md §6.5 documents them.
func New(cfg Config) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = 500 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.MaxBytesPerReq <= 0 {
		cfg.MaxBytesPerReq = 1 << 20
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	p := &Pool{
		cfg:    cfg,
		log:    cfg.Logger.WithComponent("fetcher-pool"),
		shards: make([]*shard, cfg.NumWorkers),
		stopCh: make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{
			tasks:   make(map[model.TopicPartition]*followerTask),
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), int(cfg.RequestsPerSec)+1),
		}
	}
	return p
}

// BindReplicaManager wires the pool to its replica source and purgatory
// nudgers after construction. The Pool and the Replica Manager depend on
// each other (the manager drives follower assignment through the pool, the
// pool reads hosted replicas back through the manager), so wiring happens
// in two steps: New, then BindReplicaManager once both sides exist.
func (p *Pool) BindReplicaManager(replicas ReplicaSource, fetchNudge, produceNudge PurgatoryNudger) {
	p.cfg.Replicas = replicas
	p.cfg.FetchNudge = fetchNudge
	p.cfg.ProduceNudge = produceNudge
}

// Start launches one worker goroutine per shard.
func (p *Pool) Start() {
	for i, sh := range p.shards {
		p.wg.Add(1)
		go p.runWorker(i, sh)
	}
	p.log.Info("fetcher pool started", "workers", len(p.shards))
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.log.Info("fetcher pool stopped")
}

// AddFollower assigns tp to the shard its hash routes to, starting (or
// restarting) a follower fetch from fetchOffset against leaderID.
func (p *Pool) AddFollower(tp model.TopicPartition, leaderID int32, fetchOffset int64) {
	sh := p.shardFor(tp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.tasks[tp] = &followerTask{leaderID: leaderID, fetchOffset: fetchOffset, lastEpoch: model.NoEpoch, lastActive: time.Now()}
}

// RemoveFollower stops fetching tp, e.g. on StopReplica or a role change to
// leader.
func (p *Pool) RemoveFollower(tp model.TopicPartition) {
	sh := p.shardFor(tp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.tasks, tp)
}

func (p *Pool) shardFor(tp model.TopicPartition) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tp.Topic))
	_, _ = h.Write([]byte{byte(tp.Partition), byte(tp.Partition >> 8), byte(tp.Partition >> 16), byte(tp.Partition >> 24)})
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pool) runWorker(id int, sh *shard) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FetchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(id, sh)
		}
	}
}

// tick groups this shard's active tasks by leader broker, issues one batched
// fetch per leader, writes results back to local follower replicas, and
// retires followers idle past IdleTimeout.
func (p *Pool) tick(workerID int, sh *shard) {
	byLeader := make(map[int32][]model.TopicPartition)

	sh.mu.Lock()
	now := time.Now()
	for tp, task := range sh.tasks {
		if now.Sub(task.lastActive) > p.cfg.IdleTimeout {
			delete(sh.tasks, tp)
			continue
		}
		byLeader[task.leaderID] = append(byLeader[task.leaderID], tp)
	}
	sh.mu.Unlock()

	if len(byLeader) == 0 {
		return
	}

	for leaderID, tps := range byLeader {
		if err := sh.limiter.Wait(context.Background()); err != nil {
			continue
		}
		p.fetchFromLeader(sh, leaderID, tps)
	}
}

func (p *Pool) fetchFromLeader(sh *shard, leaderID int32, tps []model.TopicPartition) {
	reqs := make([]FetchRequest, 0, len(tps))
	sh.mu.Lock()
	for _, tp := range tps {
		task, ok := sh.tasks[tp]
		if !ok {
			continue
		}
		reqs = append(reqs, FetchRequest{
			TopicPartition:   tp,
			FetchOffset:      task.fetchOffset,
			MaxBytes:         p.cfg.MaxBytesPerReq,
			FollowerID:       p.followerID(),
			FollowerLEO:      task.fetchOffset,
			LastFetchedEpoch: task.lastEpoch,
		})
	}
	sh.mu.Unlock()
	if len(reqs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FetchInterval*4)
	defer cancel()

	resps, err := p.cfg.Client.Fetch(ctx, leaderID, reqs)
	if err != nil {
		p.log.Warn("fetch from leader failed", "leader_id", leaderID, "partitions", len(reqs), "error", err)
		return
	}

	for _, resp := range resps {
		p.applyResponse(sh, leaderID, resp)
	}
}

func (p *Pool) applyResponse(sh *shard, leaderID int32, resp FetchResponse) {
	plog := p.log.WithPartition(resp.TopicPartition.Topic, resp.TopicPartition.Partition)
	if resp.Err != nil {
		plog.Warn("leader returned fetch error", "error", resp.Err)
		return
	}

	r, ok := p.cfg.Replicas.GetReplica(resp.TopicPartition)
	if !ok {
		sh.mu.Lock()
		delete(sh.tasks, resp.TopicPartition)
		sh.mu.Unlock()
		return
	}

	if resp.DivergingEpoch != nil {
		// Our log ran past where this epoch ended on the leader; drop the
		// diverging suffix and resume fetching from the truncation point.
		newLEO, err := r.TruncateFollowerLog(resp.DivergingEndOffset)
		if err != nil {
			plog.Error("diverging-epoch truncation failed", "epoch", *resp.DivergingEpoch, "end_offset", resp.DivergingEndOffset, "error", err)
			return
		}
		plog.Warn("truncated diverging log suffix", "epoch", *resp.DivergingEpoch, "new_leo", newLEO)
		sh.mu.Lock()
		if task, ok := sh.tasks[resp.TopicPartition]; ok {
			task.fetchOffset = newLEO
			task.lastEpoch = model.NoEpoch
			task.lastActive = time.Now()
		}
		sh.mu.Unlock()
		return
	}

	logRecords := make([]*logstore.Record, len(resp.Records))
	for i, rec := range resp.Records {
		logRecords[i] = &logstore.Record{Key: rec.Key, Value: rec.Value}
	}

	newLEO, err := r.AppendFetchedRecords(logRecords, resp.LeaderEpoch, resp.HighWatermark)
	if err != nil {
		plog.Warn("failed to append fetched records", "error", err)
		return
	}

	sh.mu.Lock()
	if task, ok := sh.tasks[resp.TopicPartition]; ok {
		task.fetchOffset = newLEO
		if len(resp.Records) > 0 {
			task.lastEpoch = resp.LeaderEpoch
		}
		task.lastActive = time.Now()
	}
	sh.mu.Unlock()

	if len(resp.Records) > 0 {
		metrics.RecordReplicationBytesIn(resp.TopicPartition.Topic, resp.TopicPartition.Partition, totalBytes(resp.Records))
		if p.cfg.FetchNudge != nil {
			p.cfg.FetchNudge.CheckAndComplete(purgatoryKey(resp.TopicPartition))
		}
		if p.cfg.ProduceNudge != nil {
			p.cfg.ProduceNudge.CheckAndComplete(purgatoryKey(resp.TopicPartition))
		}
	}
}

// LoopbackClient backs the inter-directory replica-movement pool (spec.md
// §4.4): the protocol is identical to cross-broker follower fetch, but the
// "leader" endpoint is this broker itself, so requests are answered straight
// from the local replica source instead of crossing the network.
type LoopbackClient struct {
	Replicas ReplicaSource
}

// Fetch implements LeaderClient against local replicas; the leaderID
// argument is the loopback sentinel and is ignored.
func (c LoopbackClient) Fetch(_ context.Context, _ int32, reqs []FetchRequest) ([]FetchResponse, error) {
	out := make([]FetchResponse, 0, len(reqs))
	for _, req := range reqs {
		r, ok := c.Replicas.GetReplica(req.TopicPartition)
		if !ok {
			out = append(out, FetchResponse{TopicPartition: req.TopicPartition, Err: errors.New("partition not hosted locally")})
			continue
		}
		info, err := r.FetchRecords(req.FetchOffset, req.MaxBytes, req.FollowerID, req.FollowerLEO, req.LastFetchedEpoch)
		if err != nil {
			out = append(out, FetchResponse{TopicPartition: req.TopicPartition, Err: err})
			continue
		}
		records := make([]Record, 0, len(info.Records))
		for _, rec := range info.Records {
			records = append(records, Record{Key: rec.Key, Value: rec.Value})
		}
		out = append(out, FetchResponse{
			TopicPartition:     req.TopicPartition,
			Records:            records,
			HighWatermark:      info.HighWatermark,
			LeaderEpoch:        r.LeaderEpoch(),
			DivergingEpoch:     info.DivergingEpoch,
			DivergingEndOffset: info.DivergingEndOffset,
		})
	}
	return out, nil
}

// followerID identifies this broker to the leader it is fetching from. It is
// carried on Config so a single pool instance always reports the same id
// regardless of which partition it is fetching.
func (p *Pool) followerID() int32 {
	return p.cfg.BrokerID
}

func totalBytes(records []Record) int64 {
	var n int64
	for _, r := range records {
		n += int64(len(r.Key) + len(r.Value))
	}
	return n
}

func purgatoryKey(tp model.TopicPartition) string {
	return tp.Topic + "-" + strconv.Itoa(int(tp.Partition))
}
