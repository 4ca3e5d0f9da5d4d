// Copyright 2025 Takhin Data, Inc.

// Package replicamanager is the broker-local façade (spec.md §4.3): it owns
// the hosted-partition map, the fetcher pool, the four purgatories, the
// directory-failure channel, and HW checkpointing. It is grounded on the
// teacher's pkg/replication/manager.go ReplicaManager, generalized from a
// plain partition map into the full produce/fetch/role-change/metadata-delta
// surface spec.md names.
package replicamanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/logger"
	"github.com/riftlog/riftlog/pkg/logstore"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/purgatory"
	"github.com/riftlog/riftlog/pkg/replica"
)

// FetcherPool is the narrow slice of the fetcher pool a Replica Manager
// drives directly: (re)assigning follower partitions to leader endpoints and
// tearing them down on stop-replica (spec.md §4.4).
type FetcherPool interface {
	AddFollower(tp model.TopicPartition, leaderID int32, fetchOffset int64)
	RemoveFollower(tp model.TopicPartition)
}

// MetadataNotifier is the narrow slice of the metadata-store client used to
// report a failed log directory (spec.md §4.3, "log-directory failure").
type MetadataNotifier interface {
	NotifyLogDirFailure(ctx context.Context, brokerID int32, dir string, affected []model.TopicPartition) error
}

// ReadReplicaSelector picks among ISR candidates eligible to serve a
// consumer's fetch in place of the leader (spec.md §4.3, "preferred
// read-replica selection").
type ReadReplicaSelector interface {
	Select(candidates []int32) int32
}

// TxnVerifier is the narrow slice of the transaction coordinator a
// transactional produce consults before landing records on partitions with
// no ongoing transaction (spec.md §4.3, append_records step 2). The
// coordinator itself is an external collaborator.
type TxnVerifier interface {
	VerifyTransaction(ctx context.Context, txnID string, tps []model.TopicPartition) (map[model.TopicPartition]bool, error)
}

// lowestIDSelector is the default selector: lowest broker id wins, mirroring
// the teacher's GetLeader tie-break in pkg/replication/assigner.go (DESIGN.md,
// Open Question 2).
type lowestIDSelector struct{}

func (lowestIDSelector) Select(candidates []int32) int32 {
	if len(candidates) == 0 {
		return model.NoLeader
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c < best {
			best = c
		}
	}
	return best
}

type hostedPartition struct {
	r     *replica.Replica
	state model.HostedState
	dir   string
}

// Config constructs one ReplicaManager.
type Config struct {
	BrokerID            int32
	ControllerEpoch     int32
	LogRootDir          string
	MaxSegmentBytes     int64
	ReplicaLagTimeMaxMs int64
	Fetchers            FetcherPool
	Notifier            MetadataNotifier
	Selector            ReadReplicaSelector
	TxnVerifier         TxnVerifier
	TxnVerification     bool
	ProduceTimeout      time.Duration
	Logger              *logger.Logger

	// Per-purgatory purge intervals, in completed-operation (tombstone)
	// counts (spec.md §6.5). Zero means purgatory.New's default.
	ProducePurgeInterval       int
	FetchPurgeInterval         int
	DeleteRecordsPurgeInterval int
	ElectLeaderPurgeInterval   int
}

// ReplicaManager is the broker-local replication façade.
type ReplicaManager struct {
	brokerID            int32
	logRootDir          string
	maxSegmentBytes     int64
	replicaLagTimeMaxMs int64
	fetchers            FetcherPool
	notifier            MetadataNotifier
	selector            ReadReplicaSelector
	txnVerifier         TxnVerifier
	txnVerification     bool
	log                 *logger.Logger

	mu              sync.RWMutex
	controllerEpoch int32
	partitions      map[string]*hostedPartition

	produce     *purgatory.Purgatory
	fetch       *purgatory.Purgatory
	deleteOp    *purgatory.Purgatory
	electLeader *purgatory.Purgatory

	checkpoints *hwCheckpoints

	// dirFailures is fed by the log layer on write errors and drained by a
	// dedicated goroutine that takes the directory offline (spec.md §4.3,
	// §5 "log-directory failure channel").
	dirFailures chan string
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// New constructs a ReplicaManager for brokerID.
func New(cfg Config) (*ReplicaManager, error) {
	selector := cfg.Selector
	if selector == nil {
		selector = lowestIDSelector{}
	}
	cp, err := openHWCheckpoints(cfg.LogRootDir)
	if err != nil {
		return nil, fmt.Errorf("open hw checkpoints: %w", err)
	}
	m := &ReplicaManager{
		brokerID:            cfg.BrokerID,
		controllerEpoch:     cfg.ControllerEpoch,
		logRootDir:          cfg.LogRootDir,
		maxSegmentBytes:     cfg.MaxSegmentBytes,
		replicaLagTimeMaxMs: cfg.ReplicaLagTimeMaxMs,
		fetchers:            cfg.Fetchers,
		notifier:            cfg.Notifier,
		selector:            selector,
		txnVerifier:         cfg.TxnVerifier,
		txnVerification:     cfg.TxnVerification,
		log:                 cfg.Logger,
		partitions:          make(map[string]*hostedPartition),
		produce:             purgatory.New(cfg.ProducePurgeInterval),
		fetch:               purgatory.New(cfg.FetchPurgeInterval),
		deleteOp:            purgatory.New(cfg.DeleteRecordsPurgeInterval),
		electLeader:         purgatory.New(cfg.ElectLeaderPurgeInterval),
		checkpoints:         cp,
		dirFailures:         make(chan string, 16),
		stopCh:              make(chan struct{}),
	}
	m.wg.Add(1)
	go m.monitorLogDirFailures()
	return m, nil
}

// monitorLogDirFailures drains the directory-failure channel, taking each
// failed directory's partitions offline exactly once.
func (m *ReplicaManager) monitorLogDirFailures() {
	defer m.wg.Done()
	seen := make(map[string]bool)
	for {
		select {
		case <-m.stopCh:
			return
		case dir := <-m.dirFailures:
			if seen[dir] {
				continue
			}
			seen[dir] = true
			if err := m.HandleLogDirFailure(context.Background(), dir); err != nil && m.log != nil {
				m.log.Error("log directory failure handling failed", "dir", dir, "error", err)
			}
		}
	}
}

// ReportLogDirFailure queues dir for offline handling. Non-blocking; the
// log layer calls it from write paths.
func (m *ReplicaManager) ReportLogDirFailure(dir string) {
	select {
	case m.dirFailures <- dir:
	default:
	}
}

func key(tp model.TopicPartition) string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// GetReplica returns the hosted replica for tp, if any.
func (m *ReplicaManager) GetReplica(tp model.TopicPartition) (*replica.Replica, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hp, ok := m.partitions[key(tp)]
	if !ok || hp.state != model.HostedOnline {
		return nil, false
	}
	return hp.r, true
}

// PartitionHandle is one hosted partition's identity, replica handle, and
// hosted state. Exposed for metrics/admin reporting (spec.md §4.5's
// read-only accessors, generalized to the broker-local map).
type PartitionHandle struct {
	TopicPartition model.TopicPartition
	Replica        *replica.Replica
	State          model.HostedState
}

// Partitions returns a snapshot of every hosted partition, for metrics
// collection and admin reporting. Callers must not mutate the returned
// Replica pointers' internals directly.
func (m *ReplicaManager) Partitions() []PartitionHandle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PartitionHandle, 0, len(m.partitions))
	for _, hp := range m.partitions {
		out = append(out, PartitionHandle{TopicPartition: hp.r.TopicPartition(), Replica: hp.r, State: hp.state})
	}
	return out
}

// PerPartitionAppend is one partition's slice of an append_records call.
type PerPartitionAppend struct {
	TopicPartition model.TopicPartition
	Key, Value     []byte
}

// LogAppendResult is one partition's append outcome.
type LogAppendResult struct {
	TopicPartition model.TopicPartition
	BaseOffset     int64
	Err            error
}

// AppendRecords implements spec.md §4.3's append_records: validates
// requiredAcks, appends to every addressed leader partition, and either
// replies immediately (acks 0/1) or watches a delayed-produce operation
// until acks=-1 is satisfied across the ISR or it times out.
func (m *ReplicaManager) AppendRecords(ctx context.Context, requiredAcks int16, timeout time.Duration, entries []PerPartitionAppend, respond func([]LogAppendResult)) {
	if requiredAcks != -1 && requiredAcks != 0 && requiredAcks != 1 {
		results := make([]LogAppendResult, len(entries))
		for i, e := range entries {
			results[i] = LogAppendResult{TopicPartition: e.TopicPartition, Err: kerrors.New(kerrors.CodeInvalidRequiredAcks, "append_records", nil)}
		}
		respond(results)
		return
	}

	results := make([]LogAppendResult, len(entries))
	anySucceeded := false

	for i, e := range entries {
		r, ok := m.GetReplica(e.TopicPartition)
		if !ok {
			results[i] = LogAppendResult{TopicPartition: e.TopicPartition, Err: kerrors.New(kerrors.CodeUnknownTopicOrPartition, "append_records", nil)}
			continue
		}
		info, err := r.AppendRecordsToLeader(e.Key, e.Value)
		results[i] = LogAppendResult{TopicPartition: e.TopicPartition, BaseOffset: info.BaseOffset, Err: err}
		if err != nil {
			continue
		}
		anySucceeded = true

		// Post-append checks: an HW advance can satisfy waiting produces,
		// fetches, and delete-records; an append that left HW in place can
		// still satisfy a follower fetch waiting on new data.
		switch info.HWChange {
		case model.HWIncreased:
			m.produce.CheckAndComplete(key(e.TopicPartition))
			m.fetch.CheckAndComplete(key(e.TopicPartition))
			m.deleteOp.CheckAndComplete(key(e.TopicPartition))
		case model.HWSame:
			m.fetch.CheckAndComplete(key(e.TopicPartition))
		}
	}

	if requiredAcks != -1 || !anySucceeded {
		respond(results)
		return
	}

	op := newDelayedProduce(m, entries, results, timeout, respond)
	m.produce.Watch(op)
}

// AppendTransactionalRecords is AppendRecords for a transactional producer:
// partitions with no ongoing transaction are first verified against the
// transaction coordinator, and only the verified subset proceeds; the rest
// fail with InvalidTxnState (spec.md §4.3, append_records step 2).
func (m *ReplicaManager) AppendTransactionalRecords(ctx context.Context, txnID string, requiredAcks int16, timeout time.Duration, entries []PerPartitionAppend, respond func([]LogAppendResult)) {
	if txnID == "" || m.txnVerifier == nil || !m.txnVerification {
		m.AppendRecords(ctx, requiredAcks, timeout, entries, respond)
		return
	}

	tps := make([]model.TopicPartition, 0, len(entries))
	for _, e := range entries {
		tps = append(tps, e.TopicPartition)
	}
	verified, err := m.txnVerifier.VerifyTransaction(ctx, txnID, tps)
	if err != nil {
		results := make([]LogAppendResult, len(entries))
		for i, e := range entries {
			results[i] = LogAppendResult{TopicPartition: e.TopicPartition, Err: kerrors.New(kerrors.CodeInvalidTxnState, "append_transactional_records", err)}
		}
		respond(results)
		return
	}

	results := make([]LogAppendResult, len(entries))
	keep := make([]PerPartitionAppend, 0, len(entries))
	keepIdx := make([]int, 0, len(entries))
	for i, e := range entries {
		if !verified[e.TopicPartition] {
			results[i] = LogAppendResult{TopicPartition: e.TopicPartition, Err: kerrors.New(kerrors.CodeInvalidTxnState, "append_transactional_records", nil)}
			continue
		}
		keep = append(keep, e)
		keepIdx = append(keepIdx, i)
	}
	if len(keep) == 0 {
		respond(results)
		return
	}

	m.AppendRecords(ctx, requiredAcks, timeout, keep, func(sub []LogAppendResult) {
		for j, res := range sub {
			results[keepIdx[j]] = res
		}
		respond(results)
	})
}

// FetchInfo is one partition's slice of a fetch_records call.
type FetchInfo struct {
	TopicPartition   model.TopicPartition
	FetchOffset      int64
	MaxBytes         int64
	FromFollower     int32 // 0 for a consumer fetch
	FollowerLEO      int64
	LastFetchedEpoch int32 // epoch of the follower's most recent record; ignored for consumer fetches
}

// FetchResult is one partition's read outcome.
type FetchResult struct {
	TopicPartition model.TopicPartition
	Info           replica.ReadInfo
	Err            error
	PreferredRead  int32
}

// FetchRecords implements spec.md §4.3's fetch_records: reads every
// requested partition locally, and replies immediately if the minBytes
// threshold is already met, any partition errored or diverged, a non-leader
// read replica was chosen, or the timeout is non-positive; otherwise it
// watches a delayed-fetch operation.
func (m *ReplicaManager) FetchRecords(ctx context.Context, timeout time.Duration, minBytes int64, infos []FetchInfo, respond func([]FetchResult)) {
	if len(infos) == 0 || timeout <= 0 {
		respond(m.readAll(infos))
		return
	}

	results := m.readAll(infos)
	var total int64
	immediate := false
	for _, res := range results {
		if res.Err != nil || res.Info.DivergingEpoch != nil || res.PreferredRead != model.NoLeader {
			immediate = true
			break
		}
		for _, rec := range res.Info.Records {
			total += int64(len(rec.Value))
		}
	}
	if immediate || total >= minBytes {
		respond(results)
		return
	}

	op := newDelayedFetch(m, infos, minBytes, timeout, respond)
	m.fetch.Watch(op)
}

func (m *ReplicaManager) readAll(infos []FetchInfo) []FetchResult {
	results := make([]FetchResult, len(infos))
	for i, fi := range infos {
		r, ok := m.GetReplica(fi.TopicPartition)
		if !ok {
			results[i] = FetchResult{TopicPartition: fi.TopicPartition, Err: kerrors.New(kerrors.CodeUnknownTopicOrPartition, "fetch_records", nil), PreferredRead: model.NoLeader}
			continue
		}
		info, err := r.FetchRecords(fi.FetchOffset, fi.MaxBytes, fi.FromFollower, fi.FollowerLEO, fi.LastFetchedEpoch)
		preferred := model.NoLeader
		if err == nil && fi.FromFollower == 0 {
			preferred = m.selectPreferredRead(r, fi.FetchOffset)
		}
		results[i] = FetchResult{TopicPartition: fi.TopicPartition, Info: info, Err: err, PreferredRead: preferred}
	}
	return results
}

func (m *ReplicaManager) selectPreferredRead(r *replica.Replica, fetchOffset int64) int32 {
	candidates := make([]int32, 0)
	for _, id := range r.ISR() {
		if id == m.brokerID {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return model.NoLeader
	}
	return m.selector.Select(candidates)
}

// RoleChange is one partition's target role from become_leader_or_follower.
type RoleChange struct {
	TopicPartition model.TopicPartition
	State          replica.LeaderState
	IsLeader       bool
	TopicID        [16]byte
}

// BecomeLeaderOrFollower implements spec.md §4.3's role-change entry point,
// fenced on controllerEpoch: creates any missing hosted partitions, applies
// make_leader/make_follower, and (re)configures the fetcher pool.
func (m *ReplicaManager) BecomeLeaderOrFollower(controllerEpoch int32, changes []RoleChange, proposer replica.ISRProposer) error {
	m.mu.Lock()
	if controllerEpoch < m.controllerEpoch {
		m.mu.Unlock()
		return kerrors.New(kerrors.CodeStaleControllerEpoch, "become_leader_or_follower", nil)
	}
	m.controllerEpoch = controllerEpoch
	m.mu.Unlock()

	for _, c := range changes {
		hp, err := m.ensureHosted(c.TopicPartition, proposer)
		if err != nil {
			return err
		}
		hwCkpt := m.checkpoints.get(key(c.TopicPartition))

		if c.IsLeader {
			if _, err := hp.r.MakeLeader(c.State, hwCkpt, c.TopicID); err != nil {
				return err
			}
			if m.fetchers != nil {
				m.fetchers.RemoveFollower(c.TopicPartition)
			}
		} else {
			if _, err := hp.r.MakeFollower(c.State, hwCkpt, c.TopicID); err != nil {
				return err
			}
			if m.fetchers != nil {
				m.fetchers.AddFollower(c.TopicPartition, c.State.Leader, hp.r.LogEndOffset())
			}
		}
		// A leadership change may satisfy an elect-leader waiter.
		m.electLeader.CheckAndComplete(key(c.TopicPartition))
	}
	return nil
}

func (m *ReplicaManager) ensureHosted(tp model.TopicPartition, proposer replica.ISRProposer) (*hostedPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tp)
	if hp, ok := m.partitions[k]; ok {
		return hp, nil
	}
	dir := fmt.Sprintf("%s/%s", m.logRootDir, k)
	l, err := logstore.Open(logstore.Config{
		Dir:             dir,
		MaxSegmentBytes: m.maxSegmentBytes,
		OnIOError:       func(error) { m.ReportLogDirFailure(dir) },
	})
	if err != nil {
		return nil, kerrors.New(kerrors.CodeKafkaStorageError, "become_leader_or_follower", err)
	}
	r := replica.New(replica.Config{
		TopicPartition:      tp,
		BrokerID:            m.brokerID,
		Log:                 l,
		ReplicaLagTimeMaxMs: m.replicaLagTimeMaxMs,
		Proposer:            proposer,
	})
	hp := &hostedPartition{r: r, state: model.HostedOnline, dir: dir}
	m.partitions[k] = hp
	return hp, nil
}

// StopReplica tears down fetchers for tp, removes it from the hosted map,
// and optionally deletes its on-disk log (spec.md §4.3, "stop-replica").
func (m *ReplicaManager) StopReplica(tp model.TopicPartition, deletePartition bool) error {
	if m.fetchers != nil {
		m.fetchers.RemoveFollower(tp)
	}

	m.mu.Lock()
	hp, ok := m.partitions[key(tp)]
	if ok {
		delete(m.partitions, key(tp))
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := hp.r.Close(); err != nil {
		return kerrors.New(kerrors.CodeKafkaStorageError, "stop_replica", err)
	}
	if deletePartition {
		go m.checkpoints.delete(key(tp))
		go os.RemoveAll(hp.dir)
	}

	// Pending produce/fetch/delete waiters on this partition can never be
	// satisfied now; re-evaluating them completes each with its partition
	// error instead of leaving it to dangle until timeout.
	m.produce.CheckAndComplete(key(tp))
	m.fetch.CheckAndComplete(key(tp))
	m.deleteOp.CheckAndComplete(key(tp))
	return nil
}

// Delta is the local slice of a metadata-event-log update: the leaders,
// followers and deletes this broker must apply (spec.md §4.3,
// "metadata-delta application").
type Delta struct {
	Leaders   []RoleChange
	Followers []RoleChange
	Deletes   []model.TopicPartition
}

// ApplyMetadataDelta applies deletes first, then leaders, then followers,
// reusing the same make_leader/make_follower primitives become_leader_or_follower
// uses for the legacy control-RPC path.
func (m *ReplicaManager) ApplyMetadataDelta(controllerEpoch int32, d Delta, proposer replica.ISRProposer) error {
	for _, tp := range d.Deletes {
		if err := m.StopReplica(tp, true); err != nil {
			return err
		}
	}
	if err := m.BecomeLeaderOrFollower(controllerEpoch, d.Leaders, proposer); err != nil {
		return err
	}
	return m.BecomeLeaderOrFollower(controllerEpoch, d.Followers, proposer)
}

// PerPartitionDelete is one partition's slice of a delete_records call: the
// offset up to which the log head should be dropped.
type PerPartitionDelete struct {
	TopicPartition model.TopicPartition
	Offset         int64
}

// DeleteRecordsResult is one partition's delete outcome: the new
// low-watermark once the deletion has propagated.
type DeleteRecordsResult struct {
	TopicPartition model.TopicPartition
	LowWatermark   int64
	Err            error
}

// DeleteRecords implements spec.md §6.3's DeleteRecords: truncates the log
// head on every addressed leader partition, then either replies immediately
// (low-watermark already at or past the requested offset) or watches a
// delayed delete-records operation until the low-watermark propagates.
func (m *ReplicaManager) DeleteRecords(ctx context.Context, timeout time.Duration, entries []PerPartitionDelete, respond func([]DeleteRecordsResult)) {
	results := make([]DeleteRecordsResult, len(entries))
	for i, e := range entries {
		r, ok := m.GetReplica(e.TopicPartition)
		if !ok {
			results[i] = DeleteRecordsResult{TopicPartition: e.TopicPartition, Err: kerrors.New(kerrors.CodeUnknownTopicOrPartition, "delete_records", nil)}
			continue
		}
		res, err := r.DeleteRecordsOnLeader(e.Offset)
		results[i] = DeleteRecordsResult{TopicPartition: e.TopicPartition, LowWatermark: res.LowWatermark, Err: err}
	}

	op := newDelayedDeleteRecords(m, entries, results, timeout, respond)
	m.deleteOp.Watch(op)
}

// PerPartitionEpoch is one partition's slice of an offset_for_leader_epoch
// call (spec.md §6.3).
type PerPartitionEpoch struct {
	TopicPartition     model.TopicPartition
	CurrentLeaderEpoch *int32
	LeaderEpoch        int32
}

// EpochEndOffsetResult is one partition's epoch-lookup outcome.
type EpochEndOffsetResult struct {
	TopicPartition model.TopicPartition
	LeaderEpoch    int32
	EndOffset      int64
	Err            error
}

// OffsetForLeaderEpoch answers spec.md §6.3's OffsetForLeaderEpoch for each
// requested partition. Purely synchronous: epoch lookups never wait.
func (m *ReplicaManager) OffsetForLeaderEpoch(requests []PerPartitionEpoch) []EpochEndOffsetResult {
	results := make([]EpochEndOffsetResult, len(requests))
	for i, req := range requests {
		r, ok := m.GetReplica(req.TopicPartition)
		if !ok {
			results[i] = EpochEndOffsetResult{TopicPartition: req.TopicPartition, Err: kerrors.New(kerrors.CodeUnknownTopicOrPartition, "offset_for_leader_epoch", nil)}
			continue
		}
		end, err := r.LastOffsetForLeaderEpoch(req.CurrentLeaderEpoch, req.LeaderEpoch, true)
		results[i] = EpochEndOffsetResult{TopicPartition: req.TopicPartition, LeaderEpoch: end.LeaderEpoch, EndOffset: end.EndOffset, Err: err}
	}
	return results
}

// FetchOffsetForTimestamp resolves a timestamp to an offset on one hosted
// leader partition, with optional leader-epoch fencing.
func (m *ReplicaManager) FetchOffsetForTimestamp(tp model.TopicPartition, ts int64, currentLeaderEpoch *int32) (int64, error) {
	r, ok := m.GetReplica(tp)
	if !ok {
		return 0, kerrors.New(kerrors.CodeUnknownTopicOrPartition, "fetch_offset_for_timestamp", nil)
	}
	return r.FetchOffsetForTimestamp(ts, currentLeaderEpoch, true)
}

// ElectLeaderResult is one partition's elect-leader outcome: the leader this
// broker ended up observing once the coordinator's decision arrived.
type ElectLeaderResult struct {
	TopicPartition model.TopicPartition
	Leader         int32
	LeaderEpoch    int32
	Err            error
}

// ElectLeaders watches for the coordinator's leadership decision on each
// partition: the reply fires as soon as every partition has a leader
// (typically when the resulting LeaderAndISR lands via
// become_leader_or_follower), or at the deadline with
// EligibleLeadersNotAvailable for partitions still leaderless.
func (m *ReplicaManager) ElectLeaders(ctx context.Context, timeout time.Duration, tps []model.TopicPartition, respond func([]ElectLeaderResult)) {
	op := newDelayedElect(m, tps, timeout, respond)
	m.electLeader.Watch(op)
}

// HandleLogDirFailure marks every partition hosted under dir Offline, tears
// down their fetchers, prunes their HW checkpoints, and notifies the
// metadata store (spec.md §4.3, "log-directory failure").
func (m *ReplicaManager) HandleLogDirFailure(ctx context.Context, dir string) error {
	m.mu.Lock()
	var affected []model.TopicPartition
	for k, hp := range m.partitions {
		if hp.dir != dir {
			continue
		}
		hp.r.MarkOffline()
		hp.state = model.HostedOffline
		affected = append(affected, hp.r.TopicPartition())
		if m.fetchers != nil {
			m.fetchers.RemoveFollower(hp.r.TopicPartition())
		}
		m.checkpoints.delete(k)
	}
	m.mu.Unlock()

	if m.log != nil {
		m.log.Warn("log directory offline", "dir", dir, "partitions", len(affected))
	}
	if m.notifier != nil {
		return m.notifier.NotifyLogDirFailure(ctx, m.brokerID, dir, affected)
	}
	return nil
}

// FetchPurgatory exposes the fetch-delay purgatory so a fetcher pool can
// nudge blocked consumer fetches once a follower's LEO advances (spec.md
// §4.4). Satisfies fetcher.PurgatoryNudger.
func (m *ReplicaManager) FetchPurgatory() *purgatory.Purgatory {
	return m.fetch
}

// ProducePurgatory exposes the produce-delay purgatory so a fetcher pool
// can nudge blocked acks=-1 producers once the ISR catches up (spec.md
// §4.2). Satisfies fetcher.PurgatoryNudger.
func (m *ReplicaManager) ProducePurgatory() *purgatory.Purgatory {
	return m.produce
}

// CheckpointHW persists every hosted replica's high watermark. Intended to
// run on a periodic ticker.
func (m *ReplicaManager) CheckpointHW() error {
	m.mu.RLock()
	snap := make(map[string]int64, len(m.partitions))
	for k, hp := range m.partitions {
		if hp.state == model.HostedOnline {
			snap[k] = hp.r.HighWatermark()
		}
	}
	m.mu.RUnlock()
	return m.checkpoints.save(snap)
}

// Close stops the failure monitor, closes every hosted replica, and flushes
// HW checkpoints.
func (m *ReplicaManager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, hp := range m.partitions {
		if err := hp.r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.checkpoints.save(nil); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
