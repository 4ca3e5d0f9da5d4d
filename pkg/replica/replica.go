// Copyright 2025 Takhin Data, Inc.

// Package replica implements the Partition Replica (spec.md §4.2): the
// single-partition concurrency unit that serializes produce and role
// transitions, publishes HW and leader epoch, runs ISR expansion/shrinkage,
// and serves fetch. It is grounded on the teacher's
// pkg/replication/partition.go ISR/HWM arithmetic (min-LEO-over-ISR),
// generalized with leader-epoch fencing, reassignment markers, and the
// typed operation surface spec.md names.
package replica

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/logstore"
	"github.com/riftlog/riftlog/pkg/model"
)

// ISRProposer is the narrow interface a replica uses to propose ISR changes
// under optimistic concurrency (spec.md §4.2, "ISR maintenance"). Brokers
// wire it to pkg/controlrpc's CoordinatorProposer, which hands each proposal
// to the coordinator's AlterPartition: in process when this broker's
// controller is active, over the control RPC otherwise.
type ISRProposer interface {
	ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error)
}

// LeaderState is the input to MakeLeader/MakeFollower: the LeaderAndISR the
// coordinator just assigned, plus the full assignment (needed for adding/
// removing-replica markers).
type LeaderState struct {
	model.LeaderAndISR
	Assignment model.ReplicaAssignment
}

// Config constructs one Replica.
type Config struct {
	TopicPartition      model.TopicPartition
	BrokerID            int32
	Log                 *logstore.Log
	ReplicaLagTimeMaxMs int64
	Proposer            ISRProposer
}

type followerState struct {
	leo          int64
	lastCaughtUp time.Time
}

// Replica is the per-partition replication state machine.
type Replica struct {
	tp       model.TopicPartition
	brokerID int32
	log      *logstore.Log
	proposer ISRProposer

	replicaLagTimeMaxMs int64

	mu             sync.RWMutex
	isLeader       bool
	leaderID       int32
	leaderEpoch    int32
	partitionEpoch int32
	isr            []int32
	assignment     model.ReplicaAssignment
	followers      map[int32]*followerState
	hwm            int64
	offline        bool
	topicID        uuid.UUID
}

// New constructs a Replica that has not yet received a role. Callers must
// call MakeLeader or MakeFollower before serving traffic.
func New(cfg Config) *Replica {
	lag := cfg.ReplicaLagTimeMaxMs
	if lag <= 0 {
		lag = 10_000
	}
	return &Replica{
		tp:                  cfg.TopicPartition,
		brokerID:            cfg.BrokerID,
		log:                 cfg.Log,
		proposer:            cfg.Proposer,
		replicaLagTimeMaxMs: lag,
		leaderID:            model.NoLeader,
		leaderEpoch:         model.NoEpoch,
		followers:           make(map[int32]*followerState),
	}
}

// TopicPartition returns the topic-partition this replica hosts.
func (r *Replica) TopicPartition() model.TopicPartition {
	return r.tp
}

// IsOffline reports whether this replica's log directory has failed.
func (r *Replica) IsOffline() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.offline
}

// MarkOffline transitions the replica to Offline after a log-directory
// failure (spec.md §4.3, "log-directory failure").
func (r *Replica) MarkOffline() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = true
}

// IsLeader reports whether this broker currently leads the partition.
func (r *Replica) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isLeader
}

// LeaderID returns the broker id this replica believes leads the partition,
// or model.NoLeader if no role has been assigned yet.
func (r *Replica) LeaderID() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

// LeaderEpoch returns the current leader epoch.
func (r *Replica) LeaderEpoch() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderEpoch
}

// HighWatermark returns the current high watermark.
func (r *Replica) HighWatermark() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hwm
}

// LogEndOffset returns the current log end offset.
func (r *Replica) LogEndOffset() int64 {
	return r.log.LogEndOffset()
}

// LogStartOffset returns the earliest retained offset.
func (r *Replica) LogStartOffset() int64 {
	return r.log.LogStartOffset()
}

// NumSegments returns the number of on-disk log segments.
func (r *Replica) NumSegments() int {
	return r.log.NumSegments()
}

// DiskUsageBytes returns the total on-disk size of this replica's log.
func (r *Replica) DiskUsageBytes() int64 {
	return r.log.DiskUsageBytes()
}

// ActiveSegmentBytes returns the current size of the active (tail) segment.
func (r *Replica) ActiveSegmentBytes() int64 {
	return r.log.ActiveSegmentBytes()
}

// ISR returns a copy of the current in-sync-replica set.
func (r *Replica) ISR() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, len(r.isr))
	copy(out, r.isr)
	return out
}

// Assignment returns the replica's current ReplicaAssignment, including any
// in-flight reassignment markers. Exposed for metrics/admin reporting.
func (r *Replica) Assignment() model.ReplicaAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assignment
}

// FollowerLEO returns the last-reported log-end offset for followerID, if
// this replica is currently leading and has heard from it.
func (r *Replica) FollowerLEO(followerID int32) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.followers[followerID]
	if !ok {
		return 0, false
	}
	return f.leo, true
}

// MakeLeader transitions this replica to leader for the given epoch.
// Idempotent on equal epoch; returns true iff the epoch actually advanced.
func (r *Replica) MakeLeader(state LeaderState, hwCheckpoint int64, topicID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state.LeaderEpoch < r.leaderEpoch && r.leaderEpoch != model.NoEpoch {
		return false, kerrors.New(kerrors.CodeFencedLeaderEpoch, "make_leader", nil)
	}
	if state.LeaderEpoch == r.leaderEpoch && r.isLeader {
		return false, nil // idempotent no-op
	}

	r.isLeader = true
	r.leaderID = r.brokerID
	leaderEpoch := r.leaderEpoch
	r.leaderEpoch = state.LeaderEpoch
	r.partitionEpoch = state.PartitionEpoch
	r.isr = append([]int32(nil), state.ISR...)
	r.assignment = state.Assignment
	r.topicID = topicID
	r.offline = false

	r.followers = make(map[int32]*followerState)
	now := time.Now()
	for _, id := range state.Assignment.Replicas {
		if id != r.brokerID {
			r.followers[id] = &followerState{leo: hwCheckpoint, lastCaughtUp: now}
		}
	}
	if r.hwm < hwCheckpoint {
		r.hwm = hwCheckpoint
	}
	return state.LeaderEpoch != leaderEpoch, nil
}

// MakeFollower transitions this replica to follower for the given epoch.
// NoEpoch/EpochDuringDelete sentinels bypass the epoch comparison (see
// DESIGN.md, Open Question 1).
func (r *Replica) MakeFollower(state LeaderState, hwCheckpoint int64, topicID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bypass := state.LeaderEpoch == model.NoEpoch || state.LeaderEpoch == model.EpochDuringDelete
	if !bypass && state.LeaderEpoch < r.leaderEpoch && r.leaderEpoch != model.NoEpoch {
		return false, kerrors.New(kerrors.CodeFencedLeaderEpoch, "make_follower", nil)
	}
	if !bypass && state.LeaderEpoch == r.leaderEpoch && !r.isLeader {
		return false, nil
	}

	prevEpoch := r.leaderEpoch
	r.isLeader = false
	r.leaderID = state.Leader
	r.leaderEpoch = state.LeaderEpoch
	r.partitionEpoch = state.PartitionEpoch
	r.isr = append([]int32(nil), state.ISR...)
	r.assignment = state.Assignment
	r.topicID = topicID
	r.offline = false
	r.followers = make(map[int32]*followerState)
	if r.hwm < hwCheckpoint {
		r.hwm = hwCheckpoint
	}
	return state.LeaderEpoch != prevEpoch, nil
}

// AppendInfo is the result of append_records_to_leader.
type AppendInfo struct {
	BaseOffset int64
	HWChange   model.HWChange
}

// AppendRecordsToLeader appends records to the leader log and recomputes
// HW, per spec.md §4.2.
func (r *Replica) AppendRecordsToLeader(key, value []byte) (AppendInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isLeader {
		return AppendInfo{}, kerrors.New(kerrors.CodeNotLeaderOrFollower, "append_records_to_leader", nil)
	}
	if r.offline {
		return AppendInfo{}, kerrors.New(kerrors.CodeKafkaStorageError, "append_records_to_leader", nil)
	}

	before := r.hwm
	offset, err := r.log.Append(key, value, r.leaderEpoch)
	if err != nil {
		return AppendInfo{}, kerrors.New(kerrors.CodeCorruptRecord, "append_records_to_leader", err)
	}
	r.recomputeHWMLocked()

	change := model.HWNone
	switch {
	case r.hwm > before:
		change = model.HWIncreased
	case r.hwm == before:
		change = model.HWSame
	}
	return AppendInfo{BaseOffset: offset, HWChange: change}, nil
}

// AppendFetchedRecords applies records pulled from the leader to this
// follower's local log and advances HW to the leader's reported value,
// capped at the new LEO (spec.md §4.4, fetcher pool write-back). It never
// rolls HW back. Returns the follower's new LEO.
func (r *Replica) AppendFetchedRecords(records []*logstore.Record, leaderEpoch int32, leaderHWM int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isLeader {
		return 0, kerrors.New(kerrors.CodeNotLeaderOrFollower, "append_fetched_records", nil)
	}
	if r.offline {
		return 0, kerrors.New(kerrors.CodeKafkaStorageError, "append_fetched_records", nil)
	}

	for _, rec := range records {
		if _, err := r.log.Append(rec.Key, rec.Value, leaderEpoch); err != nil {
			return r.log.LogEndOffset(), kerrors.New(kerrors.CodeCorruptRecord, "append_fetched_records", err)
		}
	}

	leo := r.log.LogEndOffset()
	newHWM := leaderHWM
	if newHWM > leo {
		newHWM = leo
	}
	if newHWM > r.hwm {
		r.hwm = newHWM
	}
	return leo, nil
}

// ReadInfo is the result of fetch_records. A non-nil DivergingEpoch means
// the fetcher's log has records from an epoch this leader's log ended
// earlier: the fetcher must truncate its suffix to DivergingEndOffset and
// retry (spec.md §4.2, leader epoch discipline).
type ReadInfo struct {
	Records           []*logstore.Record
	HighWatermark     int64
	LogStartOffset    int64
	LogEndOffset      int64
	DivergingEpoch    *int32
	DivergingEndOffset int64
}

// FetchRecords serves a fetch at fetchOffset, returning up to maxBytes'
// worth of records. If fromFollowerID is nonzero, the follower's tracked
// fetch position is updated and ISR is possibly expanded; lastFetchedEpoch
// is the epoch of the follower's most recent local record, checked for
// divergence (model.NoEpoch skips the check).
func (r *Replica) FetchRecords(fetchOffset int64, maxBytes int64, fromFollowerID int32, followerLEO int64, lastFetchedEpoch int32) (ReadInfo, error) {
	r.mu.RLock()
	offline := r.offline
	hwm := r.hwm
	leaderEpoch := r.leaderEpoch
	r.mu.RUnlock()
	if offline {
		return ReadInfo{}, kerrors.New(kerrors.CodeKafkaStorageError, "fetch_records", nil)
	}

	if fromFollowerID != 0 && lastFetchedEpoch != model.NoEpoch && lastFetchedEpoch < leaderEpoch {
		if end, found := r.log.LastOffsetForLeaderEpoch(lastFetchedEpoch); found && end < fetchOffset {
			// The follower has records past where lastFetchedEpoch ended on
			// this leader; it must truncate before fetching further.
			epoch := lastFetchedEpoch
			return ReadInfo{
				HighWatermark:      hwm,
				LogStartOffset:     r.log.LogStartOffset(),
				LogEndOffset:       r.log.LogEndOffset(),
				DivergingEpoch:     &epoch,
				DivergingEndOffset: end,
			}, nil
		}
	}

	var records []*logstore.Record
	for off := fetchOffset; off < r.log.LogEndOffset(); off++ {
		rec, err := r.log.Read(off)
		if err != nil {
			break
		}
		records = append(records, rec)
		if int64(len(records))*int64(len(rec.Value)) >= maxBytes && maxBytes > 0 {
			break
		}
	}

	if fromFollowerID != 0 {
		r.UpdateFollowerFetchState(fromFollowerID, followerLEO)
		r.mu.RLock()
		hwm = r.hwm
		r.mu.RUnlock()
	}

	return ReadInfo{
		Records:        records,
		HighWatermark:  hwm,
		LogStartOffset: r.log.LogStartOffset(),
		LogEndOffset:   r.log.LogEndOffset(),
	}, nil
}

// TruncateFollowerLog discards this follower's diverging log suffix from
// endOffset on, after the leader reported a diverging epoch. Returns the
// new log end offset.
func (r *Replica) TruncateFollowerLog(endOffset int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isLeader {
		return 0, kerrors.New(kerrors.CodeNotLeaderOrFollower, "truncate_follower_log", nil)
	}
	if err := r.log.TruncateSuffix(endOffset); err != nil {
		return 0, kerrors.New(kerrors.CodeKafkaStorageError, "truncate_follower_log", err)
	}
	leo := r.log.LogEndOffset()
	if r.hwm > leo {
		r.hwm = leo
	}
	return leo, nil
}

// UpdateFollowerFetchState records a follower's latest fetch position,
// recomputes ISR and HW, and returns whether ISR expanded (spec.md §4.2,
// "expand runs when a follower's fetch position catches up to leader LEO").
func (r *Replica) UpdateFollowerFetchState(followerID int32, leo int64) (isrExpanded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.isr)
	f, ok := r.followers[followerID]
	if !ok {
		f = &followerState{}
		r.followers[followerID] = f
	}
	f.leo = leo
	if leo >= r.log.LogEndOffset() {
		f.lastCaughtUp = time.Now()
	}

	r.maybeExpandISRLocked(followerID, leo)
	r.recomputeHWMLocked()
	return len(r.isr) > before
}

// maybeExpandISRLocked adds followerID to the ISR once its LEO has caught
// up to the leader's LEO. Callers must hold r.mu.
func (r *Replica) maybeExpandISRLocked(followerID int32, leo int64) {
	if r.containsLocked(r.isr, followerID) {
		return
	}
	if leo >= r.log.LogEndOffset() {
		r.isr = append(r.isr, followerID)
		r.proposeISRLocked()
	}
}

// MaybeShrinkISR removes followers whose fetch lag exceeds
// replicaLagTimeMaxMs * 1.5 (spec.md §4.2). Intended to run periodically
// per leader replica.
func (r *Replica) MaybeShrinkISR() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isLeader {
		return
	}
	threshold := time.Duration(float64(r.replicaLagTimeMaxMs)*1.5) * time.Millisecond
	now := time.Now()

	shrunk := false
	newISR := r.isr[:0:0]
	for _, id := range r.isr {
		if id == r.brokerID {
			newISR = append(newISR, id)
			continue
		}
		f, ok := r.followers[id]
		if !ok || now.Sub(f.lastCaughtUp) > threshold {
			shrunk = true
			continue
		}
		newISR = append(newISR, id)
	}
	if shrunk {
		r.isr = newISR
		r.proposeISRLocked()
		r.recomputeHWMLocked()
	}
}

// proposeISRLocked submits the current ISR through the proposer under
// optimistic concurrency (CAS on partition epoch). On error it sends the
// same proposal once more and then gives up for this tick; it does not
// re-read the committed state between the two attempts, so a partition-epoch
// conflict fails both. The local ISR change is kept when both attempts fail.
// Callers must hold r.mu.
func (r *Replica) proposeISRLocked() {
	if r.proposer == nil {
		r.partitionEpoch++
		return
	}
	proposed := model.LeaderAndISR{
		Leader:         r.leaderID,
		LeaderEpoch:    r.leaderEpoch,
		ISR:            append([]int32(nil), r.isr...),
		PartitionEpoch: r.partitionEpoch,
	}
	for attempt := 0; attempt < 2; attempt++ {
		committed, err := r.proposer.ProposeAlterPartition(context.Background(), r.tp, proposed)
		if err == nil {
			r.isr = committed.ISR
			r.partitionEpoch = committed.PartitionEpoch
			return
		}
		proposed.PartitionEpoch = r.partitionEpoch
	}
}

func (r *Replica) containsLocked(isr []int32, id int32) bool {
	for _, v := range isr {
		if v == id {
			return true
		}
	}
	return false
}

// recomputeHWMLocked sets HW = min(LEO) over the current ISR, never
// rolling back. Callers must hold r.mu.
func (r *Replica) recomputeHWMLocked() {
	minLEO := r.log.LogEndOffset()
	for _, id := range r.isr {
		if id == r.brokerID {
			continue
		}
		if f, ok := r.followers[id]; ok && f.leo < minLEO {
			minLEO = f.leo
		}
	}
	if minLEO > r.hwm {
		r.hwm = minLEO
	}
}

// DeleteResult is the outcome of delete_records_on_leader.
type DeleteResult struct {
	LowWatermark int64
}

// DeleteRecordsOnLeader truncates the log head up to offset and reports
// the new low-watermark (spec.md §4.2).
func (r *Replica) DeleteRecordsOnLeader(offset int64) (DeleteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isLeader {
		return DeleteResult{}, kerrors.New(kerrors.CodeNotLeaderOrFollower, "delete_records_on_leader", nil)
	}
	lwm, err := r.log.Truncate(offset)
	if err != nil {
		return DeleteResult{}, kerrors.New(kerrors.CodeKafkaStorageError, "delete_records_on_leader", err)
	}
	return DeleteResult{LowWatermark: lwm}, nil
}

// FetchOffsetForTimestamp resolves ts to an offset. onlyFromLeader fences
// the read against a stale leaderEpoch when currentLeaderEpoch is given.
func (r *Replica) FetchOffsetForTimestamp(ts int64, currentLeaderEpoch *int32, onlyFromLeader bool) (int64, error) {
	r.mu.RLock()
	epoch := r.leaderEpoch
	isLeader := r.isLeader
	r.mu.RUnlock()

	if onlyFromLeader && !isLeader {
		return 0, kerrors.New(kerrors.CodeNotLeaderOrFollower, "fetch_offset_for_timestamp", nil)
	}
	if currentLeaderEpoch != nil && *currentLeaderEpoch < epoch {
		return 0, kerrors.New(kerrors.CodeFencedLeaderEpoch, "fetch_offset_for_timestamp", nil)
	}

	offset, _, err := r.log.SearchByTimestamp(ts)
	if err != nil {
		return 0, kerrors.New(kerrors.CodeKafkaStorageError, "fetch_offset_for_timestamp", err)
	}
	return offset, nil
}

// EpochEndOffset is the result of last_offset_for_leader_epoch.
type EpochEndOffset struct {
	LeaderEpoch int32
	EndOffset   int64
}

// LastOffsetForLeaderEpoch answers a follower's truncation query: where did
// `epoch` end? (spec.md §4.2)
func (r *Replica) LastOffsetForLeaderEpoch(currentLeaderEpoch *int32, epoch int32, onlyFromLeader bool) (EpochEndOffset, error) {
	r.mu.RLock()
	leaderEpoch := r.leaderEpoch
	isLeader := r.isLeader
	r.mu.RUnlock()

	if onlyFromLeader && !isLeader {
		return EpochEndOffset{}, kerrors.New(kerrors.CodeNotLeaderOrFollower, "last_offset_for_leader_epoch", nil)
	}
	bypass := currentLeaderEpoch == nil || *currentLeaderEpoch == model.NoEpoch || *currentLeaderEpoch == model.EpochDuringDelete
	if !bypass && *currentLeaderEpoch < leaderEpoch {
		return EpochEndOffset{}, kerrors.New(kerrors.CodeFencedLeaderEpoch, "last_offset_for_leader_epoch", nil)
	}

	end, found := r.log.LastOffsetForLeaderEpoch(epoch)
	if !found {
		return EpochEndOffset{LeaderEpoch: epoch, EndOffset: -1}, nil
	}
	return EpochEndOffset{LeaderEpoch: epoch, EndOffset: end}, nil
}

// Close releases the replica's log handle.
func (r *Replica) Close() error {
	return r.log.Close()
}
