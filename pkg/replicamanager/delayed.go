// Copyright 2025 Takhin Data, Inc.

package replicamanager

import (
	"time"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// delayedProduce watches a requiredAcks=-1 produce until every affected
// partition's HW has advanced past its appended offset (full ISR
// replication) or the deadline elapses (spec.md §4.1, §4.3).
type delayedProduce struct {
	m        *ReplicaManager
	entries  []PerPartitionAppend
	results  []LogAppendResult
	deadline time.Time
	respond  func([]LogAppendResult)
	done     []bool
}

func newDelayedProduce(m *ReplicaManager, entries []PerPartitionAppend, results []LogAppendResult, timeout time.Duration, respond func([]LogAppendResult)) *delayedProduce {
	return &delayedProduce{
		m:        m,
		entries:  entries,
		results:  results,
		deadline: time.Now().Add(timeout),
		respond:  respond,
		done:     make([]bool, len(entries)),
	}
}

func (d *delayedProduce) Keys() []string {
	keys := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		keys = append(keys, key(e.TopicPartition))
	}
	return keys
}

func (d *delayedProduce) Deadline() time.Time { return d.deadline }

func (d *delayedProduce) TryComplete() bool {
	allDone := true
	for i, res := range d.results {
		if d.done[i] || res.Err != nil {
			continue
		}
		r, ok := d.m.GetReplica(d.entries[i].TopicPartition)
		if !ok {
			// The partition was stopped or went offline after the append; it
			// can never replicate now.
			d.results[i].Err = kerrors.New(kerrors.CodeNotLeaderOrFollower, "append_records", nil)
			d.done[i] = true
			continue
		}
		if r.HighWatermark() > res.BaseOffset {
			d.done[i] = true
		} else {
			allDone = false
		}
	}
	if !allDone {
		return false
	}
	d.respond(d.results)
	return true
}

func (d *delayedProduce) OnExpire() {
	d.respond(d.results)
}

// delayedFetch watches a fetch until accumulated bytes across requested
// partitions reach minBytes, any partition errors or diverges, or the
// deadline elapses (spec.md §4.3).
type delayedFetch struct {
	m        *ReplicaManager
	infos    []FetchInfo
	minBytes int64
	deadline time.Time
	respond  func([]FetchResult)
	last     []FetchResult
}

func newDelayedFetch(m *ReplicaManager, infos []FetchInfo, minBytes int64, timeout time.Duration, respond func([]FetchResult)) *delayedFetch {
	return &delayedFetch{m: m, infos: infos, minBytes: minBytes, deadline: time.Now().Add(timeout), respond: respond}
}

func (d *delayedFetch) Keys() []string {
	keys := make([]string, 0, len(d.infos))
	for _, fi := range d.infos {
		keys = append(keys, key(fi.TopicPartition))
	}
	return keys
}

func (d *delayedFetch) Deadline() time.Time { return d.deadline }

func (d *delayedFetch) TryComplete() bool {
	results := d.m.readAll(d.infos)
	d.last = results

	var total int64
	for _, res := range results {
		if res.Err != nil || res.Info.DivergingEpoch != nil || res.PreferredRead != model.NoLeader {
			d.respond(results)
			return true
		}
		for _, rec := range res.Info.Records {
			total += int64(len(rec.Value))
		}
	}
	if total < d.minBytes {
		return false
	}
	d.respond(results)
	return true
}

func (d *delayedFetch) OnExpire() {
	if d.last == nil {
		d.last = d.m.readAll(d.infos)
	}
	d.respond(d.last)
}

// delayedDeleteRecords watches a delete-records request until every
// partition's low-watermark has reached the requested offset (spec.md §4.1,
// "delete-records waiting for low-watermark propagation").
type delayedDeleteRecords struct {
	m        *ReplicaManager
	entries  []PerPartitionDelete
	results  []DeleteRecordsResult
	deadline time.Time
	respond  func([]DeleteRecordsResult)
	done     []bool
}

func newDelayedDeleteRecords(m *ReplicaManager, entries []PerPartitionDelete, results []DeleteRecordsResult, timeout time.Duration, respond func([]DeleteRecordsResult)) *delayedDeleteRecords {
	return &delayedDeleteRecords{
		m:        m,
		entries:  entries,
		results:  results,
		deadline: time.Now().Add(timeout),
		respond:  respond,
		done:     make([]bool, len(entries)),
	}
}

func (d *delayedDeleteRecords) Keys() []string {
	keys := make([]string, 0, len(d.entries))
	for _, e := range d.entries {
		keys = append(keys, key(e.TopicPartition))
	}
	return keys
}

func (d *delayedDeleteRecords) Deadline() time.Time { return d.deadline }

func (d *delayedDeleteRecords) TryComplete() bool {
	allDone := true
	for i, res := range d.results {
		if d.done[i] || res.Err != nil {
			continue
		}
		r, ok := d.m.GetReplica(d.entries[i].TopicPartition)
		if !ok {
			d.results[i].Err = kerrors.New(kerrors.CodeNotLeaderOrFollower, "delete_records", nil)
			d.done[i] = true
			continue
		}
		if lwm := r.LogStartOffset(); lwm >= d.entries[i].Offset {
			d.results[i].LowWatermark = lwm
			d.done[i] = true
		} else {
			allDone = false
		}
	}
	if !allDone {
		return false
	}
	d.respond(d.results)
	return true
}

func (d *delayedDeleteRecords) OnExpire() {
	d.respond(d.results)
}

// delayedElect watches an elect-leader request until every named partition
// has a leader again (spec.md §4.1, "elect-leader waiting for the
// coordinator"): the coordinator's LeaderAndISR lands via
// become_leader_or_follower, which nudges this purgatory.
type delayedElect struct {
	m        *ReplicaManager
	tps      []model.TopicPartition
	deadline time.Time
	respond  func([]ElectLeaderResult)
}

func newDelayedElect(m *ReplicaManager, tps []model.TopicPartition, timeout time.Duration, respond func([]ElectLeaderResult)) *delayedElect {
	return &delayedElect{m: m, tps: tps, deadline: time.Now().Add(timeout), respond: respond}
}

func (d *delayedElect) Keys() []string {
	keys := make([]string, 0, len(d.tps))
	for _, tp := range d.tps {
		keys = append(keys, key(tp))
	}
	return keys
}

func (d *delayedElect) Deadline() time.Time { return d.deadline }

// snapshot reports each partition's current leader view. A partition this
// broker does not host yet is simply "no leader": the coordinator's
// LeaderAndISR may still create it before the deadline.
func (d *delayedElect) snapshot() []ElectLeaderResult {
	results := make([]ElectLeaderResult, len(d.tps))
	for i, tp := range d.tps {
		results[i] = ElectLeaderResult{TopicPartition: tp, Leader: model.NoLeader}
		if r, ok := d.m.GetReplica(tp); ok {
			results[i].Leader = r.LeaderID()
			results[i].LeaderEpoch = r.LeaderEpoch()
		}
	}
	return results
}

func (d *delayedElect) TryComplete() bool {
	results := d.snapshot()
	for _, res := range results {
		if res.Leader == model.NoLeader {
			return false
		}
	}
	d.respond(results)
	return true
}

func (d *delayedElect) OnExpire() {
	results := d.snapshot()
	for i := range results {
		if results[i].Leader == model.NoLeader {
			results[i].Err = kerrors.New(kerrors.CodeEligibleLeadersNotAvailable, "elect_leader", nil)
		}
	}
	d.respond(results)
}
