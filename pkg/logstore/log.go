// Copyright 2025 Takhin Data, Inc.

// Package logstore is the on-disk log handle a Partition Replica owns
// exclusively (spec.md §3, Ownership). It is a deliberately small surface:
// segment files, an offset index, and a leader-epoch index, covering only
// the operations Partition Replica's spec'd operations call
// (append/read/truncate/timestamp-lookup/epoch-lookup). Segment compaction,
// retention, tiered storage, and on-disk encryption are external
// collaborators out of scope for this core (spec.md §1).
package logstore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/riftlog/riftlog/pkg/compression"
)

// Config configures a Log's on-disk layout and batch compression.
type Config struct {
	Dir             string
	MaxSegmentBytes int64
	Compression     compression.Type

	// OnIOError, when set, is invoked whenever a write to the underlying
	// directory fails, so the owning broker can take the directory offline
	// (spec.md §4.3, "log-directory failure").
	OnIOError func(err error)
}

// Log is the append-only record sequence backing one partition replica.
type Log struct {
	dir             string
	maxSegmentBytes int64
	compressionType compression.Type
	onIOError       func(err error)

	mu       sync.RWMutex
	segments []*segment
	active   *segment
	start    int64 // low-watermark; may sit inside the oldest segment after a head truncation

	epochs *epochIndex
}

// Open opens (or creates) the log rooted at cfg.Dir, replaying any existing
// segments found on disk.
func Open(cfg Config) (*Log, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 256 * 1024 * 1024
	}
	l := &Log{dir: cfg.Dir, maxSegmentBytes: cfg.MaxSegmentBytes, compressionType: cfg.Compression, onIOError: cfg.OnIOError}

	offsets, err := listSegmentOffsets(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	for _, off := range offsets {
		seg, err := openSegment(cfg.Dir, off, l.maxSegmentBytes)
		if err != nil {
			return nil, fmt.Errorf("open segment at %d: %w", off, err)
		}
		l.segments = append(l.segments, seg)
	}
	if len(l.segments) == 0 {
		if err := l.rollSegment(0); err != nil {
			return nil, fmt.Errorf("create initial segment: %w", err)
		}
	} else {
		l.active = l.segments[len(l.segments)-1]
	}
	l.start = l.segments[0].baseOffsetOf()

	epochs, err := openEpochIndex(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("open epoch index: %w", err)
	}
	l.epochs = epochs

	return l, nil
}

// Append writes one record under the given leader epoch, compressing the
// value per the configured codec, and returns its assigned offset.
func (l *Log) Append(key, value []byte, leaderEpoch int32) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active.isFull() {
		if err := l.rollSegment(l.active.nextOffsetOf()); err != nil {
			l.reportIOError(err)
			return 0, fmt.Errorf("roll segment: %w", err)
		}
	}

	packed, err := compression.Compress(l.compressionType, value)
	if err != nil {
		return 0, fmt.Errorf("compress record: %w", err)
	}

	rec := &Record{Timestamp: time.Now().UnixMilli(), LeaderEpoch: leaderEpoch, Key: key, Value: packed}
	offset, err := l.active.append(rec)
	if err != nil {
		l.reportIOError(err)
		return 0, fmt.Errorf("append record: %w", err)
	}
	l.epochs.assign(leaderEpoch, offset)
	return offset, nil
}

// Read reads and decompresses a single record at offset.
func (l *Log) Read(offset int64) (*Record, error) {
	l.mu.RLock()
	seg := l.findSegment(offset)
	l.mu.RUnlock()
	if seg == nil {
		return nil, fmt.Errorf("offset %d not found", offset)
	}
	rec, err := seg.read(offset)
	if err != nil {
		return nil, err
	}
	rec.Value, err = compression.Decompress(l.compressionType, rec.Value)
	if err != nil {
		return nil, fmt.Errorf("decompress record: %w", err)
	}
	return rec, nil
}

// ReadRange returns the raw (still-compressed) byte span covering records
// starting at offset, up to maxBytes, for zero-copy style transfer by the
// fetch path. The caller is responsible for record framing on read-back.
func (l *Log) ReadRange(offset, maxBytes int64) (path string, position, size int64, err error) {
	l.mu.RLock()
	seg := l.findSegment(offset)
	l.mu.RUnlock()
	if seg == nil {
		return "", 0, 0, fmt.Errorf("offset %d not found", offset)
	}
	position, size, err = seg.readRange(offset, maxBytes)
	if err != nil {
		return "", 0, 0, err
	}
	return seg.dataFile.Name(), position, size, nil
}

// LogEndOffset is the offset of the next record to be appended (LEO).
func (l *Log) LogEndOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active.nextOffsetOf()
}

// LogStartOffset is the lowest retained offset, i.e. the low-watermark after
// any delete_records_on_leader call. After a head truncation it may lie
// inside the oldest segment rather than at its base.
func (l *Log) LogStartOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start
}

// Truncate drops every segment whose records all lie below newStart and
// raises the low-watermark to newStart, implementing
// delete_records_on_leader's head-truncation. Records below newStart in the
// boundary segment stay in that segment. Returns the resulting low-watermark.
func (l *Log) Truncate(newStart int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if newStart > l.active.nextOffsetOf() {
		return 0, fmt.Errorf("truncate offset %d beyond log end %d", newStart, l.active.nextOffsetOf())
	}

	kept := l.segments[:0]
	for _, seg := range l.segments {
		if seg.nextOffsetOf() <= newStart && seg != l.active {
			seg.close()
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	if len(l.segments) == 0 {
		if err := l.rollSegment(newStart); err != nil {
			return 0, err
		}
	}
	if newStart > l.start {
		l.start = newStart
	}
	return l.start, nil
}

// TruncateSuffix drops every record with offset >= offset, used when a
// follower must discard diverging records after an epoch mismatch.
func (l *Log) TruncateSuffix(offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	for _, seg := range l.segments {
		if seg.baseOffsetOf() >= offset {
			seg.close()
			// Remove the files too, so a segment later rolled at the same
			// base offset starts empty instead of replaying the dropped data.
			os.Remove(seg.dataFile.Name())
			os.Remove(seg.indexFile.Name())
			continue
		}
		kept = append(kept, seg)
	}
	l.segments = kept
	if len(l.segments) == 0 {
		// Every segment started at or past the truncation point; restart
		// the log with an empty segment based there.
		return l.rollSegment(offset)
	}
	last := l.segments[len(l.segments)-1]
	if err := last.truncateTo(offset); err != nil {
		return err
	}
	l.active = last
	return nil
}

// SearchByTimestamp returns the first offset whose timestamp >= ts,
// scanning segments in order.
func (l *Log) SearchByTimestamp(ts int64) (offset, timestamp int64, err error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, seg := range l.segments {
		offset, timestamp, found, err := seg.searchByTimestamp(ts)
		if err != nil {
			return 0, 0, err
		}
		if found {
			return offset, timestamp, nil
		}
	}
	return l.active.nextOffsetOf(), ts, nil
}

// LastOffsetForLeaderEpoch returns the end offset of the given leader
// epoch: the start offset of the next-higher recorded epoch, or the
// current LEO if epoch is the most recent one.
func (l *Log) LastOffsetForLeaderEpoch(epoch int32) (endOffset int64, found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epochs.endOffset(epoch, l.active.nextOffsetOf())
}

// Close flushes and closes every open segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.epochs.flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// NumSegments reports the segment count, used by health/metrics reporting.
func (l *Log) NumSegments() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// DiskUsageBytes sums the on-disk size of every segment's data file.
func (l *Log) DiskUsageBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, seg := range l.segments {
		if sz, err := seg.size(); err == nil {
			total += sz
		}
	}
	return total
}

// ActiveSegmentBytes returns the current size of the active (tail) segment.
func (l *Log) ActiveSegmentBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.active == nil {
		return 0
	}
	sz, err := l.active.size()
	if err != nil {
		return 0
	}
	return sz
}

func (l *Log) reportIOError(err error) {
	if l.onIOError != nil {
		l.onIOError(err)
	}
}

func (l *Log) rollSegment(baseOffset int64) error {
	seg, err := openSegment(l.dir, baseOffset, l.maxSegmentBytes)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	l.active = seg
	return nil
}

func (l *Log) findSegment(offset int64) *segment {
	for i := len(l.segments) - 1; i >= 0; i-- {
		if l.segments[i].baseOffsetOf() <= offset {
			return l.segments[i]
		}
	}
	return nil
}
