// Copyright 2025 Takhin Data, Inc.

package logstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// epochIndex tracks, for each leader epoch that has appended at least one
// record to this log, the offset at which that epoch started. It backs
// last_offset_for_leader_epoch (spec.md §4.2), the lookup a follower uses to
// find where to truncate after an epoch mismatch.
type epochIndex struct {
	path    string
	entries []epochEntry // ordered by Epoch ascending
	dirty   bool
}

type epochEntry struct {
	Epoch       int32
	StartOffset int64
}

func openEpochIndex(dir string) (*epochIndex, error) {
	path := filepath.Join(dir, "leader-epoch-checkpoint")
	idx := &epochIndex{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var epoch int32
		var offset int64
		if _, err := fmt.Sscanf(scanner.Text(), "%d %d", &epoch, &offset); err == nil {
			idx.entries = append(idx.entries, epochEntry{Epoch: epoch, StartOffset: offset})
		}
	}
	return idx, scanner.Err()
}

// assign records that epoch's first observed record starts at offset, the
// first time this epoch is seen by this log.
func (idx *epochIndex) assign(epoch int32, offset int64) {
	if n := len(idx.entries); n > 0 && idx.entries[n-1].Epoch == epoch {
		return
	}
	idx.entries = append(idx.entries, epochEntry{Epoch: epoch, StartOffset: offset})
	idx.dirty = true
}

// endOffset returns the end offset of epoch: the start offset of the next
// recorded epoch, or currentLEO if epoch is the most recent one on this log.
func (idx *epochIndex) endOffset(epoch int32, currentLEO int64) (int64, bool) {
	for i, e := range idx.entries {
		if e.Epoch == epoch {
			if i+1 < len(idx.entries) {
				return idx.entries[i+1].StartOffset, true
			}
			return currentLEO, true
		}
	}
	return 0, false
}

func (idx *epochIndex) flush() error {
	if !idx.dirty {
		return nil
	}
	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range idx.entries {
		fmt.Fprintf(w, "%d %d\n", e.Epoch, e.StartOffset)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	idx.dirty = false
	return os.Rename(tmp, idx.path)
}
