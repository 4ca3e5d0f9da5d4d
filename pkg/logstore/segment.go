// Copyright 2025 Takhin Data, Inc.

package logstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Record is a single stored record. LeaderEpoch is the epoch under which it
// was appended, used to answer last_offset_for_leader_epoch lookups.
type Record struct {
	Offset      int64
	Timestamp   int64
	LeaderEpoch int32
	Key         []byte
	Value       []byte
}

const indexEntrySize = 24 // offset(8) + position(8) + timestamp(8)

type segment struct {
	baseOffset int64
	nextOffset int64
	dataFile   *os.File
	indexFile  *os.File
	maxBytes   int64
	mu         sync.RWMutex
}

func openSegment(dir string, baseOffset, maxBytes int64) (*segment, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	dataFile, err := os.OpenFile(segmentPath(dir, baseOffset, ".log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	indexFile, err := os.OpenFile(segmentPath(dir, baseOffset, ".index"), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("open index file: %w", err)
	}

	s := &segment{baseOffset: baseOffset, nextOffset: baseOffset, dataFile: dataFile, indexFile: indexFile, maxBytes: maxBytes}

	stat, err := dataFile.Stat()
	if err != nil {
		s.close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}
	if stat.Size() > 0 {
		if err := s.rebuildNextOffset(); err != nil {
			s.close()
			return nil, fmt.Errorf("rebuild segment: %w", err)
		}
	}
	return s, nil
}

func segmentPath(dir string, baseOffset int64, ext string) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", baseOffset, ext))
}

func (s *segment) isFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, err := s.dataFile.Stat()
	if err != nil {
		return false
	}
	return stat.Size() >= s.maxBytes
}

func (s *segment) append(rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, err := s.dataFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek to end: %w", err)
	}

	offset := s.nextOffset
	rec.Offset = offset

	data := encodeRecord(rec)
	if _, err := s.dataFile.Write(data); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if err := s.writeIndex(offset, position, rec.Timestamp); err != nil {
		return 0, fmt.Errorf("write index: %w", err)
	}

	s.nextOffset++
	return offset, nil
}

func (s *segment) read(offset int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < s.baseOffset || offset >= s.nextOffset {
		return nil, fmt.Errorf("offset %d out of range [%d,%d)", offset, s.baseOffset, s.nextOffset)
	}
	position, err := s.findPosition(offset)
	if err != nil {
		return nil, err
	}
	if _, err := s.dataFile.Seek(position, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek: %w", err)
	}
	return decodeRecord(s.dataFile)
}

// readRange returns the byte range [position, position+size) in the data
// file covering offsets starting at startOffset, up to maxBytes.
func (s *segment) readRange(startOffset, maxBytes int64) (position, size int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if startOffset < s.baseOffset || startOffset >= s.nextOffset {
		return 0, 0, fmt.Errorf("offset %d out of range", startOffset)
	}
	position, err = s.findPosition(startOffset)
	if err != nil {
		return 0, 0, err
	}
	stat, err := s.dataFile.Stat()
	if err != nil {
		return 0, 0, err
	}
	remaining := stat.Size() - position
	if remaining <= 0 {
		return 0, 0, nil
	}
	size = remaining
	if maxBytes > 0 && size > maxBytes {
		size = maxBytes
	}
	return position, size, nil
}

func (s *segment) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err1 := s.dataFile.Close()
	err2 := s.indexFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *segment) baseOffsetOf() int64 { return s.baseOffset }

func (s *segment) nextOffsetOf() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

func (s *segment) size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, err := s.dataFile.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// truncateTo drops every record with offset >= offset.
func (s *segment) truncateTo(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.baseOffset {
		if err := s.dataFile.Truncate(0); err != nil {
			return err
		}
		if err := s.indexFile.Truncate(0); err != nil {
			return err
		}
		s.nextOffset = s.baseOffset
		return nil
	}
	if offset >= s.nextOffset {
		return nil
	}
	position, err := s.findPosition(offset)
	if err != nil {
		return err
	}
	if err := s.dataFile.Truncate(position); err != nil {
		return err
	}
	s.nextOffset = offset
	return s.rebuildIndex()
}

// findPosition binary-searches the index for the byte offset at or just
// before the record with the given logical offset.
func (s *segment) findPosition(offset int64) (int64, error) {
	indexSize, err := s.indexFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if indexSize == 0 {
		return 0, nil
	}
	numEntries := indexSize / indexEntrySize
	left, right := int64(0), numEntries-1
	var last int64

	buf := make([]byte, indexEntrySize)
	for left <= right {
		mid := (left + right) / 2
		if _, err := s.indexFile.ReadAt(buf, mid*indexEntrySize); err != nil {
			return 0, err
		}
		midOffset := int64(binary.BigEndian.Uint64(buf[0:8]))
		position := int64(binary.BigEndian.Uint64(buf[8:16]))
		switch {
		case midOffset == offset:
			return position, nil
		case midOffset < offset:
			last = position
			left = mid + 1
		default:
			right = mid - 1
		}
	}
	return last, nil
}

func (s *segment) writeIndex(offset, position, timestamp int64) error {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(offset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(position))
	binary.BigEndian.PutUint64(buf[16:24], uint64(timestamp))
	_, err := s.indexFile.Write(buf)
	return err
}

func (s *segment) rebuildIndex() error {
	if err := s.indexFile.Truncate(0); err != nil {
		return err
	}
	if _, err := s.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var position int64
	for {
		start := position
		rec, n, err := decodeRecordAt(s.dataFile)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := s.writeIndex(rec.Offset, start, rec.Timestamp); err != nil {
			return err
		}
		position += n
	}
	return nil
}

func (s *segment) rebuildNextOffset() error {
	if _, err := s.dataFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := s.indexFile.Truncate(0); err != nil {
		return err
	}
	count := int64(0)
	var position int64
	for {
		start := position
		rec, n, err := decodeRecordAt(s.dataFile)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := s.writeIndex(s.baseOffset+count, start, rec.Timestamp); err != nil {
			return err
		}
		position += n
		count++
	}
	s.nextOffset = s.baseOffset + count
	return nil
}

// searchByTimestamp scans this segment for the first record with
// timestamp >= ts.
func (s *segment) searchByTimestamp(ts int64) (offset, timestamp int64, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err = s.dataFile.Seek(0, io.SeekStart); err != nil {
		return 0, 0, false, err
	}
	for {
		rec, err := decodeRecord(s.dataFile)
		if err == io.EOF {
			return 0, 0, false, nil
		}
		if err != nil {
			return 0, 0, false, err
		}
		if rec.Timestamp >= ts {
			return rec.Offset, rec.Timestamp, true, nil
		}
	}
}

func encodeRecord(r *Record) []byte {
	keyLen := len(r.Key)
	valueLen := len(r.Value)
	body := 8 + 8 + 4 + 4 + keyLen + 4 + valueLen
	buf := make([]byte, 4+body)
	binary.BigEndian.PutUint32(buf[0:4], uint32(body))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.Offset))
	binary.BigEndian.PutUint64(buf[12:20], uint64(r.Timestamp))
	binary.BigEndian.PutUint32(buf[20:24], uint32(r.LeaderEpoch))
	binary.BigEndian.PutUint32(buf[24:28], uint32(keyLen))
	copy(buf[28:28+keyLen], r.Key)
	binary.BigEndian.PutUint32(buf[28+keyLen:32+keyLen], uint32(valueLen))
	copy(buf[32+keyLen:], r.Value)
	return buf
}

func decodeRecord(r io.Reader) (*Record, error) {
	rec, _, err := decodeRecordAt(r)
	return rec, err
}

// decodeRecordAt decodes one record, returning its total on-disk size
// (including the 4-byte length prefix) so callers can track file position
// without a second Seek/Stat round trip.
func decodeRecordAt(r io.Reader) (*Record, int64, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, 0, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, err
	}

	rec := &Record{
		Offset:      int64(binary.BigEndian.Uint64(body[0:8])),
		Timestamp:   int64(binary.BigEndian.Uint64(body[8:16])),
		LeaderEpoch: int32(binary.BigEndian.Uint32(body[16:20])),
	}
	keyLen := binary.BigEndian.Uint32(body[20:24])
	rec.Key = append([]byte(nil), body[24:24+keyLen]...)
	valueLen := binary.BigEndian.Uint32(body[24+keyLen : 28+keyLen])
	rec.Value = append([]byte(nil), body[28+keyLen:28+keyLen+valueLen]...)

	return rec, int64(4 + size), nil
}

func listSegmentOffsets(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var offsets []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".log" {
			continue
		}
		var offset int64
		if _, err := fmt.Sscanf(name, "%020d.log", &offset); err == nil {
			offsets = append(offsets, offset)
		}
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}
