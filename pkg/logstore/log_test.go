// Copyright 2025 Takhin Data, Inc.

package logstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer l.Close()

	off, err := l.Append([]byte("k1"), []byte("v1"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)

	off, err = l.Append([]byte("k2"), []byte("v2"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), off)

	rec, err := l.Read(0)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), rec.Value)

	require.Equal(t, int64(2), l.LogEndOffset())
}

func TestRollsSegmentWhenFull(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 64})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 10; i++ {
		_, err := l.Append([]byte("key"), []byte("some-value-bytes"), 0)
		require.NoError(t, err)
	}
	require.Greater(t, l.NumSegments(), 1)
	require.Equal(t, int64(10), l.LogEndOffset())
}

func TestTruncateHead(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Append(nil, []byte("v"), 0)
		require.NoError(t, err)
	}
	lwm, err := l.Truncate(3)
	require.NoError(t, err)
	require.Equal(t, int64(3), lwm)
}

func TestTruncateSuffix(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		_, err := l.Append(nil, []byte("v"), 1)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateSuffix(3))
	require.Equal(t, int64(3), l.LogEndOffset())

	off, err := l.Append(nil, []byte("v2"), 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), off)
}

func TestTruncateSuffixDropsEverySegment(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 64})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 6; i++ {
		_, err := l.Append(nil, []byte("some-value-bytes"), 1)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateSuffix(0))
	require.Equal(t, int64(0), l.LogEndOffset())

	off, err := l.Append(nil, []byte("v"), 2)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
}

func TestLastOffsetForLeaderEpoch(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 3; i++ {
		_, err := l.Append(nil, []byte("v"), 1)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := l.Append(nil, []byte("v"), 2)
		require.NoError(t, err)
	}

	end, found := l.LastOffsetForLeaderEpoch(1)
	require.True(t, found)
	require.Equal(t, int64(3), end)

	end, found = l.LastOffsetForLeaderEpoch(2)
	require.True(t, found)
	require.Equal(t, int64(5), end)

	_, found = l.LastOffsetForLeaderEpoch(99)
	require.False(t, found)
}

func TestSearchByTimestamp(t *testing.T) {
	l, err := Open(Config{Dir: t.TempDir(), MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(nil, []byte("v"), 0)
	require.NoError(t, err)

	off, _, err := l.SearchByTimestamp(0)
	require.NoError(t, err)
	require.Equal(t, int64(0), off)
}

func TestReopenReplaysSegments(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Config{Dir: dir, MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := l.Append(nil, []byte("v"), 0)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	reopened, err := Open(Config{Dir: dir, MaxSegmentBytes: 1024 * 1024})
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, int64(4), reopened.LogEndOffset())
}
