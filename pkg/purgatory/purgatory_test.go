// Copyright 2025 Takhin Data, Inc.

package purgatory

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeOp struct {
	keys      []string
	satisfied atomic.Bool
	completed atomic.Bool
	expired   atomic.Bool
	deadline  time.Time
}

func (f *fakeOp) Keys() []string  { return f.keys }
func (f *fakeOp) Deadline() time.Time { return f.deadline }
func (f *fakeOp) TryComplete() bool {
	if !f.satisfied.Load() {
		return false
	}
	f.completed.Store(true)
	return true
}
func (f *fakeOp) OnExpire() { f.expired.Store(true) }

func TestWatchCompletesImmediatelyIfSatisfied(t *testing.T) {
	p := New(100)
	op := &fakeOp{keys: []string{"t-0"}, deadline: time.Now().Add(time.Hour)}
	op.satisfied.Store(true)

	p.Watch(op)
	require.True(t, op.completed.Load())
	require.Equal(t, 0, p.Watched("t-0"))
}

func TestCheckAndCompleteWakesWatcher(t *testing.T) {
	p := New(100)
	op := &fakeOp{keys: []string{"t-0"}, deadline: time.Now().Add(time.Hour)}

	p.Watch(op)
	require.False(t, op.completed.Load())
	require.Equal(t, 1, p.Watched("t-0"))

	op.satisfied.Store(true)
	n := p.CheckAndComplete("t-0")
	require.Equal(t, 1, n)
	require.True(t, op.completed.Load())
}

func TestExpiryInvokesOnExpireExactlyOnce(t *testing.T) {
	p := New(100)
	op := &fakeOp{keys: []string{"t-0"}, deadline: time.Now().Add(10 * time.Millisecond)}

	p.Watch(op)
	require.Eventually(t, func() bool { return op.expired.Load() }, time.Second, 5*time.Millisecond)
	require.False(t, op.completed.Load())

	// A late completion attempt after expiry must not also fire.
	op.satisfied.Store(true)
	n := p.CheckAndComplete("t-0")
	require.Equal(t, 0, n)
}

func TestCompletionRacesTimeoutExactlyOnce(t *testing.T) {
	p := New(100)
	op := &fakeOp{keys: []string{"t-0"}, deadline: time.Now().Add(20 * time.Millisecond)}
	p.Watch(op)

	op.satisfied.Store(true)
	p.CheckAndComplete("t-0")
	time.Sleep(50 * time.Millisecond)

	require.True(t, op.completed.Load())
	require.False(t, op.expired.Load())
}
