// Copyright 2025 Takhin Data, Inc.

package metastore

import "sync"

// WatchKind is one of spec.md §6.1's typed watch categories.
type WatchKind int

const (
	WatchCoordinator WatchKind = iota
	WatchBrokerSet
	WatchBroker
	WatchTopicSet
	WatchTopic
	WatchISRChange
	WatchReassignmentTrigger
	WatchPreferredElectionTrigger
	WatchLogDirFailure
)

// subscription is a single registered watch: kind+key identify what it is
// watching (key is "" for cluster-wide kinds like WatchCoordinator).
type subscription struct {
	kind WatchKind
	key  string
	ch   chan struct{}
}

// broadcaster fans committed FSM mutations out to registered watches. It
// implements the Notifier interface the FSM calls into after every Apply.
// Every watch channel is buffered by 1 and never blocks a notify: a watcher
// that hasn't drained its last wakeup simply coalesces with the new one,
// mirroring how a real metadata-store watch only promises "something
// changed," not delivery of every intermediate state.
type broadcaster struct {
	mu   sync.Mutex
	subs []*subscription
}

func newBroadcaster() *broadcaster {
	return &broadcaster{}
}

// Watch registers interest in kind/key and returns a channel that receives
// a value each time a matching mutation commits, plus an unsubscribe func.
func (b *broadcaster) Watch(kind WatchKind, key string) (<-chan struct{}, func()) {
	sub := &subscription{kind: kind, key: key, ch: make(chan struct{}, 1)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
	return sub.ch, cancel
}

// Notify wakes every subscription matching kind/key. A subscription
// registered with key "" matches any key of that kind.
func (b *broadcaster) Notify(kind WatchKind, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		if s.kind != kind {
			continue
		}
		if s.key != "" && s.key != key {
			continue
		}
		select {
		case s.ch <- struct{}{}:
		default:
		}
	}
}
