// Copyright 2025 Takhin Data, Inc.

package metastore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// Typed FSM-level errors, surfaced through raft.ApplyFuture.Response()
// (spec.md §6.1: "a stale version must surface as a typed error").
var (
	ErrNotCoordinator       = kerrors.New(kerrors.CodeNotController, "claim_coordinator", nil)
	ErrFencedLeaderEpoch    = kerrors.New(kerrors.CodeFencedLeaderEpoch, "alter_partition", nil)
	ErrInvalidUpdateVersion = kerrors.New(kerrors.CodeInvalidUpdateVersion, "alter_partition", nil)
)

// CommandType enumerates the mutations the coordinator may commit to the
// metadata store (spec.md §6.1). It replaces the teacher's topic/message
// command set, which modeled broker data-plane state rather than cluster
// metadata.
type CommandType string

const (
	CommandClaimCoordinator  CommandType = "claim_coordinator"
	CommandResignCoordinator CommandType = "resign_coordinator"
	CommandAlterPartition    CommandType = "alter_partition"
	CommandPutAssignment     CommandType = "put_assignment"
	CommandDeleteTopic       CommandType = "delete_topic"
	CommandSetFeature        CommandType = "set_feature"
	CommandAllocateProducer  CommandType = "allocate_producer_ids"
	CommandLogDirFailure     CommandType = "log_dir_failure"
)

// Command is one Raft log entry.
type Command struct {
	Type CommandType `json:"type"`

	// Coordinator claim/resign.
	BrokerID int32 `json:"broker_id,omitempty"`

	// AlterPartition / PutAssignment.
	Topic     string `json:"topic,omitempty"`
	Partition int32  `json:"partition,omitempty"`

	LeaderAndISR *model.LeaderAndISR        `json:"leader_and_isr,omitempty"`
	Assignment   *model.ReplicaAssignment   `json:"assignment,omitempty"`

	// SetFeature.
	FeatureName    string `json:"feature_name,omitempty"`
	FeatureVersion int16  `json:"feature_version,omitempty"`

	// AllocateProducer.
	BlockSize int64 `json:"block_size,omitempty"`

	// LogDirFailure.
	Dir      string                  `json:"dir,omitempty"`
	Affected []model.TopicPartition  `json:"affected,omitempty"`
}

// partitionMeta is the committed state for one partition.
type partitionMeta struct {
	LeaderAndISR model.LeaderAndISR
	Assignment   model.ReplicaAssignment
}

// state is the FSM's full in-memory view. A single struct simplifies
// snapshot/restore: the whole thing round-trips as one JSON document.
type state struct {
	CoordinatorBrokerID int32 `json:"coordinator_broker_id"`
	ClusterEpoch        int32 `json:"cluster_epoch"`

	Partitions map[string]partitionMeta `json:"partitions"`
	Deleted    map[string]bool          `json:"deleted"`
	Features   map[string]int16         `json:"features"`

	ProducerIDNext int64 `json:"producer_id_next"`
}

func newState() *state {
	return &state{
		CoordinatorBrokerID: model.NoLeader,
		Partitions:          make(map[string]partitionMeta),
		Deleted:             make(map[string]bool),
		Features:            make(map[string]int16),
	}
}

func partitionKey(topic string, partition int32) string {
	return fmt.Sprintf("%s-%d", topic, partition)
}

// Notifier is invoked by the FSM after a command commits, once per watch
// kind it affects. It is how ClaimCoordinator/AlterPartition/etc. wake up
// the coordinator event loop's registered watches (spec.md §6.1, §4.7).
type Notifier interface {
	Notify(kind WatchKind, key string)
}

// FSM implements raft.FSM over the cluster metadata state (spec.md §6.1).
// It is grounded on the teacher's pkg/raft/fsm.go FSM (same Apply/Snapshot/
// Restore shape), with the Command enum and state replaced: the teacher's
// FSM mutated a topic.Manager's partition logs directly; this one only ever
// mutates cluster-metadata bookkeeping, never log data.
type FSM struct {
	mu       sync.RWMutex
	state    *state
	notifier Notifier
}

// NewFSM constructs an empty FSM. notifier may be nil in tests that don't
// care about watch fan-out.
func NewFSM(notifier Notifier) *FSM {
	return &FSM{state: newState(), notifier: notifier}
}

func (f *FSM) notify(kind WatchKind, key string) {
	if f.notifier != nil {
		f.notifier.Notify(kind, key)
	}
}

// Apply applies one committed Raft log entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	switch cmd.Type {
	case CommandClaimCoordinator:
		return f.applyClaim(cmd)
	case CommandResignCoordinator:
		return f.applyResign(cmd)
	case CommandAlterPartition:
		return f.applyAlterPartition(cmd)
	case CommandPutAssignment:
		return f.applyPutAssignment(cmd)
	case CommandDeleteTopic:
		return f.applyDeleteTopic(cmd)
	case CommandSetFeature:
		return f.applySetFeature(cmd)
	case CommandAllocateProducer:
		return f.applyAllocateProducer(cmd)
	case CommandLogDirFailure:
		return f.applyLogDirFailure(cmd)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyClaim(cmd Command) interface{} {
	f.mu.Lock()
	if f.state.CoordinatorBrokerID != model.NoLeader && f.state.CoordinatorBrokerID != cmd.BrokerID {
		f.mu.Unlock()
		return ErrNotCoordinator
	}
	f.state.CoordinatorBrokerID = cmd.BrokerID
	f.state.ClusterEpoch++
	epoch := f.state.ClusterEpoch
	f.mu.Unlock()

	f.notify(WatchCoordinator, "")
	return epoch
}

func (f *FSM) applyResign(cmd Command) interface{} {
	f.mu.Lock()
	if f.state.CoordinatorBrokerID == cmd.BrokerID {
		f.state.CoordinatorBrokerID = model.NoLeader
	}
	f.mu.Unlock()

	f.notify(WatchCoordinator, "")
	return nil
}

func (f *FSM) applyAlterPartition(cmd Command) interface{} {
	if cmd.LeaderAndISR == nil {
		return fmt.Errorf("alter_partition missing leader_and_isr")
	}
	key := partitionKey(cmd.Topic, cmd.Partition)

	f.mu.Lock()
	existing, ok := f.state.Partitions[key]
	if ok {
		if cmd.LeaderAndISR.LeaderEpoch < existing.LeaderAndISR.LeaderEpoch {
			f.mu.Unlock()
			return ErrFencedLeaderEpoch
		}
		if cmd.LeaderAndISR.PartitionEpoch < existing.LeaderAndISR.PartitionEpoch {
			f.mu.Unlock()
			return ErrInvalidUpdateVersion
		}
		existing.LeaderAndISR = *cmd.LeaderAndISR
	} else {
		existing = partitionMeta{LeaderAndISR: *cmd.LeaderAndISR}
	}
	existing.LeaderAndISR.PartitionEpoch++
	f.state.Partitions[key] = existing
	committed := existing.LeaderAndISR
	f.mu.Unlock()

	f.notify(WatchISRChange, key)
	f.notify(WatchTopic, cmd.Topic)
	return committed
}

func (f *FSM) applyPutAssignment(cmd Command) interface{} {
	if cmd.Assignment == nil {
		return fmt.Errorf("put_assignment missing assignment")
	}
	key := partitionKey(cmd.Topic, cmd.Partition)

	f.mu.Lock()
	existing := f.state.Partitions[key]
	existing.Assignment = *cmd.Assignment
	f.state.Partitions[key] = existing
	f.mu.Unlock()

	f.notify(WatchTopic, cmd.Topic)
	f.notify(WatchTopicSet, "")
	return nil
}

func (f *FSM) applyDeleteTopic(cmd Command) interface{} {
	f.mu.Lock()
	f.state.Deleted[cmd.Topic] = true
	for key := range f.state.Partitions {
		if hasTopicPrefix(key, cmd.Topic) {
			delete(f.state.Partitions, key)
		}
	}
	f.mu.Unlock()

	f.notify(WatchTopic, cmd.Topic)
	f.notify(WatchTopicSet, "")
	return nil
}

func hasTopicPrefix(key, topic string) bool {
	return len(key) > len(topic) && key[:len(topic)] == topic && key[len(topic)] == '-'
}

func (f *FSM) applySetFeature(cmd Command) interface{} {
	f.mu.Lock()
	f.state.Features[cmd.FeatureName] = cmd.FeatureVersion
	f.mu.Unlock()
	return nil
}

func (f *FSM) applyAllocateProducer(cmd Command) interface{} {
	if cmd.BlockSize <= 0 {
		cmd.BlockSize = 1000
	}
	f.mu.Lock()
	start := f.state.ProducerIDNext
	f.state.ProducerIDNext += cmd.BlockSize
	end := f.state.ProducerIDNext - 1
	f.mu.Unlock()
	return producerIDBlock{Start: start, End: end}
}

func (f *FSM) applyLogDirFailure(cmd Command) interface{} {
	f.notify(WatchLogDirFailure, fmt.Sprintf("%d:%s", cmd.BrokerID, cmd.Dir))
	return nil
}

// Snapshot returns a deep-enough copy of state for persistence.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cp := *f.state
	cp.Partitions = make(map[string]partitionMeta, len(f.state.Partitions))
	for k, v := range f.state.Partitions {
		cp.Partitions[k] = v
	}
	cp.Deleted = make(map[string]bool, len(f.state.Deleted))
	for k, v := range f.state.Deleted {
		cp.Deleted[k] = v
	}
	cp.Features = make(map[string]int16, len(f.state.Features))
	for k, v := range f.state.Features {
		cp.Features[k] = v
	}
	return &fsmSnapshot{state: &cp}, nil
}

// Restore replaces the FSM's state wholesale from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var s state
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Partitions == nil {
		s.Partitions = make(map[string]partitionMeta)
	}
	if s.Deleted == nil {
		s.Deleted = make(map[string]bool)
	}
	if s.Features == nil {
		s.Features = make(map[string]int16)
	}

	f.mu.Lock()
	f.state = &s
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	state *state
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

type producerIDBlock struct {
	Start int64
	End   int64
}
