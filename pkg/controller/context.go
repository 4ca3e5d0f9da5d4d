// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"sync"

	"github.com/riftlog/riftlog/pkg/model"
)

// replicaKey identifies one replica of one partition.
type replicaKey struct {
	tp model.TopicPartition
	id int32
}

// topicInfo tracks a topic's partition count and id.
type topicInfo struct {
	id         [16]byte
	partitions []int32
}

// reassignmentState tracks an in-flight reassignment for one partition
// (spec.md "Reassignment state machine").
type reassignmentState struct {
	origin []int32
	target []int32
}

// Context is the in-memory graph the coordinator's event-processing thread
// mutates exclusively (spec.md §4.5). Every field is indexed by a stable
// identifier — broker id, topic name, topic-partition — rather than holding
// pointers into other structures, so the single-writer discipline the
// teacher's Coordinator enforces with one mutex is here enforced
// structurally by "only the event loop touches this."
type Context struct {
	mu sync.RWMutex

	liveBrokers  map[int32]int64 // brokerID -> broker epoch
	shuttingDown map[int32]bool

	topics map[string]*topicInfo

	assignment map[model.TopicPartition]model.ReplicaAssignment
	leadership map[model.TopicPartition]model.LeaderAndISR

	partitionState map[model.TopicPartition]PartitionState
	replicaState   map[replicaKey]ReplicaState

	reassigning map[model.TopicPartition]*reassignmentState

	offlineByBroker map[int32]map[model.TopicPartition]bool

	deletionQueued     map[string]bool
	deletionIneligible map[string]bool
	deletionInProgress map[string]bool

	preferredImbalance int
}

// NewContext constructs an empty Controller Context. It is rebuilt from
// scratch on every coordinator election (spec.md §4.7).
func NewContext() *Context {
	return &Context{
		liveBrokers:        make(map[int32]int64),
		shuttingDown:       make(map[int32]bool),
		topics:             make(map[string]*topicInfo),
		assignment:         make(map[model.TopicPartition]model.ReplicaAssignment),
		leadership:         make(map[model.TopicPartition]model.LeaderAndISR),
		partitionState:     make(map[model.TopicPartition]PartitionState),
		replicaState:       make(map[replicaKey]ReplicaState),
		reassigning:        make(map[model.TopicPartition]*reassignmentState),
		offlineByBroker:    make(map[int32]map[model.TopicPartition]bool),
		deletionQueued:     make(map[string]bool),
		deletionIneligible: make(map[string]bool),
		deletionInProgress: make(map[string]bool),
	}
}

func (c *Context) SetBrokerLive(brokerID int32, brokerEpoch int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveBrokers[brokerID] = brokerEpoch
	delete(c.shuttingDown, brokerID)
}

func (c *Context) SetBrokerDead(brokerID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.liveBrokers, brokerID)
	delete(c.shuttingDown, brokerID)
}

func (c *Context) SetBrokerShuttingDown(brokerID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown[brokerID] = true
}

func (c *Context) LiveBrokers() []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int32, 0, len(c.liveBrokers))
	for id := range c.liveBrokers {
		ids = append(ids, id)
	}
	return ids
}

func (c *Context) IsShuttingDown(brokerID int32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shuttingDown[brokerID]
}

func (c *Context) PutTopic(name string, id [16]byte, partitions []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[name] = &topicInfo{id: id, partitions: partitions}
}

func (c *Context) RemoveTopic(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.topics[name]
	if !ok {
		return
	}
	for _, p := range info.partitions {
		tp := model.TopicPartition{Topic: name, Partition: p}
		delete(c.assignment, tp)
		delete(c.leadership, tp)
		delete(c.partitionState, tp)
		delete(c.reassigning, tp)
	}
	delete(c.topics, name)
}

func (c *Context) Topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	return names
}

func (c *Context) TopicPartitions(name string) []int32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.topics[name]
	if !ok {
		return nil
	}
	return append([]int32(nil), info.partitions...)
}

func (c *Context) SetAssignment(tp model.TopicPartition, assignment model.ReplicaAssignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignment[tp] = assignment
}

func (c *Context) Assignment(tp model.TopicPartition) (model.ReplicaAssignment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.assignment[tp]
	return a, ok
}

func (c *Context) SetLeadership(tp model.TopicPartition, lai model.LeaderAndISR) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadership[tp] = lai
}

func (c *Context) Leadership(tp model.TopicPartition) (model.LeaderAndISR, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lai, ok := c.leadership[tp]
	return lai, ok
}

func (c *Context) SetPartitionState(tp model.TopicPartition, state PartitionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.partitionState[tp]
	if current == state {
		return true
	}
	if !canTransitionPartition(current, state) {
		return false
	}
	c.partitionState[tp] = state
	return true
}

func (c *Context) PartitionState(tp model.TopicPartition) PartitionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.partitionState[tp]
}

func (c *Context) SetReplicaState(tp model.TopicPartition, replicaID int32, state ReplicaState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicaState[replicaKey{tp, replicaID}] = state
}

func (c *Context) ReplicaState(tp model.TopicPartition, replicaID int32) ReplicaState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replicaState[replicaKey{tp, replicaID}]
}

func (c *Context) StartReassignment(tp model.TopicPartition, origin, target []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reassigning[tp] = &reassignmentState{origin: origin, target: target}
}

func (c *Context) Reassignment(tp model.TopicPartition) (origin, target []int32, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, found := c.reassigning[tp]
	if !found {
		return nil, nil, false
	}
	return r.origin, r.target, true
}

func (c *Context) ClearReassignment(tp model.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reassigning, tp)
}

func (c *Context) MarkPartitionOfflineForBroker(brokerID int32, tp model.TopicPartition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offlineByBroker[brokerID] == nil {
		c.offlineByBroker[brokerID] = make(map[model.TopicPartition]bool)
	}
	c.offlineByBroker[brokerID][tp] = true
}

func (c *Context) OfflinePartitionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, partitions := range c.offlineByBroker {
		total += len(partitions)
	}
	return total
}

func (c *Context) QueueTopicDeletion(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletionQueued[name] = true
	delete(c.deletionIneligible, name)
}

func (c *Context) MarkTopicDeletionIneligible(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletionIneligible[name] = true
}

func (c *Context) MarkTopicDeletionStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletionInProgress[name] = true
	delete(c.deletionQueued, name)
}

func (c *Context) MarkTopicDeletionComplete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deletionInProgress, name)
	delete(c.deletionIneligible, name)
}

func (c *Context) IsTopicDeletionIneligible(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deletionIneligible[name]
}

func (c *Context) TopicsQueuedForDeletion() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.deletionQueued))
	for name := range c.deletionQueued {
		names = append(names, name)
	}
	return names
}
