// Copyright 2025 Takhin Data, Inc.

// Package controller implements the cluster coordinator: the single elected
// broker that owns partition leadership decisions, reassignment, and topic
// deletion for the whole cluster (spec.md §4.5-§4.7). Its event loop is
// single-threaded by construction — every state mutation happens on the one
// goroutine draining the event queue — grounded on the teacher's
// coordinator.Coordinator, which enforces the analogous single-writer
// discipline with one mutex and a background ticker instead of a queue.
package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/riftlog/riftlog/pkg/config"
	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/metastore"
	"github.com/riftlog/riftlog/pkg/model"
	"github.com/riftlog/riftlog/pkg/replica"
	"github.com/riftlog/riftlog/pkg/replicamanager"
)

// MetadataStore is the narrow slice of pkg/metastore.Client the controller
// needs to claim the coordinator lease, watch for cluster mutations, and
// commit its own decisions back to the replicated log.
type MetadataStore interface {
	ClaimCoordinator(ctx context.Context, brokerID int32) (int32, error)
	ResignCoordinator(ctx context.Context, brokerID int32) error
	Watch(kind metastore.WatchKind, key string) (<-chan struct{}, func())
	GetLeaderAndISR(tp model.TopicPartition) (model.LeaderAndISR, bool)
	GetAssignment(tp model.TopicPartition) (model.ReplicaAssignment, bool)
	PutAssignment(ctx context.Context, tp model.TopicPartition, assignment model.ReplicaAssignment) error
	ProposeAlterPartition(ctx context.Context, tp model.TopicPartition, proposed model.LeaderAndISR) (model.LeaderAndISR, error)
	DeleteTopic(ctx context.Context, topic string) error
	ClusterEpoch() int32
}

// ControlRPCSender fans LeaderAndISR/StopReplica/UpdateMetadata requests out
// to the brokers that host a partition. Implemented by pkg/controlrpc; kept
// narrow here so the event loop never depends on a transport.
type ControlRPCSender interface {
	SendLeaderAndISR(ctx context.Context, brokerID int32, controllerEpoch int32, changes []replicamanager.RoleChange) error
	SendStopReplica(ctx context.Context, brokerID int32, tp model.TopicPartition, deletePartition bool) error
	SendUpdateMetadata(ctx context.Context, brokerID int32, controllerEpoch int32, partitions []model.TopicPartition) error
}

// eventKind enumerates the typed events the single-threaded loop processes
// (spec.md §4.7).
type eventKind int

const (
	eventBrokerChange eventKind = iota
	eventTopicChange
	eventReassignPartitions
	eventISRChange
	eventElectPreferredLeaders
	eventControlledShutdown
	eventDeleteTopic
	eventCoordinatorChange
	eventShutdown
	eventAlterPartition
)

type event struct {
	kind eventKind
	done chan error // non-nil when the submitter wants to block for the result
	arg  any
}

// Controller is the elected cluster coordinator. A broker always runs one
// Controller; whether it is active is decided by MetadataStore's
// coordinator lease, not by process identity.
type Controller struct {
	brokerID int32
	cfg      config.ControllerConfig

	store    MetadataStore
	replicas *replicamanager.ReplicaManager
	rpc      ControlRPCSender
	log      *zap.Logger

	ctx *Context

	active atomic.Bool
	epoch  atomic.Int32

	queue  chan event
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                sync.Mutex
	reassignInFlight  map[model.TopicPartition]bool
}

// New constructs a Controller. It does not start the event loop or attempt
// election; call Run for that.
func New(brokerID int32, cfg config.ControllerConfig, store MetadataStore, replicas *replicamanager.ReplicaManager, rpc ControlRPCSender, log *zap.Logger) *Controller {
	capacity := cfg.EventQueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	return &Controller{
		brokerID:         brokerID,
		cfg:              cfg,
		store:            store,
		replicas:         replicas,
		rpc:              rpc,
		log:              log,
		ctx:              NewContext(),
		queue:            make(chan event, capacity),
		stopCh:           make(chan struct{}),
		reassignInFlight: make(map[model.TopicPartition]bool),
	}
}

// IsActiveController implements health.ControllerStatus.
func (c *Controller) IsActiveController() bool {
	return c.active.Load()
}

// ControllerEpoch implements health.ControllerStatus.
func (c *Controller) ControllerEpoch() int32 {
	return c.epoch.Load()
}

// Run starts the election loop and blocks processing events until Stop is
// called or ctx is canceled. It is meant to run on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		c.runOneTerm(ctx)
	}
}

// runOneTerm attempts to claim the coordinator lease and, once held, drains
// the event queue until the lease is lost, the context is canceled, or Stop
// is called. On return the caller loops back to attempt re-election, unless
// ctx/stopCh say otherwise.
func (c *Controller) runOneTerm(ctx context.Context) {
	coordWatch, cancelWatch := c.store.Watch(metastore.WatchCoordinator, "")
	defer cancelWatch()

	epoch, err := c.store.ClaimCoordinator(ctx, c.brokerID)
	if err != nil {
		c.log.Debug("coordinator claim deferred", zap.Error(err))
		c.waitForCoordinatorChange(ctx, coordWatch)
		return
	}

	c.becomeActive(epoch)
	defer c.becomeInactive()

	var rebalanceCh <-chan time.Time
	if c.cfg.AutoLeaderRebalanceEnable {
		interval := time.Duration(c.cfg.LeaderImbalanceCheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 300 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		rebalanceCh = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-coordWatch:
			if c.store.ClusterEpoch() != c.ControllerEpoch() {
				return
			}
		case <-rebalanceCh:
			c.maybeRebalancePreferred(ctx)
		case ev := <-c.queue:
			c.dispatch(ctx, ev)
		}
	}
}

func (c *Controller) waitForCoordinatorChange(ctx context.Context, watch <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-c.stopCh:
	case <-watch:
	case <-time.After(time.Second):
	}
}

func (c *Controller) becomeActive(epoch int32) {
	c.ctx = NewContext()
	c.epoch.Store(epoch)
	c.active.Store(true)
	c.log.Info("became active controller", zap.Int32("epoch", epoch))
}

func (c *Controller) becomeInactive() {
	c.active.Store(false)

	// Preempt every queued event: whoever is blocked on SubmitWait gets
	// NotController so it can retry against the new coordinator.
	for {
		select {
		case ev := <-c.queue:
			if ev.done != nil {
				ev.done <- kerrors.New(kerrors.CodeNotController, "preempt", nil)
			}
		default:
			c.log.Info("resigned as active controller")
			return
		}
	}
}

// Stop halts the controller's event loop and resigns the coordinator lease
// if held.
func (c *Controller) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	if c.IsActiveController() {
		_ = c.store.ResignCoordinator(context.Background(), c.brokerID)
	}
}

// Submit enqueues an event for processing by the active controller's loop.
// It is a no-op (dropped) if the queue is full; callers that need backpressure
// should use SubmitWait.
func (c *Controller) Submit(kind eventKind, arg any) {
	select {
	case c.queue <- event{kind: kind, arg: arg}:
	default:
		c.log.Warn("controller event queue full, dropping event")
	}
}

// SubmitWait enqueues an event and blocks until it has been processed,
// returning any error the handler produced.
func (c *Controller) SubmitWait(ctx context.Context, kind eventKind, arg any) error {
	done := make(chan error, 1)
	select {
	case c.queue <- event{kind: kind, arg: arg, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) {
	var err error
	switch ev.kind {
	case eventBrokerChange:
		err = c.handleBrokerChange(ctx, ev.arg)
	case eventTopicChange:
		err = c.handleTopicChange(ctx, ev.arg)
	case eventReassignPartitions:
		err = c.handleReassignPartitions(ctx, ev.arg)
	case eventISRChange:
		err = c.handleISRChange(ctx, ev.arg)
	case eventElectPreferredLeaders:
		err = c.handlePreferredElection(ctx)
	case eventControlledShutdown:
		err = c.handleControlledShutdown(ctx, ev.arg)
	case eventDeleteTopic:
		err = c.handleDeleteTopic(ctx, ev.arg)
	case eventAlterPartition:
		err = c.handleAlterPartition(ctx, ev.arg)
	default:
		err = kerrors.New(kerrors.CodeInternalInvariant, "dispatch", nil)
	}
	if ev.done != nil {
		ev.done <- err
	} else if err != nil {
		c.log.Error("controller event failed", zap.Int("kind", int(ev.kind)), zap.Error(err))
	}
}

// BrokerChange describes a broker joining, leaving, or beginning controlled
// shutdown.
type BrokerChange struct {
	BrokerID    int32
	BrokerEpoch int64
	Live        bool
	ShuttingDown bool
}

func (c *Controller) handleBrokerChange(ctx context.Context, arg any) error {
	bc, ok := arg.(BrokerChange)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_broker_change", nil)
	}
	switch {
	case bc.ShuttingDown:
		c.ctx.SetBrokerShuttingDown(bc.BrokerID)
		return c.electForShutdown(ctx, bc.BrokerID)
	case bc.Live:
		c.ctx.SetBrokerLive(bc.BrokerID, bc.BrokerEpoch)
		return nil
	default:
		c.ctx.SetBrokerDead(bc.BrokerID)
		return c.electForOfflineBroker(ctx, bc.BrokerID)
	}
}

// electForOfflineBroker runs the offline-partition election for every
// partition led by a broker that just went offline uncleanly.
func (c *Controller) electForOfflineBroker(ctx context.Context, brokerID int32) error {
	strategy := OfflinePartitionElection(c.cfg.UncleanLeaderElectionEnable)
	for _, topic := range c.ctx.Topics() {
		for _, p := range c.ctx.TopicPartitions(topic) {
			tp := model.TopicPartition{Topic: topic, Partition: p}
			current, ok := c.ctx.Leadership(tp)
			if !ok || current.Leader != brokerID {
				continue
			}
			if err := c.runElection(ctx, tp, strategy); err != nil {
				c.ctx.MarkPartitionOfflineForBroker(brokerID, tp)
				c.ctx.SetPartitionState(tp, PartitionOffline)
			}
		}
	}
	return nil
}

func (c *Controller) electForShutdown(ctx context.Context, brokerID int32) error {
	shuttingDown := map[int32]bool{brokerID: true}
	strategy := ControlledShutdownElection(shuttingDown)
	for _, topic := range c.ctx.Topics() {
		for _, p := range c.ctx.TopicPartitions(topic) {
			tp := model.TopicPartition{Topic: topic, Partition: p}
			current, ok := c.ctx.Leadership(tp)
			if !ok || current.Leader != brokerID {
				continue
			}
			_ = c.runElection(ctx, tp, strategy)
		}
	}
	return nil
}

func (c *Controller) runElection(ctx context.Context, tp model.TopicPartition, strategy ElectionStrategy) error {
	assignment, ok := c.ctx.Assignment(tp)
	if !ok {
		return kerrors.New(kerrors.CodeUnknownTopicOrPartition, "run_election", nil)
	}
	current, _ := c.ctx.Leadership(tp)
	elected, err := strategy(current, c.ctx.LiveBrokers(), assignment)
	if err != nil {
		return err
	}
	c.ctx.SetLeadership(tp, elected)
	c.ctx.SetPartitionState(tp, PartitionOnline)
	return c.propagateLeadership(ctx, tp, elected, assignment)
}

// propagateLeadership sends LeaderAndISR to every replica in the assignment
// so each broker's ReplicaManager transitions into leader or follower role
// (spec.md §4.3 "become_leader_or_follower").
func (c *Controller) propagateLeadership(ctx context.Context, tp model.TopicPartition, lai model.LeaderAndISR, assignment model.ReplicaAssignment) error {
	if c.rpc == nil {
		return nil
	}
	epoch := c.ControllerEpoch()
	for _, r := range assignment.TargetReplicas() {
		change := replicamanager.RoleChange{
			TopicPartition: tp,
			IsLeader:       r == lai.Leader,
			State:          replica.LeaderState{LeaderAndISR: lai, Assignment: assignment},
		}
		if err := c.rpc.SendLeaderAndISR(ctx, r, epoch, []replicamanager.RoleChange{change}); err != nil {
			c.log.Warn("send LeaderAndISR failed", zap.Int32("broker", r), zap.Stringer("partition", tp), zap.Error(err))
		}
	}
	return nil
}

// TopicChange describes a topic creation or partition-count change.
type TopicChange struct {
	Name       string
	TopicID    [16]byte
	Partitions map[int32]model.ReplicaAssignment
	Deleted    bool
}

func (c *Controller) handleTopicChange(ctx context.Context, arg any) error {
	tc, ok := arg.(TopicChange)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_topic_change", nil)
	}
	if tc.Deleted {
		c.ctx.RemoveTopic(tc.Name)
		return nil
	}

	ids := make([]int32, 0, len(tc.Partitions))
	for p, assignment := range tc.Partitions {
		ids = append(ids, p)
		tp := model.TopicPartition{Topic: tc.Name, Partition: p}
		c.ctx.SetAssignment(tp, assignment)
		c.ctx.SetPartitionState(tp, PartitionNew)
	}
	c.ctx.PutTopic(tc.Name, tc.TopicID, ids)

	// A new partition's initial leader is always its preferred replica
	// (assignment[0]); PreferredReplicaElection only applies once a
	// partition already has a leader to displace.
	for p := range tc.Partitions {
		tp := model.TopicPartition{Topic: tc.Name, Partition: p}
		assignment, _ := c.ctx.Assignment(tp)
		replicas := assignment.TargetReplicas()
		if len(replicas) == 0 {
			continue
		}
		initial := model.LeaderAndISR{Leader: replicas[0], LeaderEpoch: 0, ISR: replicas}
		c.ctx.SetLeadership(tp, initial)
		c.ctx.SetPartitionState(tp, PartitionOnline)
		if err := c.propagateLeadership(ctx, tp, initial, assignment); err != nil {
			c.log.Warn("propagate initial leadership failed", zap.Stringer("partition", tp), zap.Error(err))
		}
	}
	return nil
}

// ISRChange is raised when a partition's committed LeaderAndISR record in
// the metadata store changes underneath the controller (e.g. a leader
// shrank its own ISR via AlterPartition).
type ISRChange struct {
	TopicPartition model.TopicPartition
}

func (c *Controller) handleISRChange(ctx context.Context, arg any) error {
	ic, ok := arg.(ISRChange)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_isr_change", nil)
	}
	lai, ok := c.store.GetLeaderAndISR(ic.TopicPartition)
	if !ok {
		return nil
	}
	c.ctx.SetLeadership(ic.TopicPartition, lai)
	return c.MaybeCompleteReassignment(ctx, ic.TopicPartition)
}

// maybeRebalancePreferred is the periodic auto-rebalance pass: for every
// broker that is the preferred replica of some partitions, compute the
// fraction it does not currently lead, and trigger preferred-replica
// election for those partitions when the fraction exceeds
// leaderImbalancePerBrokerPercentage (spec.md "Preferred-replica rebalance").
func (c *Controller) maybeRebalancePreferred(ctx context.Context) {
	notLedByPreferred := make(map[int32][]model.TopicPartition)
	preferredTotal := make(map[int32]int)

	for _, topic := range c.ctx.Topics() {
		for _, p := range c.ctx.TopicPartitions(topic) {
			tp := model.TopicPartition{Topic: topic, Partition: p}
			assignment, ok := c.ctx.Assignment(tp)
			if !ok {
				continue
			}
			replicas := assignment.TargetReplicas()
			if len(replicas) == 0 {
				continue
			}
			preferred := replicas[0]
			preferredTotal[preferred]++
			if current, ok := c.ctx.Leadership(tp); ok && current.Leader != preferred {
				notLedByPreferred[preferred] = append(notLedByPreferred[preferred], tp)
			}
		}
	}

	threshold := float64(c.cfg.LeaderImbalancePerBrokerPercentage) / 100.0
	for broker, partitions := range notLedByPreferred {
		total := preferredTotal[broker]
		if total == 0 {
			continue
		}
		ratio := float64(len(partitions)) / float64(total)
		if ratio <= threshold {
			continue
		}
		c.log.Info("leader imbalance above threshold, rebalancing",
			zap.Int32("broker", broker), zap.Float64("ratio", ratio), zap.Int("partitions", len(partitions)))
		for _, tp := range partitions {
			if err := c.runElection(ctx, tp, PreferredReplicaElection); err != nil {
				if kerrors.CodeOf(err) != kerrors.CodeElectionNotNeeded {
					c.log.Debug("preferred rebalance skipped", zap.Stringer("partition", tp), zap.Error(err))
				}
			}
		}
	}
}

func (c *Controller) handlePreferredElection(ctx context.Context) error {
	for _, topic := range c.ctx.Topics() {
		for _, p := range c.ctx.TopicPartitions(topic) {
			tp := model.TopicPartition{Topic: topic, Partition: p}
			if err := c.runElection(ctx, tp, PreferredReplicaElection); err != nil {
				if kerrors.CodeOf(err) != kerrors.CodeElectionNotNeeded {
					c.log.Debug("preferred election skipped", zap.Stringer("partition", tp), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// ShutdownRequest asks the controller to move every partition this broker
// leads to another replica before it stops (spec.md controlled shutdown).
type ShutdownRequest struct {
	BrokerID int32
}

func (c *Controller) handleControlledShutdown(ctx context.Context, arg any) error {
	req, ok := arg.(ShutdownRequest)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_controlled_shutdown", nil)
	}
	return c.electForShutdown(ctx, req.BrokerID)
}

// DeleteTopicRequest asks the controller to delete a topic, subject to the
// deletion state machine (spec.md "Topic deletion").
type DeleteTopicRequest struct {
	Topic string
}

func (c *Controller) handleDeleteTopic(ctx context.Context, arg any) error {
	req, ok := arg.(DeleteTopicRequest)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_delete_topic", nil)
	}
	if !c.cfg.DeleteTopicEnable {
		return kerrors.New(kerrors.CodeInvalidRequest, "handle_delete_topic", nil)
	}

	c.mu.Lock()
	for tp := range c.reassignInFlight {
		if tp.Topic == req.Topic {
			c.mu.Unlock()
			c.ctx.MarkTopicDeletionIneligible(req.Topic)
			return kerrors.New(kerrors.CodeInvalidRequest, "handle_delete_topic", nil)
		}
	}
	c.mu.Unlock()

	c.ctx.QueueTopicDeletion(req.Topic)
	c.ctx.MarkTopicDeletionStarted(req.Topic)

	for _, p := range c.ctx.TopicPartitions(req.Topic) {
		tp := model.TopicPartition{Topic: req.Topic, Partition: p}
		assignment, ok := c.ctx.Assignment(tp)
		if !ok {
			continue
		}
		for _, r := range assignment.Replicas {
			c.ctx.SetReplicaState(tp, r, ReplicaDeletionStarted)
			if c.rpc != nil {
				if err := c.rpc.SendStopReplica(ctx, r, tp, true); err != nil {
					c.ctx.SetReplicaState(tp, r, ReplicaDeletionIneligible)
					c.log.Warn("stop_replica(delete) failed", zap.Int32("broker", r), zap.Stringer("partition", tp), zap.Error(err))
					continue
				}
			}
			c.ctx.SetReplicaState(tp, r, ReplicaDeletionSuccessful)
		}
	}

	if err := c.store.DeleteTopic(ctx, req.Topic); err != nil {
		return err
	}
	c.ctx.RemoveTopic(req.Topic)
	c.ctx.MarkTopicDeletionComplete(req.Topic)
	return nil
}

// handleReassignPartitions is implemented in reassignment.go.
func (c *Controller) handleReassignPartitions(ctx context.Context, arg any) error {
	return c.startReassignment(ctx, arg)
}
