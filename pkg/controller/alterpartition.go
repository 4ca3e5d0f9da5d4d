// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// AlterPartitionRequest is a broker's proposed (leader, ISR) update, carried
// over the AlterPartition RPC (spec.md §6.2, §4.7 "Alter-partition").
type AlterPartitionRequest struct {
	BrokerID        int32
	ControllerEpoch int32
	TopicPartition  model.TopicPartition
	Proposed        model.LeaderAndISR

	result model.LeaderAndISR // filled in by handleAlterPartition before done fires
}

// AlterPartition validates and, if accepted, commits a broker's proposed ISR
// change. It implements the exact rule set spec.md §4.7 names:
//
//   - the caller's controllerEpoch is stale   => NotController
//   - newLeaderEpoch < current                => FencedLeaderEpoch
//   - partition epoch going backwards         => InvalidUpdateVersion
//   - recovering leader with |ISR| > 1        => InvalidRequest
//   - an ineligible replica in the new ISR    => IneligibleReplica
//
// AlterPartition is the public, concurrency-safe entry point: it submits the
// request onto the event queue and blocks for the result, so Context is only
// ever touched from the one event-processing goroutine (spec.md §4.5's
// single-writer discipline).
func (c *Controller) AlterPartition(ctx context.Context, req AlterPartitionRequest) (model.LeaderAndISR, error) {
	if !c.IsActiveController() {
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeNotController, "alter_partition", nil)
	}
	arg := &req
	if err := c.SubmitWait(ctx, eventAlterPartition, arg); err != nil {
		return model.LeaderAndISR{}, err
	}
	return arg.result, nil
}

// handleAlterPartition runs on the event-processing goroutine.
func (c *Controller) handleAlterPartition(ctx context.Context, arg any) error {
	req, ok := arg.(*AlterPartitionRequest)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "handle_alter_partition", nil)
	}

	if req.ControllerEpoch < c.ControllerEpoch() {
		return kerrors.New(kerrors.CodeNotController, "alter_partition", nil)
	}

	current, ok := c.ctx.Leadership(req.TopicPartition)
	if !ok {
		return kerrors.New(kerrors.CodeUnknownTopicOrPartition, "alter_partition", nil)
	}

	if req.Proposed.LeaderEpoch < current.LeaderEpoch {
		return kerrors.New(kerrors.CodeFencedLeaderEpoch, "alter_partition", nil)
	}
	if req.Proposed.PartitionEpoch < current.PartitionEpoch {
		return kerrors.New(kerrors.CodeInvalidUpdateVersion, "alter_partition", nil)
	}
	if req.Proposed.Recovering && len(req.Proposed.ISR) > 1 {
		return kerrors.New(kerrors.CodeInvalidRequest, "alter_partition", nil)
	}

	assignment, ok := c.ctx.Assignment(req.TopicPartition)
	if !ok {
		return kerrors.New(kerrors.CodeUnknownTopicOrPartition, "alter_partition", nil)
	}
	if !isEligibleISR(req.Proposed.ISR, assignment, c.ctx.LiveBrokers()) {
		return kerrors.New(kerrors.CodeIneligibleReplica, "alter_partition", nil)
	}

	// Commit through the metadata store's CAS command; the store is the one
	// place the partition epoch is bumped, and its committed LeaderAndISR is
	// what both the cache and the caller observe.
	committed, err := c.store.ProposeAlterPartition(ctx, req.TopicPartition, req.Proposed)
	if err != nil {
		return err
	}
	c.ctx.SetLeadership(req.TopicPartition, committed)
	req.result = committed

	if c.rpc != nil {
		epoch := c.ControllerEpoch()
		for _, b := range c.ctx.LiveBrokers() {
			if err := c.rpc.SendUpdateMetadata(ctx, b, epoch, []model.TopicPartition{req.TopicPartition}); err != nil {
				c.log.Warn("send UpdateMetadata failed", zap.Int32("broker", b), zap.Error(err))
			}
		}
	}
	if err := c.MaybeCompleteReassignment(ctx, req.TopicPartition); err != nil {
		c.log.Warn("alter_partition: reassignment check failed", zap.Stringer("partition", req.TopicPartition), zap.Error(err))
	}

	return nil
}

// isEligibleISR requires every proposed ISR member to be both a live broker
// and a member of the partition's current replica set.
func isEligibleISR(isr []int32, assignment model.ReplicaAssignment, live []int32) bool {
	liveSet := make(map[int32]bool, len(live))
	for _, id := range live {
		liveSet[id] = true
	}
	assigned := make(map[int32]bool, len(assignment.Replicas))
	for _, id := range assignment.Replicas {
		assigned[id] = true
	}
	for _, id := range isr {
		if !liveSet[id] || !assigned[id] {
			return false
		}
	}
	return true
}
