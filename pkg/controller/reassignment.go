// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// ReassignPartitionsRequest asks the controller to migrate one partition's
// replica set from its current assignment to target.
type ReassignPartitionsRequest struct {
	TopicPartition model.TopicPartition
	Target         []int32
}

// startReassignment runs Phase U and Phase A synchronously, then registers
// the partition with the in-flight tracker; Phase B completes later, driven
// by ISR-change events, once the target replica set has caught up (spec.md
// "Reassignment state machine").
func (c *Controller) startReassignment(ctx context.Context, arg any) error {
	req, ok := arg.(ReassignPartitionsRequest)
	if !ok {
		return kerrors.New(kerrors.CodeInternalInvariant, "start_reassignment", nil)
	}
	tp := req.TopicPartition

	current, ok := c.ctx.Assignment(tp)
	if !ok {
		return kerrors.New(kerrors.CodeUnknownTopicOrPartition, "start_reassignment", nil)
	}
	origin := current.TargetReplicas()

	if current.IsReassigning() {
		c.stopSupersededReplicas(ctx, tp, current, req.Target)
	}

	next := phaseU(origin, req.Target)
	c.ctx.SetAssignment(tp, next)
	if err := c.store.PutAssignment(ctx, tp, next); err != nil {
		return err
	}

	c.mu.Lock()
	c.reassignInFlight[tp] = true
	c.mu.Unlock()
	c.ctx.StartReassignment(tp, origin, req.Target)

	return c.phaseA(ctx, tp, next)
}

// phaseU computes replicas = ORS ∪ TRS, adding = TRS \ ORS, removing = ORS \ TRS.
func phaseU(origin, target []int32) model.ReplicaAssignment {
	union := append(append([]int32{}, origin...), target...)
	union = dedupeInt32(union)
	return model.ReplicaAssignment{
		Replicas:         union,
		AddingReplicas:   subtractInt32(target, origin),
		RemovingReplicas: subtractInt32(origin, target),
	}
}

// stopSupersededReplicas implements "if a prior reassignment is being
// superseded, stop replicas that are neither in the new ORS nor in TRS."
func (c *Controller) stopSupersededReplicas(ctx context.Context, tp model.TopicPartition, current model.ReplicaAssignment, newTarget []int32) {
	origin, _, ok := c.ctx.Reassignment(tp)
	if !ok {
		origin = current.OriginReplicas()
	}
	keep := toSet(append(append([]int32{}, origin...), newTarget...))
	for _, r := range current.Replicas {
		if keep[r] {
			continue
		}
		if c.rpc != nil {
			if err := c.rpc.SendStopReplica(ctx, r, tp, true); err != nil {
				c.log.Warn("stop superseded replica failed", zap.Int32("broker", r), zap.Stringer("partition", tp), zap.Error(err))
			}
		}
		c.ctx.SetReplicaState(tp, r, ReplicaNonExistent)
	}
}

// phaseA bumps the leader epoch, fans LeaderAndISR out to old and new
// replicas, and starts fetchers on the new replicas by way of the regular
// become_leader_or_follower propagation path.
func (c *Controller) phaseA(ctx context.Context, tp model.TopicPartition, assignment model.ReplicaAssignment) error {
	current, ok := c.ctx.Leadership(tp)
	if !ok {
		return kerrors.New(kerrors.CodeUnknownTopicOrPartition, "phase_a", nil)
	}
	bumped := model.LeaderAndISR{
		Leader:         current.Leader,
		LeaderEpoch:    current.LeaderEpoch + 1,
		ISR:            current.ISR,
		PartitionEpoch: current.PartitionEpoch,
	}
	c.ctx.SetLeadership(tp, bumped)
	for _, r := range assignment.AddingReplicas {
		c.ctx.SetReplicaState(tp, r, ReplicaNew)
	}
	return c.propagateLeadership(ctx, tp, bumped, assignment)
}

// MaybeCompleteReassignment checks whether TRS ⊆ ISR for tp and, if so, runs
// Phase B: elect a leader from TRS if needed, commit replicas = TRS, drop
// removed replicas, and clear the tracker. Called from the ISR-change event
// handler every time a partition's committed ISR grows.
func (c *Controller) MaybeCompleteReassignment(ctx context.Context, tp model.TopicPartition) error {
	c.mu.Lock()
	inFlight := c.reassignInFlight[tp]
	c.mu.Unlock()
	if !inFlight {
		return nil
	}

	assignment, ok := c.ctx.Assignment(tp)
	if !ok || !assignment.IsReassigning() {
		return nil
	}
	lai, ok := c.ctx.Leadership(tp)
	if !ok {
		return nil
	}
	target := assignment.TargetReplicas()
	isr := toSet(lai.ISR)
	for _, r := range target {
		if !isr[r] {
			return nil // TRS not yet ⊆ ISR
		}
	}
	return c.phaseB(ctx, tp, assignment, lai, target)
}

func (c *Controller) phaseB(ctx context.Context, tp model.TopicPartition, assignment model.ReplicaAssignment, lai model.LeaderAndISR, target []int32) error {
	for _, r := range assignment.AddingReplicas {
		c.ctx.SetReplicaState(tp, r, ReplicaOnline)
	}

	elected := lai
	if !toSet(target)[lai.Leader] {
		newLai, err := ReassignPartitionElection(lai, c.ctx.LiveBrokers(), assignment)
		if err != nil {
			return err
		}
		elected = newLai
	}
	c.ctx.SetLeadership(tp, elected)

	committed := model.ReplicaAssignment{Replicas: target}
	c.ctx.SetAssignment(tp, committed)
	if err := c.store.PutAssignment(ctx, tp, committed); err != nil {
		return err
	}

	for _, r := range assignment.RemovingReplicas {
		c.ctx.SetReplicaState(tp, r, ReplicaOffline)
		if c.rpc != nil {
			if err := c.rpc.SendStopReplica(ctx, r, tp, true); err != nil {
				c.log.Warn("stop_replica(delete) after reassignment failed", zap.Int32("broker", r), zap.Stringer("partition", tp), zap.Error(err))
				continue
			}
		}
		c.ctx.SetReplicaState(tp, r, ReplicaNonExistent)
	}

	c.mu.Lock()
	delete(c.reassignInFlight, tp)
	c.mu.Unlock()
	c.ctx.ClearReassignment(tp)

	return c.propagateLeadership(ctx, tp, elected, committed)
}

func dedupeInt32(ids []int32) []int32 {
	seen := make(map[int32]bool, len(ids))
	out := make([]int32, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func subtractInt32(a, b []int32) []int32 {
	excl := toSet(b)
	out := make([]int32, 0, len(a))
	for _, id := range a {
		if !excl[id] {
			out = append(out, id)
		}
	}
	return out
}
