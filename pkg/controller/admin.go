// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"context"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// This file is the controller's operator-facing surface: blocking wrappers
// around the event queue for mutations, and lock-guarded passthroughs to
// Context for reads. pkg/adminapi is its only caller outside this package
// and outside tests — the HTTP handlers never reach into Context directly,
// mirroring how pkg/console never reached into the teacher's
// coordinator.Coordinator internals either.

// CreateTopic admits a new topic with the given initial assignment.
func (c *Controller) CreateTopic(ctx context.Context, name string, topicID [16]byte, partitions map[int32]model.ReplicaAssignment) error {
	if !c.IsActiveController() {
		return kerrors.New(kerrors.CodeNotController, "create_topic", nil)
	}
	return c.SubmitWait(ctx, eventTopicChange, TopicChange{Name: name, TopicID: topicID, Partitions: partitions})
}

// DeleteTopic submits a deletion request, subject to the deletion state
// machine (spec.md "Topic deletion").
func (c *Controller) DeleteTopic(ctx context.Context, name string) error {
	if !c.IsActiveController() {
		return kerrors.New(kerrors.CodeNotController, "delete_topic", nil)
	}
	return c.SubmitWait(ctx, eventDeleteTopic, DeleteTopicRequest{Topic: name})
}

// ReassignPartitions starts migrating tp's replica set to target (spec.md
// "Reassignment state machine", phases U and A run synchronously here;
// phase B completes asynchronously as the target replicas catch up).
func (c *Controller) ReassignPartitions(ctx context.Context, tp model.TopicPartition, target []int32) error {
	if !c.IsActiveController() {
		return kerrors.New(kerrors.CodeNotController, "reassign_partitions", nil)
	}
	return c.SubmitWait(ctx, eventReassignPartitions, ReassignPartitionsRequest{TopicPartition: tp, Target: target})
}

// ElectPreferredLeaders runs a preferred-replica election pass over every
// partition this controller tracks (spec.md "Preferred leader rebalance").
func (c *Controller) ElectPreferredLeaders(ctx context.Context) error {
	if !c.IsActiveController() {
		return kerrors.New(kerrors.CodeNotController, "elect_preferred_leaders", nil)
	}
	return c.SubmitWait(ctx, eventElectPreferredLeaders, nil)
}

// Topics lists every topic this controller currently tracks.
func (c *Controller) Topics() []string {
	return c.ctx.Topics()
}

// TopicPartitions lists the partition ids of a tracked topic.
func (c *Controller) TopicPartitions(name string) []int32 {
	return c.ctx.TopicPartitions(name)
}

// Leadership returns a partition's last-known committed LeaderAndISR.
func (c *Controller) Leadership(tp model.TopicPartition) (model.LeaderAndISR, bool) {
	return c.ctx.Leadership(tp)
}

// Assignment returns a partition's replica assignment.
func (c *Controller) Assignment(tp model.TopicPartition) (model.ReplicaAssignment, bool) {
	return c.ctx.Assignment(tp)
}

// PartitionState returns a partition's state-machine state.
func (c *Controller) PartitionState(tp model.TopicPartition) PartitionState {
	return c.ctx.PartitionState(tp)
}

// LiveBrokers lists every broker the controller currently considers alive.
func (c *Controller) LiveBrokers() []int32 {
	return c.ctx.LiveBrokers()
}

// ReassignmentInProgress reports tp's origin/target replica sets if a
// reassignment is currently in flight.
func (c *Controller) ReassignmentInProgress(tp model.TopicPartition) (origin, target []int32, ok bool) {
	return c.ctx.Reassignment(tp)
}

// TopicsQueuedForDeletion lists topics queued for deletion whose teardown
// has not started yet; topics whose deletion is in progress are not listed.
func (c *Controller) TopicsQueuedForDeletion() []string {
	return c.ctx.TopicsQueuedForDeletion()
}
