// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

func TestAlterPartitionCommitsValidProposal(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)
	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	}))
	require.NoError(t, ctrl.SubmitWait(ctx, eventBrokerChange, BrokerChange{BrokerID: 1, Live: true}))
	require.NoError(t, ctrl.SubmitWait(ctx, eventBrokerChange, BrokerChange{BrokerID: 2, Live: true}))

	current, ok := ctrl.ctx.Leadership(tp)
	require.True(t, ok)

	committed, err := ctrl.AlterPartition(ctx, AlterPartitionRequest{
		BrokerID:        1,
		ControllerEpoch: ctrl.ControllerEpoch(),
		TopicPartition:  tp,
		Proposed: model.LeaderAndISR{
			Leader:         current.Leader,
			LeaderEpoch:    current.LeaderEpoch,
			ISR:            []int32{1, 2},
			PartitionEpoch: current.PartitionEpoch,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, committed.ISR)
	assert.Equal(t, current.PartitionEpoch+1, committed.PartitionEpoch)

	stored, ok := ctrl.ctx.Leadership(tp)
	require.True(t, ok)
	assert.Equal(t, committed, stored)
}

func TestAlterPartitionRejectsFencedLeaderEpoch(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)
	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	}))

	current, _ := ctrl.ctx.Leadership(tp)

	_, err := ctrl.AlterPartition(ctx, AlterPartitionRequest{
		ControllerEpoch: ctrl.ControllerEpoch(),
		TopicPartition:  tp,
		Proposed: model.LeaderAndISR{
			Leader:         current.Leader,
			LeaderEpoch:    current.LeaderEpoch - 1,
			ISR:            current.ISR,
			PartitionEpoch: current.PartitionEpoch,
		},
	})
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeFencedLeaderEpoch, kerrors.CodeOf(err))
}

func TestAlterPartitionRejectsIneligibleReplica(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)
	t.Cleanup(ctrl.Stop)
	require.Eventually(t, ctrl.IsActiveController, time.Second, 5*time.Millisecond)

	tp := model.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, ctrl.SubmitWait(ctx, eventTopicChange, TopicChange{
		Name:       "orders",
		Partitions: map[int32]model.ReplicaAssignment{0: {Replicas: []int32{1, 2, 3}}},
	}))

	current, _ := ctrl.ctx.Leadership(tp)

	_, err := ctrl.AlterPartition(ctx, AlterPartitionRequest{
		ControllerEpoch: ctrl.ControllerEpoch(),
		TopicPartition:  tp,
		Proposed: model.LeaderAndISR{
			Leader:         current.Leader,
			LeaderEpoch:    current.LeaderEpoch,
			ISR:            []int32{1, 99},
			PartitionEpoch: current.PartitionEpoch,
		},
	})
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeIneligibleReplica, kerrors.CodeOf(err))
}

func TestAlterPartitionRejectsWhenNotController(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	_, err := ctrl.AlterPartition(context.Background(), AlterPartitionRequest{})
	require.Error(t, err)
	assert.Equal(t, kerrors.CodeNotController, kerrors.CodeOf(err))
}
