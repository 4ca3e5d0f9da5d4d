// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

func TestCanTransitionPartition(t *testing.T) {
	assert.True(t, canTransitionPartition(PartitionNonExistent, PartitionNew))
	assert.True(t, canTransitionPartition(PartitionNew, PartitionOnline))
	assert.True(t, canTransitionPartition(PartitionOnline, PartitionOffline))
	assert.True(t, canTransitionPartition(PartitionOffline, PartitionOnline))
	assert.True(t, canTransitionPartition(PartitionOnline, PartitionNonExistent))

	assert.False(t, canTransitionPartition(PartitionNonExistent, PartitionOnline))
	assert.False(t, canTransitionPartition(PartitionNew, PartitionOffline))
}

func TestOfflinePartitionElection(t *testing.T) {
	current := model.LeaderAndISR{Leader: 1, LeaderEpoch: 5, ISR: []int32{1, 2}}
	assignment := model.ReplicaAssignment{Replicas: []int32{1, 2, 3}}

	elected, err := OfflinePartitionElection(false)(current, []int32{2, 3}, assignment)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), elected.Leader)
	assert.Equal(t, int32(6), elected.LeaderEpoch)

	_, err = OfflinePartitionElection(false)(current, []int32{3}, assignment)
	assert.ErrorIs(t, err, kerrors.Sentinel(kerrors.CodeEligibleLeadersNotAvailable))

	elected, err = OfflinePartitionElection(true)(current, []int32{3}, assignment)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), elected.Leader)
	assert.Equal(t, []int32{3}, elected.ISR, "unclean election collapses the ISR to the new leader")
}

func TestReassignPartitionElectionKeepsCurrentLeaderWhenEligible(t *testing.T) {
	current := model.LeaderAndISR{Leader: 1, LeaderEpoch: 3, ISR: []int32{1, 2, 3}}
	assignment := model.ReplicaAssignment{Replicas: []int32{1, 2, 3}}

	elected, err := ReassignPartitionElection(current, []int32{1, 2, 3}, assignment)
	assert.NoError(t, err)
	assert.Equal(t, current, elected)
}

func TestReassignPartitionElectionPicksFromTarget(t *testing.T) {
	current := model.LeaderAndISR{Leader: 1, LeaderEpoch: 3, ISR: []int32{4, 5, 6}}
	assignment := model.ReplicaAssignment{Replicas: []int32{4, 5, 6}}

	elected, err := ReassignPartitionElection(current, []int32{4, 5, 6}, assignment)
	assert.NoError(t, err)
	assert.Contains(t, []int32{4, 5, 6}, elected.Leader)
	assert.Equal(t, int32(4), elected.LeaderEpoch)
}

func TestPreferredReplicaElection(t *testing.T) {
	assignment := model.ReplicaAssignment{Replicas: []int32{2, 1, 3}}
	current := model.LeaderAndISR{Leader: 1, LeaderEpoch: 2, ISR: []int32{1, 2, 3}}

	elected, err := PreferredReplicaElection(current, []int32{1, 2, 3}, assignment)
	assert.NoError(t, err)
	assert.Equal(t, int32(2), elected.Leader)

	_, err = PreferredReplicaElection(elected, []int32{1, 2, 3}, assignment)
	assert.ErrorIs(t, err, kerrors.Sentinel(kerrors.CodeElectionNotNeeded))
}

func TestControlledShutdownElection(t *testing.T) {
	current := model.LeaderAndISR{Leader: 1, LeaderEpoch: 4, ISR: []int32{1, 2, 3}}
	elected, err := ControlledShutdownElection(map[int32]bool{1: true})(current, []int32{1, 2, 3}, model.ReplicaAssignment{Replicas: []int32{1, 2, 3}})
	assert.NoError(t, err)
	assert.NotEqual(t, int32(1), elected.Leader)

	_, err = ControlledShutdownElection(map[int32]bool{1: true, 2: true, 3: true})(current, []int32{1, 2, 3}, model.ReplicaAssignment{Replicas: []int32{1, 2, 3}})
	assert.ErrorIs(t, err, kerrors.Sentinel(kerrors.CodeEligibleLeadersNotAvailable))
}
