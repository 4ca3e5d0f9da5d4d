// Copyright 2025 Takhin Data, Inc.

package controller

import (
	"github.com/riftlog/riftlog/pkg/kerrors"
	"github.com/riftlog/riftlog/pkg/model"
)

// PartitionState is one state in the partition state machine (spec.md §4.6).
type PartitionState int

const (
	PartitionNonExistent PartitionState = iota
	PartitionNew
	PartitionOnline
	PartitionOffline
)

func (s PartitionState) String() string {
	switch s {
	case PartitionNonExistent:
		return "NonExistent"
	case PartitionNew:
		return "New"
	case PartitionOnline:
		return "Online"
	case PartitionOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// validPartitionTransitions enumerates the partition state machine's edges
// (spec.md §4.6): NonExistent→New, New→Online, Online↔Offline,
// {Online,Offline,New}→NonExistent.
var validPartitionTransitions = map[PartitionState]map[PartitionState]bool{
	PartitionNonExistent: {PartitionNew: true},
	PartitionNew:         {PartitionOnline: true, PartitionNonExistent: true},
	PartitionOnline:      {PartitionOffline: true, PartitionNonExistent: true},
	PartitionOffline:     {PartitionOnline: true, PartitionNonExistent: true},
}

func canTransitionPartition(from, to PartitionState) bool {
	return validPartitionTransitions[from][to]
}

// ReplicaState is one state in the replica state machine (spec.md §4.6).
type ReplicaState int

const (
	ReplicaNonExistent ReplicaState = iota
	ReplicaNew
	ReplicaOnline
	ReplicaOffline
	ReplicaDeletionStarted
	ReplicaDeletionSuccessful
	ReplicaDeletionIneligible
)

func (s ReplicaState) String() string {
	switch s {
	case ReplicaNonExistent:
		return "NonExistent"
	case ReplicaNew:
		return "New"
	case ReplicaOnline:
		return "Online"
	case ReplicaOffline:
		return "Offline"
	case ReplicaDeletionStarted:
		return "ReplicaDeletionStarted"
	case ReplicaDeletionSuccessful:
		return "ReplicaDeletionSuccessful"
	case ReplicaDeletionIneligible:
		return "ReplicaDeletionIneligible"
	default:
		return "Unknown"
	}
}

// ElectionStrategy picks a new (leader, ISR) for a partition transitioning
// to Online (spec.md §4.6). Each strategy may refuse with a typed error
// instead of electing.
type ElectionStrategy func(current model.LeaderAndISR, liveReplicas []int32, assignment model.ReplicaAssignment) (model.LeaderAndISR, error)

// OfflinePartitionElection elects the first live replica in the assignment
// that is also in the current ISR; it falls back to any live replica only
// if uncleanAllowed is true.
func OfflinePartitionElection(uncleanAllowed bool) ElectionStrategy {
	return func(current model.LeaderAndISR, liveReplicas []int32, assignment model.ReplicaAssignment) (model.LeaderAndISR, error) {
		live := toSet(liveReplicas)
		isr := toSet(current.ISR)

		for _, r := range assignment.TargetReplicas() {
			if live[r] && isr[r] {
				return electedWithLeader(current, r), nil
			}
		}
		if uncleanAllowed {
			for _, r := range assignment.TargetReplicas() {
				if live[r] {
					// Unclean: the new leader may be missing committed
					// records, so the ISR collapses to just it.
					elected := electedWithLeader(current, r)
					elected.ISR = []int32{r}
					return elected, nil
				}
			}
		}
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeEligibleLeadersNotAvailable, "offline_partition_election", nil)
	}
}

// ReassignPartitionElection elects a leader from the target replica set
// (spec.md reassignment Phase B: "if current leader ∉ TRS or dead, elect a
// new leader from TRS").
func ReassignPartitionElection(current model.LeaderAndISR, liveReplicas []int32, assignment model.ReplicaAssignment) (model.LeaderAndISR, error) {
	live := toSet(liveReplicas)
	isr := toSet(current.ISR)

	if live[current.Leader] && isr[current.Leader] && containsInt32(assignment.TargetReplicas(), current.Leader) {
		return current, nil
	}
	for _, r := range assignment.TargetReplicas() {
		if live[r] && isr[r] {
			return electedWithLeader(current, r), nil
		}
	}
	return model.LeaderAndISR{}, kerrors.New(kerrors.CodeEligibleLeadersNotAvailable, "reassign_partition_election", nil)
}

// PreferredReplicaElection elects the first replica in the assignment
// (the "preferred replica") if it is live and in ISR.
func PreferredReplicaElection(current model.LeaderAndISR, liveReplicas []int32, assignment model.ReplicaAssignment) (model.LeaderAndISR, error) {
	replicas := assignment.TargetReplicas()
	if len(replicas) == 0 {
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodePreferredLeaderNotAvailable, "preferred_replica_election", nil)
	}
	preferred := replicas[0]
	if current.Leader == preferred {
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeElectionNotNeeded, "preferred_replica_election", nil)
	}

	live := toSet(liveReplicas)
	isr := toSet(current.ISR)
	if live[preferred] && isr[preferred] {
		return electedWithLeader(current, preferred), nil
	}
	return model.LeaderAndISR{}, kerrors.New(kerrors.CodePreferredLeaderNotAvailable, "preferred_replica_election", nil)
}

// ControlledShutdownElection elects any other ISR member not in the
// shutting-down set, used when the current leader is shutting down cleanly.
func ControlledShutdownElection(shuttingDown map[int32]bool) ElectionStrategy {
	return func(current model.LeaderAndISR, liveReplicas []int32, assignment model.ReplicaAssignment) (model.LeaderAndISR, error) {
		live := toSet(liveReplicas)
		for _, r := range current.ISR {
			if r == current.Leader || shuttingDown[r] || !live[r] {
				continue
			}
			elected := electedWithLeader(current, r)
			remaining := elected.ISR[:0:0]
			for _, id := range current.ISR {
				if !shuttingDown[id] {
					remaining = append(remaining, id)
				}
			}
			elected.ISR = remaining
			return elected, nil
		}
		return model.LeaderAndISR{}, kerrors.New(kerrors.CodeEligibleLeadersNotAvailable, "controlled_shutdown_election", nil)
	}
}

func electedWithLeader(current model.LeaderAndISR, leader int32) model.LeaderAndISR {
	return model.LeaderAndISR{
		Leader:         leader,
		LeaderEpoch:    current.LeaderEpoch + 1,
		ISR:            current.ISR,
		PartitionEpoch: current.PartitionEpoch,
	}
}

func toSet(ids []int32) map[int32]bool {
	s := make(map[int32]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func containsInt32(ids []int32, target int32) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
