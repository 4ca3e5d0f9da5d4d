// Copyright 2025 Takhin Data, Inc.

// Package kerrors defines the typed error taxonomy shared by the replica
// manager and the cluster coordinator. Per-partition operations never throw
// out of the broker-level entry point; each partition's error is captured
// into its response slot as a *kerrors.Error instead.
package kerrors

import (
	"errors"
	"fmt"
)

// Code is a closed enum of error kinds, grouped by the taxonomy's action
// policy (fence-and-refresh, surface-and-retry, surface-only, resignation).
type Code int

const (
	// Fencing errors: reject, caller refreshes metadata, never retried locally.
	CodeStaleControllerEpoch Code = iota
	CodeStaleBrokerEpoch
	CodeFencedLeaderEpoch

	// Placement errors: surface to caller, caller refreshes.
	CodeNotLeaderOrFollower
	CodeUnknownTopicOrPartition
	CodeInconsistentTopicId

	// Storage errors: mark partition Offline where appropriate, surface.
	CodeKafkaStorageError
	CodeCorruptRecord
	CodeRecordTooLarge
	CodeRecordBatchTooLarge

	// Transient resource errors: surface, caller retries.
	CodeCoordinatorNotAvailable
	CodeReplicaNotAvailable
	CodeNotEnoughReplicas

	// Protocol/validation errors: surface, never retried.
	CodeInvalidRequiredAcks
	CodeInvalidTopic
	CodeInvalidReplicaAssignment
	CodeInvalidUpdateVersion
	CodeInvalidRequest

	// Transaction errors: surface to producer, may require re-init.
	CodeInvalidPIDMapping
	CodeInvalidTxnState
	CodeDuplicateSequence

	// Election-specific errors.
	CodeEligibleLeadersNotAvailable
	CodePreferredLeaderNotAvailable
	CodeElectionNotNeeded

	// Coordinator-moved / offset errors used across both subsystems.
	CodeNotController
	CodeOffsetOutOfRange
	CodeIneligibleReplica

	// Internal invariants: log, force coordinator resignation, re-throw.
	CodeInternalInvariant

	CodeUnknownServerError
)

var names = map[Code]string{
	CodeStaleControllerEpoch:        "StaleControllerEpoch",
	CodeStaleBrokerEpoch:            "StaleBrokerEpoch",
	CodeFencedLeaderEpoch:           "FencedLeaderEpoch",
	CodeNotLeaderOrFollower:         "NotLeaderOrFollower",
	CodeUnknownTopicOrPartition:     "UnknownTopicOrPartition",
	CodeInconsistentTopicId:         "InconsistentTopicId",
	CodeKafkaStorageError:           "KafkaStorageError",
	CodeCorruptRecord:               "CorruptRecord",
	CodeRecordTooLarge:              "RecordTooLarge",
	CodeRecordBatchTooLarge:         "RecordBatchTooLarge",
	CodeCoordinatorNotAvailable:     "CoordinatorNotAvailable",
	CodeReplicaNotAvailable:         "ReplicaNotAvailable",
	CodeNotEnoughReplicas:           "NotEnoughReplicas",
	CodeInvalidRequiredAcks:         "InvalidRequiredAcks",
	CodeInvalidTopic:                "InvalidTopic",
	CodeInvalidReplicaAssignment:    "InvalidReplicaAssignment",
	CodeInvalidUpdateVersion:        "InvalidUpdateVersion",
	CodeInvalidRequest:              "InvalidRequest",
	CodeInvalidPIDMapping:           "InvalidPidMapping",
	CodeInvalidTxnState:             "InvalidTxnState",
	CodeDuplicateSequence:           "DuplicateSequence",
	CodeEligibleLeadersNotAvailable: "EligibleLeadersNotAvailable",
	CodePreferredLeaderNotAvailable: "PreferredLeaderNotAvailable",
	CodeElectionNotNeeded:           "ElectionNotNeeded",
	CodeNotController:              "NotController",
	CodeOffsetOutOfRange:            "OffsetOutOfRange",
	CodeIneligibleReplica:           "IneligibleReplica",
	CodeInternalInvariant:           "InternalInvariant",
	CodeUnknownServerError:          "UnknownServerError",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "Unknown"
}

// Error is the wrapping type every core operation returns. It satisfies
// errors.Is/errors.As against its Code via a sentinel comparison, and
// against the wrapped cause via Unwrap.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, kerrors.New(CodeX, "", nil)) match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a taxonomy error for operation op, optionally wrapping cause.
func New(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// Sentinel returns a comparable value usable with errors.Is to test a
// response's error kind without constructing a full Error, e.g.
// errors.Is(err, kerrors.Sentinel(CodeFencedLeaderEpoch)).
func Sentinel(code Code) error {
	return &Error{Code: code}
}

// CodeOf extracts the Code carried by err, defaulting to
// CodeUnknownServerError for anything not produced by this package —
// mirroring spec.md §7's "unknown exceptions become UnknownServerError".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknownServerError
}

// IsInternalInvariant reports whether err represents a programmer-error
// class invariant violation, the one class of error the coordinator's event
// loop lets propagate instead of capturing per-partition (spec.md §7,
// propagation policy).
func IsInternalInvariant(err error) bool {
	return CodeOf(err) == CodeInternalInvariant
}
