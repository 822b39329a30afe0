package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
)

type SchedulingState string

const (
	SchedulingStatePendingScheduling SchedulingState = "PENDING_SCHEDULING"
	SchedulingStatePending           SchedulingState = "PENDING"
	SchedulingStateInProgress        SchedulingState = "IN_PROGRESS"
	SchedulingStateFinalized         SchedulingState = "FINALIZED"
	SchedulingStateCancelled         SchedulingState = "CANCELLED"
)

func (s SchedulingState) IsValid() bool {
	switch s {
	case SchedulingStatePendingScheduling,
		SchedulingStatePending,
		SchedulingStateInProgress,
		SchedulingStateFinalized,
		SchedulingStateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further scheduling transition is allowed.
func (s SchedulingState) IsTerminal() bool {
	return s == SchedulingStateFinalized || s == SchedulingStateCancelled
}

func ParseSchedulingState(v string) (SchedulingState, error) {
	s := SchedulingState(strings.ToUpper(strings.TrimSpace(v)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid scheduling state %q", v)
	}
	return s, nil
}

// Scan implements the sql.Scanner interface
func (s *SchedulingState) Scan(value interface{}) error {
	var str string
	switch v := value.(type) {
	case []byte:
		str = string(v)
	case string:
		str = v
	default:
		return errors.New("failed to scan scheduling state")
	}
	*s = SchedulingState(str)
	return nil
}

// Value implements the driver.Valuer interface
func (s SchedulingState) Value() (driver.Value, error) {
	return string(s), nil
}

// Partition selects the history table a participation record lives in.
type Partition string

const (
	PartitionInternal Partition = "internal"
	PartitionExternal Partition = "external"
)

var AllPartitions = []Partition{PartitionInternal, PartitionExternal}

func (p Partition) IsValid() bool {
	return p == PartitionInternal || p == PartitionExternal
}

type SessionOutcome string

const (
	SessionOutcomeCompleted SessionOutcome = "completed"
)

// DriftClass is the reconciliation classification of one recruitment/history pair.
type DriftClass string

const (
	DriftMissing    DriftClass = "MISSING"
	DriftConsistent DriftClass = "CONSISTENT"
	DriftStale      DriftClass = "STALE"
	DriftOrphaned   DriftClass = "ORPHANED"
	DriftAmbiguous  DriftClass = "AMBIGUOUS"
)

var AllDriftClasses = []DriftClass{DriftMissing, DriftConsistent, DriftStale, DriftOrphaned, DriftAmbiguous}

// SyncEventKind is the lifecycle event that drives a history sync job.
type SyncEventKind string

const (
	SyncEventFinalized SyncEventKind = "FINALIZED"
	SyncEventRetired   SyncEventKind = "RETIRED"
	// SyncEventReconcile is raised by the sweeper; the job converges on whatever the store holds.
	SyncEventReconcile SyncEventKind = "RECONCILE"
)
