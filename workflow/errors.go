package workflow

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/recruitsync/models"
)

var (
	// ErrInvalidTransition: the requested state is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid scheduling transition")
	// ErrIncompleteRecord: the recruitment lacks a field required to finalize.
	ErrIncompleteRecord = errors.New("recruitment is incomplete")
	// ErrAmbiguousParticipant: both or neither participant column is set. Never retried.
	ErrAmbiguousParticipant = errors.New("recruitment participant is ambiguous")
	// ErrConflict: another writer created the same history record first. Retried.
	ErrConflict = errors.New("history write conflict")
	// ErrWrite: the ledger rejected or timed out a write. Retried.
	ErrWrite = errors.New("history write failed")
	// ErrSourceUnavailable: the recruitment store could not be read. Retried.
	ErrSourceUnavailable = errors.New("recruitment store unavailable")
	// ErrDispatcherClosed is returned by Enqueue after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// TransitionError describes a rejected state machine request.
type TransitionError struct {
	RecruitmentId string
	From          models.SchedulingState
	To            models.SchedulingState
	Missing       []string
	Err           error
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("recruitment %s: %s -> %s: %v", e.RecruitmentId, e.From, e.To, e.Err)
	if len(e.Missing) > 0 {
		msg += " (missing " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed sync job may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAmbiguousParticipant) || errors.Is(err, ErrIncompleteRecord) {
		return false
	}
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrWrite) || errors.Is(err, ErrSourceUnavailable)
}

// errorClass is the short label used for dead letters and metrics.
func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAmbiguousParticipant):
		return "ambiguous_participant"
	case errors.Is(err, ErrIncompleteRecord):
		return "incomplete_record"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrWrite):
		return "write"
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	default:
		return "unknown"
	}
}
