package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/models"
)

// Event is a unit of history sync work, keyed by recruitment id.
type Event struct {
	Kind          models.SyncEventKind
	RecruitmentId string
	// Participant is the snapshot taken when the event was raised. It is only
	// informational for jobs; they re-read the store before writing.
	Participant   models.ParticipantRef
	CorrelationId string
	// Trigger is what raised the event: "event", "sweep", "feed" or "cli".
	Trigger    string
	OccurredAt time.Time
}

var allowedTransitions = map[models.SchedulingState][]models.SchedulingState{
	models.SchedulingStatePendingScheduling: {models.SchedulingStatePending, models.SchedulingStateCancelled},
	models.SchedulingStatePending:           {models.SchedulingStateInProgress, models.SchedulingStateCancelled},
	models.SchedulingStateInProgress:        {models.SchedulingStateFinalized, models.SchedulingStateCancelled},
}

// StateMachine decides scheduling transitions. It performs no I/O.
type StateMachine struct{}

// ApplyTransition validates moving rec to requested and returns the new state
// with the sync event it implies (nil when none).
func (StateMachine) ApplyTransition(rec *models.Recruitment, requested models.SchedulingState) (models.SchedulingState, *Event, error) {
	from := rec.SchedulingState
	if !allowed(from, requested) {
		return from, nil, &TransitionError{RecruitmentId: rec.ID, From: from, To: requested, Err: ErrInvalidTransition}
	}

	switch requested {
	case models.SchedulingStateFinalized:
		if missing := missingForFinalize(rec); len(missing) > 0 {
			return from, nil, &TransitionError{RecruitmentId: rec.ID, From: from, To: requested, Missing: missing, Err: ErrIncompleteRecord}
		}
		return requested, &Event{Kind: models.SyncEventFinalized, RecruitmentId: rec.ID, Participant: participantSnapshot(rec)}, nil
	case models.SchedulingStateCancelled:
		return requested, &Event{Kind: models.SyncEventRetired, RecruitmentId: rec.ID, Participant: participantSnapshot(rec)}, nil
	}
	return requested, nil, nil
}

// RetiredOnDelete is the event for an operator deletion, built from the row as it was.
func RetiredOnDelete(rec *models.Recruitment) Event {
	return Event{Kind: models.SyncEventRetired, RecruitmentId: rec.ID, Participant: participantSnapshot(rec)}
}

func allowed(from, to models.SchedulingState) bool {
	if from.IsTerminal() {
		return false
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func missingForFinalize(rec *models.Recruitment) []string {
	var missing []string
	if rec.SessionDate == nil || rec.SessionDate.IsZero() {
		missing = append(missing, "session_date")
	}
	if rec.DurationMinutes == nil || *rec.DurationMinutes <= 0 {
		missing = append(missing, "duration_minutes")
	}
	if rec.RecruiterId == nil || *rec.RecruiterId == "" {
		missing = append(missing, "recruiter_id")
	}
	return missing
}

func participantSnapshot(rec *models.Recruitment) models.ParticipantRef {
	ref, err := rec.Participant()
	if err != nil {
		return nil
	}
	return ref
}
