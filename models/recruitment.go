package models

import (
	"time"
)

// Recruitment is one scheduled session engagement between a recruiter and a participant.
// The scheduling state is owned by the application; this service only reads it
// and applies transitions that the state machine has validated.
type Recruitment struct {
	ID                    string          `gorm:"primary_key;size:36" json:"id"`
	InvestigationId       string          `gorm:"size:36;not null;index" json:"investigation_id" validate:"required"`
	InternalParticipantId *string         `gorm:"size:36;index" json:"internal_participant_id"`
	ExternalParticipantId *string         `gorm:"size:36;index" json:"external_participant_id"`
	RecruiterId           *string         `gorm:"size:36;index" json:"recruiter_id"`
	SessionDate           *time.Time      `json:"session_date"`
	DurationMinutes       *int            `json:"duration_minutes" validate:"omitempty,gt=0"`
	Notes                 string          `gorm:"type:text" json:"notes"`
	SchedulingState       SchedulingState `gorm:"size:30;not null;index;default:PENDING_SCHEDULING" json:"scheduling_state"`
	CreatedBy             string          `gorm:"size:100" json:"created_by"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Participant returns the tagged participant reference, or an error when the
// stored columns violate the exactly-one rule.
func (r *Recruitment) Participant() (ParticipantRef, error) {
	return NewParticipantRef(r.InternalParticipantId, r.ExternalParticipantId)
}

// StateChange is a committed change to a recruitment as seen by the store.
// Participant is a snapshot taken at change time (nil when it could not be resolved),
// so a deletion can still be routed after the row is gone.
type StateChange struct {
	RecruitmentId string          `json:"recruitment_id"`
	State         SchedulingState `json:"state"`
	Deleted       bool            `json:"deleted"`
	Participant   ParticipantRef  `json:"-"`
	CorrelationId string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
