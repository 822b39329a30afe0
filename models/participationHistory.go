package models

import "time"

// ParticipationHistoryRecord is the partition-independent shape of a ledger entry.
// The gorm ledger maps it onto the partition tables through the FieldMap.
type ParticipationHistoryRecord struct {
	ID                string         `gorm:"column:id" json:"id"`
	ParticipantId     string         `gorm:"column:participant_id" json:"participant_id"`
	ParticipantKind   Partition      `gorm:"-" json:"participant_kind"`
	InvestigationId   string         `gorm:"column:investigation_id" json:"investigation_id"`
	RecruitmentId     string         `gorm:"column:recruitment_id" json:"recruitment_id"`
	ParticipationDate time.Time      `gorm:"column:participation_date" json:"participation_date"`
	DurationMinutes   int            `gorm:"column:duration_minutes" json:"duration_minutes"`
	SessionOutcome    SessionOutcome `gorm:"column:session_outcome" json:"session_outcome"`
	RecruiterId       string         `gorm:"column:recruiter_id" json:"recruiter_id"`
	Notes             string         `gorm:"column:notes" json:"notes"`
	CreatedAt         time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// InternalParticipationHistory is the schema of the internal (staff) partition.
// Unique constraint: (recruitment_id).
type InternalParticipationHistory struct {
	ID                    string    `gorm:"primary_key;size:36"`
	InternalParticipantId string    `gorm:"size:36;not null;index"`
	InvestigationId       string    `gorm:"size:36;not null;index"`
	RecruitmentId         string    `gorm:"size:36;not null;uniqueIndex:uniq_internal_history_recruitment"`
	ParticipationDate     time.Time `gorm:"not null"`
	DurationMinutes       int       `gorm:"not null"`
	SessionOutcome        string    `gorm:"size:30;not null"`
	RecruiterId           string    `gorm:"size:36;index"`
	Notes                 string    `gorm:"type:text"`
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// ExternalParticipationHistory is the schema of the external (contact) partition.
// Its column names predate the internal table and differ from it.
// Unique constraint: (recruitment_id).
type ExternalParticipationHistory struct {
	ID                     string    `gorm:"primary_key;size:36"`
	ExternalParticipantId  string    `gorm:"size:36;not null;index"`
	InvestigationId        string    `gorm:"size:36;not null;index"`
	RecruitmentId          string    `gorm:"size:36;not null;uniqueIndex:uniq_external_history_recruitment"`
	SessionDate            time.Time `gorm:"not null"`
	SessionDurationMinutes int       `gorm:"not null"`
	Outcome                string    `gorm:"size:30;not null"`
	RecruiterId            string    `gorm:"size:36;index"`
	Observations           string    `gorm:"type:text"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
