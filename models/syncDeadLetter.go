package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SyncDeadLetter is a history sync that could not be completed: either a
// data-integrity failure or a job that exhausted its retries. Rows stay until
// an operator resolves them; the next sweep normally heals the ledger first.
type SyncDeadLetter struct {
	ID            int            `gorm:"primary_key" json:"id"`
	RecruitmentId string         `gorm:"size:36;index" json:"recruitment_id"`
	EventKind     string         `gorm:"size:20;index" json:"event_kind"`
	Source        string         `gorm:"size:20;index" json:"source"` // dispatcher, sweeper
	ErrorClass    string         `gorm:"size:50;index" json:"error_class"`
	Message       string         `gorm:"type:text" json:"message"`
	Attempts      int            `json:"attempts"`
	Context       datatypes.JSON `json:"context"`
	CorrelationId string         `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	ResolvedAt    *time.Time     `gorm:"index" json:"resolved_at"`
}

type DeadLetterRepository struct {
	DB *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{DB: db}
}

// Record persists a dead letter. extra is marshalled into the JSON context column.
func (r *DeadLetterRepository) Record(ctx context.Context, dl *SyncDeadLetter, extra map[string]any) error {
	if len(extra) > 0 {
		raw, err := json.Marshal(extra)
		if err != nil {
			return err
		}
		dl.Context = datatypes.JSON(raw)
	}
	return r.DB.WithContext(ctx).Create(dl).Error
}

// ListUnresolved returns the newest unresolved dead letters first.
func (r *DeadLetterRepository) ListUnresolved(ctx context.Context, limit int) ([]SyncDeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []SyncDeadLetter
	err := r.DB.WithContext(ctx).
		Where("resolved_at IS NULL").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ResolveForRecruitment marks every open dead letter of a recruitment as resolved.
func (r *DeadLetterRepository) ResolveForRecruitment(ctx context.Context, recruitmentId string) (int64, error) {
	now := time.Now().UTC()
	res := r.DB.WithContext(ctx).Model(&SyncDeadLetter{}).
		Where("recruitment_id = ? AND resolved_at IS NULL", recruitmentId).
		Update("resolved_at", &now)
	return res.RowsAffected, res.Error
}
