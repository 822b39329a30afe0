package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"gorm.io/gorm"
)

// ReconciliationRun is the summary of one history sweep.
type ReconciliationRun struct {
	ID             int                    `gorm:"primary_key" json:"id"`
	RunId          string                 `gorm:"size:36;uniqueIndex" json:"run_id"`
	Trigger        string                 `gorm:"size:20;index" json:"trigger"` // interval, demand, cli
	DryRun         bool                   `json:"dry_run"`
	Scanned        int                    `json:"scanned"`
	Missing        int                    `json:"missing"`
	Consistent     int                    `json:"consistent"`
	Stale          int                    `json:"stale"`
	Orphaned       int                    `json:"orphaned"`
	Ambiguous      int                    `json:"ambiguous"`
	Corrected      int                    `json:"corrected"`
	Failed         int                    `json:"failed"`
	DurationMillis int64                  `json:"duration_millis"`
	StartedAt      time.Time              `gorm:"index" json:"started_at"`
	FinishedAt     *time.Time             `json:"finished_at"`
	CorrelationId  string                 `gorm:"size:64;index" json:"correlation_id"`
	ReportedDrift  []ReconciliationReport `gorm:"foreignKey:RunId;references:RunId" json:"drift,omitempty"`
}

// ReconciliationReport is one drift item found by a sweep.
type ReconciliationReport struct {
	ID            int       `gorm:"primary_key" json:"id"`
	RunId         string    `gorm:"size:36;index;not null" json:"run_id"`
	CheckType     string    `gorm:"size:50;index;not null" json:"check_type"` // MISSING, STALE, ORPHANED, AMBIGUOUS
	Partition     string    `gorm:"size:20;index" json:"partition"`
	RecruitmentId string    `gorm:"size:36;index;not null" json:"recruitment_id"`
	Details       string    `gorm:"type:text" json:"details"`
	Corrected     bool      `json:"corrected"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type ReconciliationRepository struct {
	DB *gorm.DB
}

func NewReconciliationRepository(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{DB: db}
}

// SaveRun stores the run summary and its drift items in one transaction.
func (r *ReconciliationRepository) SaveRun(ctx context.Context, run *ReconciliationRun, drift []ReconciliationReport) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("ReportedDrift").Create(run).Error; err != nil {
			return err
		}
		if len(drift) == 0 {
			return nil
		}
		for i := range drift {
			drift[i].RunId = run.RunId
		}
		return tx.CreateInBatches(drift, 200).Error
	})
}

// LatestRun returns the most recent run with its drift items.
func (r *ReconciliationRepository) LatestRun(ctx context.Context) (*ReconciliationRun, error) {
	var run ReconciliationRun
	err := r.DB.WithContext(ctx).
		Preload("ReportedDrift").
		Order("id DESC").
		Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
