package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultBatchSize = 500

// StateChangeFunc is called for every committed recruitment change the repository learns about.
type StateChangeFunc func(ctx context.Context, change StateChange)

// RecruitmentRepository is the gorm-backed recruitment store.
type RecruitmentRepository struct {
	DB *gorm.DB
	// BatchSize bounds how many rows EachFinalized holds at once; 0 means 500.
	BatchSize int

	mu        sync.RWMutex
	listeners []StateChangeFunc
}

var recruitmentValidator = validator.New()

func NewRecruitmentRepository(db *gorm.DB) *RecruitmentRepository {
	return &RecruitmentRepository{DB: db}
}

// Create inserts a new recruitment in PENDING_SCHEDULING.
func (r *RecruitmentRepository) Create(ctx context.Context, rec *Recruitment) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SchedulingState == "" {
		rec.SchedulingState = SchedulingStatePendingScheduling
	}
	if err := recruitmentValidator.Struct(rec); err != nil {
		return err
	}
	if _, err := rec.Participant(); err != nil {
		return err
	}
	return r.DB.WithContext(ctx).Create(rec).Error
}

func (r *RecruitmentRepository) Get(ctx context.Context, id string) (*Recruitment, error) {
	var rec Recruitment
	err := r.DB.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// EachFinalized hands every FINALIZED recruitment to fn in primary key order,
// one batch at a time. The batch slice is reused between calls. An error from
// fn stops the scan and is returned.
func (r *RecruitmentRepository) EachFinalized(ctx context.Context, fn func([]Recruitment) error) error {
	size := r.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	var batch []Recruitment
	return r.DB.WithContext(ctx).
		Where("scheduling_state = ?", SchedulingStateFinalized).
		Order("id ASC").
		FindInBatches(&batch, size, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
}

// SaveState moves a recruitment from one scheduling state to another.
// It is a compare-and-set: if the row no longer holds `from` nothing is written
// and utils.ErrorStaleState is returned.
func (r *RecruitmentRepository) SaveState(ctx context.Context, id string, from, to SchedulingState) error {
	res := r.DB.WithContext(ctx).Model(&Recruitment{}).
		Where("id = ? AND scheduling_state = ?", id, from).
		Updates(map[string]interface{}{
			"scheduling_state": to,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: recruitment %s is no longer %s", utils.ErrorStaleState, id, from)
	}
	return nil
}

// Delete removes a recruitment and returns the row as it was.
func (r *RecruitmentRepository) Delete(ctx context.Context, id string) (*Recruitment, error) {
	var deleted Recruitment
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).Take(&deleted).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return utils.ErrorRecordNotFound
			}
			return err
		}
		return tx.Where("id = ?", id).Delete(&Recruitment{}).Error
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// OnStateChange registers a listener for changes committed by other writers.
func (r *RecruitmentRepository) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Notify fans a change out to the registered listeners. The Pub/Sub change feed calls this.
func (r *RecruitmentRepository) Notify(ctx context.Context, change StateChange) {
	r.mu.RLock()
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, change)
	}
}
