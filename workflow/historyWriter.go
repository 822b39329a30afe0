package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HistoryLedger is the partitioned participation history storage.
// Only HistoryWriter calls it.
type HistoryLedger interface {
	FindByRecruitment(ctx context.Context, p models.Partition, recruitmentId string) (*models.ParticipationHistoryRecord, error)
	ListPage(ctx context.Context, p models.Partition, afterRecruitmentId string, limit int) ([]models.ParticipationHistoryRecord, error)
	Insert(ctx context.Context, rec *models.ParticipationHistoryRecord) error
	Update(ctx context.Context, rec *models.ParticipationHistoryRecord) error
	Delete(ctx context.Context, p models.Partition, recruitmentId string) (bool, error)
}

// HistoryFields are the history values derived from a finalized recruitment.
type HistoryFields struct {
	InvestigationId   string
	ParticipationDate time.Time
	DurationMinutes   int
	SessionOutcome    models.SessionOutcome
	RecruiterId       string
	Notes             string
}

// Derive builds the history fields of a finalized recruitment.
func Derive(rec *models.Recruitment) (HistoryFields, error) {
	if missing := missingForFinalize(rec); len(missing) > 0 {
		return HistoryFields{}, &TransitionError{
			RecruitmentId: rec.ID,
			From:          rec.SchedulingState,
			To:            models.SchedulingStateFinalized,
			Missing:       missing,
			Err:           ErrIncompleteRecord,
		}
	}
	return HistoryFields{
		InvestigationId:   rec.InvestigationId,
		ParticipationDate: normalizeTime(*rec.SessionDate),
		DurationMinutes:   *rec.DurationMinutes,
		SessionOutcome:    models.SessionOutcomeCompleted,
		RecruiterId:       *rec.RecruiterId,
		Notes:             rec.Notes,
	}, nil
}

// Matches reports whether an existing record already carries these fields.
func (f HistoryFields) Matches(rec *models.ParticipationHistoryRecord, participantId string) bool {
	return rec.ParticipantId == participantId &&
		rec.InvestigationId == f.InvestigationId &&
		normalizeTime(rec.ParticipationDate).Equal(f.ParticipationDate) &&
		rec.DurationMinutes == f.DurationMinutes &&
		rec.SessionOutcome == f.SessionOutcome &&
		rec.RecruiterId == f.RecruiterId &&
		rec.Notes == f.Notes
}

func (f HistoryFields) apply(rec *models.ParticipationHistoryRecord, participantId string) {
	rec.ParticipantId = participantId
	rec.InvestigationId = f.InvestigationId
	rec.ParticipationDate = f.ParticipationDate
	rec.DurationMinutes = f.DurationMinutes
	rec.SessionOutcome = f.SessionOutcome
	rec.RecruiterId = f.RecruiterId
	rec.Notes = f.Notes
}

// The ledger stores second precision in UTC.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

type UpsertOutcome string

const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

type WriteResult struct {
	Outcome        UpsertOutcome
	AlreadyExisted bool
	Record         *models.ParticipationHistoryRecord
}

type RetireOutcome string

const (
	RetireRemoved  RetireOutcome = "removed"
	RetireNotFound RetireOutcome = "not_found"
)

// HistoryWriter is the only path that modifies the participation history ledger.
type HistoryWriter struct {
	Ledger  HistoryLedger
	Timeout time.Duration
	Logger  *logrus.Logger
	// PageSize bounds the rows EachPage reads per query; 0 means 500.
	PageSize int
}

func NewHistoryWriter(ledger HistoryLedger, timeout time.Duration, logger *logrus.Logger) *HistoryWriter {
	return &HistoryWriter{Ledger: ledger, Timeout: timeout, Logger: logger}
}

func (w *HistoryWriter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, w.Timeout)
}

// Lookup returns the record for (partition, recruitment) or nil when there is none.
func (w *HistoryWriter) Lookup(ctx context.Context, p models.Partition, recruitmentId string) (*models.ParticipationHistoryRecord, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	rec, err := w.Ledger.FindByRecruitment(ctx, p, recruitmentId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s/%s: %w", ErrWrite, p, recruitmentId, err)
	}
	return rec, nil
}

// EachPage hands every record of a partition to fn, one page at a time in
// recruitment id order. Each page read gets its own timeout. fn may delete
// rows it has been given without disturbing the scan.
func (w *HistoryWriter) EachPage(ctx context.Context, p models.Partition, fn func([]models.ParticipationHistoryRecord) error) error {
	size := w.PageSize
	if size <= 0 {
		size = 500
	}
	after := ""
	for {
		pageCtx, cancel := w.withTimeout(ctx)
		rows, err := w.Ledger.ListPage(pageCtx, p, after, size)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: list %s: %w", ErrWrite, p, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < size {
			return nil
		}
		after = rows[len(rows)-1].RecruitmentId
	}
}

// Upsert makes the ledger hold exactly one record for (partition, recruitment) carrying fields.
func (w *HistoryWriter) Upsert(ctx context.Context, p models.Partition, participantId, recruitmentId string, fields HistoryFields) (WriteResult, error) {
	existing, err := w.Lookup(ctx, p, recruitmentId)
	if err != nil {
		return WriteResult{}, err
	}

	ctx, cancel := w.withTimeout(ctx)
	defer cancel()

	if existing == nil {
		rec := &models.ParticipationHistoryRecord{
			ID:              uuid.NewString(),
			ParticipantKind: p,
			RecruitmentId:   recruitmentId,
		}
		fields.apply(rec, participantId)
		if err := w.Ledger.Insert(ctx, rec); err != nil {
			if errors.Is(err, models.ErrDuplicateHistory) {
				return WriteResult{}, fmt.Errorf("%w: %s/%s: %w", ErrConflict, p, recruitmentId, err)
			}
			return WriteResult{}, fmt.Errorf("%w: insert %s/%s: %w", ErrWrite, p, recruitmentId, err)
		}
		historyWritesTotal.WithLabelValues(string(p), string(UpsertInserted)).Inc()
		return WriteResult{Outcome: UpsertInserted, Record: rec}, nil
	}

	if fields.Matches(existing, participantId) {
		historyWritesTotal.WithLabelValues(string(p), string(UpsertUnchanged)).Inc()
		return WriteResult{Outcome: UpsertUnchanged, AlreadyExisted: true, Record: existing}, nil
	}

	fields.apply(existing, participantId)
	existing.ParticipantKind = p
	if err := w.Ledger.Update(ctx, existing); err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			// Retired between lookup and update.
			return WriteResult{}, fmt.Errorf("%w: %s/%s vanished during update", ErrConflict, p, recruitmentId)
		}
		return WriteResult{}, fmt.Errorf("%w: update %s/%s: %w", ErrWrite, p, recruitmentId, err)
	}
	historyWritesTotal.WithLabelValues(string(p), string(UpsertUpdated)).Inc()
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":          "HistoryWriter",
			"partition":      p,
			"recruitment_id": recruitmentId,
		}).Info("participation history updated in place")
	}
	return WriteResult{Outcome: UpsertUpdated, AlreadyExisted: true, Record: existing}, nil
}

// Retire removes the record for (partition, recruitment) if there is one.
func (w *HistoryWriter) Retire(ctx context.Context, p models.Partition, recruitmentId string) (RetireOutcome, error) {
	ctx, cancel := w.withTimeout(ctx)
	defer cancel()
	removed, err := w.Ledger.Delete(ctx, p, recruitmentId)
	if err != nil {
		return "", fmt.Errorf("%w: delete %s/%s: %w", ErrWrite, p, recruitmentId, err)
	}
	if !removed {
		return RetireNotFound, nil
	}
	historyWritesTotal.WithLabelValues(string(p), string(RetireRemoved)).Inc()
	return RetireRemoved, nil
}
