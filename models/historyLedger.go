package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"gorm.io/gorm"
)

// HistoryLedger stores participation history in the partition tables declared by a FieldMap.
// Every statement touches exactly one partition and is atomic on its own.
type HistoryLedger struct {
	DB     *gorm.DB
	Fields *FieldMap
}

func NewHistoryLedger(db *gorm.DB, fields *FieldMap) *HistoryLedger {
	return &HistoryLedger{DB: db, Fields: fields}
}

func (l *HistoryLedger) selectSQL(p Partition) string {
	parts := []string{"id"}
	for _, f := range CanonicalHistoryFields {
		parts = append(parts, fmt.Sprintf("%s AS %s", l.Fields.Column(p, f), f))
	}
	parts = append(parts, "created_at", "updated_at")
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(parts, ", "), l.Fields.Table(p))
}

func (l *HistoryLedger) FindByRecruitment(ctx context.Context, p Partition, recruitmentId string) (*ParticipationHistoryRecord, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("unknown partition %q", p)
	}
	var rows []ParticipationHistoryRecord
	query := l.selectSQL(p) + fmt.Sprintf(" WHERE %s = ? LIMIT 1", l.Fields.Column(p, FieldRecruitmentId))
	if err := l.DB.WithContext(ctx).Raw(query, recruitmentId).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, utils.ErrorRecordNotFound
	}
	rec := rows[0]
	rec.ParticipantKind = p
	return &rec, nil
}

// ListPage returns up to limit records of a partition whose recruitment id
// sorts after afterRecruitmentId, ordered by recruitment id.
func (l *HistoryLedger) ListPage(ctx context.Context, p Partition, afterRecruitmentId string, limit int) ([]ParticipationHistoryRecord, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("unknown partition %q", p)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("page limit must be positive")
	}
	col := l.Fields.Column(p, FieldRecruitmentId)
	var rows []ParticipationHistoryRecord
	query := l.selectSQL(p) + fmt.Sprintf(" WHERE %s > ? ORDER BY %s LIMIT ?", col, col)
	if err := l.DB.WithContext(ctx).Raw(query, afterRecruitmentId, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].ParticipantKind = p
	}
	return rows, nil
}

func (l *HistoryLedger) columnValues(rec *ParticipationHistoryRecord) ([]string, []interface{}) {
	p := rec.ParticipantKind
	cols := make([]string, 0, len(CanonicalHistoryFields))
	vals := make([]interface{}, 0, len(CanonicalHistoryFields))
	for _, f := range CanonicalHistoryFields {
		cols = append(cols, l.Fields.Column(p, f))
		switch f {
		case FieldParticipantId:
			vals = append(vals, rec.ParticipantId)
		case FieldInvestigationId:
			vals = append(vals, rec.InvestigationId)
		case FieldRecruitmentId:
			vals = append(vals, rec.RecruitmentId)
		case FieldParticipationDate:
			vals = append(vals, rec.ParticipationDate.UTC())
		case FieldDurationMinutes:
			vals = append(vals, rec.DurationMinutes)
		case FieldSessionOutcome:
			vals = append(vals, string(rec.SessionOutcome))
		case FieldRecruiterId:
			vals = append(vals, rec.RecruiterId)
		case FieldNotes:
			vals = append(vals, rec.Notes)
		}
	}
	return cols, vals
}

// Insert adds a new record. A unique index hit is reported as ErrDuplicateHistory.
func (l *HistoryLedger) Insert(ctx context.Context, rec *ParticipationHistoryRecord) error {
	if rec == nil || !rec.ParticipantKind.IsValid() {
		return errors.New("history record with a valid partition is required")
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	cols, vals := l.columnValues(rec)
	cols = append([]string{"id"}, cols...)
	vals = append([]interface{}{rec.ID}, vals...)
	cols = append(cols, "created_at", "updated_at")
	vals = append(vals, now, now)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", l.Fields.Table(rec.ParticipantKind), strings.Join(cols, ", "), placeholders)
	if err := l.DB.WithContext(appctx.WithLedgerWriter(ctx)).Exec(stmt, vals...).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateHistory, rec.ParticipantKind, rec.RecruitmentId)
		}
		return err
	}
	return nil
}

// Update rewrites the derivable fields of the record keyed by (partition, recruitment id).
func (l *HistoryLedger) Update(ctx context.Context, rec *ParticipationHistoryRecord) error {
	if rec == nil || !rec.ParticipantKind.IsValid() {
		return errors.New("history record with a valid partition is required")
	}
	p := rec.ParticipantKind
	now := time.Now().UTC()
	rec.UpdatedAt = now

	cols, vals := l.columnValues(rec)
	sets := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c+" = ?")
	}
	sets = append(sets, "updated_at = ?")
	vals = append(vals, now, rec.RecruitmentId)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", l.Fields.Table(p), strings.Join(sets, ", "), l.Fields.Column(p, FieldRecruitmentId))
	res := l.DB.WithContext(appctx.WithLedgerWriter(ctx)).Exec(stmt, vals...)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

// Delete removes the record keyed by (partition, recruitment id) and reports whether one existed.
func (l *HistoryLedger) Delete(ctx context.Context, p Partition, recruitmentId string) (bool, error) {
	if !p.IsValid() {
		return false, fmt.Errorf("unknown partition %q", p)
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", l.Fields.Table(p), l.Fields.Column(p, FieldRecruitmentId))
	res := l.DB.WithContext(appctx.WithLedgerWriter(ctx)).Exec(stmt, recruitmentId)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
