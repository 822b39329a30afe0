package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/models"
)

func derivedFields(t *testing.T, rec models.Recruitment) HistoryFields {
	t.Helper()
	f, err := Derive(&rec)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return f
}

func TestHistoryWriter_UpsertInsertsThenNoOps(t *testing.T) {
	ledger := newFakeLedger()
	w := NewHistoryWriter(ledger, time.Second, nil)
	ctx := context.Background()
	fields := derivedFields(t, finalizedRecruitment("R1", nil, strPtr("P1")))

	res, err := w.Upsert(ctx, models.PartitionExternal, "P1", "R1", fields)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.Outcome != UpsertInserted || res.AlreadyExisted {
		t.Fatalf("expected insert, got %+v", res)
	}

	res, err = w.Upsert(ctx, models.PartitionExternal, "P1", "R1", fields)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Outcome != UpsertUnchanged || !res.AlreadyExisted {
		t.Fatalf("expected no-op, got %+v", res)
	}
	if ledger.inserts != 1 || ledger.updates != 0 || ledger.count() != 1 {
		t.Fatalf("expected one insert and no updates, got inserts=%d updates=%d rows=%d", ledger.inserts, ledger.updates, ledger.count())
	}

	got, _ := ledger.get(models.PartitionExternal, "R1")
	if got.ParticipantId != "P1" || got.DurationMinutes != 45 || got.SessionOutcome != models.SessionOutcomeCompleted {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestHistoryWriter_UpsertUpdatesChangedFieldsInPlace(t *testing.T) {
	ledger := newFakeLedger()
	w := NewHistoryWriter(ledger, time.Second, nil)
	ctx := context.Background()
	rec := finalizedRecruitment("R1", strPtr("I1"), nil)

	first, err := w.Upsert(ctx, models.PartitionInternal, "I1", "R1", derivedFields(t, rec))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec.DurationMinutes = intPtr(60)
	rec.Notes = "ran long"
	res, err := w.Upsert(ctx, models.PartitionInternal, "I1", "R1", derivedFields(t, rec))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Outcome != UpsertUpdated || !res.AlreadyExisted {
		t.Fatalf("expected update, got %+v", res)
	}
	got, _ := ledger.get(models.PartitionInternal, "R1")
	if got.ID != first.Record.ID {
		t.Fatalf("update must keep the record id: %s != %s", got.ID, first.Record.ID)
	}
	if got.DurationMinutes != 60 || got.Notes != "ran long" {
		t.Fatalf("fields not updated: %+v", got)
	}
}

func TestHistoryWriter_DuplicateInsertIsTransientConflict(t *testing.T) {
	ledger := newFakeLedger()
	ledger.insertErrs = []error{models.ErrDuplicateHistory}
	w := NewHistoryWriter(ledger, time.Second, nil)

	_, err := w.Upsert(context.Background(), models.PartitionInternal, "I1", "R1", derivedFields(t, finalizedRecruitment("R1", strPtr("I1"), nil)))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("conflict must be retryable")
	}
}

func TestHistoryWriter_StoreErrorIsTransientWriteError(t *testing.T) {
	ledger := newFakeLedger()
	ledger.insertErrs = []error{errors.New("connection reset")}
	w := NewHistoryWriter(ledger, time.Second, nil)

	_, err := w.Upsert(context.Background(), models.PartitionInternal, "I1", "R1", derivedFields(t, finalizedRecruitment("R1", strPtr("I1"), nil)))
	if !errors.Is(err, ErrWrite) || !IsRetryable(err) {
		t.Fatalf("expected retryable ErrWrite, got %v", err)
	}
	if ledger.count() != 0 {
		t.Fatalf("failed insert must not leave a record")
	}
}

func TestHistoryWriter_TimeoutIsFailureNotSuccess(t *testing.T) {
	ledger := newFakeLedger()
	ledger.blockFind = make(chan struct{})
	w := NewHistoryWriter(ledger, 10*time.Millisecond, nil)

	_, err := w.Upsert(context.Background(), models.PartitionInternal, "I1", "R1", derivedFields(t, finalizedRecruitment("R1", strPtr("I1"), nil)))
	if !errors.Is(err, ErrWrite) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrWrite wrapping a deadline, got %v", err)
	}
	if ledger.count() != 0 {
		t.Fatalf("timed out write must not insert")
	}
}

func TestHistoryWriter_ConcurrentUpsertsKeepOneRecord(t *testing.T) {
	ledger := newFakeLedger()
	w := NewHistoryWriter(ledger, time.Second, nil)
	fields := derivedFields(t, finalizedRecruitment("R1", strPtr("I1"), nil))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Upsert(context.Background(), models.PartitionInternal, "I1", "R1", fields); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("only conflicts are acceptable under contention, got %v", err)
		}
	}
	if ledger.count() != 1 || ledger.inserts != 1 {
		t.Fatalf("expected exactly one record, got rows=%d inserts=%d", ledger.count(), ledger.inserts)
	}
}

func TestHistoryWriter_Retire(t *testing.T) {
	ledger := newFakeLedger()
	ledger.seed(models.ParticipationHistoryRecord{ID: "h1", ParticipantKind: models.PartitionInternal, RecruitmentId: "R1"})
	w := NewHistoryWriter(ledger, time.Second, nil)
	ctx := context.Background()

	out, err := w.Retire(ctx, models.PartitionInternal, "R1")
	if err != nil || out != RetireRemoved {
		t.Fatalf("expected removed, got %s %v", out, err)
	}
	out, err = w.Retire(ctx, models.PartitionInternal, "R1")
	if err != nil || out != RetireNotFound {
		t.Fatalf("expected not found, got %s %v", out, err)
	}
}

func TestDerive_NormalizesSessionDate(t *testing.T) {
	loc := time.FixedZone("MMT", 6*3600+1800)
	rec := finalizedRecruitment("R1", strPtr("I1"), nil)
	rec.SessionDate = timePtr(time.Date(2024, 1, 15, 16, 30, 0, 987654321, loc))

	f := derivedFields(t, rec)
	want := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	if !f.ParticipationDate.Equal(want) || f.ParticipationDate.Location() != time.UTC {
		t.Fatalf("expected %s, got %s", want, f.ParticipationDate)
	}

	stored := models.ParticipationHistoryRecord{
		ParticipantId:     "I1",
		InvestigationId:   "INV-1",
		ParticipationDate: want.In(loc),
		DurationMinutes:   45,
		SessionOutcome:    models.SessionOutcomeCompleted,
		RecruiterId:       "REC-1",
	}
	if !f.Matches(&stored, "I1") {
		t.Fatalf("same instant in another zone must match")
	}
	if f.Matches(&stored, "I2") {
		t.Fatalf("different participant must not match")
	}
}

func TestDerive_RejectsIncompleteRecruitment(t *testing.T) {
	rec := finalizedRecruitment("R1", strPtr("I1"), nil)
	rec.DurationMinutes = nil
	if _, err := Derive(&rec); !errors.Is(err, ErrIncompleteRecord) || IsRetryable(err) {
		t.Fatalf("expected non-retryable ErrIncompleteRecord, got %v", err)
	}
}

func TestHistoryWriter_EachPageWalksThePartitionInPages(t *testing.T) {
	ledger := newFakeLedger()
	for _, id := range []string{"R3", "R1", "R5", "R2", "R4"} {
		ledger.seed(models.ParticipationHistoryRecord{ID: "h-" + id, ParticipantKind: models.PartitionInternal, RecruitmentId: id})
	}
	w := NewHistoryWriter(ledger, time.Second, nil)
	w.PageSize = 2
	ctx := context.Background()

	var pages [][]string
	err := w.EachPage(ctx, models.PartitionInternal, func(rows []models.ParticipationHistoryRecord) error {
		var ids []string
		for _, r := range rows {
			ids = append(ids, r.RecruitmentId)
			// Deleting what was handed out must not skip anything.
			if _, err := ledger.Delete(ctx, models.PartitionInternal, r.RecruitmentId); err != nil {
				return err
			}
		}
		pages = append(pages, ids)
		return nil
	})
	if err != nil {
		t.Fatalf("each page: %v", err)
	}
	if len(pages) != 3 || len(pages[0]) != 2 || len(pages[2]) != 1 {
		t.Fatalf("expected pages of 2,2,1, got %v", pages)
	}
	if pages[0][0] != "R1" || pages[2][0] != "R5" {
		t.Fatalf("pages out of order: %v", pages)
	}
	if ledger.count() != 0 {
		t.Fatalf("expected every row visited")
	}

	stop := errors.New("stop")
	calls := 0
	ledger.seed(models.ParticipationHistoryRecord{ID: "h-x", ParticipantKind: models.PartitionInternal, RecruitmentId: "RX"})
	err = w.EachPage(ctx, models.PartitionInternal, func([]models.ParticipationHistoryRecord) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected fn error to stop the scan, got %v after %d calls", err, calls)
	}
}
