package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/recruitsync/models"
)

type fakeDeadLetters struct {
	rows     []models.SyncDeadLetter
	extras   []map[string]any
	resolved []string
}

func (f *fakeDeadLetters) Record(_ context.Context, dl *models.SyncDeadLetter, extra map[string]any) error {
	f.rows = append(f.rows, *dl)
	f.extras = append(f.extras, extra)
	return nil
}

func (f *fakeDeadLetters) ResolveForRecruitment(_ context.Context, recruitmentId string) (int64, error) {
	f.resolved = append(f.resolved, recruitmentId)
	return 1, nil
}

func TestMultiSink_FansOutReportsAndResolves(t *testing.T) {
	store := &fakeDeadLetters{}
	var published []DeadLetterMessage
	pub := PubSubSink{
		Topic: "sync-dead-letters",
		Publish: func(ctx context.Context, topic, key string, obj interface{}) (string, error) {
			published = append(published, obj.(DeadLetterMessage))
			return "m-1", nil
		},
	}
	sink := MultiSink{LogSink{}, DeadLetterSink{Store: store}, pub}

	// The caller may already be gone; the dead letter must still be written.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fmt.Errorf("%w: both ids set", ErrAmbiguousParticipant)
	sink.Report(ctx, err, ReportContext{
		RecruitmentId: "R1",
		EventKind:     models.SyncEventFinalized,
		Partition:     models.PartitionInternal,
		Source:        "dispatcher",
		Attempts:      1,
		CorrelationId: "c-1",
	})

	if len(store.rows) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(store.rows))
	}
	dl := store.rows[0]
	if dl.RecruitmentId != "R1" || dl.ErrorClass != "ambiguous_participant" || dl.EventKind != "FINALIZED" || dl.CorrelationId != "c-1" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if store.extras[0]["partition"] != models.PartitionInternal {
		t.Fatalf("expected partition in context, got %v", store.extras[0])
	}
	if len(published) != 1 || published[0].ErrorClass != "ambiguous_participant" || published[0].RecruitmentId != "R1" {
		t.Fatalf("unexpected published messages %+v", published)
	}

	sink.Resolve(context.Background(), "R1")
	if len(store.resolved) != 1 || store.resolved[0] != "R1" {
		t.Fatalf("expected R1 resolved, got %v", store.resolved)
	}
}

func TestPubSubSink_PublishFailureDoesNotPanic(t *testing.T) {
	pub := PubSubSink{
		Topic: "t",
		Publish: func(context.Context, string, string, interface{}) (string, error) {
			return "", errors.New("unavailable")
		},
	}
	pub.Report(context.Background(), ErrWrite, ReportContext{RecruitmentId: "R1"})

	// Unconfigured sinks are no-ops.
	PubSubSink{}.Report(context.Background(), ErrWrite, ReportContext{})
	DeadLetterSink{}.Report(context.Background(), ErrWrite, ReportContext{})
}

func TestErrorClass(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("x: %w", ErrConflict):          "conflict",
		fmt.Errorf("x: %w", ErrWrite):             "write",
		fmt.Errorf("x: %w", ErrSourceUnavailable): "source_unavailable",
		fmt.Errorf("x: %w", ErrIncompleteRecord):  "incomplete_record",
		errors.New("boom"):                        "unknown",
	}
	for err, want := range cases {
		if got := errorClass(err); got != want {
			t.Fatalf("%v: expected %s, got %s", err, want, got)
		}
	}
}
