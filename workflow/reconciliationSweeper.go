package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	SweepTriggerInterval = "interval"
	SweepTriggerDemand   = "demand"
	SweepTriggerCLI      = "cli"
)

// Driver carries out a corrective sync for the sweeper.
type Driver interface {
	Drive(ctx context.Context, ev Event) error
}

// DriverFunc adapts Dispatcher.EnqueueWait or Pipeline.Handle.
type DriverFunc func(ctx context.Context, ev Event) error

func (f DriverFunc) Drive(ctx context.Context, ev Event) error { return f(ctx, ev) }

// RunRecorder persists sweep summaries. models.ReconciliationRepository satisfies it.
type RunRecorder interface {
	SaveRun(ctx context.Context, run *models.ReconciliationRun, drift []models.ReconciliationReport) error
}

type SweepOptions struct {
	DryRun  bool
	Trigger string
}

// DriftItem is one pair the sweep found out of line.
type DriftItem struct {
	Class         models.DriftClass `json:"class"`
	Partition     models.Partition  `json:"partition,omitempty"`
	RecruitmentId string            `json:"recruitment_id"`
	Detail        string            `json:"detail,omitempty"`
	Corrected     bool              `json:"corrected"`
}

type SweepSummary struct {
	RunId     string                    `json:"run_id"`
	Trigger   string                    `json:"trigger"`
	DryRun    bool                      `json:"dry_run"`
	Skipped   bool                      `json:"skipped"`
	Scanned   int                       `json:"scanned"`
	Counts    map[models.DriftClass]int `json:"counts"`
	Corrected int                       `json:"corrected"`
	Failed    int                       `json:"failed"`
	Drift     []DriftItem               `json:"drift,omitempty"`
	StartedAt time.Time                 `json:"started_at"`
	Duration  time.Duration             `json:"duration_ns"`
}

// Sweeper compares every finalized recruitment against the ledger and repairs drift.
// It only reads directly; every correction goes through the Driver so it queues
// behind live events for the same recruitment.
type Sweeper struct {
	Store    RecruitmentStore
	Router   ParticipantRouter
	Writer   *HistoryWriter
	Driver   Driver
	Sink     ErrorSink
	Recorder RunRecorder
	Locker   SweepLocker
	Limiter  *rate.Limiter
	Logger   *logrus.Logger

	Interval   time.Duration
	RunOnStart bool
}

func NewSweeper(store RecruitmentStore, writer *HistoryWriter, driver Driver, sink ErrorSink, logger *logrus.Logger) *Sweeper {
	return &Sweeper{Store: store, Writer: writer, Driver: driver, Sink: sink, Logger: logger, Interval: 15 * time.Minute}
}

// Sweep runs one reconciliation pass. When another instance holds the sweep
// lock it returns a Skipped summary and no error.
func (s *Sweeper) Sweep(ctx context.Context, opts SweepOptions) (summary *SweepSummary, err error) {
	if opts.Trigger == "" {
		opts.Trigger = SweepTriggerDemand
	}
	summary = &SweepSummary{
		RunId:     uuid.NewString(),
		Trigger:   opts.Trigger,
		DryRun:    opts.DryRun,
		Counts:    map[models.DriftClass]int{},
		StartedAt: time.Now().UTC(),
	}

	if s.Locker != nil {
		release, lockErr := s.Locker.Obtain(ctx)
		if errors.Is(lockErr, ErrSweepInProgress) {
			summary.Skipped = true
			sweepRunsTotal.WithLabelValues("skipped").Inc()
			return summary, nil
		}
		if lockErr != nil {
			sweepRunsTotal.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("obtain sweep lock: %w", lockErr)
		}
		defer release()
	}

	ctx = appctx.WithTrigger(ctx, "sweep")
	if appctx.CorrelationId(ctx) == "" {
		ctx = appctx.WithCorrelationId(ctx, summary.RunId)
	}
	ctx, span := tracer.Start(ctx, "history.sweep")
	defer func() {
		summary.Duration = time.Since(summary.StartedAt)
		sweepDuration.Observe(summary.Duration.Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sweep failed")
			sweepRunsTotal.WithLabelValues("failed").Inc()
		} else {
			span.SetAttributes(attribute.Int("sweep.scanned", summary.Scanned), attribute.Int("sweep.corrected", summary.Corrected))
			sweepRunsTotal.WithLabelValues("ok").Inc()
		}
		span.End()
	}()

	// Where each finalized recruitment's record is expected to live.
	expected := map[models.Partition]map[string]struct{}{}
	for _, p := range models.AllPartitions {
		expected[p] = map[string]struct{}{}
	}
	// Ambiguous recruitments keep whatever history they have until fixed at the source.
	ambiguous := map[string]struct{}{}

	var aborted error
	err = s.Store.EachFinalized(ctx, func(batch []models.Recruitment) error {
		for i := range batch {
			if aborted = ctx.Err(); aborted != nil {
				return aborted
			}
			if aborted = s.checkFinalized(ctx, summary, &batch[i], expected, ambiguous, opts); aborted != nil {
				return aborted
			}
		}
		return nil
	})
	if aborted != nil {
		return summary, aborted
	}
	if err != nil {
		return summary, fmt.Errorf("%w: list finalized: %w", ErrSourceUnavailable, err)
	}

	for _, p := range models.AllPartitions {
		err = s.Writer.EachPage(ctx, p, func(rows []models.ParticipationHistoryRecord) error {
			for _, row := range rows {
				if _, ok := expected[p][row.RecruitmentId]; ok {
					continue
				}
				if _, ok := ambiguous[row.RecruitmentId]; ok {
					continue
				}
				item := DriftItem{
					Class:         models.DriftOrphaned,
					Partition:     p,
					RecruitmentId: row.RecruitmentId,
					Detail:        "no finalized recruitment routes to this partition",
				}
				if err := s.correct(ctx, summary, &item, opts); err != nil {
					return err
				}
				s.classify(summary, item)
			}
			return nil
		})
		if err != nil {
			return summary, err
		}
	}

	s.record(ctx, summary)
	if s.Logger != nil {
		fields := logrus.Fields{
			"field":     "Sweeper",
			"run_id":    summary.RunId,
			"trigger":   summary.Trigger,
			"dry_run":   summary.DryRun,
			"scanned":   summary.Scanned,
			"corrected": summary.Corrected,
			"failed":    summary.Failed,
		}
		for _, c := range models.AllDriftClasses {
			fields[string(c)] = summary.Counts[c]
		}
		s.Logger.WithFields(fields).Info("history sweep finished")
	}
	return summary, nil
}

// checkFinalized classifies one finalized recruitment and corrects its drift.
// Only cancellation of ctx comes back as an error.
func (s *Sweeper) checkFinalized(ctx context.Context, summary *SweepSummary, rec *models.Recruitment, expected map[models.Partition]map[string]struct{}, ambiguous map[string]struct{}, opts SweepOptions) error {
	summary.Scanned++

	route, routeErr := s.Router.Route(rec)
	if routeErr != nil {
		ambiguous[rec.ID] = struct{}{}
		s.classify(summary, DriftItem{Class: models.DriftAmbiguous, RecruitmentId: rec.ID, Detail: routeErr.Error()})
		reportFailure(ctx, s.Sink, routeErr, ReportContext{
			RecruitmentId: rec.ID,
			EventKind:     models.SyncEventReconcile,
			Source:        "sweeper",
			CorrelationId: appctx.CorrelationId(ctx),
		})
		return nil
	}
	expected[route.Partition][rec.ID] = struct{}{}

	fields, deriveErr := Derive(rec)
	if deriveErr != nil {
		summary.Failed++
		reportFailure(ctx, s.Sink, deriveErr, ReportContext{
			RecruitmentId: rec.ID,
			EventKind:     models.SyncEventReconcile,
			Partition:     route.Partition,
			Source:        "sweeper",
			CorrelationId: appctx.CorrelationId(ctx),
		})
		return nil
	}

	existing, lookupErr := s.Writer.Lookup(ctx, route.Partition, rec.ID)
	if lookupErr != nil {
		summary.Failed++
		config.LogError(s.Logger, "reconciliationSweeper.go", "Sweep", "looking up history", rec.ID, lookupErr)
		return nil
	}

	item := DriftItem{Partition: route.Partition, RecruitmentId: rec.ID}
	switch {
	case existing == nil:
		item.Class = models.DriftMissing
		item.Detail = "finalized recruitment has no history record"
	case fields.Matches(existing, route.ParticipantId):
		s.classify(summary, DriftItem{Class: models.DriftConsistent, Partition: route.Partition, RecruitmentId: rec.ID})
		return nil
	default:
		item.Class = models.DriftStale
		item.Detail = "history record differs from recruitment"
	}
	if err := s.correct(ctx, summary, &item, opts); err != nil {
		return err
	}
	s.classify(summary, item)
	return nil
}

func (s *Sweeper) classify(summary *SweepSummary, item DriftItem) {
	summary.Counts[item.Class]++
	sweepDriftTotal.WithLabelValues(string(item.Class)).Inc()
	if item.Class != models.DriftConsistent {
		summary.Drift = append(summary.Drift, item)
	}
}

// correct drives a reconcile event for the item. Only cancellation of ctx aborts the sweep.
func (s *Sweeper) correct(ctx context.Context, summary *SweepSummary, item *DriftItem, opts SweepOptions) error {
	if opts.DryRun || s.Driver == nil {
		return nil
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	err := s.Driver.Drive(ctx, Event{
		Kind:          models.SyncEventReconcile,
		RecruitmentId: item.RecruitmentId,
		CorrelationId: appctx.CorrelationId(ctx),
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		summary.Failed++
		item.Detail += ": " + err.Error()
		return nil
	}
	summary.Corrected++
	item.Corrected = true
	return nil
}

func (s *Sweeper) record(ctx context.Context, summary *SweepSummary) {
	if s.Recorder == nil {
		return
	}
	finished := time.Now().UTC()
	run := &models.ReconciliationRun{
		RunId:          summary.RunId,
		Trigger:        summary.Trigger,
		DryRun:         summary.DryRun,
		Scanned:        summary.Scanned,
		Missing:        summary.Counts[models.DriftMissing],
		Consistent:     summary.Counts[models.DriftConsistent],
		Stale:          summary.Counts[models.DriftStale],
		Orphaned:       summary.Counts[models.DriftOrphaned],
		Ambiguous:      summary.Counts[models.DriftAmbiguous],
		Corrected:      summary.Corrected,
		Failed:         summary.Failed,
		DurationMillis: finished.Sub(summary.StartedAt).Milliseconds(),
		StartedAt:      summary.StartedAt,
		FinishedAt:     &finished,
		CorrelationId:  appctx.CorrelationId(ctx),
	}
	drift := make([]models.ReconciliationReport, 0, len(summary.Drift))
	for _, d := range summary.Drift {
		drift = append(drift, models.ReconciliationReport{
			CheckType:     string(d.Class),
			Partition:     string(d.Partition),
			RecruitmentId: d.RecruitmentId,
			Details:       d.Detail,
			Corrected:     d.Corrected,
			CorrelationId: run.CorrelationId,
		})
	}
	if err := s.Recorder.SaveRun(context.WithoutCancel(ctx), run, drift); err != nil {
		config.LogError(s.Logger, "reconciliationSweeper.go", "record", "saving reconciliation run", summary.RunId, err)
	}
}

// Run sweeps on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if s.RunOnStart {
		s.tick(ctx)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	summary, err := s.Sweep(ctx, SweepOptions{Trigger: SweepTriggerInterval})
	if err != nil {
		if ctx.Err() == nil {
			config.LogError(s.Logger, "reconciliationSweeper.go", "Run", "interval sweep", nil, err)
		}
		return
	}
	if summary.Skipped && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{"field": "Sweeper"}).Info("sweep skipped; another instance holds the lock")
	}
}
