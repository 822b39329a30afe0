package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"bitbucket.org/mmdatafocus/recruitsync/workflow"
	"github.com/google/uuid"
)

// history-reconcile compares finalized recruitments with the participation
// history partitions and repairs drift.
//
// Dry-run (default): classify only
//
//	go run ./cmd/history-reconcile -dry-run=true
//
// Execute:
//
//	go run ./cmd/history-reconcile -dry-run=false -confirm=APPLY
//
// Single recruitment:
//
//	go run ./cmd/history-reconcile -recruitment-id=... -dry-run=false -confirm=APPLY
//
// With -lock the run takes the same Redis lock as the service's interval sweep.
func main() {
	os.Exit(run())
}

// run returns the process exit code so deferred cleanup always happens.
func run() int {
	recruitmentID := flag.String("recruitment-id", "", "Optional: converge a single recruitment id")
	dryRun := flag.Bool("dry-run", true, "Classify only (no writes)")
	confirm := flag.String("confirm", "", "Type APPLY to proceed when dry-run=false")
	fieldMapFile := flag.String("field-map", os.Getenv("HISTORY_FIELD_MAP_FILE"), "Optional: partition field map YAML")
	useLock := flag.Bool("lock", false, "Take the sweep lock in Redis (skip if another sweep is running)")
	flag.Parse()

	if err := checkConfirm(*dryRun, *confirm); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		return 1
	}
	config.SetLogLevel(settings.LogLevel)
	logger := config.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithActor(appctx.WithCorrelationId(ctx, "cli-"+uuid.NewString()), "history-reconcile")

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		return 1
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	var fields *models.FieldMap
	if *fieldMapFile != "" {
		fields, err = models.LoadFieldMap(*fieldMapFile)
	} else {
		fields, err = models.DefaultFieldMap()
	}
	if err == nil {
		err = fields.Verify(db)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "field map: %v\n", err)
		return 1
	}
	if err := config.GuardHistoryTables(db, fields.Table(models.PartitionInternal), fields.Table(models.PartitionExternal)); err != nil {
		fmt.Fprintf(os.Stderr, "history guard: %v\n", err)
		return 1
	}

	recruitments := models.NewRecruitmentRepository(db)
	writer := workflow.NewHistoryWriter(models.NewHistoryLedger(db, fields), settings.HistoryWriteTimeout, logger)
	sink := workflow.MultiSink{
		workflow.LogSink{Logger: logger},
		workflow.DeadLetterSink{Store: models.NewDeadLetterRepository(db), Logger: logger},
	}
	dispatcher := workflow.NewDispatcher(workflow.NewPipeline(recruitments, writer, logger), sink, logger, workflow.DispatcherOptions{
		MaxConcurrency: settings.DispatchMaxConcurrency,
		MaxAttempts:    settings.DispatchMaxAttempts,
		InitialBackoff: settings.DispatchInitialBackoff,
		MaxBackoff:     settings.DispatchMaxBackoff,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := dispatcher.Close(closeCtx); err != nil {
			config.LogError(logger, "history-reconcile", "run", "closing dispatcher", nil, err)
		}
	}()

	if id := strings.TrimSpace(*recruitmentID); id != "" {
		if err := convergeOne(ctx, recruitments, writer, dispatcher, id, *dryRun); err != nil {
			fmt.Fprintf(os.Stderr, "reconcile %s failed: %v\n", id, err)
			return 1
		}
		return 0
	}

	sweeper := workflow.NewSweeper(recruitments, writer, workflow.DriverFunc(dispatcher.EnqueueWait), sink, logger)
	sweeper.Recorder = models.NewReconciliationRepository(db)
	if *useLock {
		config.ConnectRedisWithRetry(ctx)
		if locker := config.GetRedisLock(); locker != nil {
			sweeper.Locker = workflow.NewRedisSweepLock(locker, settings.SweepLockTTL, logger)
		}
		if rdb := config.GetRedisDB(); rdb != nil {
			defer rdb.Close()
		}
	}

	summary, err := sweeper.Sweep(ctx, workflow.SweepOptions{DryRun: *dryRun, Trigger: workflow.SweepTriggerCLI})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
		return 1
	}
	if summary.Skipped {
		fmt.Println("another sweep holds the lock; nothing done")
		return 0
	}
	printSummary(summary)
	if *dryRun && summary.Corrected == 0 && driftCount(summary) > 0 {
		fmt.Println("run with -dry-run=false -confirm=APPLY to repair")
	}
	if summary.Failed > 0 {
		return 1
	}
	return 0
}

func checkConfirm(dryRun bool, confirm string) error {
	if !dryRun && strings.TrimSpace(confirm) != "APPLY" {
		return errors.New("set --confirm=APPLY to proceed when -dry-run=false")
	}
	return nil
}

// convergeOne prints what the store and both partitions hold for one id and,
// unless dry-run, queues a reconcile job and waits for it.
func convergeOne(ctx context.Context, store workflow.RecruitmentStore, writer *workflow.HistoryWriter, dispatcher *workflow.Dispatcher, id string, dryRun bool) error {
	rec, err := store.Get(ctx, id)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		fmt.Printf("recruitment_id=%s source=absent\n", id)
	case err != nil:
		return err
	default:
		route, routeErr := workflow.ParticipantRouter{}.Route(rec)
		if routeErr != nil {
			fmt.Printf("recruitment_id=%s state=%s route_error=%q\n", id, rec.SchedulingState, routeErr.Error())
		} else {
			fmt.Printf("recruitment_id=%s state=%s partition=%s participant_id=%s\n", id, rec.SchedulingState, route.Partition, route.ParticipantId)
		}
	}
	for _, p := range models.AllPartitions {
		h, err := writer.Lookup(ctx, p, id)
		if err != nil {
			return err
		}
		if h == nil {
			fmt.Printf("  %s: none\n", p)
			continue
		}
		fmt.Printf("  %s: participant_id=%s date=%s duration=%d updated_at=%s\n",
			p, h.ParticipantId, h.ParticipationDate.Format(time.RFC3339), h.DurationMinutes, h.UpdatedAt.Format(time.RFC3339))
	}
	if dryRun {
		fmt.Println("dry-run: no writes")
		return nil
	}
	return dispatcher.EnqueueWait(ctx, workflow.Event{
		Kind:          models.SyncEventReconcile,
		RecruitmentId: id,
		CorrelationId: appctx.CorrelationId(ctx),
		OccurredAt:    time.Now().UTC(),
	})
}

func driftCount(s *workflow.SweepSummary) int {
	n := 0
	for class, c := range s.Counts {
		if class != models.DriftConsistent {
			n += c
		}
	}
	return n
}

func printSummary(s *workflow.SweepSummary) {
	fmt.Printf("run_id=%s dry_run=%t scanned=%d corrected=%d failed=%d duration=%s\n",
		s.RunId, s.DryRun, s.Scanned, s.Corrected, s.Failed, s.Duration.Round(time.Millisecond))
	for _, class := range models.AllDriftClasses {
		fmt.Printf("  %-10s %d\n", class, s.Counts[class])
	}
	items := append([]workflow.DriftItem(nil), s.Drift...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Class != items[j].Class {
			return items[i].Class < items[j].Class
		}
		return items[i].RecruitmentId < items[j].RecruitmentId
	})
	for _, it := range items {
		fmt.Printf("%s recruitment_id=%s partition=%s corrected=%t %s\n", it.Class, it.RecruitmentId, it.Partition, it.Corrected, it.Detail)
	}
}
