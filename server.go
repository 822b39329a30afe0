package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// service is everything the admin handlers and background loops share.
type service struct {
	settings config.Settings
	logger   *logrus.Logger

	recruitments *models.RecruitmentRepository
	deadLetters  *models.DeadLetterRepository
	runs         *models.ReconciliationRepository

	dispatcher *workflow.Dispatcher
	lifecycle  *workflow.Lifecycle
	sweeper    *workflow.Sweeper

	// publishChange announces committed transitions on the change feed; nil disables it.
	publishChange func(ctx context.Context, topic string, msg config.RecruitmentChangeMessage) (string, error)
	// ensureFeed creates the configured topics and subscription before the feed is consumed.
	ensureFeed func(ctx context.Context) error
}

// newService wires the sync engine on top of an open, migrated database.
func newService(db *gorm.DB, fields *models.FieldMap, settings config.Settings, logger *logrus.Logger) *service {
	svc := &service{
		settings:     settings,
		logger:       logger,
		recruitments: models.NewRecruitmentRepository(db),
		deadLetters:  models.NewDeadLetterRepository(db),
		runs:         models.NewReconciliationRepository(db),
	}

	writer := workflow.NewHistoryWriter(models.NewHistoryLedger(db, fields), settings.HistoryWriteTimeout, logger)
	sink := workflow.MultiSink{
		workflow.LogSink{Logger: logger},
		workflow.DeadLetterSink{Store: svc.deadLetters, Logger: logger},
	}
	if settings.DeadLetterTopic != "" {
		sink = append(sink, workflow.PubSubSink{Topic: settings.DeadLetterTopic, Publish: config.PublishJSON, Logger: logger})
	}

	pipeline := workflow.NewPipeline(svc.recruitments, writer, logger)
	svc.dispatcher = workflow.NewDispatcher(pipeline, sink, logger, workflow.DispatcherOptions{
		MaxConcurrency: settings.DispatchMaxConcurrency,
		MaxAttempts:    settings.DispatchMaxAttempts,
		InitialBackoff: settings.DispatchInitialBackoff,
		MaxBackoff:     settings.DispatchMaxBackoff,
	})

	svc.lifecycle = workflow.NewLifecycle(svc.recruitments, svc.dispatcher, logger)
	svc.lifecycle.WatchStore()

	svc.sweeper = workflow.NewSweeper(svc.recruitments, writer, workflow.DriverFunc(svc.dispatcher.EnqueueWait), sink, logger)
	svc.sweeper.Recorder = svc.runs
	svc.sweeper.Interval = settings.SweepInterval
	svc.sweeper.RunOnStart = settings.SweepRunOnStart
	if settings.SweepCorrectionsPerSecond > 0 {
		svc.sweeper.Limiter = rate.NewLimiter(rate.Limit(settings.SweepCorrectionsPerSecond), 1)
	}
	if locker := config.GetRedisLock(); locker != nil {
		svc.sweeper.Locker = workflow.NewRedisSweepLock(locker, settings.SweepLockTTL, logger)
	}
	if settings.RecruitmentChangeTopic != "" {
		svc.publishChange = config.PublishRecruitmentChange
	}
	if settings.RecruitmentChangeTopic != "" || settings.DeadLetterTopic != "" {
		svc.ensureFeed = func(ctx context.Context) error {
			client, err := config.GetClient(ctx)
			if err != nil {
				return err
			}
			return config.EnsureRecruitmentFeed(ctx, client, settings.RecruitmentChangeTopic, settings.RecruitmentChangeSubscription, settings.DeadLetterTopic)
		}
	}
	return svc
}

// run blocks until ctx is done, driving the interval sweep and the change feed.
func (s *service) run(ctx context.Context) error {
	if s.ensureFeed != nil {
		if err := s.ensureFeed(ctx); err != nil {
			config.LogError(s.logger, "server.go", "run", "ensure pubsub topics", s.settings.RecruitmentChangeTopic, err)
			return fmt.Errorf("ensure pubsub topics: %w", err)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})
	if s.settings.RecruitmentChangeSubscription != "" {
		g.Go(func() error {
			err := config.ReceiveRecruitmentChanges(gctx, s.settings.RecruitmentChangeSubscription, s.handleChange)
			if err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	} else {
		s.logger.WithFields(logrus.Fields{"field": "changeFeed"}).Warn("PUBSUB_RECRUITMENT_CHANGES_SUBSCRIPTION not set; only local transitions are synced")
	}
	return g.Wait()
}

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		log.Fatalf("load settings: %v", err)
	}
	config.SetLogLevel(settings.LogLevel)
	logger := config.GetLogger()
	if !settings.IsProduction() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the admin server first so the revision is considered healthy.
	// Until the engine is wired the internal endpoints answer 503.
	var ready atomic.Pointer[service]
	r := newRouter(settings, logger, &ready)
	srv := &http.Server{
		Addr:    ":" + settings.AdminPort,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can take DDL locks; allow running it as a separate job instead.
	if !settings.SkipMigrations {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	fields, err := loadFieldMap(settings.FieldMapFile)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "fieldMap"}).Fatal(err.Error())
	}
	if err := fields.Verify(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "fieldMap"}).Fatal(err.Error())
	}
	if err := config.GuardHistoryTables(db, fields.Table(models.PartitionInternal), fields.Table(models.PartitionExternal)); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}

	svc := newService(db, fields, settings, logger)
	ready.Store(svc)

	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- svc.run(runCtx)
	}()

	logger.WithFields(logrus.Fields{
		"info":          "Connection Established",
		"dispatcher_id": svc.dispatcher.DispatcherID,
	}).Info("admin surface listening on :", settings.AdminPort)
	log.Println("Server started successfully")

	// Block until shutdown or a fatal error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	case err := <-runErrCh:
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "service"}).Error("background loop stopped: " + err.Error())
		}
	}

	// Stop background loops first so no new work is started while we drain.
	cancelRun()

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.dispatcher.Close(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{
			"field":   "dispatcher",
			"pending": svc.dispatcher.Pending(),
		}).Warn("dispatcher did not drain before the shutdown deadline: " + err.Error())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func loadFieldMap(path string) (*models.FieldMap, error) {
	if path == "" {
		return models.DefaultFieldMap()
	}
	return models.LoadFieldMap(path)
}

func newRouter(settings config.Settings, logger *logrus.Logger, ready *atomic.Pointer[service]) *gin.Engine {
	r := gin.New()
	// Correlation IDs: reuse the caller's or generate one per request.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(appctx.WithCorrelationId(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(cors.New(corsConfig(settings)))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := r.Group("/internal")
	// Gate engine endpoints on dependency readiness.
	internal.Use(func(c *gin.Context) {
		if ready.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	if settings.RateLimitEnabled {
		internal.Use(func(c *gin.Context) {
			client := config.GetRedisDB()
			if client == nil {
				c.Next()
				return
			}
			NewRateLimiter(client, settings.RateLimitMaxRequests, settings.RateLimitWindow).RateLimitMiddleware(c)
		})
	}
	withService := func(h func(*service, *gin.Context)) gin.HandlerFunc {
		return func(c *gin.Context) { h(ready.Load(), c) }
	}
	internal.POST("/sweeps", withService((*service).sweepHandler))
	internal.GET("/sweeps/latest", withService((*service).latestSweepHandler))
	internal.GET("/dead-letters", withService((*service).deadLettersHandler))
	internal.POST("/recruitments/:id/transition", withService((*service).transitionHandler))
	internal.DELETE("/recruitments/:id", withService((*service).deleteRecruitmentHandler))

	r.NoRoute(customNotFoundHandler)
	return r
}

func corsConfig(settings config.Settings) cors.Config {
	cfg := cors.DefaultConfig()
	// In production require an explicit allowlist; otherwise allow all.
	if settings.IsProduction() {
		cfg.AllowOrigins = settings.CorsAllowedOrigins
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id", "x-actor")
	cfg.AddExposeHeaders("Content-Length", "x-correlation-id")
	return cfg
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}
