package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Handler executes one sync job.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

type DispatcherOptions struct {
	MaxConcurrency int64
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher runs sync jobs with at most one in flight per recruitment id,
// in enqueue order per id, and bounded concurrency across ids.
type Dispatcher struct {
	Handler      Handler
	Sink         ErrorSink
	Logger       *logrus.Logger
	DispatcherID string
	Options      DispatcherOptions

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]dispatchJob
	closed bool
}

type dispatchJob struct {
	ev   Event
	done chan error
}

func NewDispatcher(handler Handler, sink ErrorSink, logger *logrus.Logger, opts DispatcherOptions) *Dispatcher {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 8
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	// Jobs never inherit a caller context; only Close can stop them.
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		Handler:      handler,
		Sink:         sink,
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		Options:      opts,
		sem:          semaphore.NewWeighted(opts.MaxConcurrency),
		ctx:          ctx,
		cancel:       cancel,
		queues:       map[string][]dispatchJob{},
	}
}

// Enqueue schedules ev behind any pending work for the same recruitment id.
func (d *Dispatcher) Enqueue(ev Event) error {
	return d.enqueue(ev, nil)
}

// EnqueueWait schedules ev and waits for its final outcome. If ctx ends first
// the job still runs; only the wait is abandoned.
func (d *Dispatcher) EnqueueWait(ctx context.Context, ev Event) error {
	if ev.Trigger == "" {
		ev.Trigger = appctx.Trigger(ctx)
	}
	done := make(chan error, 1)
	if err := d.enqueue(ev, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(ev Event, done chan error) error {
	if ev.RecruitmentId == "" {
		return errors.New("event without recruitment id")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q, running := d.queues[ev.RecruitmentId]
	d.queues[ev.RecruitmentId] = append(q, dispatchJob{ev: ev, done: done})
	dispatcherQueueDepth.Inc()
	if !running {
		d.wg.Add(1)
		go d.drain(ev.RecruitmentId)
	}
	return nil
}

// drain owns the queue of one recruitment id until it is empty.
func (d *Dispatcher) drain(id string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[id]
		if len(q) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		job := q[0]
		d.queues[id] = q[1:]
		d.mu.Unlock()
		dispatcherQueueDepth.Dec()

		err := d.execute(job.ev)
		if job.done != nil {
			job.done <- err
		}
	}
}

func (d *Dispatcher) execute(ev Event) error {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		reportFailure(d.ctx, d.Sink, err, ReportContext{
			RecruitmentId: ev.RecruitmentId,
			EventKind:     ev.Kind,
			Source:        "dispatcher",
			CorrelationId: ev.CorrelationId,
		})
		return err
	}
	defer d.sem.Release(1)

	ctx := appctx.WithCorrelationId(d.ctx, ev.CorrelationId)
	ctx = appctx.Set(ctx, appctx.ContextKeyRecruitmentId, ev.RecruitmentId)
	ctx = appctx.WithTrigger(ctx, ev.Trigger)

	start := time.Now()
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := d.Handler.Handle(ctx, ev)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.Options.InitialBackoff
	exp.MaxInterval = d.Options.MaxBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(d.Options.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			syncRetriesTotal.WithLabelValues(string(ev.Kind)).Inc()
			if d.Logger != nil {
				d.Logger.WithFields(logrus.Fields{
					"field":          "Dispatcher",
					"recruitment_id": ev.RecruitmentId,
					"event_kind":     ev.Kind,
					"attempt":        attempts,
					"retry_in":       wait.String(),
					"trigger":        ev.Trigger,
					"correlation_id": ev.CorrelationId,
				}).Warn("history sync attempt failed: " + err.Error())
			}
		}),
	)
	syncJobDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		syncJobsTotal.WithLabelValues(string(ev.Kind), "failed").Inc()
		reportFailure(ctx, d.Sink, err, ReportContext{
			RecruitmentId: ev.RecruitmentId,
			EventKind:     ev.Kind,
			Source:        "dispatcher",
			Attempts:      attempts,
			CorrelationId: ev.CorrelationId,
		})
		return err
	}

	syncJobsTotal.WithLabelValues(string(ev.Kind), "ok").Inc()
	if r, ok := d.Sink.(Resolver); ok {
		r.Resolve(ctx, ev.RecruitmentId)
	}
	return nil
}

// Close stops intake and waits for queued jobs to finish. When ctx ends first,
// in-flight jobs are cancelled and their events go to the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-drained
		return ctx.Err()
	}
}

// Pending returns the number of recruitment ids with queued or running work.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
