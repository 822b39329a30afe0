package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"github.com/sirupsen/logrus"
)

// LifecycleStore is the write side of the recruitment store.
type LifecycleStore interface {
	RecruitmentStore
	SaveState(ctx context.Context, id string, from, to models.SchedulingState) error
	Delete(ctx context.Context, id string) (*models.Recruitment, error)
}

type Enqueuer interface {
	Enqueue(ev Event) error
}

// Lifecycle applies scheduling transitions and hands the resulting events to the dispatcher.
// A failed hand-off never undoes a committed transition; the sweep heals the ledger.
type Lifecycle struct {
	Store      LifecycleStore
	Machine    StateMachine
	Dispatcher Enqueuer
	Logger     *logrus.Logger
}

func NewLifecycle(store LifecycleStore, dispatcher Enqueuer, logger *logrus.Logger) *Lifecycle {
	return &Lifecycle{Store: store, Dispatcher: dispatcher, Logger: logger}
}

// Transition moves a recruitment to the requested state.
func (l *Lifecycle) Transition(ctx context.Context, id string, to models.SchedulingState) (models.SchedulingState, error) {
	rec, err := l.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	next, ev, err := l.Machine.ApplyTransition(rec, to)
	if err != nil {
		return rec.SchedulingState, err
	}
	if err := l.Store.SaveState(ctx, id, rec.SchedulingState, next); err != nil {
		return rec.SchedulingState, err
	}
	if l.Logger != nil {
		l.Logger.WithFields(logrus.Fields{
			"field":          "Lifecycle",
			"recruitment_id": id,
			"from":           rec.SchedulingState,
			"to":             next,
			"actor":          appctx.Actor(ctx),
			"correlation_id": appctx.CorrelationId(ctx),
		}).Info("recruitment transitioned")
	}
	if ev != nil {
		l.dispatch(ctx, *ev)
	}
	return next, nil
}

// Delete removes a recruitment and retires its history. It returns the row as it was.
func (l *Lifecycle) Delete(ctx context.Context, id string) (*models.Recruitment, error) {
	rec, err := l.Store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	l.dispatch(ctx, RetiredOnDelete(rec))
	return rec, nil
}

func (l *Lifecycle) dispatch(ctx context.Context, ev Event) {
	ev.CorrelationId = appctx.CorrelationId(ctx)
	ev.OccurredAt = time.Now().UTC()
	ev.Trigger = triggerOf(ctx)
	if err := l.Dispatcher.Enqueue(ev); err != nil {
		config.LogError(l.Logger, "lifecycle.go", "dispatch", "enqueue sync event", ev.RecruitmentId, err)
	}
}

// WatchStore forwards changes committed by other writers (the change feed) to the dispatcher.
func (l *Lifecycle) WatchStore() {
	l.Store.OnStateChange(func(ctx context.Context, change models.StateChange) {
		ev := EventForChange(change)
		if ev == nil {
			return
		}
		ev.Trigger = triggerOf(ctx)
		if err := l.Dispatcher.Enqueue(*ev); err != nil {
			config.LogError(l.Logger, "lifecycle.go", "WatchStore", "enqueue sync event", change.RecruitmentId, err)
		}
	})
}

func triggerOf(ctx context.Context) string {
	if t := appctx.Trigger(ctx); t != "" {
		return t
	}
	return "event"
}

// EventForChange maps a store change to the sync event it requires, or nil.
func EventForChange(change models.StateChange) *Event {
	ev := &Event{
		RecruitmentId: change.RecruitmentId,
		Participant:   change.Participant,
		CorrelationId: change.CorrelationId,
		OccurredAt:    change.OccurredAt,
	}
	switch {
	case change.Deleted, change.State == models.SchedulingStateCancelled:
		ev.Kind = models.SyncEventRetired
	case change.State == models.SchedulingStateFinalized:
		ev.Kind = models.SyncEventFinalized
	default:
		return nil
	}
	return ev
}
