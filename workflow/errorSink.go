package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"github.com/sirupsen/logrus"
)

// ReportContext identifies the work that failed.
type ReportContext struct {
	RecruitmentId string
	EventKind     models.SyncEventKind
	Partition     models.Partition
	Source        string // dispatcher, sweeper
	Attempts      int
	CorrelationId string
}

// ErrorSink receives failures that the engine will not retry any further.
// Report must not block for long and never fails the caller.
type ErrorSink interface {
	Report(ctx context.Context, err error, rc ReportContext)
}

// Resolver is implemented by sinks that track open failures per recruitment.
// The dispatcher calls it after a job for that recruitment succeeds.
type Resolver interface {
	Resolve(ctx context.Context, recruitmentId string)
}

func reportFailure(ctx context.Context, sink ErrorSink, err error, rc ReportContext) {
	deadLettersTotal.WithLabelValues(errorClass(err), rc.Source).Inc()
	if sink != nil {
		sink.Report(ctx, err, rc)
	}
}

// LogSink writes failures to the process log.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Report(ctx context.Context, err error, rc ReportContext) {
	if s.Logger == nil || err == nil {
		return
	}
	s.Logger.WithFields(logrus.Fields{
		"field":          "ErrorSink",
		"recruitment_id": rc.RecruitmentId,
		"event_kind":     rc.EventKind,
		"partition":      rc.Partition,
		"source":         rc.Source,
		"attempts":       rc.Attempts,
		"error_class":    errorClass(err),
		"correlation_id": rc.CorrelationId,
		"trigger":        appctx.Trigger(ctx),
	}).Error("history sync failed: " + err.Error())
}

// DeadLetterStore is satisfied by models.DeadLetterRepository.
type DeadLetterStore interface {
	Record(ctx context.Context, dl *models.SyncDeadLetter, extra map[string]any) error
	ResolveForRecruitment(ctx context.Context, recruitmentId string) (int64, error)
}

// DeadLetterSink persists failures in sync_dead_letters.
type DeadLetterSink struct {
	Store  DeadLetterStore
	Logger *logrus.Logger
}

func (s DeadLetterSink) Report(ctx context.Context, err error, rc ReportContext) {
	if s.Store == nil || err == nil {
		return
	}
	dl := &models.SyncDeadLetter{
		RecruitmentId: rc.RecruitmentId,
		EventKind:     string(rc.EventKind),
		Source:        rc.Source,
		ErrorClass:    errorClass(err),
		Message:       err.Error(),
		Attempts:      rc.Attempts,
		CorrelationId: rc.CorrelationId,
	}
	var extra map[string]any
	if rc.Partition != "" {
		extra = map[string]any{"partition": rc.Partition}
	}
	// The caller's context may already be done; the record must still land.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if recErr := s.Store.Record(wctx, dl, extra); recErr != nil {
		config.LogError(s.Logger, "errorSink.go", "DeadLetterSink.Report", "recording dead letter", rc, recErr)
	}
}

func (s DeadLetterSink) Resolve(ctx context.Context, recruitmentId string) {
	if s.Store == nil {
		return
	}
	n, err := s.Store.ResolveForRecruitment(ctx, recruitmentId)
	if err != nil {
		config.LogError(s.Logger, "errorSink.go", "DeadLetterSink.Resolve", "resolving dead letters", recruitmentId, err)
		return
	}
	if n > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":          "ErrorSink",
			"recruitment_id": recruitmentId,
			"resolved":       n,
		}).Info("dead letters resolved after successful sync")
	}
}

// DeadLetterMessage is published to the dead-letter topic.
type DeadLetterMessage struct {
	RecruitmentId string    `json:"recruitment_id"`
	EventKind     string    `json:"event_kind"`
	Partition     string    `json:"partition,omitempty"`
	Source        string    `json:"source"`
	ErrorClass    string    `json:"error_class"`
	Message       string    `json:"message"`
	Attempts      int       `json:"attempts"`
	CorrelationId string    `json:"correlation_id"`
	FailedAt      time.Time `json:"failed_at"`
}

// PublishFunc matches config.PublishJSON.
type PublishFunc func(ctx context.Context, topic string, orderingKey string, obj interface{}) (string, error)

// PubSubSink forwards failures to a Pub/Sub topic for alerting consumers.
type PubSubSink struct {
	Topic   string
	Publish PublishFunc
	Logger  *logrus.Logger
}

func (s PubSubSink) Report(ctx context.Context, err error, rc ReportContext) {
	if s.Topic == "" || s.Publish == nil || err == nil {
		return
	}
	msg := DeadLetterMessage{
		RecruitmentId: rc.RecruitmentId,
		EventKind:     string(rc.EventKind),
		Partition:     string(rc.Partition),
		Source:        rc.Source,
		ErrorClass:    errorClass(err),
		Message:       err.Error(),
		Attempts:      rc.Attempts,
		CorrelationId: rc.CorrelationId,
		FailedAt:      time.Now().UTC(),
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, pubErr := s.Publish(pctx, s.Topic, "", msg); pubErr != nil {
		config.LogError(s.Logger, "errorSink.go", "PubSubSink.Report", "publishing dead letter", msg, pubErr)
	}
}

// MultiSink fans a failure out to every sink it holds.
type MultiSink []ErrorSink

func (m MultiSink) Report(ctx context.Context, err error, rc ReportContext) {
	if err == nil {
		return
	}
	for _, s := range m {
		if s != nil {
			s.Report(ctx, err, rc)
		}
	}
}

func (m MultiSink) Resolve(ctx context.Context, recruitmentId string) {
	for _, s := range m {
		if r, ok := s.(Resolver); ok {
			r.Resolve(ctx, recruitmentId)
		}
	}
}
