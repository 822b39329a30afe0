package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/recruitsync/workflow")

// RecruitmentStore is the authoritative source of scheduling state.
type RecruitmentStore interface {
	Get(ctx context.Context, id string) (*models.Recruitment, error)
	EachFinalized(ctx context.Context, fn func([]models.Recruitment) error) error
	OnStateChange(fn models.StateChangeFunc)
}

// Pipeline converges the ledger for one recruitment id on what the store holds now.
// Every event kind runs the same convergence, so a stale or duplicated event is harmless:
// a finalized recruitment gets exactly one record in its routed partition and none
// elsewhere; anything else gets no record at all.
type Pipeline struct {
	Store  RecruitmentStore
	Router ParticipantRouter
	Writer *HistoryWriter
	Logger *logrus.Logger
}

func NewPipeline(store RecruitmentStore, writer *HistoryWriter, logger *logrus.Logger) *Pipeline {
	return &Pipeline{Store: store, Writer: writer, Logger: logger}
}

func (p *Pipeline) Handle(ctx context.Context, ev Event) (err error) {
	ctx, span := tracer.Start(ctx, "history.sync", trace.WithAttributes(
		attribute.String("recruitment.id", ev.RecruitmentId),
		attribute.String("sync.kind", string(ev.Kind)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errorClass(err))
		}
		span.End()
	}()

	rec, err := p.Store.Get(ctx, ev.RecruitmentId)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("%w: get %s: %w", ErrSourceUnavailable, ev.RecruitmentId, err)
	}

	if rec == nil || rec.SchedulingState != models.SchedulingStateFinalized {
		return p.retireEverywhere(ctx, ev.RecruitmentId, "")
	}

	route, err := p.Router.Route(rec)
	if err != nil {
		return err
	}
	fields, err := Derive(rec)
	if err != nil {
		return err
	}
	res, err := p.Writer.Upsert(ctx, route.Partition, route.ParticipantId, rec.ID, fields)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("history.partition", string(route.Partition)), attribute.String("history.outcome", string(res.Outcome)))

	// A participant moved across kinds leaves a record behind in the other partition.
	if err := p.retireEverywhere(ctx, rec.ID, route.Partition); err != nil {
		return err
	}

	if p.Logger != nil && res.Outcome != UpsertUnchanged {
		p.Logger.WithFields(logrus.Fields{
			"field":          "Pipeline",
			"recruitment_id": rec.ID,
			"partition":      route.Partition,
			"outcome":        res.Outcome,
			"event_kind":     ev.Kind,
		}).Info("participation history synced")
	}
	return nil
}

// retireEverywhere removes the recruitment's record from every partition except keep.
func (p *Pipeline) retireEverywhere(ctx context.Context, recruitmentId string, keep models.Partition) error {
	for _, part := range models.AllPartitions {
		if part == keep {
			continue
		}
		out, err := p.Writer.Retire(ctx, part, recruitmentId)
		if err != nil {
			return err
		}
		if out == RetireRemoved && p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":          "Pipeline",
				"recruitment_id": recruitmentId,
				"partition":      part,
			}).Info("participation history retired")
		}
	}
	return nil
}
