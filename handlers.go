package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"bitbucket.org/mmdatafocus/recruitsync/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// sweepHandler runs one sweep synchronously. ?dry_run=true only classifies.
func (s *service) sweepHandler(c *gin.Context) {
	dryRun, err := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dry_run must be a boolean"})
		return
	}
	ctx := appctx.WithActor(c.Request.Context(), actorOf(c))
	summary, err := s.sweeper.Sweep(ctx, workflow.SweepOptions{DryRun: dryRun, Trigger: workflow.SweepTriggerDemand})
	if err != nil {
		config.LogError(s.logger, "handlers.go", "sweepHandler", "on-demand sweep", gin.H{"dry_run": dryRun}, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if summary.Skipped {
		c.JSON(http.StatusConflict, gin.H{"error": workflow.ErrSweepInProgress.Error(), "run_id": summary.RunId})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *service) latestSweepHandler(c *gin.Context) {
	run, err := s.runs.LatestRun(c.Request.Context())
	if errors.Is(err, utils.ErrorRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sweep has run yet"})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load latest sweep"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *service) deadLettersHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	rows, err := s.deadLetters.ListUnresolved(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list dead letters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": rows, "count": len(rows)})
}

type transitionRequest struct {
	State string `json:"state" binding:"required"`
}

// transitionHandler is the application's entry point for scheduling changes.
func (s *service) transitionHandler(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	to, err := models.ParseSchedulingState(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	ctx := appctx.WithActor(c.Request.Context(), actorOf(c))
	next, err := s.lifecycle.Transition(ctx, id, to)
	if err != nil {
		var te *workflow.TransitionError
		switch {
		case errors.Is(err, utils.ErrorRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "recruitment not found"})
		case errors.As(err, &te):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   err.Error(),
				"state":   te.From,
				"missing": te.Missing,
			})
		case errors.Is(err, utils.ErrorStaleState):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
		}
		return
	}
	s.announce(c, config.RecruitmentChangeMessage{RecruitmentId: id, SchedulingState: string(next)})
	c.JSON(http.StatusOK, gin.H{
		"recruitment_id": id,
		"state":          next,
		"correlation_id": appctx.CorrelationId(ctx),
	})
}

func (s *service) deleteRecruitmentHandler(c *gin.Context) {
	id := c.Param("id")
	ctx := appctx.WithActor(c.Request.Context(), actorOf(c))
	rec, err := s.lifecycle.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "recruitment not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	msg := config.RecruitmentChangeMessage{RecruitmentId: id, Deleted: true}
	if ref, err := rec.Participant(); err == nil {
		msg.InternalParticipantId, msg.ExternalParticipantId = models.ParticipantColumns(ref)
	}
	s.announce(c, msg)
	c.Status(http.StatusNoContent)
}

// announce publishes a committed change for downstream consumers. The local
// dispatch has already happened, so a publish failure is only logged.
func (s *service) announce(c *gin.Context, msg config.RecruitmentChangeMessage) {
	if s.publishChange == nil {
		return
	}
	msg.CorrelationId = appctx.CorrelationId(c.Request.Context())
	msg.OccurredAt = time.Now().UTC()
	if _, err := s.publishChange(c.Request.Context(), s.settings.RecruitmentChangeTopic, msg); err != nil {
		config.LogError(s.logger, "handlers.go", "announce", "publish recruitment change", msg, err)
	}
}

func actorOf(c *gin.Context) string {
	if a := c.GetHeader("x-actor"); a != "" {
		return a
	}
	return "admin-api"
}

// handleChange feeds one change-feed message into the store's listeners.
// Malformed states are dropped (acked); the sweep repairs anything missed.
func (s *service) handleChange(ctx context.Context, msg config.RecruitmentChangeMessage) error {
	change, err := stateChangeFromMessage(msg)
	if err != nil {
		config.LogError(s.logger, "handlers.go", "handleChange", "decode recruitment change", msg, err)
		return nil
	}
	ctx = appctx.WithTrigger(appctx.WithCorrelationId(ctx, change.CorrelationId), "feed")
	s.logger.WithFields(logrus.Fields{
		"field":          "changeFeed",
		"recruitment_id": change.RecruitmentId,
		"state":          change.State,
		"deleted":        change.Deleted,
	}).Debug("recruitment change received")
	s.recruitments.Notify(ctx, change)
	return nil
}

func stateChangeFromMessage(msg config.RecruitmentChangeMessage) (models.StateChange, error) {
	change := models.StateChange{
		RecruitmentId: msg.RecruitmentId,
		Deleted:       msg.Deleted,
		CorrelationId: msg.CorrelationId,
		OccurredAt:    msg.OccurredAt,
	}
	if !msg.Deleted {
		state, err := models.ParseSchedulingState(msg.SchedulingState)
		if err != nil {
			return models.StateChange{}, err
		}
		change.State = state
	}
	// An unresolvable participant is left nil; the job re-reads the store anyway.
	if ref, err := models.NewParticipantRef(msg.InternalParticipantId, msg.ExternalParticipantId); err == nil {
		change.Participant = ref
	}
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}
	return change, nil
}
