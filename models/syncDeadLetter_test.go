package models_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterRepository_RecordListResolve(t *testing.T) {
	db, _ := openTestDB(t)
	repo := models.NewDeadLetterRepository(db)
	ctx := context.Background()

	for _, id := range []string{"R1", "R2", "R1"} {
		require.NoError(t, repo.Record(ctx, &models.SyncDeadLetter{
			RecruitmentId: id,
			EventKind:     string(models.SyncEventFinalized),
			Source:        "dispatcher",
			ErrorClass:    "conflict",
			Message:       "history write conflict",
			Attempts:      8,
		}, map[string]any{"partition": "internal"}))
	}

	open, err := repo.ListUnresolved(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 3)
	require.Greater(t, open[0].ID, open[1].ID)

	var extra map[string]string
	require.NoError(t, json.Unmarshal(open[0].Context, &extra))
	require.Equal(t, "internal", extra["partition"])

	n, err := repo.ResolveForRecruitment(ctx, "R1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	open, err = repo.ListUnresolved(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "R2", open[0].RecruitmentId)
}

func TestReconciliationRepository_SaveAndLatest(t *testing.T) {
	db, _ := openTestDB(t)
	repo := models.NewReconciliationRepository(db)
	ctx := context.Background()

	_, err := repo.LatestRun(ctx)
	require.ErrorIs(t, err, utils.ErrorRecordNotFound)

	started := time.Now().UTC().Add(-time.Second)
	finished := time.Now().UTC()
	for i, runId := range []string{"run-1", "run-2"} {
		run := &models.ReconciliationRun{
			RunId:      runId,
			Trigger:    "interval",
			Scanned:    10 + i,
			Missing:    1,
			Orphaned:   1,
			Corrected:  2,
			StartedAt:  started,
			FinishedAt: &finished,
		}
		drift := []models.ReconciliationReport{
			{CheckType: string(models.DriftMissing), Partition: "internal", RecruitmentId: "R1", Corrected: true},
			{CheckType: string(models.DriftOrphaned), Partition: "external", RecruitmentId: "R2", Corrected: true},
		}
		require.NoError(t, repo.SaveRun(ctx, run, drift))
	}

	latest, err := repo.LatestRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "run-2", latest.RunId)
	require.Equal(t, 11, latest.Scanned)
	require.Len(t, latest.ReportedDrift, 2)
	for _, d := range latest.ReportedDrift {
		require.Equal(t, "run-2", d.RunId)
	}
}
