package models_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/config"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Runs the ledger against a real MySQL 8 container. Exercises the 1062
// duplicate-key path and the raw SQL built from the field map.
func TestMySQLLedger_Integration(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	container, port := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(container) })

	dsn := fmt.Sprintf("root:testpw@tcp(127.0.0.1:%s)/recruitsync_test?parseTime=true&loc=UTC", port)
	var db *gorm.DB
	var err error
	deadline := time.Now().Add(60 * time.Second)
	for {
		db, err = gorm.Open(mysql.Open(dsn), config.GormConfig())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("open mysql: %v", err)
		}
		time.Sleep(time.Second)
	}

	require.NoError(t, models.MigrateTable(db))
	fm, err := models.DefaultFieldMap()
	require.NoError(t, err)
	require.NoError(t, fm.Verify(db))
	require.NoError(t, config.GuardHistoryTables(db, fm.Table(models.PartitionInternal), fm.Table(models.PartitionExternal)))

	ctx := context.Background()
	ledger := models.NewHistoryLedger(db, fm)

	rec := historyRecord(models.PartitionExternal, "h-mysql-1", "R-MYSQL")
	require.NoError(t, ledger.Insert(ctx, rec))
	require.ErrorIs(t, ledger.Insert(ctx, historyRecord(models.PartitionExternal, "h-mysql-2", "R-MYSQL")), models.ErrDuplicateHistory)

	got, err := ledger.FindByRecruitment(ctx, models.PartitionExternal, "R-MYSQL")
	require.NoError(t, err)
	require.True(t, got.ParticipationDate.Equal(rec.ParticipationDate))

	rec.DurationMinutes = 60
	require.NoError(t, ledger.Update(ctx, rec))
	got, err = ledger.FindByRecruitment(ctx, models.PartitionExternal, "R-MYSQL")
	require.NoError(t, err)
	require.Equal(t, 60, got.DurationMinutes)

	// Writes that bypass the ledger are refused on MySQL too.
	err = db.WithContext(ctx).Exec("DELETE FROM "+fm.Table(models.PartitionExternal)+" WHERE recruitment_id = ?", "R-MYSQL").Error
	require.ErrorIs(t, err, config.ErrHistoryWriteOutsideWriter)

	removed, err := ledger.Delete(ctx, models.PartitionExternal, "R-MYSQL")
	require.NoError(t, err)
	require.True(t, removed)
}
