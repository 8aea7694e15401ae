package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh SQLite file in the test's temp dir.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := Open(DriverPostgres, dsn, MaxOpenConns(4), MaxIdleConns(2))
		require.NoError(t, err, "open postgres test db")

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = Close(db)
		})
		return db
	}

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err, "open sqlite test db")
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func cleanupPostgresDB(db *gorm.DB) {
	db.Exec("DELETE FROM testjobs")
}

// newTestStorage returns a migrated storage whose clock is pinned to now.
func newTestStorage(t *testing.T, now time.Time) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t), WithClock(func() time.Time { return now }))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// newTestRow builds a minimal valid row for insertion in tests.
func newTestRow(branch, revision string, jobID int64, date time.Time) *core.JobResult {
	return &core.JobResult{
		JobID:    jobID,
		Result:   "success",
		Platform: "linux64",
		Branch:   branch,
		Revision: revision,
		PushDate: date,
	}
}
