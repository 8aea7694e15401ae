package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

var testNow = time.Date(2015, 12, 1, 15, 0, 0, 0, time.UTC)

// ──────────────────────────────────────────────────────────────────────────────
// Constructor / schema
// ──────────────────────────────────────────────────────────────────────────────

func TestMigrate_CreatesTable(t *testing.T) {
	s := newTestStorage(t, testNow)

	assert.True(t, s.DB().Migrator().HasTable("testjobs"))
	assert.True(t, s.DB().Migrator().HasIndex(&core.JobResult{}, "idx_testjobs_natural_key"))
}

func TestNewGormStorage_NilDB(t *testing.T) {
	s := NewGormStorage(nil)
	assert.False(t, s.IsSQLite(), "nil db should not claim SQLite")
}

func TestRetentionCutoff(t *testing.T) {
	s := NewGormStorage(nil, WithClock(func() time.Time { return testNow }))

	assert.Equal(t, time.Date(2015, 6, 4, 0, 0, 0, 0, time.UTC), s.RetentionCutoff())

	s = NewGormStorage(nil, WithClock(func() time.Time { return testNow }), WithRetention(24*time.Hour))
	assert.Equal(t, time.Date(2015, 11, 30, 0, 0, 0, 0, time.UTC), s.RetentionCutoff())
}

// ──────────────────────────────────────────────────────────────────────────────
// Insert
// ──────────────────────────────────────────────────────────────────────────────

func TestInsert_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testNow)
	date := testNow.Add(-time.Hour)

	require.NoError(t, s.Insert(ctx, newTestRow("try", "abc123def456", 1, date)))

	err := s.Insert(ctx, newTestRow("try", "abc123def456", 1, date))
	assert.ErrorIs(t, err, core.ErrDuplicateJob)

	// Same job id on another revision or branch is a different job.
	require.NoError(t, s.Insert(ctx, newTestRow("try", "0123456789ab", 1, date)))
	require.NoError(t, s.Insert(ctx, newTestRow("fx-team", "abc123def456", 1, date)))

	n, err := s.Count(ctx, "try")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInsert_RawErrorIsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testNow)
	row := newTestRow("try", "abc123def456", 7, testNow)
	require.NoError(t, s.DB().WithContext(ctx).Create(row).Error)

	dup := newTestRow("try", "abc123def456", 7, testNow)
	err := s.DB().WithContext(ctx).Create(dup).Error

	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))
}

func TestIsDuplicateKey_OtherErrors(t *testing.T) {
	assert.False(t, IsDuplicateKey(nil))
	assert.False(t, IsDuplicateKey(errors.New("connection reset")))
}

func TestInsertRevision_CountsAndIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s := newTestStorage(t, testNow)
	spec := core.JobSpec{Branch: "try", Revision: "abc123def456", PushDate: testNow.Add(-time.Hour)}
	build := func() []*core.JobResult {
		return []*core.JobResult{
			newTestRow(spec.Branch, spec.Revision, 1, spec.PushDate),
			newTestRow(spec.Branch, spec.Revision, 2, spec.PushDate),
			newTestRow(spec.Branch, spec.Revision, 3, spec.PushDate),
		}
	}

	stats, err := s.InsertRevision(ctx, spec, build(), 5)
	require.NoError(t, err)
	assert.Equal(t, core.InsertStats{Total: 5, Inserted: 3}, stats)

	stats, err = s.InsertRevision(ctx, spec, build(), 5)
	require.NoError(t, err)
	assert.Equal(t, core.InsertStats{Total: 5, Inserted: 0, Duplicates: 3}, stats)

	rows, err := s.ListRevision(ctx, spec.Branch, spec.Revision)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0].JobID)
	assert.True(t, spec.PushDate.Equal(rows[0].PushDate))
}

func TestInsertRevision_ManyRowsOnSingleConnectionPool(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Default gorm config wraps each Create in a transaction; the pinned
	// connection must still be used for every row.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pinned.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, ConfigurePool(db, MaxOpenConns(1)))
	t.Cleanup(func() { _ = Close(db) })

	s := NewGormStorage(db, WithClock(func() time.Time { return testNow }))
	require.NoError(t, s.Migrate(ctx))

	spec := core.JobSpec{Branch: "try", Revision: "abc123def456", PushDate: testNow.Add(-time.Hour)}
	rows := make([]*core.JobResult, 0, 5)
	for i := range 5 {
		rows = append(rows, newTestRow(spec.Branch, spec.Revision, int64(i+1), spec.PushDate))
	}

	stats, err := s.InsertRevision(ctx, spec, rows, len(rows))
	require.NoError(t, err)
	assert.Equal(t, core.InsertStats{Total: 5, Inserted: 5}, stats)

	stats, err = s.InsertRevision(ctx, spec, rows, len(rows))
	require.NoError(t, err)
	assert.Equal(t, core.InsertStats{Total: 5, Duplicates: 5}, stats)
}

func TestInsertRevision_OpenedSQLiteStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	s := NewGormStorage(db)
	require.NoError(t, s.Migrate(ctx))

	spec := core.JobSpec{Branch: "try", Revision: "0123456789ab", PushDate: testNow}
	stats, err := s.InsertRevision(ctx, spec, []*core.JobResult{
		newTestRow(spec.Branch, spec.Revision, 10, spec.PushDate),
		newTestRow(spec.Branch, spec.Revision, 11, spec.PushDate),
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
}

// ──────────────────────────────────────────────────────────────────────────────
// ClearWindow
// ──────────────────────────────────────────────────────────────────────────────

func TestClearWindow_RemovesExactlyRefreshAndExpiredRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t, testNow)
	start := testNow.Add(-12 * time.Hour)
	cutoff := s.RetentionCutoff()

	rows := map[int64]struct {
		branch  string
		date    time.Time
		removed bool
	}{
		1: {"try", start, true},                            // window start is inclusive
		2: {"try", start.Add(-time.Second), false},         // just before the window
		3: {"try", testNow, true},                          // inside the window
		4: {"try", cutoff.Add(-time.Second), true},         // past retention
		5: {"try", cutoff, false},                          // retention edge is kept
		6: {"fx-team", testNow, false},                     // other branch, in window
		7: {"fx-team", cutoff.Add(-48 * time.Hour), false}, // other branch, expired
	}
	for id, r := range rows {
		require.NoError(t, s.Insert(ctx, newTestRow(r.branch, "abc123def456", id, r.date)))
	}

	removed, err := s.ClearWindow(ctx, "try", start)

	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	var left []core.JobResult
	require.NoError(t, s.DB().Order("job_id").Find(&left).Error)
	var ids []int64
	for _, r := range left {
		ids = append(ids, r.JobID)
	}
	assert.Equal(t, []int64{2, 5, 6, 7}, ids)
}

func TestClearWindow_EmptyTable(t *testing.T) {
	s := newTestStorage(t, testNow)

	removed, err := s.ClearWindow(context.Background(), "try", testNow)

	require.NoError(t, err)
	assert.Zero(t, removed)
}

// ──────────────────────────────────────────────────────────────────────────────
// Open
// ──────────────────────────────────────────────────────────────────────────────

func TestDialector(t *testing.T) {
	for _, driver := range []string{"mysql", "postgres", "postgresql", "sqlite", "SQLite3"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}

	_, err := Dialector("oracle", "dsn")
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestOpen_SQLiteSingleConnection(t *testing.T) {
	db := openTestDB(t)
	if db.Dialector.Name() != DriverSQLite {
		t.Skip("sqlite only")
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	assert.True(t, NewGormStorage(db).IsSQLite())
}
