package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// DefaultRetention is how long rows are kept before being pruned.
const DefaultRetention = 180 * 24 * time.Hour

// Option configures a GormStorage.
type Option interface {
	apply(*GormStorage)
}

type optionFunc func(*GormStorage)

func (f optionFunc) apply(s *GormStorage) { f(s) }

// WithRetention sets the retention horizon used by ClearWindow.
func WithRetention(d time.Duration) Option {
	return optionFunc(func(s *GormStorage) {
		if d > 0 {
			s.retention = d
		}
	})
}

// WithClock overrides the time source used to compute the retention cutoff.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *GormStorage) {
		s.now = now
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(s *GormStorage) {
		s.logger = l
	})
}

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db        *gorm.DB
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...Option) *GormStorage {
	s := &GormStorage{
		db:        db,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// DB returns the underlying *gorm.DB.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the testjobs table and its indexes.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.JobResult{})
}

// RetentionCutoff returns the instant before which rows are pruned:
// midnight UTC of the current day, minus the retention horizon.
func (s *GormStorage) RetentionCutoff() time.Time {
	today := s.now().UTC().Truncate(24 * time.Hour)
	return today.Add(-s.retention)
}

// ClearWindow deletes the branch's rows pushed at or after start, which are
// about to be downloaded again, along with its rows older than the
// retention cutoff.
func (s *GormStorage) ClearWindow(ctx context.Context, branch string, start time.Time) (int64, error) {
	cutoff := s.RetentionCutoff()
	result := s.db.WithContext(ctx).
		Where("branch = ?", branch).
		Where("(date >= ? OR date < ?)", start.UTC(), cutoff).
		Delete(&core.JobResult{})
	if result.Error != nil {
		return 0, fmt.Errorf("clear %s: %w", branch, result.Error)
	}
	s.logger.Info("cleared stored results",
		"branch", branch, "since", start.UTC(), "older_than", cutoff, "rows", result.RowsAffected)
	return result.RowsAffected, nil
}

// Insert stores a single row. A row whose natural key already exists
// returns core.ErrDuplicateJob.
func (s *GormStorage) Insert(ctx context.Context, row *core.JobResult) error {
	return insert(s.db.WithContext(ctx), row)
}

// insert creates one row without a wrapping transaction. A GORM default
// transaction would begin on the pool rather than on a pinned connection.
func insert(db *gorm.DB, row *core.JobResult) error {
	row.ID = 0
	row.PushDate = row.PushDate.UTC()
	if err := db.Session(&gorm.Session{SkipDefaultTransaction: true}).Create(row).Error; err != nil {
		if IsDuplicateKey(err) {
			return fmt.Errorf("%w: %s %s job %d", core.ErrDuplicateJob, row.Branch, row.Revision, row.JobID)
		}
		return err
	}
	return nil
}

// InsertRevision stores one revision's rows on a single dedicated
// connection. Duplicates are logged and counted; any other failure stops
// the revision and is returned along with the counts so far.
func (s *GormStorage) InsertRevision(ctx context.Context, spec core.JobSpec, rows []*core.JobResult, total int) (core.InsertStats, error) {
	stats := core.InsertStats{Total: total}

	err := s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		for _, row := range rows {
			err := insert(conn, row)
			switch {
			case err == nil:
				stats.Inserted++
			case errors.Is(err, core.ErrDuplicateJob):
				stats.Duplicates++
				s.logger.Warn("insert skipped, job already stored",
					"branch", row.Branch, "revision", row.Revision, "job_id", row.JobID)
			default:
				return fmt.Errorf("insert job %d: %w", row.JobID, err)
			}
		}
		return nil
	})

	s.logger.Info("uploaded results",
		"inserted", stats.Inserted, "total", stats.Total, "duplicates", stats.Duplicates,
		"revision", spec.Revision, "branch", spec.Branch, "date", spec.PushDate.UTC())
	return stats, err
}

// Count returns the number of stored rows for a branch.
func (s *GormStorage) Count(ctx context.Context, branch string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&core.JobResult{}).Where("branch = ?", branch).Count(&n).Error
	return n, err
}

// ListRevision returns a revision's stored rows ordered by job id.
func (s *GormStorage) ListRevision(ctx context.Context, branch, revision string) ([]core.JobResult, error) {
	var rows []core.JobResult
	err := s.db.WithContext(ctx).
		Where("branch = ? AND revision = ?", branch, revision).
		Order("job_id ASC").
		Find(&rows).Error
	return rows, err
}
