package core

import (
	"context"
	"time"
)

// Storage defines the persistence layer for job results.
type Storage interface {
	// Migrate creates the testjobs table and its indexes.
	Migrate(ctx context.Context) error

	// ClearWindow deletes the branch's rows pushed at or after start, and
	// its rows older than the retention horizon. It returns rows removed.
	ClearWindow(ctx context.Context, branch string, start time.Time) (int64, error)

	// Insert stores a single row. A row that already exists yields
	// ErrDuplicateJob.
	Insert(ctx context.Context, row *JobResult) error

	// InsertRevision stores one revision's rows on a single connection
	// and reports how many were new.
	InsertRevision(ctx context.Context, spec JobSpec, rows []*JobResult, total int) (InsertStats, error)

	// Count returns the number of stored rows for a branch.
	Count(ctx context.Context, branch string) (int64, error)
}

// InsertStats summarizes one revision's insert pass.
type InsertStats struct {
	Total      int // raw jobs listed for the revision
	Inserted   int
	Duplicates int
}
