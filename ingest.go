// Package ingest downloads Treeherder test results into a relational
// store.
//
// This is the main package library users should import. It re-exports the
// public types of the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	db, _ := ingest.OpenStorage("sqlite", "testjobs.db", 4)
//	store := ingest.NewGormStorage(db)
//	store.Migrate(ctx)
//
//	branches := ingest.DefaultBranches()
//	d := ingest.NewDispatcher(branches,
//	    ingest.NewPushLogReader(branches),
//	    ingest.NewTreeherderClient(),
//	    store,
//	    ingest.Threads(4))
//
//	summary, err := d.Run(ctx, branches.Names(), 12*time.Hour)
package ingest

import (
	"time"

	"gorm.io/gorm"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/dispatch"
	"github.com/jdziat/treeherder-ingest/pkg/pushlog"
	"github.com/jdziat/treeherder-ingest/pkg/schedule"
	"github.com/jdziat/treeherder-ingest/pkg/security"
	"github.com/jdziat/treeherder-ingest/pkg/storage"
	"github.com/jdziat/treeherder-ingest/pkg/treeherder"
)

type (
	// JobSpec is one queued revision.
	JobSpec = core.JobSpec

	// PushRecord is one push read from a branch's push log.
	PushRecord = core.PushRecord

	// JobList is a revision's raw job listing.
	JobList = core.JobList

	// JobResult is one stored row of the testjobs table.
	JobResult = core.JobResult

	// BranchTable maps branch names to push-log paths.
	BranchTable = core.BranchTable

	// Storage defines the persistence layer for job results.
	Storage = core.Storage

	// InsertStats summarizes one revision's insert pass.
	InsertStats = core.InsertStats

	// Event is the interface for all pipeline events.
	Event = core.Event

	// RevisionStarted is emitted when a worker picks up a revision.
	RevisionStarted = core.RevisionStarted

	// RevisionCompleted is emitted when a revision's rows have been stored.
	RevisionCompleted = core.RevisionCompleted

	// RevisionFailed is emitted when a revision could not be processed.
	RevisionFailed = core.RevisionFailed

	// BranchFailed is emitted when a branch's push log could not be read.
	BranchFailed = core.BranchFailed

	// HTTPError reports a non-2xx response.
	HTTPError = core.HTTPError

	// Dispatcher runs the ingestion pipeline.
	Dispatcher = dispatch.Dispatcher

	// DispatchOption configures a Dispatcher.
	DispatchOption = dispatch.Option

	// Observer receives pipeline events.
	Observer = dispatch.Observer

	// Summary reports what one run did.
	Summary = dispatch.Summary

	// State is the dispatcher's position in a run.
	State = dispatch.State

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// Schedule computes activation times for repeat mode.
	Schedule = schedule.Schedule
)

// AllBranches selects every configured branch.
const AllBranches = core.AllBranches

// Dispatcher states
const (
	StateInit       = dispatch.StateInit
	StateClearing   = dispatch.StateClearing
	StateEnqueueing = dispatch.StateEnqueueing
	StateDraining   = dispatch.StateDraining
	StateDone       = dispatch.StateDone
)

// Security limits
const (
	MaxBranchNameLength   = security.MaxBranchNameLength
	MaxConcurrency        = security.MaxConcurrency
	MaxDeltaHours         = security.MaxDeltaHours
	MaxErrorMessageLength = security.MaxErrorMessageLength
)

// Error variables
var (
	ErrUnknownBranch    = core.ErrUnknownBranch
	ErrNoResultSet      = core.ErrNoResultSet
	ErrDuplicateJob     = core.ErrDuplicateJob
	ErrTLS              = core.ErrTLS
	ErrMissingColumn    = core.ErrMissingColumn
	ErrResponseTooLarge = core.ErrResponseTooLarge
)

// DefaultBranches returns the branches tracked out of the box.
func DefaultBranches() BranchTable {
	return core.DefaultBranches()
}

// OpenStorage connects to a mysql, postgres or sqlite database with a pool
// sized for the given number of workers.
func OpenStorage(driver, dsn string, workers int) (*gorm.DB, error) {
	return storage.Open(driver, dsn, storage.ForWorkers(workers))
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB, opts ...storage.Option) *GormStorage {
	return storage.NewGormStorage(db, opts...)
}

// NewPushLogReader creates a push-log reader for the branch table.
func NewPushLogReader(branches BranchTable, opts ...pushlog.Option) *pushlog.Reader {
	return pushlog.NewReader(branches, opts...)
}

// NewTreeherderClient creates a Treeherder API client.
func NewTreeherderClient(opts ...treeherder.Option) *treeherder.Client {
	return treeherder.NewClient(opts...)
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(branches BranchTable, pushes dispatch.PushSource, results dispatch.ResultSource, s Storage, opts ...DispatchOption) *Dispatcher {
	return dispatch.New(branches, pushes, results, s, opts...)
}

// Threads sets the worker pool size.
func Threads(n int) DispatchOption {
	return dispatch.Threads(n)
}

// DryRun makes runs fetch and transform without touching the store.
func DryRun(enabled bool) DispatchOption {
	return dispatch.DryRun(enabled)
}

// WithObserver registers an observer that receives every pipeline event.
func WithObserver(o Observer) DispatchOption {
	return dispatch.WithObserver(o)
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// ParseSchedule parses a cron expression, descriptor or interval.
func ParseSchedule(expr string) (Schedule, error) {
	return schedule.Parse(expr)
}

// SanitizeErrorMessage truncates and sanitizes error messages for logging.
func SanitizeErrorMessage(msg string) string {
	return security.SanitizeErrorMessage(msg)
}

// ClampConcurrency ensures concurrency is within limits.
func ClampConcurrency(n int) int {
	return security.ClampConcurrency(n)
}
