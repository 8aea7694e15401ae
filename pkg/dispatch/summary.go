package dispatch

import (
	"log/slog"
	"time"
)

// Summary reports what one run did.
type Summary struct {
	RunID              string
	Branches           []string
	FailedBranches     []string
	RowsCleared        int64
	RevisionsQueued    int
	RevisionsRejected  int // pushes whose revision failed validation
	RevisionsStarted   int
	RevisionsCompleted int
	RevisionsFailed    int
	RevisionsDropped   int // queued but never started, on cancellation
	RowsInserted       int
	Duplicates         int
	RecordsSkipped     int
	Started            time.Time
	Finished           time.Time
}

// Duration returns the wall-clock length of the run.
func (s *Summary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}

// LogValue implements slog.LogValuer.
func (s *Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("run_id", s.RunID),
		slog.Any("branches", s.Branches),
		slog.Any("failed_branches", s.FailedBranches),
		slog.Int64("rows_cleared", s.RowsCleared),
		slog.Int("revisions_queued", s.RevisionsQueued),
		slog.Int("revisions_rejected", s.RevisionsRejected),
		slog.Int("revisions_started", s.RevisionsStarted),
		slog.Int("revisions_completed", s.RevisionsCompleted),
		slog.Int("revisions_failed", s.RevisionsFailed),
		slog.Int("revisions_dropped", s.RevisionsDropped),
		slog.Int("rows_inserted", s.RowsInserted),
		slog.Int("duplicates", s.Duplicates),
		slog.Int("records_skipped", s.RecordsSkipped),
		slog.Duration("duration", s.Duration()),
	)
}
