package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/queue"
	"github.com/jdziat/treeherder-ingest/pkg/security"
	"github.com/jdziat/treeherder-ingest/pkg/transform"
	"github.com/jdziat/treeherder-ingest/pkg/worker"
)

// eventBuffer is the capacity of the channel feeding observers.
const eventBuffer = 1024

// PushSource lists the pushes of a branch since a point in time.
type PushSource interface {
	FetchPushes(ctx context.Context, branch string, start time.Time) ([]core.PushRecord, error)
}

// ResultSource downloads a revision's job list and per-job annotations.
type ResultSource interface {
	transform.Annotator
	FetchRevision(ctx context.Context, branch, revision string) (*core.JobList, error)
}

// RevisionReport is the outcome of processing one revision.
type RevisionReport struct {
	Stats   core.InsertStats
	Skipped map[string]int
	// RecordErrors aggregates per-record transform failures. The revision
	// still succeeds when it is set.
	RecordErrors error
}

// Dispatcher runs the ingestion pipeline.
type Dispatcher struct {
	branches    core.BranchTable
	pushes      PushSource
	results     ResultSource
	transformer *transform.Transformer
	storage     core.Storage

	threads   int
	dryRun    bool
	now       func() time.Time
	logger    *slog.Logger
	observers []Observer

	state atomic.Int32
}

// New creates a Dispatcher.
func New(branches core.BranchTable, pushes PushSource, results ResultSource, storage core.Storage, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		branches: branches,
		pushes:   pushes,
		results:  results,
		storage:  storage,
		threads:  1,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(d)
	}
	d.transformer = transform.New(results, d.logger)
	return d
}

// State returns the dispatcher's current state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(logger *slog.Logger, s State) {
	d.state.Store(int32(s))
	logger.Info("dispatcher state", "state", s.String())
}

// run carries the mutable bookkeeping of a single Run.
type run struct {
	mu      sync.Mutex
	summary *Summary
	logger  *slog.Logger
	queue   *queue.Queue
}

func (r *run) update(fn func(*Summary)) {
	r.mu.Lock()
	fn(r.summary)
	r.mu.Unlock()
}

// Run ingests every push of branches made in the last delta. A branch
// whose push log cannot be read is logged and skipped, and revisions that
// fail are logged and counted; neither fails the run. A store failure while
// clearing does, as does cancellation of ctx.
func (d *Dispatcher) Run(ctx context.Context, branches []string, delta time.Duration) (*Summary, error) {
	for _, b := range branches {
		if !d.branches.Has(b) {
			return nil, fmt.Errorf("%w: %q", core.ErrUnknownBranch, b)
		}
	}
	if delta < 0 {
		delta = 0
	}

	runID := uuid.New().String()
	logger := d.logger.With("run_id", runID)
	r := &run{
		summary: &Summary{
			RunID:    runID,
			Branches: append([]string(nil), branches...),
			Started:  d.now().UTC(),
		},
		logger: logger,
		queue:  queue.New(queue.EventBuffer(eventBuffer)),
	}
	start := r.summary.Started.Add(-delta)

	d.setState(logger, StateInit)
	logger.Info("starting run",
		"branches", branches, "since", start, "threads", d.threads, "dry_run", d.dryRun)

	stopObservers := d.startObservers(r.queue)
	defer stopObservers()

	r.queue.OnRevisionStart(func(context.Context, core.JobSpec, string) {
		r.update(func(s *Summary) { s.RevisionsStarted++ })
	})
	r.queue.OnRevisionComplete(func(context.Context, core.JobSpec, string) {
		r.update(func(s *Summary) { s.RevisionsCompleted++ })
	})
	r.queue.OnRevisionFail(func(context.Context, core.JobSpec, string, error) {
		r.update(func(s *Summary) { s.RevisionsFailed++ })
	})

	pool := worker.NewWorker(r.queue, d.handler(r),
		worker.Concurrency(d.threads), worker.WithLogger(logger))
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	d.setState(logger, StateClearing)
	if err := d.clear(ctx, r, branches, start); err != nil {
		pool.Stop()
		r.summary.Finished = d.now().UTC()
		d.setState(logger, StateDone)
		return r.summary, err
	}

	d.setState(logger, StateEnqueueing)
	d.enqueue(ctx, r, branches, start)

	d.setState(logger, StateDraining)
	err := d.drain(ctx, r)
	pool.Stop()

	r.summary.Finished = d.now().UTC()
	d.setState(logger, StateDone)
	logger.Info("downloading completed", "summary", r.summary)
	return r.summary, err
}

func (d *Dispatcher) clear(ctx context.Context, r *run, branches []string, start time.Time) error {
	if d.dryRun {
		r.logger.Info("dry run, leaving stored results in place")
		return nil
	}
	for _, branch := range branches {
		n, err := d.storage.ClearWindow(ctx, branch, start)
		if err != nil {
			return err
		}
		r.update(func(s *Summary) { s.RowsCleared += n })
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, r *run, branches []string, start time.Time) {
	for _, branch := range branches {
		if ctx.Err() != nil {
			return
		}
		pushes, err := d.pushes.FetchPushes(ctx, branch, start)
		if err != nil {
			r.logger.Error("failed to read push log",
				"branch", branch, "error", security.SanitizeErrorMessage(err.Error()))
			r.update(func(s *Summary) { s.FailedBranches = append(s.FailedBranches, branch) })
			r.queue.Emit(&core.BranchFailed{Branch: branch, Error: err, Timestamp: time.Now()})
			continue
		}

		queued := 0
		for _, p := range pushes {
			if err := security.ValidateRevision(p.Revision); err != nil {
				r.logger.Warn("skipping push with malformed revision",
					"branch", branch, "revision", security.SanitizeErrorMessage(p.Revision), "error", err)
				r.update(func(s *Summary) { s.RevisionsRejected++ })
				continue
			}
			spec := core.JobSpec{Branch: branch, Revision: p.Revision, PushDate: p.PushDate}
			if err := r.queue.Put(spec); err != nil {
				r.logger.Error("failed to queue revision", "revision", spec.Revision, "error", err)
				continue
			}
			queued++
			r.update(func(s *Summary) { s.RevisionsQueued++ })
		}
		r.logger.Info("queued revisions", "branch", branch, "count", queued)
	}
}

// drain waits for the queue to empty. On cancellation it drops queued
// revisions nobody has started and waits for in-flight ones to return.
func (d *Dispatcher) drain(ctx context.Context, r *run) error {
	joined := make(chan struct{})
	go func() {
		r.queue.Join()
		close(joined)
	}()

	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		r.queue.Close()
		dropped := r.queue.Drain()
		r.update(func(s *Summary) { s.RevisionsDropped += len(dropped) })
		<-joined
		r.logger.Warn("run cancelled", "dropped", len(dropped))
		return ctx.Err()
	}
}

func (d *Dispatcher) handler(r *run) worker.Handler {
	return func(ctx context.Context, spec core.JobSpec, name string) error {
		startTime := time.Now()
		report, err := d.ProcessRevision(ctx, spec)
		if err != nil {
			if report != nil {
				r.update(func(s *Summary) {
					s.RowsInserted += report.Stats.Inserted
					s.Duplicates += report.Stats.Duplicates
				})
			}
			return err
		}
		if report.RecordErrors != nil {
			var merr *multierror.Error
			count := 1
			if errors.As(report.RecordErrors, &merr) {
				count = len(merr.Errors)
			}
			r.logger.Warn("skipped malformed records",
				"worker", name,
				"revision", spec.Revision,
				"count", count,
				"error", security.SanitizeErrorMessage(report.RecordErrors.Error()))
		}

		skipped := 0
		for _, n := range report.Skipped {
			skipped += n
		}
		r.update(func(s *Summary) {
			s.RowsInserted += report.Stats.Inserted
			s.Duplicates += report.Stats.Duplicates
			s.RecordsSkipped += skipped
		})
		r.queue.Emit(&core.RevisionCompleted{
			Spec:      spec,
			Worker:    name,
			Stats:     report.Stats,
			Skipped:   report.Skipped,
			Duration:  time.Since(startTime),
			Timestamp: time.Now(),
		})
		return nil
	}
}

// ProcessRevision downloads one revision's jobs, transforms them and
// stores the result.
func (d *Dispatcher) ProcessRevision(ctx context.Context, spec core.JobSpec) (*RevisionReport, error) {
	list, err := d.results.FetchRevision(ctx, spec.Branch, spec.Revision)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", spec, err)
	}

	batch, err := d.transformer.Transform(ctx, spec, list)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", spec, err)
	}

	report := &RevisionReport{
		Stats:        core.InsertStats{Total: batch.Total},
		Skipped:      batch.Skipped,
		RecordErrors: batch.Err(),
	}
	if d.dryRun {
		d.logger.Info("dry run, not uploading",
			"rows", len(batch.Rows), "total", batch.Total, "revision", spec.Revision, "branch", spec.Branch)
		return report, nil
	}

	stats, err := d.storage.InsertRevision(ctx, spec, batch.Rows, batch.Total)
	report.Stats = stats
	if err != nil {
		return report, fmt.Errorf("store %s: %w", spec, err)
	}
	return report, nil
}

// startObservers forwards queue events to the registered observers until
// the returned function is called.
func (d *Dispatcher) startObservers(q *queue.Queue) func() {
	if len(d.observers) == 0 {
		return func() {}
	}

	events := q.Events()
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case e := <-events:
				d.notify(e)
			case <-done:
				for {
					select {
					case e := <-events:
						d.notify(e)
					default:
						return
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		q.Unsubscribe(events)
	}
}

func (d *Dispatcher) notify(e core.Event) {
	for _, o := range d.observers {
		o.Observe(e)
	}
}
