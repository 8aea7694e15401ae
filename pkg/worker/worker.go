package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/queue"
	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("worker: already started")

// Handler processes one revision. worker is the name of the calling
// goroutine, for logging.
type Handler func(ctx context.Context, spec core.JobSpec, worker string) error

// Worker runs a fixed pool of goroutines that drain the queue.
type Worker struct {
	queue   *queue.Queue
	handler Handler
	config  WorkerConfig
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker pool for the given queue.
func NewWorker(q *queue.Queue, h Handler, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		Concurrency: 1,
		NamePrefix:  DefaultNamePrefix,
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		queue:   q,
		handler: h,
		config:  config,
		logger:  logger,
	}
}

// Concurrency returns the number of goroutines the pool runs.
func (w *Worker) Concurrency() int {
	return w.config.Concurrency
}

// Start launches the pool and returns immediately. Workers exit when the
// queue is closed and empty, or when ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	for i := 1; i <= w.config.Concurrency; i++ {
		name := fmt.Sprintf("%s %d", w.config.NamePrefix, i)
		w.wg.Add(1)
		go w.processLoop(ctx, name)
	}
	w.logger.Debug("worker pool started", "workers", w.config.Concurrency)
	return nil
}

// Stop closes the queue, lets in-flight revisions finish and waits for
// every goroutine to exit.
func (w *Worker) Stop() {
	w.queue.Close()
	w.Wait()

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()
}

// Wait blocks until every worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) processLoop(ctx context.Context, name string) {
	defer w.wg.Done()

	for {
		spec, ok := w.queue.Get(ctx)
		if !ok {
			return
		}
		w.processJob(ctx, name, spec)
	}
}

func (w *Worker) processJob(ctx context.Context, name string, spec core.JobSpec) {
	defer w.queue.Done()
	startTime := time.Now()

	w.logger.Info("processing revision", "worker", name, "revision", spec.Revision, "date", spec.PushDate.UTC())
	w.queue.CallStartHooks(ctx, spec, name)
	w.queue.Emit(&core.RevisionStarted{Spec: spec, Worker: name, Timestamp: startTime})

	err := w.executeHandler(ctx, name, spec)
	if err != nil {
		w.logger.Error("revision failed",
			"worker", name,
			"branch", spec.Branch,
			"revision", spec.Revision,
			"error", security.SanitizeErrorMessage(err.Error()))
		w.queue.CallFailHooks(ctx, spec, name, err)
		w.queue.Emit(&core.RevisionFailed{
			Spec:      spec,
			Worker:    name,
			Error:     err,
			Duration:  time.Since(startTime),
			Timestamp: time.Now(),
		})
		return
	}

	w.queue.CallCompleteHooks(ctx, spec, name)
}

func (w *Worker) executeHandler(ctx context.Context, name string, spec core.JobSpec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler(ctx, spec, name)
}
