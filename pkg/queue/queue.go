package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// ErrClosed is returned by Put once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is an unbounded FIFO of revisions waiting to be downloaded.
//
// Every Put must be balanced by exactly one Done once the item has been
// handled; Join blocks until that count drops to zero.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []core.JobSpec
	closed  bool
	pending int
	wg      sync.WaitGroup

	hookMu     sync.RWMutex
	onStart    []func(context.Context, core.JobSpec, string)
	onComplete []func(context.Context, core.JobSpec, string)
	onFail     []func(context.Context, core.JobSpec, string, error)

	eventBuffer int
	eventSubs   []chan core.Event
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	o := NewOptions()
	for _, opt := range opts {
		opt.Apply(o)
	}
	q := &Queue{eventBuffer: o.EventBuffer}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends a revision to the queue.
func (q *Queue) Put(spec core.JobSpec) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, spec)
	q.pending++
	q.wg.Add(1)
	q.cond.Signal()
	return nil
}

// Get removes and returns the oldest revision, blocking while the queue is
// empty. It returns false once the queue is closed and empty, or when ctx
// is done.
func (q *Queue) Get(ctx context.Context) (core.JobSpec, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if len(q.items) == 0 || ctx.Err() != nil {
		return core.JobSpec{}, false
	}

	spec := q.items[0]
	q.items[0] = core.JobSpec{}
	q.items = q.items[1:]
	return spec, true
}

// Done marks one previously retrieved revision as handled.
func (q *Queue) Done() {
	q.mu.Lock()
	if q.pending == 0 {
		q.mu.Unlock()
		panic("queue: Done called more times than Put")
	}
	q.pending--
	q.mu.Unlock()
	q.wg.Done()
}

// Join blocks until every revision put on the queue has been marked Done.
func (q *Queue) Join() {
	q.wg.Wait()
}

// Close stops the queue from accepting work and wakes blocked getters.
// Items already queued can still be retrieved.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Drain discards every queued revision that no worker has picked up,
// marking each one Done, and returns them.
func (q *Queue) Drain() []core.JobSpec {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	q.pending -= len(dropped)
	q.mu.Unlock()

	for range dropped {
		q.wg.Done()
	}
	return dropped
}

// Len returns the number of revisions waiting to be picked up.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of revisions put but not yet marked Done.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// OnRevisionStart registers a callback for when a worker picks up a revision.
func (q *Queue) OnRevisionStart(fn func(ctx context.Context, spec core.JobSpec, worker string)) {
	q.hookMu.Lock()
	q.onStart = append(q.onStart, fn)
	q.hookMu.Unlock()
}

// OnRevisionComplete registers a callback for when a revision is handled
// without error.
func (q *Queue) OnRevisionComplete(fn func(ctx context.Context, spec core.JobSpec, worker string)) {
	q.hookMu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.hookMu.Unlock()
}

// OnRevisionFail registers a callback for when a revision's handler fails.
func (q *Queue) OnRevisionFail(fn func(ctx context.Context, spec core.JobSpec, worker string, err error)) {
	q.hookMu.Lock()
	q.onFail = append(q.onFail, fn)
	q.hookMu.Unlock()
}

// CallStartHooks calls all registered start hooks.
func (q *Queue) CallStartHooks(ctx context.Context, spec core.JobSpec, worker string) {
	q.hookMu.RLock()
	hooks := make([]func(context.Context, core.JobSpec, string), len(q.onStart))
	copy(hooks, q.onStart)
	q.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, spec, worker)
	}
}

// CallCompleteHooks calls all registered complete hooks.
func (q *Queue) CallCompleteHooks(ctx context.Context, spec core.JobSpec, worker string) {
	q.hookMu.RLock()
	hooks := make([]func(context.Context, core.JobSpec, string), len(q.onComplete))
	copy(hooks, q.onComplete)
	q.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, spec, worker)
	}
}

// CallFailHooks calls all registered fail hooks.
func (q *Queue) CallFailHooks(ctx context.Context, spec core.JobSpec, worker string, err error) {
	q.hookMu.RLock()
	hooks := make([]func(context.Context, core.JobSpec, string, error), len(q.onFail))
	copy(hooks, q.onFail)
	q.hookMu.RUnlock()

	for _, fn := range hooks {
		fn(ctx, spec, worker, err)
	}
}

// Events returns a channel for receiving pipeline events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (q *Queue) Events() <-chan core.Event {
	ch := make(chan core.Event, q.eventBuffer)
	q.hookMu.Lock()
	q.eventSubs = append(q.eventSubs, ch)
	q.hookMu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel created by Events().
// The channel is not closed; callers must stop reading before calling
// Unsubscribe. After Unsubscribe returns, no further events are sent to it.
func (q *Queue) Unsubscribe(ch <-chan core.Event) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	for i, sub := range q.eventSubs {
		if sub == ch {
			q.eventSubs = append(q.eventSubs[:i], q.eventSubs[i+1:]...)
			return
		}
	}
}

// Emit emits an event to all subscribers.
func (q *Queue) Emit(e core.Event) {
	q.hookMu.RLock()
	subs := make([]chan core.Event, len(q.eventSubs))
	copy(subs, q.eventSubs)
	q.hookMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// Drop if full so a slow consumer never stalls a worker.
		}
	}
}
