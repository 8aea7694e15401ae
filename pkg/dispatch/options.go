package dispatch

import (
	"log/slog"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// Option configures a Dispatcher.
type Option interface {
	apply(*Dispatcher)
}

type optionFunc func(*Dispatcher)

func (f optionFunc) apply(d *Dispatcher) { f(d) }

// Threads sets the worker pool size, clamped to [1, MaxConcurrency].
func Threads(n int) Option {
	return optionFunc(func(d *Dispatcher) {
		d.threads = security.ClampConcurrency(n)
	})
}

// DryRun makes runs fetch and transform without touching the store.
func DryRun(enabled bool) Option {
	return optionFunc(func(d *Dispatcher) {
		d.dryRun = enabled
	})
}

// WithClock overrides the time source used to compute the window start.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(d *Dispatcher) {
		d.now = now
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(d *Dispatcher) {
		d.logger = l
	})
}

// WithObserver registers an observer that receives every pipeline event.
func WithObserver(o Observer) Option {
	return optionFunc(func(d *Dispatcher) {
		d.observers = append(d.observers, o)
	})
}

// Observer receives pipeline events. Observe is called from a single
// goroutine per run.
type Observer interface {
	Observe(core.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(core.Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e core.Event) { f(e) }
