package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// RunOption configures Run.
type RunOption interface {
	apply(*runConfig)
}

type runOptionFunc func(*runConfig)

func (f runOptionFunc) apply(c *runConfig) { f(c) }

type runConfig struct {
	immediate bool
	now       func() time.Time
	logger    *slog.Logger
}

// Immediately makes Run call fn once before waiting for the first
// activation.
func Immediately() RunOption {
	return runOptionFunc(func(c *runConfig) {
		c.immediate = true
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunOption {
	return runOptionFunc(func(c *runConfig) {
		c.logger = l
	})
}

// Run calls fn at every activation of s until ctx is done, and returns
// ctx's error. Activations are never run concurrently: one that falls due
// while fn is still running is skipped. An error from fn is logged and
// does not stop the loop.
func Run(ctx context.Context, s Schedule, fn func(context.Context) error, opts ...RunOption) error {
	cfg := runConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	invoke := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			cfg.logger.Error("scheduled run failed", "error", security.SanitizeErrorMessage(err.Error()))
		}
	}

	if cfg.immediate {
		invoke()
	}

	for {
		now := cfg.now()
		next := s.Next(now)
		cfg.logger.Info("next run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			invoke()
		}
	}
}
