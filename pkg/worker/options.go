package worker

import (
	"log/slog"

	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// WorkerOption configures a Worker.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Concurrency int
	NamePrefix  string
	Logger      *slog.Logger
}

// DefaultNamePrefix names pool goroutines "Downloader 1", "Downloader 2", ...
const DefaultNamePrefix = "Downloader"

// Concurrency sets the number of worker goroutines.
// Values are clamped to [1, MaxConcurrency].
func Concurrency(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Concurrency = security.ClampConcurrency(n)
	})
}

// WithName sets the prefix used to name each worker goroutine.
func WithName(prefix string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		if prefix != "" {
			c.NamePrefix = prefix
		}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Logger = l
	})
}
