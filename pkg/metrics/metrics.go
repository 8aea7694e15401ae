// Package metrics records ingestion counters and pushes them to a
// Prometheus Pushgateway at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/jdziat/treeherder-ingest/pkg/core"
)

// Namespace prefixes every metric name.
const Namespace = "treeherder_ingest"

// PushJob is the Pushgateway job label.
const PushJob = "treeherder_ingest"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	revisionsProcessed *prometheus.CounterVec
	revisionDuration   *prometheus.HistogramVec
	rowsInserted       *prometheus.CounterVec
	duplicates         *prometheus.CounterVec
	recordsSkipped     *prometheus.CounterVec
	branchFailures     *prometheus.CounterVec
	lastSuccess        *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		revisionsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "revisions_processed_total",
				Help:      "Revisions handled by workers, by outcome",
			},
			[]string{"branch", "outcome"},
		),
		revisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "revision_duration_seconds",
				Help:      "Time taken to fetch, transform and store one revision",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"branch"},
		),
		rowsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rows_inserted_total",
				Help:      "Job rows written to the testjobs table",
			},
			[]string{"branch"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "duplicate_rows_total",
				Help:      "Job rows rejected because they were already stored",
			},
			[]string{"branch"},
		),
		recordsSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "records_skipped_total",
				Help:      "Job records dropped by the transformer, by reason",
			},
			[]string{"branch", "reason"},
		),
		branchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "branch_failures_total",
				Help:      "Branches whose push log could not be read",
			},
			[]string{"branch"},
		),
		lastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "last_revision_success_timestamp_seconds",
				Help:      "Unix time of the last revision stored without error",
			},
			[]string{"branch"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records a pipeline event.
func (m *Metrics) Observe(e core.Event) {
	switch ev := e.(type) {
	case *core.RevisionCompleted:
		branch := ev.Spec.Branch
		m.revisionsProcessed.WithLabelValues(branch, "success").Inc()
		m.revisionDuration.WithLabelValues(branch).Observe(ev.Duration.Seconds())
		m.rowsInserted.WithLabelValues(branch).Add(float64(ev.Stats.Inserted))
		m.duplicates.WithLabelValues(branch).Add(float64(ev.Stats.Duplicates))
		for reason, n := range ev.Skipped {
			m.recordsSkipped.WithLabelValues(branch, reason).Add(float64(n))
		}
		m.lastSuccess.WithLabelValues(branch).Set(float64(ev.Timestamp.Unix()))
	case *core.RevisionFailed:
		m.revisionsProcessed.WithLabelValues(ev.Spec.Branch, "failure").Inc()
		m.revisionDuration.WithLabelValues(ev.Spec.Branch).Observe(ev.Duration.Seconds())
	case *core.BranchFailed:
		m.branchFailures.WithLabelValues(ev.Branch).Inc()
	}
}

// Push sends the current values to the Pushgateway at url, replacing the
// metrics previously pushed under the same instance.
func (m *Metrics) Push(ctx context.Context, url, instance string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pusher := push.New(url, PushJob).Gatherer(m.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
