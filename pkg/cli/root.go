// Package cli provides the treeherder-ingest command.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/treeherder-ingest/pkg/config"
	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/dispatch"
	"github.com/jdziat/treeherder-ingest/pkg/internal/fetch"
	"github.com/jdziat/treeherder-ingest/pkg/metrics"
	"github.com/jdziat/treeherder-ingest/pkg/pushlog"
	"github.com/jdziat/treeherder-ingest/pkg/schedule"
	"github.com/jdziat/treeherder-ingest/pkg/storage"
	"github.com/jdziat/treeherder-ingest/pkg/treeherder"
)

// Version is set at build time.
var Version = "0.1.0"

// Option configures the root command.
type Option interface {
	apply(*app)
}

type optionFunc func(*app)

func (f optionFunc) apply(a *app) { f(a) }

// WithConfigLoader replaces the environment-based configuration loader.
func WithConfigLoader(load func() (config.Config, error)) Option {
	return optionFunc(func(a *app) {
		a.loadConfig = load
	})
}

// WithOutput redirects the command's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return optionFunc(func(a *app) {
		a.stdout = stdout
		a.stderr = stderr
	})
}

// WithLoggerFactory replaces the logger built from --log-file/--log-level.
func WithLoggerFactory(fn func(file string, level slog.Level) (*slog.Logger, func() error)) Option {
	return optionFunc(func(a *app) {
		a.newLogger = fn
	})
}

type app struct {
	loadConfig func() (config.Config, error)
	newLogger  func(file string, level slog.Level) (*slog.Logger, func() error)
	stdout     io.Writer
	stderr     io.Writer

	envFile string
	cfg     config.Config
}

// Execute runs the command with the process arguments.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the treeherder-ingest command.
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{
		newLogger: config.SetupLogger,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
	for _, opt := range opts {
		opt.apply(a)
	}
	if a.loadConfig == nil {
		a.loadConfig = func() (config.Config, error) {
			if a.envFile != "" {
				return config.Load(a.envFile)
			}
			return config.Load()
		}
	}

	cmd := &cobra.Command{
		Use:   "treeherder-ingest",
		Short: "Download Treeherder test results into the testjobs table",
		Long: `treeherder-ingest reads the push log of each branch, downloads the
Treeherder job results of every push made in the last --delta hours and
stores one row per job in the testjobs table.

Rows pushed inside the window are deleted and downloaded again on every
run, and rows older than the retention horizon are pruned.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          a.run,
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	f := cmd.Flags()
	f.String("branch", core.AllBranches, "Branch for which to retrieve results, or \"all\".")
	f.Int("delta", 12, "Number of hours in past to use as start time.")
	f.Int("threads", 1, "Number of download workers.")
	f.String("branches-file", "", "YAML file mapping branch names to push-log paths.")
	f.String("schedule", "", "Repeat the run on a cron expression, descriptor or interval (e.g. \"@every 1h\").")
	f.String("log-file", "", "Also write JSON logs to this file.")
	f.String("log-level", "info", "Log level: debug, info, warn or error.")
	f.Bool("dry-run", false, "Fetch and transform without touching the database.")
	f.String("db-driver", "", "Database driver: mysql, postgres or sqlite.")
	f.String("db-dsn", "", "Database connection string.")
	f.String("treeherder-url", "", "Treeherder base URL.")
	f.String("hg-url", "", "Mercurial base URL serving the push logs.")
	f.StringVar(&a.envFile, "env-file", "", "Load environment variables from this file.")

	return cmd
}

// applyFlags overrides configuration values with the flags set on the
// command line.
func (a *app) applyFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	var err error
	str := func(name string, dst *string) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetString(name)
		}
	}
	num := func(name string, dst *int) {
		if err == nil && f.Changed(name) {
			*dst, err = f.GetInt(name)
		}
	}

	str("branch", &a.cfg.Run.Branch)
	num("delta", &a.cfg.Run.DeltaHours)
	num("threads", &a.cfg.Run.Threads)
	str("branches-file", &a.cfg.Run.BranchesFile)
	str("schedule", &a.cfg.Run.Schedule)
	str("log-file", &a.cfg.Log.File)
	str("log-level", &a.cfg.Log.Level)
	str("db-driver", &a.cfg.DB.Driver)
	str("db-dsn", &a.cfg.DB.DSN)
	str("treeherder-url", &a.cfg.Treeherder.URL)
	str("hg-url", &a.cfg.Treeherder.HgURL)
	if err == nil && f.Changed("dry-run") {
		a.cfg.Run.DryRun, err = f.GetBool("dry-run")
	}
	if err != nil {
		return err
	}

	a.cfg.Sanitize()
	return nil
}

func (a *app) run(cmd *cobra.Command, _ []string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	if err := a.applyFlags(cmd); err != nil {
		return err
	}

	// Everything that can be rejected without touching the network or the
	// database is checked first.
	table, err := config.LoadBranches(a.cfg.Run.BranchesFile)
	if err != nil {
		return err
	}
	selected, err := table.Resolve(a.cfg.Run.Branch)
	if err != nil {
		if errors.Is(err, core.ErrUnknownBranch) {
			return fmt.Errorf("unknown branch: %s", a.cfg.Run.Branch)
		}
		return err
	}
	level, err := config.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		return err
	}
	var sched schedule.Schedule
	if a.cfg.Run.Schedule != "" {
		if sched, err = schedule.Parse(a.cfg.Run.Schedule); err != nil {
			return err
		}
	}

	logger, closeLog := a.newLogger(a.cfg.Log.File, level)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ingest, cleanup, err := a.build(ctx, table, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if sched == nil {
		return ingest(ctx, selected)
	}

	logger.Info("running on schedule", "schedule", a.cfg.Run.Schedule)
	err = schedule.Run(ctx, sched, func(ctx context.Context) error {
		return ingest(ctx, selected)
	}, schedule.Immediately(), schedule.WithLogger(logger))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// build wires the pipeline and returns a function performing one run.
func (a *app) build(ctx context.Context, table core.BranchTable, logger *slog.Logger) (func(context.Context, []string) error, func(), error) {
	cfg := a.cfg

	db, err := storage.Open(cfg.DB.Driver, cfg.DB.DSN,
		storage.MaxOpenConns(cfg.DB.MaxOpenConns),
		storage.MaxIdleConns(cfg.DB.MaxIdleConns),
		storage.ConnMaxLifetime(cfg.DB.ConnMaxLifetime),
		storage.ForWorkers(cfg.Run.Threads),
	)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = storage.Close(db) }

	store := storage.NewGormStorage(db,
		storage.WithRetention(cfg.Run.Retention()),
		storage.WithLogger(logger))
	if err := store.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	httpClient := fetch.NewClient(cfg.Treeherder.HTTPTimeout)
	pushes := pushlog.NewReader(table,
		pushlog.WithBaseURL(cfg.Treeherder.HgURL),
		pushlog.WithHTTPClient(httpClient),
		pushlog.WithLogger(logger))
	results := treeherder.NewClient(
		treeherder.WithBaseURL(cfg.Treeherder.URL),
		treeherder.WithHTTPClient(httpClient),
		treeherder.SuppressTLSErrors(cfg.Treeherder.SuppressTLSErrors),
		treeherder.WithLogger(logger))

	m := metrics.New()
	d := dispatch.New(table, pushes, results, store,
		dispatch.Threads(cfg.Run.Threads),
		dispatch.DryRun(cfg.Run.DryRun),
		dispatch.WithLogger(logger),
		dispatch.WithObserver(m))

	ingest := func(ctx context.Context, branches []string) error {
		summary, err := d.Run(ctx, branches, cfg.Run.Delta())
		if summary != nil {
			fmt.Fprintf(a.stdout, "run %s: %d revisions queued, %d failed, %d rows inserted, %d duplicates\n",
				summary.RunID, summary.RevisionsQueued, summary.RevisionsFailed,
				summary.RowsInserted, summary.Duplicates)
		}
		if cfg.Metrics.PushgatewayURL != "" {
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if perr := m.Push(pushCtx, cfg.Metrics.PushgatewayURL, instance(cfg.Metrics.Instance)); perr != nil {
				logger.Warn("failed to push metrics", "error", perr)
			}
		}
		return err
	}
	return ingest, cleanup, nil
}

func instance(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
