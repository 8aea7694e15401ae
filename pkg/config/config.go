// Package config loads the ingester's configuration from the environment,
// an optional .env file and an optional YAML branch table.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "INGEST_"

// Config is the ingester configuration. Command-line flags override it.
type Config struct {
	DB         DBConfig `envPrefix:"DB_"`
	Treeherder TreeherderConfig
	Run        RunConfig
	Log        LogConfig `envPrefix:"LOG_"`
	Metrics    MetricsConfig
}

// DBConfig selects and sizes the result store.
type DBConfig struct {
	// Driver is one of mysql, postgres or sqlite.
	Driver          string        `env:"DRIVER" envDefault:"sqlite"`
	DSN             string        `env:"DSN" envDefault:"testjobs.db"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// TreeherderConfig points the HTTP clients at their hosts.
type TreeherderConfig struct {
	URL               string        `env:"TREEHERDER_URL" envDefault:"https://treeherder.mozilla.org"`
	HgURL             string        `env:"HG_URL" envDefault:"https://hg.mozilla.org"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"60s"`
	SuppressTLSErrors bool          `env:"SUPPRESS_TLS_ERRORS" envDefault:"false"`
}

// RunConfig holds the defaults of the run flags.
type RunConfig struct {
	Branch        string `env:"BRANCH" envDefault:"all"`
	DeltaHours    int    `env:"DELTA" envDefault:"12"`
	Threads       int    `env:"THREADS" envDefault:"1"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"180"`
	BranchesFile  string `env:"BRANCHES_FILE"`
	Schedule      string `env:"SCHEDULE"`
	DryRun        bool   `env:"DRY_RUN" envDefault:"false"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
	File  string `env:"FILE"`
}

// MetricsConfig configures the Pushgateway push at the end of a run.
// An empty URL disables it.
type MetricsConfig struct {
	PushgatewayURL string `env:"PUSHGATEWAY_URL"`
	Instance       string `env:"METRICS_INSTANCE"`
}

// Load reads an optional .env file (a missing file is not an error), then
// the INGEST_ environment variables, and sanitizes the result.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFromMap parses configuration from vars instead of the process
// environment. Keys carry the INGEST_ prefix.
func LoadFromMap(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *Config) Sanitize() {
	c.DB.Sanitize()
	c.Treeherder.Sanitize()
	c.Run.Sanitize()
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Sanitize clamps pool sizes to sane values.
func (c *DBConfig) Sanitize() {
	if c.MaxOpenConns < 1 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns < 0 {
		c.MaxIdleConns = 0
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	if c.ConnMaxLifetime < 0 {
		c.ConnMaxLifetime = 0
	}
}

// Sanitize restores the default timeout when none is usable.
func (c *TreeherderConfig) Sanitize() {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 60 * time.Second
	}
}

// Sanitize clamps the run parameters.
func (c *RunConfig) Sanitize() {
	if c.Branch == "" {
		c.Branch = "all"
	}
	c.Threads = security.ClampConcurrency(c.Threads)
	c.DeltaHours = security.ClampDeltaHours(c.DeltaHours)
	if c.RetentionDays < 1 {
		c.RetentionDays = 180
	}
}

// Retention returns the retention horizon as a duration.
func (c RunConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Delta returns the refresh window as a duration.
func (c RunConfig) Delta() time.Duration {
	return time.Duration(c.DeltaHours) * time.Hour
}
