package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PoolConfig sizes the connection pool behind the result store.
type PoolConfig struct {
	MaxOpenConns    int // 0 means unlimited
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig matches the INGEST_DB_* defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PoolOption adjusts a PoolConfig.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// MaxOpenConns caps open connections. 0 removes the cap.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxOpenConns = n })
}

// MaxIdleConns caps idle connections kept between revisions.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.MaxIdleConns = n })
}

// ConnMaxLifetime recycles connections older than d.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) { c.ConnMaxLifetime = d })
}

// ForWorkers grows the pool so every worker can hold its own connection
// while the dispatcher keeps one for clearing. It never shrinks a larger
// configured pool; apply it after the other options.
func ForWorkers(workers int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		need := workers + 1
		if c.MaxOpenConns != 0 && c.MaxOpenConns < need {
			c.MaxOpenConns = need
		}
		if c.MaxIdleConns < workers {
			c.MaxIdleConns = workers
		}
	})
}

// ConfigurePool applies the options on top of DefaultPoolConfig to db's
// underlying *sql.DB.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	cfg := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&cfg)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return nil
}
