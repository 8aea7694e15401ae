package storage

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dialector returns the GORM dialector for a driver name and DSN.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case DriverPostgres, "postgresql", "pgx":
		return postgres.Open(dsn), nil
	case DriverSQLite, "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}

// Open connects to the database and applies the pool configuration.
// Driver errors are translated so duplicate keys surface as
// gorm.ErrDuplicatedKey where the dialect supports it. Single-row writes
// skip GORM's default transaction. SQLite is limited to a single
// connection since it allows one writer at a time.
func Open(driver, dsn string, opts ...PoolOption) (*gorm.DB, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialector.Name() == DriverSQLite {
		opts = append(opts, MaxOpenConns(1))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}

	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
