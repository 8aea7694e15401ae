// Package storage provides the relational persistence of job results.
//
// This package includes:
//   - GormStorage: A GORM-based implementation of core.Storage supporting
//     MySQL, PostgreSQL and SQLite
//   - Open: dialect selection from a driver name and DSN
//   - Connection pool configuration sized for the worker pool
//   - Duplicate-key detection across the supported drivers
//
// The Storage interface is defined in pkg/core and must be implemented
// by any custom storage backend.
package storage
