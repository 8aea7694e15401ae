// Package core provides the fundamental types and interfaces for the ingest package.
//
// This package contains:
//   - Branch table, push records and job specs shared by every stage
//   - JobResult, the persisted testjobs row, with GORM annotations
//   - Storage interface defining the persistence contract
//   - Event types for pipeline monitoring
//   - Error types for fetch, transform and persist failures
//
// Most users should import the root package github.com/jdziat/treeherder-ingest
// instead of this package directly.
package core
