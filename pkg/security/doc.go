// Package security provides validation, sanitization, and limits for the ingest package.
//
// This package includes:
//   - Input validation for branch names, branch paths and revisions
//   - Error message sanitization before errors reach the logs
//   - Clamping functions to enforce safe limits on worker count and lookback
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/treeherder-ingest
// which re-exports these functions.
package security
