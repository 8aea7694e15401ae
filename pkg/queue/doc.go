// Package queue provides the in-memory work queue that connects the
// dispatcher to the worker pool.
//
// This package includes:
//   - Queue: an unbounded FIFO of core.JobSpec with join semantics
//   - Hook registration for revision lifecycle callbacks
//   - Event subscription for monitoring
package queue
