// Package dispatch drives one ingestion run.
//
// A run walks through INIT, CLEARING, ENQUEUEING, DRAINING and DONE: the
// worker pool is started, each branch's refresh window is cleared, every
// push in the window is queued, and the run waits for the pool to drain
// the queue. Each queued revision is fetched, transformed and persisted by
// ProcessRevision.
package dispatch
