// Package worker provides the fixed-size pool of download workers.
//
// Each worker pulls a revision from the queue, runs the handler, reports
// the outcome through the queue's hooks and events, and marks the item
// done whatever happened.
package worker
