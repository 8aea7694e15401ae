package core

import "time"

// Event is the interface for all pipeline events.
type Event interface {
	eventMarker()
}

// RevisionStarted is emitted when a worker picks up a revision.
type RevisionStarted struct {
	Spec      JobSpec
	Worker    string
	Timestamp time.Time
}

func (*RevisionStarted) eventMarker() {}

// RevisionCompleted is emitted when a revision's rows have been persisted.
type RevisionCompleted struct {
	Spec      JobSpec
	Worker    string
	Stats     InsertStats
	Skipped   map[string]int // skip reason -> count
	Duration  time.Duration
	Timestamp time.Time
}

func (*RevisionCompleted) eventMarker() {}

// RevisionFailed is emitted when a revision could not be processed.
type RevisionFailed struct {
	Spec      JobSpec
	Worker    string
	Error     error
	Duration  time.Duration
	Timestamp time.Time
}

func (*RevisionFailed) eventMarker() {}

// BranchFailed is emitted when a branch's push log could not be read.
type BranchFailed struct {
	Branch    string
	Error     error
	Timestamp time.Time
}

func (*BranchFailed) eventMarker() {}
