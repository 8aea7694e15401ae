package core

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrUnknownBranch    = errors.New("ingest: unknown branch")
	ErrNoResultSet      = errors.New("ingest: no result set for revision")
	ErrDuplicateJob     = errors.New("ingest: job already stored")
	ErrTLS              = errors.New("ingest: tls certificate verification failed")
	ErrMissingColumn    = errors.New("ingest: job list is missing a column")
	ErrResponseTooLarge = errors.New("ingest: response body exceeds size limit")

	ErrInvalidBranchName = errors.New("ingest: invalid branch name")
	ErrBranchNameTooLong = errors.New("ingest: branch name too long")
	ErrInvalidBranchPath = errors.New("ingest: invalid branch path")
	ErrInvalidRevision   = errors.New("ingest: invalid revision")
)

// HTTPError reports a non-2xx response from a remote endpoint.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ingest: GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// RecordError wraps a failure transforming a single job record.
type RecordError struct {
	JobID int64
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("job %d: %v", e.JobID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
