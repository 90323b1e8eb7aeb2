package loader

import (
	"errors"
	"fmt"
)

var (
	ErrDirectoryNotFound = errors.New("input directory not found")
	ErrParseFailure      = errors.New("parse failure")
	ErrBulkWrite         = errors.New("bulk write failed")
	ErrItemWrite         = errors.New("item write failed")
	ErrQuarantineMove    = errors.New("quarantine move failed")
	ErrSkipLimitExceeded = errors.New("skip limit exceeded")
	ErrRunCancelled      = errors.New("run cancelled")
	ErrAlreadyStarted    = errors.New("pipeline already started")

	// ErrAlreadyApplied is returned by a [Store] when a single insert hits a
	// document that an earlier bulk call already persisted.
	ErrAlreadyApplied = errors.New("document already applied")

	// ErrStoreUnavailable is returned by a [Store] that refused a write
	// without attempting it, such as behind an open circuit breaker.
	ErrStoreUnavailable = errors.New("document store unavailable")

	ErrPoolClosed          = errors.New("worker pool is shut down")
	ErrPoolShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// ParseError reports a file that could not be turned into a record.
type ParseError struct {
	Filename string
	Cause    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Filename, e.Cause)
}

func (e *ParseError) Unwrap() []error {
	return []error{ErrParseFailure, e.Cause}
}

// BulkWriteError reports a rejected bulk insert. Failed holds the positions
// of the documents the store reported as failed; a nil map means the store
// gave no per-document detail and the whole batch must be treated as failed.
type BulkWriteError struct {
	Failed map[int]error
	Cause  error
}

func (e *BulkWriteError) Error() string {
	if e.Failed == nil {
		return fmt.Sprintf("bulk write: %v", e.Cause)
	}
	return fmt.Sprintf("bulk write: %d documents failed: %v", len(e.Failed), e.Cause)
}

func (e *BulkWriteError) Unwrap() []error {
	return []error{ErrBulkWrite, e.Cause}
}

// Partial reports whether the store told exactly which documents failed.
func (e *BulkWriteError) Partial() bool {
	return e.Failed != nil
}
