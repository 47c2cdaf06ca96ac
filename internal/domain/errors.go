package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrLocked is returned when another runner holds the batch lock of a type
var ErrLocked = errors.New("batch is locked by another runner")

// DownloadError reports a network failure or a non-2xx response
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ParseError reports page content that does not have the expected shape
type ParseError struct {
	Page int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("parse page %d: %s", e.Page, e.Msg)
	}
	return "parse: " + e.Msg
}

// NewParseError builds a ParseError with a formatted message
func NewParseError(page int, format string, args ...any) *ParseError {
	return &ParseError{Page: page, Msg: fmt.Sprintf(format, args...)}
}

// JobErrorKind classifies a JobError
type JobErrorKind string

const (
	// InvalidState means the job was started outside of ready/retry
	InvalidState JobErrorKind = "invalid_state"
	// UnknownKind means no handler is registered for the job kind
	UnknownKind JobErrorKind = "unknown_kind"
	// Failed means the job hook failed and the attempt was rolled back
	Failed JobErrorKind = "failed"
)

// JobError is a job level failure. It wraps the cause of a failed attempt.
type JobError struct {
	JobID     int64
	Kind      JobErrorKind
	TargetURI string
	Err       error
}

func (e *JobError) Error() string {
	msg := fmt.Sprintf("job %d %s", e.JobID, e.Kind)
	if e.TargetURI != "" {
		msg += " at " + e.TargetURI
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *JobError) Unwrap() error { return e.Err }

// BatchJobError stops a batch generation whose child statuses are already recorded
type BatchJobError struct {
	BatchJobID int64
	Err        error
}

func (e *BatchJobError) Error() string {
	return fmt.Sprintf("batch job %d: %v", e.BatchJobID, e.Err)
}

func (e *BatchJobError) Unwrap() error { return e.Err }

// IsCanceled reports whether err comes from context cancellation or deadline
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsContained reports whether err is a failure a job attempt confines:
// download or parse failures, explicit job errors and cancellation.
func IsContained(err error) bool {
	var (
		de *DownloadError
		pe *ParseError
		je *JobError
	)
	return errors.As(err, &de) || errors.As(err, &pe) || errors.As(err, &je) || IsCanceled(err)
}
