// Package domain defines the core types, ports, and error taxonomy of the
// lineage statistics correlator.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input outside the report path
// (API request bodies, configuration values).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a state conflict (e.g., completing a closed run).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// === Correlator taxonomy ===
//
// None of these are fatal to the observed job. Each one means "some
// statistics are missing from the emitted event" and is logged by the
// component that detects it.

// MalformedReportError indicates a raw report lacks required fields or
// cannot be decoded. The report is dropped.
type MalformedReportError struct {
	Kind   ReportKind
	RunID  string
	Reason string
}

func (e *MalformedReportError) Error() string {
	return fmt.Sprintf("malformed %s report for run %q: %s", e.Kind, e.RunID, e.Reason)
}

// ErrMalformedReport creates a MalformedReportError with a formatted reason.
func ErrMalformedReport(kind ReportKind, runID, format string, args ...interface{}) *MalformedReportError {
	return &MalformedReportError{Kind: kind, RunID: runID, Reason: fmt.Sprintf(format, args...)}
}

// ConflictingVersionError indicates a facet declared a version different
// from the one its bucket is keyed by. The facet is dropped.
type ConflictingVersionError struct {
	RunID           string
	Dataset         string
	Kind            FacetKind
	BucketVersion   string
	DeclaredVersion string
}

func (e *ConflictingVersionError) Error() string {
	return fmt.Sprintf("conflicting version for %s on dataset %q in run %q: bucket %q, facet %q",
		e.Kind, e.Dataset, e.RunID, e.BucketVersion, e.DeclaredVersion)
}

// IncompleteRunDiscardedError reports a run evicted by the idle sweep
// before it emitted a terminal event.
type IncompleteRunDiscardedError struct {
	RunID   string
	Buckets int
	Idle    string
}

func (e *IncompleteRunDiscardedError) Error() string {
	return fmt.Sprintf("incomplete run %q discarded after %s idle (%d buckets)", e.RunID, e.Idle, e.Buckets)
}

// RunClosedError indicates a facet arrived for a run that is emitting or closed.
type RunClosedError struct {
	RunID string
}

func (e *RunClosedError) Error() string {
	return fmt.Sprintf("run %q is closed", e.RunID)
}

// ErrRunClosed creates a RunClosedError.
func ErrRunClosed(runID string) *RunClosedError {
	return &RunClosedError{RunID: runID}
}

// UncorrelatedError indicates a report could not be matched to a known run
// within the retention window (or the pending buffer was full).
type UncorrelatedError struct {
	RunID  string
	Reason string
}

func (e *UncorrelatedError) Error() string {
	return fmt.Sprintf("report for run %q not correlated: %s", e.RunID, e.Reason)
}

// TransportUnavailableError indicates an event could not be delivered.
type TransportUnavailableError struct {
	EventID   string
	Transport string
	Attempts  int
	Err       error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport %s unavailable for event %s after %d attempt(s): %v",
		e.Transport, e.EventID, e.Attempts, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// retryableError marks a transport failure as worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so that IsRetryable reports true. Nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err (or anything it wraps) was marked Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
