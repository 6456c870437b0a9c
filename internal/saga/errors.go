package saga

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates no instance is registered under the requested id.
var ErrNotFound = errors.New("saga instance not found")

// ErrAlreadyStarted indicates an instance id has already been used.
var ErrAlreadyStarted = errors.New("saga instance already started")

// ErrAwaitTimeout indicates a condition wait elapsed before the condition held.
var ErrAwaitTimeout = errors.New("await timeout")

// ErrCanceled indicates the instance was cancelled from outside. Cancellation
// is a terminal outcome distinct from failure.
var ErrCanceled = errors.New("saga canceled")

// errHalted stops an instance during engine shutdown without recording a
// terminal outcome, so recovery resumes it on the next boot.
var errHalted = errors.New("saga halted")

func isCancellation(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error as a business-rule failure that retrying will
// not change. The retry policy stops immediately and the saga fails.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err carries the non-retryable marker.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// ChildError wraps a child saga's terminal failure for the parent.
type ChildError struct {
	InstanceID string
	Err        error
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child saga %s: %v", e.InstanceID, e.Err)
}

func (e *ChildError) Unwrap() error { return e.Err }
