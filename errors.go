package leadflow

import (
	"errors"
	"fmt"
)

var (
	// ErrEntityNotFound is returned by stores when a thread, checkpoint
	// or registry entry does not exist.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrInvalidResumeInput is returned when a resume payload matches no
	// suspension-point contract in the graph. The thread state is left
	// untouched.
	ErrInvalidResumeInput = errors.New("invalid resume input")

	// ErrDuplicateCorrelation is returned when creating a thread would
	// produce a second active mapping for the same correlation key. The
	// registry surfaces it; the caller decides what to do.
	ErrDuplicateCorrelation = errors.New("duplicate correlation key for active thread")

	// ErrNoMatchingThread is returned by ResumeThread when the criteria
	// match no active thread. A soft miss, not a crash: the workflow may
	// legitimately not exist yet for a given key.
	ErrNoMatchingThread = errors.New("no matching thread")
)

// StepExecutionError wraps a failure inside a step's side effect. The
// thread stays parked at the failing step; re-invoking Advance with no
// resume input re-runs it from the last durable checkpoint.
type StepExecutionError struct {
	Step string
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %v", e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
