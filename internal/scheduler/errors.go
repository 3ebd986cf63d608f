package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrScheduleNotFound is returned when a schedule is not found
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrScheduleExists is returned when a schedule ID is already taken
	ErrScheduleExists = errors.New("schedule already exists")

	// ErrExecutionNotFound is returned when an execution is not found
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNotCancellable is returned when cancelling an execution that already finished
	ErrNotCancellable = errors.New("execution is not cancellable")

	// ErrAlreadyRunning is returned when starting a loop twice
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning is returned when stopping a loop that was never started
	ErrNotRunning = errors.New("not running")

	// ErrUnknownWorkflow is returned when a workflow reference cannot be resolved
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// ValidationError describes a rejected input field
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func invalidErr(field, reason string, err error) error {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}
