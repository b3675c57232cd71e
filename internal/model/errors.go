package model

import (
	"errors"
	"fmt"
)

// ConflictError signals an attempt to open a batch while another batch is
// still open. Fatal to `run`; the operator recovers with `resume`.
type ConflictError struct {
	OpenBatchID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("batch %s is still open: resume it or abort it before opening a new batch", e.OpenBatchID)
}

// IsConflict reports whether any error in the chain is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// InvalidTransitionError signals a status mutation the task state machine
// does not permit. It indicates a programming or data defect and is never
// silently swallowed.
type InvalidTransitionError struct {
	TaskID int64
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %d: illegal status transition %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether any error in the chain is an
// InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// AttemptsExhaustedError signals that a schedulable task was refused
// admission because it has no attempts left. Unlike InvalidTransitionError
// the requested transition itself was legal.
type AttemptsExhaustedError struct {
	TaskID   int64
	Attempts int
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("task %d: admission refused, all %d attempts used", e.TaskID, e.Attempts)
}

// IsAttemptsExhausted reports whether any error in the chain is an
// AttemptsExhaustedError.
func IsAttemptsExhausted(err error) bool {
	var ae *AttemptsExhaustedError
	return errors.As(err, &ae)
}

// DependencyError signals that a detail task can never run because its main
// task failed permanently. The detail task is finalized immediately instead
// of being retried.
type DependencyError struct {
	TaskKey string
	Reason  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency unsatisfiable for %s: %s", e.TaskKey, e.Reason)
}

// IsDependencyError reports whether any error in the chain is a
// DependencyError.
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}
