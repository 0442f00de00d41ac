package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrProvisionConflict means the resource already existed. Recoverable, policy-dependent.
	ErrProvisionConflict = errors.New("provision conflict")
	// ErrProvisionFailure aborts the run before any task is submitted.
	ErrProvisionFailure = errors.New("provision failure")
	// ErrSubmissionFailure is fatal for the batch; teardown still runs.
	ErrSubmissionFailure = errors.New("submission failure")
	// ErrTimeout means the completion deadline elapsed; remote tasks may still be executing.
	ErrTimeout = errors.New("timeout")
	// ErrPolicyEvaluation is a soft failure of an autoscale formula evaluation.
	ErrPolicyEvaluation = errors.New("policy evaluation error")
	// ErrTeardownFailure is logged per resource and never escalated.
	ErrTeardownFailure = errors.New("teardown failure")
	// ErrInvalidState is returned when an operation targets a handle that cannot serve it.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicateWorkItem is returned when a batch contains the same id twice.
	ErrDuplicateWorkItem = errors.New("duplicate work item")
)

// TimeoutError is returned by AwaitAll when the deadline elapses.
type TimeoutError struct {
	Job     string
	Elapsed time.Duration
	// Pending lists the tasks that had not reached the target state.
	Pending []string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tasks of job '%s' did not finish within %s (%d pending: %s)",
		e.Job, e.Elapsed.Round(time.Millisecond), len(e.Pending), strings.Join(e.Pending, ", "))
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// TeardownError records a resource that could not be deleted.
type TeardownError struct {
	Kind ResourceKind
	ID   string
	Err  error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to delete %s '%s': %v", e.Kind, e.ID, e.Err)
}

func (e *TeardownError) Unwrap() []error {
	return []error{ErrTeardownFailure, e.Err}
}
