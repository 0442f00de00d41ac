package batch

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyExists is returned by create operations when the id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned when the referenced resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is returned when the request is rejected as malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Service is the capability set consumed from the remote compute/queueing service.
//
// Implementations must wrap ErrAlreadyExists and ErrNotFound so that callers can
// classify failures with errors.Is.
type Service interface {
	CreatePool(ctx context.Context, spec PoolSpec) error
	CreateJob(ctx context.Context, spec JobSpec) error
	// SubmitTasks enqueues all items in one call.
	SubmitTasks(ctx context.Context, jobID string, items []WorkItem) error
	ListTaskStates(ctx context.Context, jobID string) (map[string]TaskStatus, error)
	FetchTaskOutput(ctx context.Context, jobID, taskID string, stream OutputStream) ([]byte, error)
	// EvaluateCapacityFormula is a dry run: it never changes the pool.
	// A malformed formula is reported through AutoscaleEvaluation.Error, not err.
	EvaluateCapacityFormula(ctx context.Context, poolID, formula string) (AutoscaleEvaluation, error)
	// EnableAutoscale installs a policy the service applies on its own schedule.
	EnableAutoscale(ctx context.Context, poolID string, policy AutoscalePolicy) error
	ListNodes(ctx context.Context, poolID string) ([]Node, error)
	ListJobs(ctx context.Context) ([]string, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeletePool(ctx context.Context, poolID string) error
}
