package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

type throttled struct {
	inner   Service
	limiter *rate.Limiter
}

// Throttle returns a Service whose calls wait on limiter before reaching inner.
// Concurrent orchestrations sharing one remote account should share one limiter.
func Throttle(inner Service, limiter *rate.Limiter) Service {
	return &throttled{inner: inner, limiter: limiter}
}

func (t *throttled) CreatePool(ctx context.Context, spec PoolSpec) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.CreatePool(ctx, spec)
}

func (t *throttled) CreateJob(ctx context.Context, spec JobSpec) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.CreateJob(ctx, spec)
}

func (t *throttled) SubmitTasks(ctx context.Context, jobID string, items []WorkItem) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.SubmitTasks(ctx, jobID, items)
}

func (t *throttled) ListTaskStates(ctx context.Context, jobID string) (map[string]TaskStatus, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListTaskStates(ctx, jobID)
}

func (t *throttled) FetchTaskOutput(ctx context.Context, jobID, taskID string, stream OutputStream) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.FetchTaskOutput(ctx, jobID, taskID, stream)
}

func (t *throttled) EvaluateCapacityFormula(ctx context.Context, poolID, formula string) (AutoscaleEvaluation, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return AutoscaleEvaluation{}, err
	}
	return t.inner.EvaluateCapacityFormula(ctx, poolID, formula)
}

func (t *throttled) EnableAutoscale(ctx context.Context, poolID string, policy AutoscalePolicy) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.EnableAutoscale(ctx, poolID, policy)
}

func (t *throttled) ListNodes(ctx context.Context, poolID string) ([]Node, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListNodes(ctx, poolID)
}

func (t *throttled) ListJobs(ctx context.Context) ([]string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.ListJobs(ctx)
}

func (t *throttled) DeleteJob(ctx context.Context, jobID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.DeleteJob(ctx, jobID)
}

func (t *throttled) DeletePool(ctx context.Context, poolID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.DeletePool(ctx, poolID)
}

// ListNodeAgentSKUs forwards to inner when it is an ImageCatalog.
func (t *throttled) ListNodeAgentSKUs(ctx context.Context) ([]NodeAgentSKU, error) {
	catalog, ok := t.inner.(ImageCatalog)
	if !ok {
		return nil, fmt.Errorf("listing node agent SKUs: %w", errors.ErrUnsupported)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return catalog.ListNodeAgentSKUs(ctx)
}
