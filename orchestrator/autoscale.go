package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
)

// AutoscaleController evaluates and attaches capacity policies on a live pool.
//
// Evaluate is a dry run and may be called as often as needed. Attach changes how
// the service manages the pool capacity.
type AutoscaleController struct {
	service batch.Service
	log     *slog.Logger

	// MinEvaluationInterval is the floor enforced on attached policies.
	MinEvaluationInterval time.Duration
}

func NewAutoscaleController(service batch.Service, config Config) *AutoscaleController {
	config = config.withDefaults()
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AutoscaleController{
		service:               service,
		log:                   logger,
		MinEvaluationInterval: config.MinEvaluationInterval,
	}
}

// Evaluate runs the policy formula against the pool without applying it.
//
// A formula the service could not evaluate is not an error: it is reported
// through the Error field of the evaluation. err is only set when the service
// itself could not be reached.
func (c *AutoscaleController) Evaluate(ctx context.Context, pool ResourceHandle, policy batch.AutoscalePolicy) (batch.AutoscaleEvaluation, error) {
	if pool.Kind != KindPool || !pool.committed {
		return batch.AutoscaleEvaluation{}, fmt.Errorf("cannot evaluate autoscale formula on %s: %w", pool, ErrInvalidState)
	}

	evaluation, err := c.service.EvaluateCapacityFormula(ctx, pool.ID, policy.Formula)
	if err != nil {
		return batch.AutoscaleEvaluation{}, fmt.Errorf("failed to evaluate autoscale formula on pool '%s': %w", pool.ID, err)
	}

	if evaluation.Error != "" {
		c.log.Warn("Autoscale formula evaluation reported an error", "pool", pool.ID, "error", evaluation.Error)
	} else {
		c.log.Debug("Autoscale formula evaluated", "pool", pool.ID, "targets", evaluation.TargetCounts)
	}
	return evaluation, nil
}

// Attach installs policy on the pool; the service applies it on its own schedule.
func (c *AutoscaleController) Attach(ctx context.Context, pool ResourceHandle, policy batch.AutoscalePolicy) error {
	if pool.Kind != KindPool || !pool.committed {
		return fmt.Errorf("cannot attach autoscale policy to %s: %w", pool, ErrInvalidState)
	}
	if err := policy.Validate(c.MinEvaluationInterval); err != nil {
		return fmt.Errorf("invalid autoscale policy: %w", err)
	}

	c.log.Info("Attaching autoscale policy", "pool", pool.ID, "interval", policy.EvaluationInterval)
	if err := c.service.EnableAutoscale(ctx, pool.ID, policy); err != nil {
		return fmt.Errorf("failed to enable autoscale on pool '%s': %w", pool.ID, err)
	}
	return nil
}

// ObserveNodes returns the current node count of the pool.
func (c *AutoscaleController) ObserveNodes(ctx context.Context, pool ResourceHandle) (int, error) {
	nodes, err := c.service.ListNodes(ctx, pool.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list nodes of pool '%s': %w", pool.ID, err)
	}
	return len(nodes), nil
}
