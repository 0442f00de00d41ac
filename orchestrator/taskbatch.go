package orchestrator

import (
	"context"
	"fmt"

	"github.com/gammadia/batchpilot/batch"
	"github.com/samber/lo"
)

// TaskBatch is a set of work items submitted to one job, in submission order.
type TaskBatch struct {
	JobID string
	Items []batch.WorkItem
}

// IDs returns the work item identifiers in submission order.
func (b *TaskBatch) IDs() []string {
	return lo.Map(b.Items, func(item batch.WorkItem, _ int) string {
		return item.ID
	})
}

// Submit enqueues all items on job in a single call.
//
// Partial remote effects of a failed call are not compensated.
func Submit(ctx context.Context, service batch.Service, job ResourceHandle, items []batch.WorkItem) (*TaskBatch, error) {
	if job.Kind != KindJob || !job.committed {
		return nil, fmt.Errorf("cannot submit tasks to %s: %w", job, ErrInvalidState)
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.ID == "" {
			return nil, fmt.Errorf("work item with command '%s' has no id: %w", item.CommandLine, ErrSubmissionFailure)
		}
		if _, ok := seen[item.ID]; ok {
			return nil, fmt.Errorf("work item '%s' appears more than once: %w", item.ID, ErrDuplicateWorkItem)
		}
		seen[item.ID] = struct{}{}
	}

	// The caller keeps ownership of its slice
	items = append([]batch.WorkItem(nil), items...)

	if err := service.SubmitTasks(ctx, job.ID, items); err != nil {
		return nil, fmt.Errorf("failed to submit %d tasks to job '%s': %w: %w", len(items), job.ID, ErrSubmissionFailure, err)
	}

	return &TaskBatch{JobID: job.ID, Items: items}, nil
}
