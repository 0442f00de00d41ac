package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
)

// Monitor polls task states until every task of a batch reaches a target state.
type Monitor struct {
	service batch.Service
	log     *slog.Logger

	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPollFailures int

	// OnTransition, when set, is called for every state change observed.
	OnTransition func(job, task string, status batch.TaskStatus)
}

func NewMonitor(service batch.Service, config Config) *Monitor {
	config = config.withDefaults()
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		service:         service,
		log:             logger,
		PollInterval:    config.PollInterval,
		MaxPollInterval: config.MaxPollInterval,
		MaxPollFailures: config.MaxPollFailures,
	}
}

// AwaitAll blocks until every task of b has reached target, then returns one
// observation per task in submission order.
//
// A task satisfies the wait once its state ranks at least as high as target;
// Completed and Failed share the terminal rank, so waiting for Completed also
// ends on Failed tasks, which are reported rather than raised.
//
// When timeout elapses first, AwaitAll fails with a *TimeoutError and returns
// no observation at all. Remote tasks keep running. The deadline also bounds
// every poll: a service that does not answer in time cannot hold AwaitAll past it.
func (m *Monitor) AwaitAll(ctx context.Context, b *TaskBatch, target batch.TaskState, timeout time.Duration) ([]batch.TaskObservation, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	log := m.log.With("job", b.JobID)

	ids := b.IDs()
	known := make(map[string]batch.TaskStatus, len(ids))
	pending := ids
	interval := m.PollInterval
	failures := 0

	log.Debug("Waiting for tasks", "tasks", len(ids), "target", target, "timeout", timeout)
	for {
		statuses, err := m.poll(ctx, b.JobID, deadline)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wait for tasks of job '%s' interrupted: %w", b.JobID, ctx.Err())
		}
		// An answer that comes after the deadline does not count
		if !time.Now().Before(deadline) {
			return nil, &TimeoutError{Job: b.JobID, Elapsed: time.Since(start), Pending: pending}
		}

		if err != nil {
			failures += 1
			log.Warn("Failed to list task states", "error", err, "attempt", failures, "maxAttempts", m.MaxPollFailures)
			if failures >= m.MaxPollFailures {
				return nil, fmt.Errorf("failed to list tasks of job '%s' after %d attempts: %w", b.JobID, failures, err)
			}
		} else {
			failures = 0
			changed := false
			pending = pending[:0:0]

			for _, id := range ids {
				// Tasks not listed yet are still being enqueued
				status, ok := statuses[id]
				if !ok {
					status = batch.TaskStatus{State: batch.TaskPending}
				}

				if previous, seen := known[id]; !seen || previous.State != status.State {
					changed = true
					if m.OnTransition != nil {
						m.OnTransition(b.JobID, id, status)
					}
				}
				known[id] = status

				if status.State.Rank() < target.Rank() {
					pending = append(pending, id)
				}
			}

			if len(pending) == 0 {
				log.Debug("All tasks reached target state", "elapsed", time.Since(start))
				return observations(ids, known), nil
			}

			if changed {
				interval = m.PollInterval
			} else {
				interval = min(interval*3/2, m.MaxPollInterval)
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, &TimeoutError{Job: b.JobID, Elapsed: time.Since(start), Pending: pending}
		}

		timer := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for tasks of job '%s' interrupted: %w", b.JobID, ctx.Err())
		case <-timer.C:
		}
	}
}

// poll lists the task states of the job, giving up at deadline even when the
// service ignores its context.
func (m *Monitor) poll(ctx context.Context, jobID string, deadline time.Time) (map[string]batch.TaskStatus, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	type answer struct {
		statuses map[string]batch.TaskStatus
		err      error
	}
	answered := make(chan answer, 1)
	go func() {
		statuses, err := m.service.ListTaskStates(ctx, jobID)
		answered <- answer{statuses, err}
	}()

	select {
	case a := <-answered:
		return a.statuses, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func observations(ids []string, statuses map[string]batch.TaskStatus) []batch.TaskObservation {
	result := make([]batch.TaskObservation, 0, len(ids))
	for _, id := range ids {
		status := statuses[id]
		result = append(result, batch.TaskObservation{
			ID:       id,
			State:    status.State,
			NodeID:   status.NodeID,
			ExitCode: status.ExitCode,
		})
	}
	return result
}
