package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/namegen"
	"github.com/samber/lo"
)

// RunSpec describes one ephemeral workload: where it runs, what it runs and how long to wait.
type RunSpec struct {
	// Role prefixes the generated pool and job identifiers.
	Role string

	Pool batch.PoolSpec
	// ExistingPool binds the job to a pool this run does not own instead of creating Pool.
	// A Pool.Autoscale policy is then attached to the existing pool and left in place.
	ExistingPool string
	Job          batch.JobSpec
	Items        []batch.WorkItem

	// WaitFor is the state every task must reach. The zero value waits for TaskCompleted.
	WaitFor batch.TaskState
	// Deadline bounds the wait for tasks. At zero the wait times out right away.
	Deadline time.Duration
	// SkipWait ends the run right after submission (and the autoscale cycles, if any).
	SkipWait bool
	// SkipOutputs does not fetch stdout/stderr of finished tasks.
	SkipOutputs bool

	// KeepResources suppresses the whole teardown phase.
	KeepResources bool
}

type RunStatus int

const (
	RunSucceeded RunStatus = iota
	RunFailed
	RunTimedOut
)

func (s RunStatus) String() string {
	switch s {
	case RunSucceeded:
		return "succeeded"
	case RunFailed:
		return "failed"
	case RunTimedOut:
		return "timed-out"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// RunResult is always returned by Run, whatever the exit path.
type RunResult struct {
	Name   string
	Status RunStatus
	Err    error

	Pool ResourceHandle
	Job  ResourceHandle

	Observations []batch.TaskObservation
	Evaluations  []batch.AutoscaleEvaluation
	// Diagnostics records soft failures that did not alter the control flow.
	Diagnostics    []string
	TeardownErrors []error

	Started  time.Time
	Finished time.Time
}

// FailedTasks returns the ids of tasks that ended in the Failed state.
func (r *RunResult) FailedTasks() []string {
	return lo.FilterMap(r.Observations, func(o batch.TaskObservation, _ int) (string, bool) {
		return o.ID, o.State == batch.TaskFailed
	})
}

func (r *RunResult) diagnose(format string, args ...any) {
	r.Diagnostics = append(r.Diagnostics, fmt.Sprintf(format, args...))
}

// Orchestrator composes provisioning, submission, monitoring, autoscale
// observation and teardown into a single run.
//
// One Orchestrator may execute several runs concurrently; runs never share handles.
type Orchestrator struct {
	service batch.Service
	config  Config
	log     *slog.Logger
	metrics *metrics

	events hub

	// after is time.After, replaceable in tests
	after func(time.Duration) <-chan time.Time
}

// New returns an orchestrator for service. Unset fields of config take their default value.
func New(service batch.Service, config Config) *Orchestrator {
	config = config.withDefaults()
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		service: service,
		config:  config,
		log:     config.Logger,
		metrics: newMetrics(config.Registerer),
		after:   time.After,
	}
}

// Subscribe returns a channel receiving the events of every run, and a function to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

func (o *Orchestrator) emit(event Event) {
	if dropped := o.events.broadcast(event); dropped > 0 {
		o.log.Warn("Event dropped for slow subscribers", "event", fmt.Sprintf("%T", event), "subscribers", dropped)
	}
}

// Run provisions, submits, waits and collects, then tears down every owned
// resource on every exit path.
func (o *Orchestrator) Run(ctx context.Context, spec RunSpec) (result *RunResult, err error) {
	result = &RunResult{Name: namegen.Get().String(), Started: time.Now()}
	log := o.log.With("run", result.Name)

	o.metrics.activeRuns.Inc()
	defer func() {
		o.teardown(ctx, log, spec, result)

		result.Finished = time.Now()
		result.Err = err
		switch {
		case err == nil:
			result.Status = RunSucceeded
		case errors.Is(err, ErrTimeout):
			result.Status = RunTimedOut
		default:
			result.Status = RunFailed
		}

		o.metrics.activeRuns.Dec()
		o.metrics.runs.WithLabelValues(result.Status.String()).Inc()
		o.metrics.runDuration.Observe(result.Finished.Sub(result.Started).Seconds())

		log.Info("Run finished", "status", result.Status, "duration", result.Finished.Sub(result.Started), "error", err)
		o.emit(EventRunCompleted{Run: result.Name, Status: result.Status, Error: err})
	}()

	err = o.run(ctx, log, spec, result)
	return
}

func (o *Orchestrator) run(ctx context.Context, log *slog.Logger, spec RunSpec, result *RunResult) error {
	provisioner := NewProvisioner(o.service, spec.Role, log)
	provisioner.metrics = o.metrics

	policy := spec.Pool.Autoscale
	if policy != nil {
		if err := policy.Validate(o.config.MinEvaluationInterval); err != nil {
			return fmt.Errorf("invalid autoscale policy: %w: %w", ErrProvisionFailure, err)
		}
	}

	// Pool
	if spec.ExistingPool != "" {
		result.Pool = ExistingPool(spec.ExistingPool)
		log.Info("Using existing pool", "pool", spec.ExistingPool)
	} else {
		poolSpec := spec.Pool
		if policy != nil {
			// Sized by the policy once attached
			poolSpec.Autoscale = nil
			poolSpec.TargetDedicatedNodes, poolSpec.TargetLowPriorityNodes = 0, 0
		}
		provisioned, err := provisioner.ProvisionPool(ctx, poolSpec)
		if err != nil {
			return err
		}
		result.Pool = provisioned.Handle
	}

	controller := NewAutoscaleController(o.service, o.config)
	controller.log = log
	if policy != nil {
		if err := controller.Attach(ctx, result.Pool, *policy); err != nil {
			return fmt.Errorf("%w: %w", ErrProvisionFailure, err)
		}
	}
	o.emit(EventPoolProvisioned{Run: result.Name, Pool: result.Pool.ID, Owned: result.Pool.Owned})

	// Job
	provisioned, err := provisioner.ProvisionJob(ctx, result.Pool, spec.Job)
	result.Job = provisioned.Handle
	if err != nil {
		if provisioned.Outcome == AlreadyExists {
			o.emit(EventProvisionConflict{Run: result.Name, Kind: KindJob, ID: provisioned.Handle.ID})
		}
		// The content of a pre-existing job is unknown, never submit to it
		return err
	}
	o.emit(EventJobProvisioned{Run: result.Name, Job: result.Job.ID, Pool: result.Pool.ID})

	// Tasks
	log.Info("Submitting tasks", "job", result.Job.ID, "tasks", len(spec.Items))
	tasks, err := Submit(ctx, o.service, result.Job, spec.Items)
	if err != nil {
		return err
	}
	o.emit(EventTasksSubmitted{Run: result.Name, Job: tasks.JobID, Tasks: tasks.IDs()})

	// Autoscale observation
	if policy != nil && o.config.AutoscaleCycles > 0 {
		if err := o.observeAutoscale(ctx, log, controller, result, *policy); err != nil {
			return err
		}
	}

	if spec.SkipWait {
		log.Info("Not waiting for tasks to finish")
		return nil
	}

	// Completion
	target := lo.Ternary(spec.WaitFor == batch.TaskPending, batch.TaskCompleted, spec.WaitFor)
	monitor := NewMonitor(o.service, o.config)
	monitor.log = log
	monitor.OnTransition = func(job, task string, status batch.TaskStatus) {
		log.Debug("Task state changed", "job", job, "task", task, "state", status.State, "node", status.NodeID)
		o.emit(EventTaskStateChanged{Run: result.Name, Job: job, Task: task, State: status.State, Node: status.NodeID})
	}

	log.Info("Waiting for tasks", "target", target, "deadline", spec.Deadline)
	observations, err := monitor.AwaitAll(ctx, tasks, target, spec.Deadline)
	if err != nil {
		return err
	}

	// Results
	if !spec.SkipOutputs {
		o.collectOutputs(ctx, log, tasks.JobID, observations, result)
	}
	for _, observation := range observations {
		o.metrics.tasksObserved.WithLabelValues(observation.State.String()).Inc()
	}
	result.Observations = observations

	if failed := result.FailedTasks(); len(failed) > 0 {
		log.Warn("Some tasks failed", "tasks", failed)
	}
	return nil
}

// observeAutoscale runs the evaluate/observe/sleep cycles. The last cycle does not sleep.
func (o *Orchestrator) observeAutoscale(ctx context.Context, log *slog.Logger, controller *AutoscaleController, result *RunResult, policy batch.AutoscalePolicy) error {
	interval := max(o.config.AutoscaleCheckInterval, policy.EvaluationInterval)
	consecutiveErrors := 0

	for cycle := 1; cycle <= o.config.AutoscaleCycles; cycle++ {
		evaluation, err := controller.Evaluate(ctx, result.Pool, policy)
		switch {
		case err != nil:
			consecutiveErrors += 1
			result.diagnose("cycle %d: %v", cycle, err)
			log.Warn("Autoscale evaluation failed", "cycle", cycle, "error", err)

		case evaluation.Error != "":
			consecutiveErrors += 1
			o.metrics.evaluationErrors.Inc()
			result.diagnose("cycle %d: %s: %s", cycle, ErrPolicyEvaluation, evaluation.Error)
			result.Evaluations = append(result.Evaluations, evaluation)
			o.emit(EventAutoscaleEvaluated{Run: result.Name, Pool: result.Pool.ID, Cycle: cycle, Evaluation: evaluation})

		default:
			consecutiveErrors = 0
			result.Evaluations = append(result.Evaluations, evaluation)
			o.emit(EventAutoscaleEvaluated{Run: result.Name, Pool: result.Pool.ID, Cycle: cycle, Evaluation: evaluation})
		}

		if limit := o.config.MaxConsecutiveEvaluationErrors; limit > 0 && consecutiveErrors >= limit {
			return fmt.Errorf("autoscale formula failed %d consecutive evaluations: %w", consecutiveErrors, ErrPolicyEvaluation)
		}

		if nodes, err := controller.ObserveNodes(ctx, result.Pool); err != nil {
			result.diagnose("cycle %d: %v", cycle, err)
			log.Warn("Failed to observe pool nodes", "cycle", cycle, "error", err)
		} else {
			log.Info("Observed pool nodes", "cycle", cycle, "nodes", nodes)
			o.emit(EventPoolNodesObserved{Run: result.Name, Pool: result.Pool.ID, Cycle: cycle, Nodes: nodes})
		}

		if cycle < o.config.AutoscaleCycles {
			log.Debug("Waiting before next autoscale evaluation", "wait", interval)
			select {
			case <-ctx.Done():
				return fmt.Errorf("autoscale observation interrupted: %w", ctx.Err())
			case <-o.after(interval):
			}
		}
	}
	return nil
}

func (o *Orchestrator) collectOutputs(ctx context.Context, log *slog.Logger, jobID string, observations []batch.TaskObservation, result *RunResult) {
	for i := range observations {
		observation := &observations[i]
		// Tasks that never reached a node have no output files
		if observation.NodeID == "" {
			continue
		}

		for _, stream := range []batch.OutputStream{batch.Stdout, batch.Stderr} {
			data, err := o.service.FetchTaskOutput(ctx, jobID, observation.ID, stream)
			if err != nil {
				log.Warn("Failed to fetch task output", "task", observation.ID, "stream", stream, "error", err)
				result.diagnose("task %s: failed to fetch %s: %v", observation.ID, stream, err)
				continue
			}
			if stream == batch.Stdout {
				observation.Stdout = data
			} else {
				observation.Stderr = data
			}
		}
	}
}

// teardown deletes the owned job, then the owned pool. Failures are logged and
// recorded, and never stop the teardown of the next resource.
func (o *Orchestrator) teardown(ctx context.Context, log *slog.Logger, spec RunSpec, result *RunResult) {
	owned := lo.Filter([]ResourceHandle{result.Job, result.Pool}, func(h ResourceHandle, _ int) bool {
		return h.Owned && h.ID != ""
	})

	if spec.KeepResources {
		if len(owned) > 0 {
			log.Info("Keeping resources", "resources", lo.Map(owned, func(h ResourceHandle, _ int) string { return h.String() }))
			o.emit(EventTeardownSkipped{Run: result.Name, Resources: owned})
		}
		return
	}

	// Teardown must happen even when the run was interrupted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.TeardownTimeout)
	defer cancel()

	for _, handle := range owned {
		var err error
		log.Info("Deleting resource", "kind", handle.Kind, "id", handle.ID)
		switch handle.Kind {
		case KindJob:
			err = o.service.DeleteJob(ctx, handle.ID)
		case KindPool:
			err = o.service.DeletePool(ctx, handle.ID)
		}

		if err != nil {
			log.Error("Failed to delete resource", "kind", handle.Kind, "id", handle.ID, "error", err)
			o.metrics.teardownFailures.WithLabelValues(handle.Kind.String()).Inc()
			teardownErr := &TeardownError{Kind: handle.Kind, ID: handle.ID, Err: err}
			result.TeardownErrors = append(result.TeardownErrors, teardownErr)
			result.diagnose("%v", teardownErr)
			o.emit(EventTeardownFailed{Run: result.Name, Kind: handle.Kind, ID: handle.ID, Error: err})
			continue
		}
		o.emit(EventResourceDeleted{Run: result.Name, Kind: handle.Kind, ID: handle.ID})
	}
}
