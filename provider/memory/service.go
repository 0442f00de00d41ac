package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/provider/internal"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Service is an in-process batch service. Pools, nodes and tasks are
// simulated lazily: every call first advances the simulation to the current
// simulated time.
type Service struct {
	mu     sync.Mutex
	config Config
	log    *slog.Logger

	realStart time.Time
	simStart  time.Time
	// simulated is the last instant the simulation processed
	simulated time.Time

	pools    map[string]*pool
	jobs     map[string]*job
	jobOrder []string
}

var (
	_ batch.Service      = (*Service)(nil)
	_ batch.ImageCatalog = (*Service)(nil)
)

type pool struct {
	spec       batch.PoolSpec
	nodes      []*node
	history    *internal.SampleHistory
	autoscaler *internal.Autoscaler

	succeeded int
	failed    int
}

type node struct {
	id          string
	lowPriority bool
	readyAt     time.Time
	running     int
	// prepared holds the jobs whose preparation command already ran on this node
	prepared map[string]bool
}

func (n *node) state(now time.Time) batch.NodeState {
	switch {
	case n.readyAt.After(now):
		return batch.NodeStarting
	case n.running > 0:
		return batch.NodeRunning
	default:
		return batch.NodeIdle
	}
}

type job struct {
	spec  batch.JobSpec
	tasks []*task
	index map[string]*task
}

type task struct {
	item    batch.WorkItem
	state   batch.TaskState
	node    *node
	endsAt  time.Time
	outcome program
}

func New(config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	now := config.Clock()
	return &Service{
		config:    config,
		log:       config.Logger,
		realStart: now,
		simStart:  now,
		pools:     map[string]*pool{},
		jobs:      map[string]*job{},
	}
}

// Now returns the current simulated time.
func (s *Service) Now() time.Time {
	elapsed := s.config.Clock().Sub(s.realStart)
	return s.simStart.Add(time.Duration(float64(elapsed) * s.config.TimeScale))
}

func (s *Service) CreatePool(_ context.Context, spec batch.PoolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	if spec.ID == "" {
		return fmt.Errorf("pool id must not be empty: %w", batch.ErrInvalidArgument)
	}
	if _, ok := s.pools[spec.ID]; ok {
		return fmt.Errorf("pool '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}
	if spec.Autoscale != nil {
		if err := spec.Autoscale.Validate(s.config.MinEvaluationInterval); err != nil {
			return fmt.Errorf("pool '%s': %w", spec.ID, err)
		}
	}
	if spec.TargetDedicatedNodes < 0 || spec.TargetLowPriorityNodes < 0 {
		return fmt.Errorf("pool '%s': node counts must not be negative: %w", spec.ID, batch.ErrInvalidArgument)
	}
	spec.TaskSlotsPerNode = max(spec.TaskSlotsPerNode, 1)

	p := &pool{
		spec:    spec,
		history: internal.NewSampleHistory(s.config.SampleInterval, s.config.SampleRetention),
	}
	s.pools[spec.ID] = p
	s.log.Info("Pool created", "pool", spec.ID, "dedicatedNodes", spec.TargetDedicatedNodes, "lowPriorityNodes", spec.TargetLowPriorityNodes)

	if spec.Autoscale != nil {
		// Autoscale pools start empty, the first evaluation sizes them
		p.spec.TargetDedicatedNodes, p.spec.TargetLowPriorityNodes = 0, 0
		p.autoscaler = internal.NewAutoscaler(*spec.Autoscale, now)
	} else {
		s.resize(p, now, spec.TargetDedicatedNodes, spec.TargetLowPriorityNodes)
	}
	s.step(now)
	return nil
}

func (s *Service) CreateJob(_ context.Context, spec batch.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	if spec.ID == "" {
		return fmt.Errorf("job id must not be empty: %w", batch.ErrInvalidArgument)
	}
	if _, ok := s.jobs[spec.ID]; ok {
		return fmt.Errorf("job '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}
	if _, ok := s.pools[spec.PoolID]; !ok {
		return fmt.Errorf("pool '%s' of job '%s': %w", spec.PoolID, spec.ID, batch.ErrNotFound)
	}

	s.jobs[spec.ID] = &job{spec: spec, index: map[string]*task{}}
	s.jobOrder = append(s.jobOrder, spec.ID)
	s.log.Info("Job created", "job", spec.ID, "pool", spec.PoolID)
	s.step(now)
	return nil
}

func (s *Service) SubmitTasks(_ context.Context, jobID string, items []batch.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}

	// All or nothing
	seen := map[string]bool{}
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("task id must not be empty: %w", batch.ErrInvalidArgument)
		}
		if _, exists := j.index[item.ID]; exists || seen[item.ID] {
			return fmt.Errorf("task '%s' of job '%s': %w", item.ID, jobID, batch.ErrAlreadyExists)
		}
		seen[item.ID] = true
	}

	for _, item := range items {
		t := &task{
			item:    item,
			state:   batch.TaskPending,
			outcome: simulate(item.CommandLine, s.config.DefaultTaskDuration),
		}
		j.tasks = append(j.tasks, t)
		j.index[item.ID] = t
	}
	s.log.Debug("Tasks submitted", "job", jobID, "tasks", len(items))
	s.step(now)
	return nil
}

func (s *Service) ListTaskStates(_ context.Context, jobID string) (map[string]batch.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}

	statuses := make(map[string]batch.TaskStatus, len(j.tasks))
	for _, t := range j.tasks {
		status := batch.TaskStatus{State: t.state}
		if t.node != nil {
			status.NodeID = t.node.id
		}
		if t.state.IsTerminal() {
			status.ExitCode = lo.ToPtr(t.outcome.exitCode)
		}
		statuses[t.item.ID] = status
	}
	return statuses, nil
}

func (s *Service) FetchTaskOutput(_ context.Context, jobID, taskID string, stream batch.OutputStream) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}
	t, ok := j.index[taskID]
	if !ok {
		return nil, fmt.Errorf("task '%s' of job '%s': %w", taskID, jobID, batch.ErrNotFound)
	}
	// Output files only exist once the task ran to completion on a node
	if t.node == nil || !t.state.IsTerminal() {
		return nil, fmt.Errorf("%s of task '%s': %w", stream, taskID, batch.ErrNotFound)
	}

	switch stream {
	case batch.Stdout:
		return []byte(t.outcome.stdout), nil
	case batch.Stderr:
		return []byte(t.outcome.stderr), nil
	default:
		return nil, fmt.Errorf("unknown output stream '%s': %w", stream, batch.ErrInvalidArgument)
	}
}

func (s *Service) EvaluateCapacityFormula(_ context.Context, poolID, formula string) (batch.AutoscaleEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	p, ok := s.pools[poolID]
	if !ok {
		return batch.AutoscaleEvaluation{}, fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}
	return internal.EvaluateFormula(formula, p.history.Environment(now, s.variables(p))), nil
}

func (s *Service) EnableAutoscale(_ context.Context, poolID string, policy batch.AutoscalePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}
	if err := policy.Validate(s.config.MinEvaluationInterval); err != nil {
		return fmt.Errorf("pool '%s': %w", poolID, err)
	}

	p.autoscaler = internal.NewAutoscaler(policy, now)
	s.log.Info("Autoscale enabled", "pool", poolID, "interval", policy.EvaluationInterval)
	s.step(now)
	return nil
}

// RunAutoscaleCycle evaluates the attached policy of a pool right away and applies it.
func (s *Service) RunAutoscaleCycle(_ context.Context, poolID string) (batch.AutoscaleEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	p, ok := s.pools[poolID]
	if !ok {
		return batch.AutoscaleEvaluation{}, fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}
	if p.autoscaler == nil {
		return batch.AutoscaleEvaluation{}, fmt.Errorf("pool '%s' has no autoscale policy: %w", poolID, batch.ErrInvalidArgument)
	}

	evaluation := s.autoscale(p, now)
	s.step(now)
	return evaluation, nil
}

func (s *Service) ListNodes(_ context.Context, poolID string) ([]batch.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	p, ok := s.pools[poolID]
	if !ok {
		return nil, fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}
	return lo.Map(p.nodes, func(n *node, _ int) batch.Node {
		return batch.Node{ID: n.id, State: n.state(now), LowPriority: n.lowPriority}
	}), nil
}

func (s *Service) ListNodeAgentSKUs(_ context.Context) ([]batch.NodeAgentSKU, error) {
	return lo.Map(s.config.NodeAgentSKUs, func(sku batch.NodeAgentSKU, _ int) batch.NodeAgentSKU {
		sku.Images = slices.Clone(sku.Images)
		return sku
	}), nil
}

func (s *Service) ListJobs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	return slices.Clone(s.jobOrder), nil
}

func (s *Service) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}

	// Running tasks are terminated
	for _, t := range j.tasks {
		if t.state == batch.TaskRunning {
			t.node.running -= 1
		}
	}

	if p, ok := s.pools[j.spec.PoolID]; ok {
		for _, n := range p.nodes {
			if !n.prepared[jobID] {
				continue
			}
			delete(n.prepared, jobID)
			if j.spec.ReleaseCommand != "" {
				release := simulate(j.spec.ReleaseCommand, s.config.DefaultTaskDuration)
				s.log.Debug("Job release command ran", "job", jobID, "node", n.id, "exitCode", release.exitCode)
			}
		}
	}

	delete(s.jobs, jobID)
	s.jobOrder = lo.Without(s.jobOrder, jobID)
	s.log.Info("Job deleted", "job", jobID)
	s.step(now)
	return nil
}

func (s *Service) DeletePool(_ context.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.advance()

	p, ok := s.pools[poolID]
	if !ok {
		return fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}

	// Tasks running on the removed nodes go back to the queue
	for _, j := range s.jobsOf(poolID) {
		for _, t := range j.tasks {
			if t.state == batch.TaskRunning {
				t.state, t.node = batch.TaskPending, nil
			}
		}
	}

	delete(s.pools, poolID)
	s.log.Info("Pool deleted", "pool", poolID, "nodes", len(p.nodes))
	s.step(now)
	return nil
}

// --- Simulation ---

// advance processes every event between the last call and now, in order.
func (s *Service) advance() time.Time {
	now := s.Now()
	for {
		at, ok := s.nextEvent(now)
		if !ok {
			break
		}
		s.step(at)
	}
	s.step(now)
	return now
}

// nextEvent returns the earliest pending event at or before limit.
func (s *Service) nextEvent(limit time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(at time.Time) {
		if !at.After(limit) && (!found || at.Before(next)) {
			next, found = at, true
		}
	}

	for _, j := range s.jobs {
		for _, t := range j.tasks {
			if t.state == batch.TaskRunning {
				consider(t.endsAt)
			}
		}
	}
	for _, p := range s.pools {
		if p.autoscaler != nil {
			consider(p.autoscaler.Next)
		}
		for _, n := range p.nodes {
			if n.readyAt.After(s.simulated) {
				consider(n.readyAt)
			}
		}
	}
	return next, found
}

// step applies everything that happens at time at.
func (s *Service) step(at time.Time) {
	if at.After(s.simulated) {
		s.simulated = at
	}

	for _, id := range s.jobOrder {
		j := s.jobs[id]
		for _, t := range j.tasks {
			if t.state == batch.TaskRunning && !t.endsAt.After(at) {
				s.finish(j, t)
			}
		}
	}

	for _, p := range s.pools {
		if p.autoscaler != nil && p.autoscaler.Due(at) {
			s.autoscale(p, at)
		}
		s.dispatch(p, at)
		s.sample(p, at)
	}
}

func (s *Service) finish(j *job, t *task) {
	t.state = lo.Ternary(t.outcome.exitCode == 0, batch.TaskCompleted, batch.TaskFailed)
	t.node.running -= 1

	if p, ok := s.pools[j.spec.PoolID]; ok {
		if t.state == batch.TaskCompleted {
			p.succeeded++
		} else {
			p.failed++
		}
	}
	s.log.Debug("Task finished", "job", j.spec.ID, "task", t.item.ID, "node", t.node.id, "exitCode", t.outcome.exitCode)
}

// dispatch starts queued tasks, in submission order, on nodes with a free slot.
func (s *Service) dispatch(p *pool, at time.Time) {
	for _, j := range s.jobsOf(p.spec.ID) {
		for _, t := range j.tasks {
			if t.state != batch.TaskPending {
				continue
			}

			n, ok := lo.Find(p.nodes, func(n *node) bool {
				return n.state(at) != batch.NodeStarting &&
					internal.TasksToStart(1, p.spec.TaskSlotsPerNode, n.running, 1) > 0
			})
			if !ok {
				return
			}
			s.start(j, t, n, at)
		}
	}
}

func (s *Service) start(j *job, t *task, n *node, at time.Time) {
	duration := t.outcome.duration

	if j.spec.PreparationCommand != "" && !n.prepared[j.spec.ID] {
		n.prepared[j.spec.ID] = true
		preparation := simulate(j.spec.PreparationCommand, s.config.DefaultTaskDuration)
		duration += preparation.duration

		if preparation.exitCode != 0 {
			s.log.Warn("Job preparation command failed", "job", j.spec.ID, "node", n.id, "exitCode", preparation.exitCode)
			t.outcome = program{
				exitCode: preparation.exitCode,
				stdout:   preparation.stdout,
				stderr:   preparation.stderr + fmt.Sprintf("job preparation command failed with exit code %d\n", preparation.exitCode),
			}
			duration = preparation.duration
		}
	}

	t.state = batch.TaskRunning
	t.node = n
	t.endsAt = at.Add(duration)
	n.running += 1
	s.log.Debug("Task started", "job", j.spec.ID, "task", t.item.ID, "node", n.id)
}

func (s *Service) sample(p *pool, at time.Time) {
	active, running := 0, 0
	for _, j := range s.jobsOf(p.spec.ID) {
		for _, t := range j.tasks {
			switch t.state {
			case batch.TaskPending:
				active++
			case batch.TaskRunning:
				running++
			}
		}
	}

	p.history.Record(at, map[string]float64{
		internal.MetricActiveTasks:    float64(active),
		internal.MetricRunningTasks:   float64(running),
		internal.MetricPendingTasks:   float64(active + running),
		internal.MetricSucceededTasks: float64(p.succeeded),
		internal.MetricFailedTasks:    float64(p.failed),
	})
}

func (s *Service) autoscale(p *pool, at time.Time) batch.AutoscaleEvaluation {
	s.sample(p, at)
	evaluation := internal.EvaluateFormula(p.autoscaler.Policy.Formula, p.history.Environment(at, s.variables(p)))
	p.autoscaler.Done(evaluation)

	if evaluation.Error != "" {
		s.log.Warn("Autoscale evaluation failed, pool size unchanged", "pool", p.spec.ID, "error", evaluation.Error)
		return evaluation
	}

	dedicated := evaluation.TargetCounts[batch.NodeTypeDedicated]
	lowPriority := evaluation.TargetCounts[batch.NodeTypeLowPriority]
	s.log.Info("Autoscale evaluated", "pool", p.spec.ID, "dedicatedNodes", dedicated, "lowPriorityNodes", lowPriority)
	s.resize(p, at, dedicated, lowPriority)
	return evaluation
}

// resize adds starting nodes or removes idle ones until the targets are met.
func (s *Service) resize(p *pool, at time.Time, dedicated, lowPriority int) {
	p.spec.TargetDedicatedNodes = dedicated
	p.spec.TargetLowPriorityNodes = lowPriority

	for _, lowPriorityType := range []bool{false, true} {
		target := lo.Ternary(lowPriorityType, lowPriority, dedicated)
		nodes := lo.Filter(p.nodes, func(n *node, _ int) bool { return n.lowPriority == lowPriorityType })
		idle := lo.Filter(nodes, func(n *node, _ int) bool { return n.running == 0 })

		add, remove := internal.Resize(len(nodes), len(idle), target)
		for range add {
			p.nodes = append(p.nodes, s.newNode(p, at, lowPriorityType))
		}
		// The most recent idle nodes go first
		for _, n := range lo.Reverse(idle)[:remove] {
			p.nodes = lo.Without(p.nodes, n)
		}
	}
}

func (s *Service) newNode(p *pool, at time.Time, lowPriority bool) *node {
	readyAt := at.Add(s.config.NodeStartupDelay)
	if p.spec.StartTask != "" {
		startTask := simulate(p.spec.StartTask, s.config.DefaultTaskDuration)
		readyAt = readyAt.Add(startTask.duration)
		if startTask.exitCode != 0 {
			s.log.Warn("Pool start task failed", "pool", p.spec.ID, "exitCode", startTask.exitCode)
		}
	}

	return &node{
		id:          "tvm-" + uuid.NewString(),
		lowPriority: lowPriority,
		readyAt:     readyAt,
		prepared:    map[string]bool{},
	}
}

func (s *Service) variables(p *pool) map[string]float64 {
	lowPriority := lo.CountBy(p.nodes, func(n *node) bool { return n.lowPriority })
	return map[string]float64{
		internal.VarTargetDedicatedNodes:    float64(p.spec.TargetDedicatedNodes),
		internal.VarTargetLowPriorityNodes:  float64(p.spec.TargetLowPriorityNodes),
		internal.VarCurrentDedicatedNodes:   float64(len(p.nodes) - lowPriority),
		internal.VarCurrentLowPriorityNodes: float64(lowPriority),
	}
}

func (s *Service) jobsOf(poolID string) []*job {
	var result []*job
	for _, id := range s.jobOrder {
		if j := s.jobs[id]; j.spec.PoolID == poolID {
			result = append(result, j)
		}
	}
	return result
}
