package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/provider/internal"
	"github.com/samber/lo"
)

// Labels put on every docker object, so that resources created by another
// process can be found again.
const (
	labelPool = "batchpilot.pool"
	labelJob  = "batchpilot.job"
	labelTask = "batchpilot.task"
	labelNode = "batchpilot.node"

	// Sizing of a pool network, read back by the processes adopting it
	labelNodes     = "batchpilot.nodes"
	labelTaskSlots = "batchpilot.task-slots"
)

// nodeAgentSKU names the agent of every docker node
const nodeAgentSKU = "batchpilot.node.docker"

// Service is a batch service running tasks as containers of the local Docker
// daemon. A pool is a docker network plus a number of logical nodes, each
// offering TaskSlotsPerNode concurrent containers.
//
// The state of tasks is refreshed from the daemon on every call, there is no
// background goroutine.
type Service struct {
	mu     sync.Mutex
	docker DockerClient
	config Config
	log    *slog.Logger

	// now is time.Now, replaceable in tests
	now func() time.Time

	pools    map[string]*pool
	jobs     map[string]*job
	jobOrder []string
	images   map[string]bool
	nodeSeq  int
}

var (
	_ batch.Service      = (*Service)(nil)
	_ batch.ImageCatalog = (*Service)(nil)
)

type pool struct {
	spec       batch.PoolSpec
	networkID  string
	nodes      []*node
	history    *internal.SampleHistory
	autoscaler *internal.Autoscaler

	succeeded int
	failed    int
}

type node struct {
	id          string
	lowPriority bool
	running     int
	prepared    map[string]bool
}

type job struct {
	spec  batch.JobSpec
	tasks []*task
	index map[string]*task
}

type task struct {
	item        batch.WorkItem
	state       batch.TaskState
	node        *node
	containerID string
	exitCode    int
	// failure explains why the task could not run at all
	failure string
}

func New(docker DockerClient, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		docker: docker,
		config: config,
		log:    config.Logger,
		now:    time.Now,
		pools:  map[string]*pool{},
		jobs:   map[string]*job{},
		images: map[string]bool{},
	}
}

func networkName(poolID string) string {
	return "batchpilot-" + poolID
}

func containerName(jobID, taskID string) string {
	return fmt.Sprintf("batchpilot-%s-%s", jobID, taskID)
}

func labelFilter(key, value string) filters.Args {
	return filters.NewArgs(filters.Arg("label", lo.Ternary(value == "", key, key+"="+value)))
}

func (s *Service) CreatePool(ctx context.Context, spec batch.PoolSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	// A pool created by another process
	existing, err := s.findNetwork(ctx, spec.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("pool '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}

	nodes := lo.Ternary(spec.Autoscale != nil, 0, spec.TargetDedicatedNodes+spec.TargetLowPriorityNodes)
	resp, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() (network.CreateResponse, error) {
		resp, err := s.docker.NetworkCreate(ctx, networkName(spec.ID), network.CreateOptions{
			Driver: "bridge",
			Labels: map[string]string{
				labelPool:      spec.ID,
				labelNodes:     strconv.Itoa(nodes),
				labelTaskSlots: strconv.Itoa(spec.TaskSlotsPerNode),
			},
		})
		if cerrdefs.IsConflict(err) {
			return resp, internal.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		if cerrdefs.IsConflict(err) {
			return fmt.Errorf("pool '%s': %w: %w", spec.ID, batch.ErrAlreadyExists, err)
		}
		return fmt.Errorf("failed to create docker network for pool '%s': %w", spec.ID, err)
	}

	now := s.now()
	p := &pool{
		spec:      spec,
		networkID: resp.ID,
		history:   internal.NewSampleHistory(s.config.SampleInterval, s.config.SampleRetention),
	}
	s.pools[spec.ID] = p
	s.log.Info("Pool created", "pool", spec.ID, "network", resp.ID, "dedicatedNodes", spec.TargetDedicatedNodes, "lowPriorityNodes", spec.TargetLowPriorityNodes)

	if spec.Autoscale != nil {
		// Autoscale pools start empty, the first evaluation sizes them
		p.spec.TargetDedicatedNodes, p.spec.TargetLowPriorityNodes = 0, 0
		p.autoscaler = internal.NewAutoscaler(*spec.Autoscale, now)
	} else {
		s.resize(p, spec.TargetDedicatedNodes, spec.TargetLowPriorityNodes)
	}
	s.tryTick(ctx)
	return nil
}

func (s *Service) CreateJob(ctx context.Context, spec batch.JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.ID == "" {
		return fmt.Errorf("job id must not be empty: %w", batch.ErrInvalidArgument)
	}
	if _, ok := s.jobs[spec.ID]; ok {
		return fmt.Errorf("job '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}
	if _, err := s.poolOf(ctx, spec.PoolID); err != nil {
		return fmt.Errorf("pool of job '%s': %w", spec.ID, err)
	}

	// A job submitted by another process
	containers, err := s.containersOf(ctx, spec.ID)
	if err != nil {
		return err
	}
	if len(containers) > 0 {
		return fmt.Errorf("job '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}

	s.jobs[spec.ID] = &job{spec: spec, index: map[string]*task{}}
	s.jobOrder = append(s.jobOrder, spec.ID)
	s.log.Info("Job created", "job", spec.ID, "pool", spec.PoolID)
	return nil
}

func (s *Service) SubmitTasks(ctx context.Context, jobID string, items []batch.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}

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
		t := &task{item: item, state: batch.TaskPending}
		j.tasks = append(j.tasks, t)
		j.index[item.ID] = t
	}
	s.log.Debug("Tasks submitted", "job", jobID, "tasks", len(items))
	s.tryTick(ctx)
	return nil
}

func (s *Service) ListTaskStates(ctx context.Context, jobID string) (map[string]batch.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}
	if err := s.tick(ctx); err != nil {
		return nil, err
	}

	statuses := make(map[string]batch.TaskStatus, len(j.tasks))
	for _, t := range j.tasks {
		status := batch.TaskStatus{State: t.state}
		if t.node != nil {
			status.NodeID = t.node.id
		}
		if t.state.IsTerminal() {
			status.ExitCode = lo.ToPtr(t.exitCode)
		}
		statuses[t.item.ID] = status
	}
	return statuses, nil
}

func (s *Service) FetchTaskOutput(ctx context.Context, jobID, taskID string, stream batch.OutputStream) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}
	t, ok := j.index[taskID]
	if !ok {
		return nil, fmt.Errorf("task '%s' of job '%s': %w", taskID, jobID, batch.ErrNotFound)
	}
	if t.node == nil || !t.state.IsTerminal() {
		return nil, fmt.Errorf("%s of task '%s': %w", stream, taskID, batch.ErrNotFound)
	}
	if stream != batch.Stdout && stream != batch.Stderr {
		return nil, fmt.Errorf("unknown output stream '%s': %w", stream, batch.ErrInvalidArgument)
	}

	var stdout, stderr bytes.Buffer
	if t.containerID != "" {
		logs, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() (io.ReadCloser, error) {
			return s.docker.ContainerLogs(ctx, t.containerID, container.LogsOptions{
				ShowStdout: stream == batch.Stdout,
				ShowStderr: stream == batch.Stderr,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s of task '%s': %w", stream, taskID, err)
		}
		defer logs.Close()

		if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
			return nil, fmt.Errorf("failed to demultiplex %s of task '%s': %w", stream, taskID, err)
		}
	}
	if t.failure != "" {
		stderr.WriteString(t.failure + "\n")
	}

	return lo.Ternary(stream == batch.Stdout, stdout.Bytes(), stderr.Bytes()), nil
}

func (s *Service) EvaluateCapacityFormula(ctx context.Context, poolID, formula string) (batch.AutoscaleEvaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.poolOf(ctx, poolID)
	if err != nil {
		return batch.AutoscaleEvaluation{}, err
	}
	if err := s.tick(ctx); err != nil {
		return batch.AutoscaleEvaluation{}, err
	}
	return internal.EvaluateFormula(formula, p.history.Environment(s.now(), s.variables(p))), nil
}

func (s *Service) EnableAutoscale(ctx context.Context, poolID string, policy batch.AutoscalePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.poolOf(ctx, poolID)
	if err != nil {
		return err
	}
	if err := policy.Validate(s.config.MinEvaluationInterval); err != nil {
		return fmt.Errorf("pool '%s': %w", poolID, err)
	}

	p.autoscaler = internal.NewAutoscaler(policy, s.now())
	s.log.Info("Autoscale enabled", "pool", poolID, "interval", policy.EvaluationInterval)
	s.tryTick(ctx)
	return nil
}

func (s *Service) ListNodes(ctx context.Context, poolID string) ([]batch.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.poolOf(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := s.tick(ctx); err != nil {
		return nil, err
	}
	return lo.Map(p.nodes, func(n *node, _ int) batch.Node {
		return batch.Node{
			ID:          n.id,
			State:       lo.Ternary(n.running > 0, batch.NodeRunning, batch.NodeIdle),
			LowPriority: n.lowPriority,
		}
	}), nil
}

// ListNodeAgentSKUs reports the tagged images of the daemon, the ones tasks
// can run without a pull, under a single node agent.
func (s *Service) ListNodeAgentSKUs(ctx context.Context) ([]batch.NodeAgentSKU, error) {
	images, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() ([]image.Summary, error) {
		return s.docker.ImageList(ctx, image.ListOptions{})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list docker images: %w", err)
	}

	var references []batch.ImageReference
	for _, summary := range images {
		for _, tag := range summary.RepoTags {
			if reference, ok := imageReference(tag, summary.ID); ok {
				references = append(references, reference)
			}
		}
	}
	slices.SortFunc(references, func(a, b batch.ImageReference) int {
		return strings.Compare(a.Publisher+"/"+a.Offer+":"+a.SKU, b.Publisher+"/"+b.Offer+":"+b.SKU)
	})

	return []batch.NodeAgentSKU{{ID: nodeAgentSKU, Images: references}}, nil
}

// imageReference splits a tag like "ghcr.io/acme/render:1.2" into publisher
// "ghcr.io/acme", offer "render" and sku "1.2". Untagged images are skipped.
func imageReference(tag, id string) (batch.ImageReference, bool) {
	colon := strings.LastIndex(tag, ":")
	if colon <= strings.LastIndex(tag, "/") || tag == "<none>:<none>" {
		return batch.ImageReference{}, false
	}
	repository, sku := tag[:colon], tag[colon+1:]

	publisher, offer := "library", repository
	if slash := strings.LastIndex(repository, "/"); slash >= 0 {
		publisher, offer = repository[:slash], repository[slash+1:]
	}

	version := strings.TrimPrefix(id, "sha256:")
	return batch.ImageReference{
		Publisher: publisher,
		Offer:     offer,
		SKU:       sku,
		Version:   version[:min(len(version), 12)],
	}, true
}

// ListJobs returns the jobs of this service followed by the jobs other
// processes left behind in the daemon.
func (s *Service) ListJobs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	containers, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() ([]container.Summary, error) {
		return s.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilter(labelJob, "")})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list job containers: %w", err)
	}

	foreign := lo.Uniq(lo.FilterMap(containers, func(c container.Summary, _ int) (string, bool) {
		id := c.Labels[labelJob]
		_, known := s.jobs[id]
		return id, id != "" && !known
	}))
	slices.Sort(foreign)

	return append(slices.Clone(s.jobOrder), foreign...), nil
}

func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, known := s.jobs[jobID]
	containers, err := s.containersOf(ctx, jobID)
	if err != nil {
		return err
	}
	if !known && len(containers) == 0 {
		return fmt.Errorf("job '%s': %w", jobID, batch.ErrNotFound)
	}

	var errs []error
	for _, c := range containers {
		if err := s.removeContainer(ctx, c.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to delete job '%s': %w", jobID, err)
	}

	if known {
		for _, t := range j.tasks {
			if t.state == batch.TaskRunning {
				t.node.running -= 1
			}
		}
		if p, ok := s.pools[j.spec.PoolID]; ok && j.spec.ReleaseCommand != "" {
			for _, n := range p.nodes {
				if n.prepared[jobID] {
					s.release(ctx, p, j, n)
				}
			}
		}
		delete(s.jobs, jobID)
		s.jobOrder = lo.Without(s.jobOrder, jobID)
	}

	s.log.Info("Job deleted", "job", jobID, "containers", len(containers))
	return nil
}

func (s *Service) DeletePool(ctx context.Context, poolID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, known := s.pools[poolID]
	networkID := ""
	if known {
		networkID = p.networkID
	} else {
		found, err := s.findNetwork(ctx, poolID)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
		}
		networkID = found.ID
	}

	// Containers still attached would prevent the network removal. Their
	// tasks go back to the queue.
	for _, j := range s.jobsOf(poolID) {
		for _, t := range j.tasks {
			if t.state != batch.TaskRunning {
				continue
			}
			if err := s.removeContainer(ctx, t.containerID); err != nil {
				return fmt.Errorf("failed to delete pool '%s': %w", poolID, err)
			}
			t.node.running -= 1
			t.state, t.node, t.containerID = batch.TaskPending, nil, ""
		}
	}

	err := internal.RetryWithContext(ctx, s.config.RetryAttempts, func() error {
		err := s.docker.NetworkRemove(ctx, networkID)
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to remove docker network of pool '%s': %w", poolID, err)
	}

	delete(s.pools, poolID)
	s.log.Info("Pool deleted", "pool", poolID, "network", networkID)
	return nil
}

// --- Daemon helpers ---

// findNetwork returns the network labelled for the pool, or nil.
func (s *Service) findNetwork(ctx context.Context, poolID string) (*network.Summary, error) {
	networks, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() ([]network.Summary, error) {
		return s.docker.NetworkList(ctx, network.ListOptions{Filters: labelFilter(labelPool, poolID)})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list docker networks: %w", err)
	}
	if len(networks) == 0 {
		return nil, nil
	}
	return &networks[0], nil
}

// poolOf returns the pool, adopting it when another process created its network.
//
// An adopted pool is sized from the labels of its network, MaxNodes when they
// carry no node count. Containers of other processes do not use its slots.
func (s *Service) poolOf(ctx context.Context, poolID string) (*pool, error) {
	if p, ok := s.pools[poolID]; ok {
		return p, nil
	}

	found, err := s.findNetwork(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("pool '%s': %w", poolID, batch.ErrNotFound)
	}

	nodes, _ := strconv.Atoi(found.Labels[labelNodes])
	slots, _ := strconv.Atoi(found.Labels[labelTaskSlots])
	p := &pool{
		spec:      batch.PoolSpec{ID: poolID, TaskSlotsPerNode: max(slots, 1)},
		networkID: found.ID,
		history:   internal.NewSampleHistory(s.config.SampleInterval, s.config.SampleRetention),
	}
	s.pools[poolID] = p
	s.resize(p, lo.Ternary(nodes > 0, nodes, s.config.MaxNodes), 0)
	s.log.Info("Pool adopted", "pool", poolID, "network", found.ID, "nodes", len(p.nodes), "taskSlotsPerNode", p.spec.TaskSlotsPerNode)
	return p, nil
}

func (s *Service) containersOf(ctx context.Context, jobID string) ([]container.Summary, error) {
	containers, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() ([]container.Summary, error) {
		return s.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilter(labelJob, jobID)})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of job '%s': %w", jobID, err)
	}
	return containers, nil
}

func (s *Service) removeContainer(ctx context.Context, containerID string) error {
	return internal.RetryWithContext(ctx, s.config.RetryAttempts, func() error {
		err := s.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true, Force: true})
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// ensureImage pulls ref unless the daemon already has it.
func (s *Service) ensureImage(ctx context.Context, ref string) error {
	if s.images[ref] {
		return nil
	}

	list, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() ([]image.Summary, error) {
		return s.docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}

	if len(list) == 0 {
		s.log.Debug("Pulling image", "image", ref)
		reader, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts+1, func() (io.ReadCloser, error) {
			return s.docker.ImagePull(ctx, ref, image.PullOptions{})
		})
		if err != nil {
			return fmt.Errorf("failed to pull docker image '%s': %w", ref, err)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}

	s.images[ref] = true
	return nil
}

// --- Scheduling ---

// tick brings every pool up to date: finished containers are collected, due
// autoscale policies are applied and queued tasks are started.
func (s *Service) tick(ctx context.Context) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}

	now := s.now()
	for _, id := range lo.Keys(s.pools) {
		p := s.pools[id]
		if p.autoscaler != nil && p.autoscaler.Due(now) {
			s.autoscale(p, now)
		}
		s.dispatch(ctx, p)
		s.sample(p, now)
	}
	return nil
}

// tryTick is tick for calls whose own effect already succeeded: the next call
// catches up.
func (s *Service) tryTick(ctx context.Context) {
	if err := s.tick(ctx); err != nil {
		s.log.Warn("Failed to refresh tasks", "error", err)
	}
}

func (s *Service) refresh(ctx context.Context) error {
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		for _, t := range j.tasks {
			if t.state != batch.TaskRunning {
				continue
			}

			inspect, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() (container.InspectResponse, error) {
				inspect, err := s.docker.ContainerInspect(ctx, t.containerID)
				if cerrdefs.IsNotFound(err) {
					return inspect, internal.Permanent(err)
				}
				return inspect, err
			})
			switch {
			case cerrdefs.IsNotFound(err):
				t.failure = "task container disappeared"
				s.finish(j, t, -1)
			case err != nil:
				return fmt.Errorf("failed to inspect container of task '%s': %w", t.item.ID, err)
			default:
				if exitCode, done := exited(inspect); done {
					s.finish(j, t, exitCode)
				}
			}
		}
	}
	return nil
}

func exited(inspect container.InspectResponse) (int, bool) {
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return 0, false
	}
	switch inspect.State.Status {
	case container.StateExited, container.StateDead:
		return inspect.State.ExitCode, true
	default:
		return 0, false
	}
}

func (s *Service) finish(j *job, t *task, exitCode int) {
	t.exitCode = exitCode
	t.state = lo.Ternary(exitCode == 0, batch.TaskCompleted, batch.TaskFailed)
	t.node.running -= 1

	if p, ok := s.pools[j.spec.PoolID]; ok {
		if t.state == batch.TaskCompleted {
			p.succeeded++
		} else {
			p.failed++
		}
	}
	s.log.Debug("Task finished", "job", j.spec.ID, "task", t.item.ID, "node", t.node.id, "exitCode", exitCode)
}

// dispatch starts queued tasks, in submission order, on nodes with a free slot.
func (s *Service) dispatch(ctx context.Context, p *pool) {
	for _, j := range s.jobsOf(p.spec.ID) {
		for _, t := range j.tasks {
			if t.state != batch.TaskPending {
				continue
			}

			n, ok := lo.Find(p.nodes, func(n *node) bool {
				return internal.TasksToStart(1, p.spec.TaskSlotsPerNode, n.running, 1) > 0
			})
			if !ok {
				return
			}
			s.start(ctx, p, j, t, n)
		}
	}
}

func (s *Service) start(ctx context.Context, p *pool, j *job, t *task, n *node) {
	log := s.log.With("job", j.spec.ID, "task", t.item.ID, "node", n.id)

	command := t.item.CommandLine
	if j.spec.PreparationCommand != "" && !n.prepared[j.spec.ID] {
		n.prepared[j.spec.ID] = true
		command = j.spec.PreparationCommand + " && " + command
	}
	cmd := []string{"sh", "-c", command}
	ref := lo.Ternary(t.item.Image != "", t.item.Image, s.config.DefaultImage)

	t.state, t.node = batch.TaskRunning, n
	n.running += 1

	fail := func(err error) {
		log.Error("Failed to start task container", "error", err)
		t.failure = err.Error()
		s.finish(j, t, -1)
	}

	if err := s.ensureImage(ctx, ref); err != nil {
		fail(err)
		return
	}

	resp, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() (container.CreateResponse, error) {
		resp, err := s.docker.ContainerCreate(
			ctx,
			&container.Config{
				Image: ref,
				Cmd:   cmd,
				Env: []string{
					fmt.Sprintf("BATCHPILOT_POOL=%s", p.spec.ID),
					fmt.Sprintf("BATCHPILOT_JOB=%s", j.spec.ID),
					fmt.Sprintf("BATCHPILOT_TASK=%s", t.item.ID),
					fmt.Sprintf("BATCHPILOT_NODE=%s", n.id),
				},
				Labels: map[string]string{
					labelPool: p.spec.ID,
					labelJob:  j.spec.ID,
					labelTask: t.item.ID,
					labelNode: n.id,
				},
			},
			&container.HostConfig{
				AutoRemove: false, // Otherwise this will remove the container before we can get the logs
			},
			&network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{
					networkName(p.spec.ID): {NetworkID: p.networkID},
				},
			},
			nil,
			containerName(j.spec.ID, t.item.ID),
		)
		if cerrdefs.IsConflict(err) || cerrdefs.IsInvalidArgument(err) {
			return resp, internal.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		fail(fmt.Errorf("failed to create docker container: %w", err))
		return
	}
	t.containerID = resp.ID

	if err := internal.RetryWithContext(ctx, s.config.RetryAttempts, func() error {
		return s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	}); err != nil {
		fail(fmt.Errorf("failed to start docker container: %w", err))
		return
	}
	log.Debug("Task container started", "container", resp.ID, "cmd", shellescape.QuoteCommand(cmd))
}

// release runs the release command of a job on a node, without waiting for it.
func (s *Service) release(ctx context.Context, p *pool, j *job, n *node) {
	log := s.log.With("job", j.spec.ID, "node", n.id)
	cmd := []string{"sh", "-c", j.spec.ReleaseCommand}

	resp, err := internal.RetryResultWithContext(ctx, s.config.RetryAttempts, func() (container.CreateResponse, error) {
		return s.docker.ContainerCreate(
			ctx,
			&container.Config{
				Image:  s.config.DefaultImage,
				Cmd:    cmd,
				Labels: map[string]string{labelPool: p.spec.ID, labelNode: n.id},
			},
			&container.HostConfig{AutoRemove: true},
			&network.NetworkingConfig{
				EndpointsConfig: map[string]*network.EndpointSettings{
					networkName(p.spec.ID): {NetworkID: p.networkID},
				},
			},
			nil,
			fmt.Sprintf("batchpilot-%s-release-%s", j.spec.ID, n.id),
		)
	})
	if err == nil {
		err = s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	}
	if err != nil {
		log.Warn("Failed to run job release command", "error", err)
		return
	}
	log.Debug("Job release command started", "cmd", shellescape.QuoteCommand(cmd))
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

func (s *Service) autoscale(p *pool, at time.Time) {
	s.sample(p, at)
	evaluation := internal.EvaluateFormula(p.autoscaler.Policy.Formula, p.history.Environment(at, s.variables(p)))
	p.autoscaler.Done(evaluation)
	// Missed evaluations are not replayed
	for p.autoscaler.Due(at) {
		p.autoscaler.Next = p.autoscaler.Next.Add(p.autoscaler.Policy.EvaluationInterval)
	}

	if evaluation.Error != "" {
		s.log.Warn("Autoscale evaluation failed, pool size unchanged", "pool", p.spec.ID, "error", evaluation.Error)
		return
	}

	dedicated := evaluation.TargetCounts[batch.NodeTypeDedicated]
	lowPriority := evaluation.TargetCounts[batch.NodeTypeLowPriority]
	s.log.Info("Autoscale evaluated", "pool", p.spec.ID, "dedicatedNodes", dedicated, "lowPriorityNodes", lowPriority)
	s.resize(p, dedicated, lowPriority)
}

// resize adds nodes or removes idle ones until the targets, capped at
// MaxNodes, are met.
func (s *Service) resize(p *pool, dedicated, lowPriority int) {
	dedicated = min(dedicated, s.config.MaxNodes)
	lowPriority = min(lowPriority, s.config.MaxNodes-dedicated)
	if dedicated != p.spec.TargetDedicatedNodes || lowPriority != p.spec.TargetLowPriorityNodes {
		s.log.Debug("Resizing pool", "pool", p.spec.ID, "dedicatedNodes", dedicated, "lowPriorityNodes", lowPriority)
	}
	p.spec.TargetDedicatedNodes = dedicated
	p.spec.TargetLowPriorityNodes = lowPriority

	for _, lowPriorityType := range []bool{false, true} {
		target := lo.Ternary(lowPriorityType, lowPriority, dedicated)
		nodes := lo.Filter(p.nodes, func(n *node, _ int) bool { return n.lowPriority == lowPriorityType })
		idle := lo.Filter(nodes, func(n *node, _ int) bool { return n.running == 0 })

		add, remove := internal.Resize(len(nodes), len(idle), target)
		for range add {
			s.nodeSeq += 1
			p.nodes = append(p.nodes, &node{
				id:          fmt.Sprintf("%s-node-%d", p.spec.ID, s.nodeSeq),
				lowPriority: lowPriorityType,
				prepared:    map[string]bool{},
			})
		}
		for _, n := range lo.Reverse(idle)[:remove] {
			p.nodes = lo.Without(p.nodes, n)
		}
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
