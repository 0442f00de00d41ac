package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammadia/batchpilot/batch"
)

// --- Fake batch service ---

type fakeService struct {
	mu sync.Mutex

	pools map[string]batch.PoolSpec
	jobs  map[string]batch.JobSpec
	tasks map[string][]batch.WorkItem
	// created keeps every job spec ever created, deleted or not
	created map[string]batch.JobSpec
	// createdPools keeps every pool spec ever created, deleted or not
	createdPools map[string]batch.PoolSpec

	// failures makes the named method return the error
	failures map[string]error
	// script is replayed by ListTaskStates, one entry per call, the last one repeating
	script []map[string]batch.TaskStatus
	polls  int
	// pollDelay slows ListTaskStates down, whatever its context says
	pollDelay time.Duration

	evaluation batch.AutoscaleEvaluation
	nodes      []batch.Node
	outputs    map[string][]byte

	calls []string
}

var _ batch.Service = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{
		pools:        map[string]batch.PoolSpec{},
		createdPools: map[string]batch.PoolSpec{},
		jobs:         map[string]batch.JobSpec{},
		created:      map[string]batch.JobSpec{},
		tasks:        map[string][]batch.WorkItem{},
		failures:     map[string]error{},
		outputs:      map[string][]byte{},
	}
}

func (s *fakeService) fail(method string, err error) *fakeService {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = err
	return s
}

func (s *fakeService) record(method, arg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method+":"+arg)
	return s.failures[method]
}

func (s *fakeService) getCalls(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for _, call := range s.calls {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			result = append(result, call)
		}
	}
	return result
}

func (s *fakeService) CreatePool(_ context.Context, spec batch.PoolSpec) error {
	if err := s.record("CreatePool", spec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[spec.ID]; ok {
		return fmt.Errorf("pool '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}
	s.pools[spec.ID] = spec
	s.createdPools[spec.ID] = spec
	return nil
}

func (s *fakeService) CreateJob(_ context.Context, spec batch.JobSpec) error {
	if err := s.record("CreateJob", spec.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[spec.ID]; ok {
		return fmt.Errorf("job '%s': %w", spec.ID, batch.ErrAlreadyExists)
	}
	s.jobs[spec.ID] = spec
	s.created[spec.ID] = spec
	return nil
}

func (s *fakeService) SubmitTasks(_ context.Context, jobID string, items []batch.WorkItem) error {
	if err := s.record("SubmitTasks", jobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[jobID] = append(s.tasks[jobID], items...)
	return nil
}

func (s *fakeService) ListTaskStates(_ context.Context, jobID string) (map[string]batch.TaskStatus, error) {
	if err := s.record("ListTaskStates", jobID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	delay := s.pollDelay
	s.mu.Unlock()
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.script) == 0 {
		// Everything completes at once on node-0
		states := map[string]batch.TaskStatus{}
		for _, item := range s.tasks[jobID] {
			states[item.ID] = completed("node-0", 0)
		}
		return states, nil
	}
	step := s.script[min(s.polls, len(s.script)-1)]
	s.polls++
	return step, nil
}

func (s *fakeService) FetchTaskOutput(_ context.Context, jobID, taskID string, stream batch.OutputStream) ([]byte, error) {
	if err := s.record("FetchTaskOutput", taskID+"/"+string(stream)); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.outputs[taskID+"/"+string(stream)]; ok {
		return data, nil
	}
	return []byte(fmt.Sprintf("%s of %s", stream, taskID)), nil
}

func (s *fakeService) EvaluateCapacityFormula(_ context.Context, poolID, _ string) (batch.AutoscaleEvaluation, error) {
	if err := s.record("EvaluateCapacityFormula", poolID); err != nil {
		return batch.AutoscaleEvaluation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evaluation := s.evaluation
	evaluation.Timestamp = time.Now()
	return evaluation, nil
}

func (s *fakeService) EnableAutoscale(_ context.Context, poolID string, _ batch.AutoscalePolicy) error {
	return s.record("EnableAutoscale", poolID)
}

func (s *fakeService) ListNodes(_ context.Context, poolID string) ([]batch.Node, error) {
	if err := s.record("ListNodes", poolID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]batch.Node(nil), s.nodes...), nil
}

func (s *fakeService) ListJobs(_ context.Context) ([]string, error) {
	if err := s.record("ListJobs", ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeService) DeleteJob(_ context.Context, jobID string) error {
	if err := s.record("DeleteJob", jobID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *fakeService) DeletePool(_ context.Context, poolID string) error {
	if err := s.record("DeletePool", poolID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pools, poolID)
	return nil
}

// --- Helpers ---

var errBoom = errors.New("boom")

func pending() batch.TaskStatus {
	return batch.TaskStatus{State: batch.TaskPending}
}

func running(node string) batch.TaskStatus {
	return batch.TaskStatus{State: batch.TaskRunning, NodeID: node}
}

func completed(node string, code int) batch.TaskStatus {
	return batch.TaskStatus{State: batch.TaskCompleted, NodeID: node, ExitCode: &code}
}

func failed(node string, code int) batch.TaskStatus {
	return batch.TaskStatus{State: batch.TaskFailed, NodeID: node, ExitCode: &code}
}

func items(ids ...string) []batch.WorkItem {
	result := make([]batch.WorkItem, 0, len(ids))
	for _, id := range ids {
		result = append(result, batch.WorkItem{ID: id, CommandLine: "echo " + id})
	}
	return result
}

func testConfig() Config {
	config := DefaultConfig()
	config.PollInterval = time.Millisecond
	config.MaxPollInterval = 5 * time.Millisecond
	config.MaxPollFailures = 3
	config.AutoscaleCycles = 0
	config.TeardownTimeout = time.Second
	return config
}
