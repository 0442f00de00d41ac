package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService() (*Service, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	config := DefaultConfig()
	config.Clock = clock.Now
	return New(config), clock
}

func createPoolAndJob(t *testing.T, s *Service, pool batch.PoolSpec, job batch.JobSpec) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreatePool(ctx, pool))
	job.PoolID = pool.ID
	require.NoError(t, s.CreateJob(ctx, job))
}

func TestTasksRunInSubmissionOrderOnFreeSlots(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 2}, batch.JobSpec{ID: "job"})

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{
		{ID: "t1", CommandLine: "sleep 10"},
		{ID: "t2", CommandLine: "sleep 2"},
		{ID: "t3", CommandLine: "sleep 1"},
	}))

	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskRunning, states["t1"].State)
	assert.Equal(t, batch.TaskRunning, states["t2"].State)
	assert.Equal(t, batch.TaskPending, states["t3"].State)
	assert.NotEqual(t, states["t1"].NodeID, states["t2"].NodeID)

	// t2 ends at 2s, t3 takes its slot and ends at 3s
	clock.Advance(3 * time.Second)
	states, err = s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskRunning, states["t1"].State)
	assert.Equal(t, batch.TaskCompleted, states["t2"].State)
	assert.Equal(t, batch.TaskCompleted, states["t3"].State)
	assert.Equal(t, states["t2"].NodeID, states["t3"].NodeID)
	require.NotNil(t, states["t3"].ExitCode)
	assert.Equal(t, 0, *states["t3"].ExitCode)

	clock.Advance(7 * time.Second)
	states, err = s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskCompleted, states["t1"].State)
}

func TestTaskOutputsAndExitCodes(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1, TaskSlotsPerNode: 4}, batch.JobSpec{ID: "job"})

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{
		{ID: "hello", CommandLine: `/bin/bash -c "sleep 1 && echo hello world"`},
		{ID: "broken", CommandLine: "cmd /c echo before && false && echo never"},
		{ID: "code", CommandLine: "exit 3"},
		{ID: "quote", CommandLine: `echo "unterminated`},
	}))

	_, err := s.FetchTaskOutput(ctx, "job", "hello", batch.Stdout)
	assert.ErrorIs(t, err, batch.ErrNotFound, "output is not available before the task ends")

	clock.Advance(time.Second)
	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)

	assert.Equal(t, batch.TaskCompleted, states["hello"].State)
	assert.Equal(t, batch.TaskFailed, states["broken"].State)
	assert.Equal(t, 1, *states["broken"].ExitCode)
	assert.Equal(t, 3, *states["code"].ExitCode)
	assert.Equal(t, 127, *states["quote"].ExitCode)

	stdout, err := s.FetchTaskOutput(ctx, "job", "hello", batch.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", string(stdout))

	stdout, err = s.FetchTaskOutput(ctx, "job", "broken", batch.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "before\n", string(stdout))

	stderr, err := s.FetchTaskOutput(ctx, "job", "quote", batch.Stderr)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "cannot parse command line")
}

func TestConflictsAndMissingResources(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool"}, batch.JobSpec{ID: "job"})

	assert.ErrorIs(t, s.CreatePool(ctx, batch.PoolSpec{ID: "pool"}), batch.ErrAlreadyExists)
	assert.ErrorIs(t, s.CreateJob(ctx, batch.JobSpec{ID: "job", PoolID: "pool"}), batch.ErrAlreadyExists)
	assert.ErrorIs(t, s.CreateJob(ctx, batch.JobSpec{ID: "other", PoolID: "missing"}), batch.ErrNotFound)
	assert.ErrorIs(t, s.SubmitTasks(ctx, "missing", []batch.WorkItem{{ID: "t1"}}), batch.ErrNotFound)
	assert.ErrorIs(t, s.DeleteJob(ctx, "missing"), batch.ErrNotFound)
	assert.ErrorIs(t, s.DeletePool(ctx, "missing"), batch.ErrNotFound)
	assert.ErrorIs(t, s.CreatePool(ctx, batch.PoolSpec{}), batch.ErrInvalidArgument)

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t1"}}))
	// All or nothing: t2 is not added because t1 already exists
	assert.ErrorIs(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t2"}, {ID: "t1"}}), batch.ErrAlreadyExists)
	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestEvaluateNeverChangesCapacity(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{ID: "job"})

	for range 5 {
		evaluation, err := s.EvaluateCapacityFormula(ctx, "pool", "$TargetDedicatedNodes = 4;")
		require.NoError(t, err)
		assert.Empty(t, evaluation.Error)
		assert.Equal(t, 4, evaluation.TargetCounts[batch.NodeTypeDedicated])
		clock.Advance(10 * time.Minute)
	}

	nodes, err := s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestEnableAutoscaleChangesCapacity(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{ID: "job"})

	policy := batch.AutoscalePolicy{
		Formula:            "$TargetDedicatedNodes = min(3, $PendingTasks.GetSample(1));",
		EvaluationInterval: 5 * time.Minute,
	}
	assert.ErrorIs(t, s.EnableAutoscale(ctx, "pool", batch.AutoscalePolicy{Formula: policy.Formula, EvaluationInterval: time.Minute}), batch.ErrInvalidArgument)

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{
		{ID: "t1", CommandLine: "sleep 600"},
		{ID: "t2", CommandLine: "sleep 600"},
		{ID: "t3", CommandLine: "sleep 600"},
		{ID: "t4", CommandLine: "sleep 600"},
	}))
	require.NoError(t, s.EnableAutoscale(ctx, "pool", policy))

	nodes, err := s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	// Once every task is done, the next evaluation shrinks the pool
	clock.Advance(30 * time.Minute)
	evaluation, err := s.RunAutoscaleCycle(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, 0, evaluation.TargetCounts[batch.NodeTypeDedicated])

	nodes, err = s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestAutoscalePoolStartsEmpty(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	err := s.CreatePool(ctx, batch.PoolSpec{
		ID:                   "pool",
		TargetDedicatedNodes: 10,
		Autoscale:            &batch.AutoscalePolicy{Formula: "$TargetDedicatedNodes = 2;", EvaluationInterval: 5 * time.Minute},
	})
	require.NoError(t, err)

	nodes, err := s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	_, err = s.RunAutoscaleCycle(ctx, "missing")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestAutoscaleFormulaErrorKeepsPoolSize(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 2}, batch.JobSpec{ID: "job"})

	require.NoError(t, s.EnableAutoscale(ctx, "pool", batch.AutoscalePolicy{Formula: "$TargetDedicatedNodes = nope;", EvaluationInterval: 5 * time.Minute}))

	evaluation, err := s.RunAutoscaleCycle(ctx, "pool")
	require.NoError(t, err)
	assert.Contains(t, evaluation.Error, "undefined variable 'nope'")

	nodes, err := s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
}

func TestNodeStartupDelay(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	config := DefaultConfig()
	config.Clock = clock.Now
	config.NodeStartupDelay = time.Minute
	s := New(config)
	ctx := context.Background()

	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1, StartTask: "sleep 30"}, batch.JobSpec{ID: "job"})
	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t1", CommandLine: "sleep 10"}}))

	nodes, err := s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, batch.NodeStarting, nodes[0].State)

	// Ready at 1m30s, done at 1m40s
	clock.Advance(95 * time.Second)
	nodes, err = s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, batch.NodeRunning, nodes[0].State)

	clock.Advance(5 * time.Second)
	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskCompleted, states["t1"].State)

	nodes, err = s.ListNodes(ctx, "pool")
	require.NoError(t, err)
	assert.Equal(t, batch.NodeIdle, nodes[0].State)
}

func TestJobPreparationAndRelease(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{
		ID:                 "job",
		PreparationCommand: "sleep 5",
		ReleaseCommand:     "echo bye",
	})

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{
		{ID: "t1", CommandLine: "sleep 1"},
		{ID: "t2", CommandLine: "sleep 1"},
	}))

	// Preparation runs once per node: t1 ends at 6s, t2 at 7s
	clock.Advance(6 * time.Second)
	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskCompleted, states["t1"].State)
	assert.Equal(t, batch.TaskRunning, states["t2"].State)

	clock.Advance(time.Second)
	states, err = s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskCompleted, states["t2"].State)

	require.NoError(t, s.DeleteJob(ctx, "job"))
	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestFailedPreparationFailsTask(t *testing.T) {
	s, clock := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{ID: "job", PreparationCommand: "exit 4"})

	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t1", CommandLine: "echo never"}}))
	clock.Advance(time.Millisecond)

	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskFailed, states["t1"].State)
	assert.Equal(t, 4, *states["t1"].ExitCode)

	stderr, err := s.FetchTaskOutput(ctx, "job", "t1", batch.Stderr)
	require.NoError(t, err)
	assert.Contains(t, string(stderr), "job preparation command failed")
}

func TestDeletePoolRequeuesTasks(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()
	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{ID: "job"})
	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t1", CommandLine: "sleep 60"}}))

	require.NoError(t, s.DeletePool(ctx, "pool"))

	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskPending, states["t1"].State)
	assert.Empty(t, states["t1"].NodeID)

	_, err = s.ListNodes(ctx, "pool")
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestTimeScale(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	config := DefaultConfig()
	config.Clock = clock.Now
	config.TimeScale = 60
	s := New(config)
	ctx := context.Background()

	createPoolAndJob(t, s, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}, batch.JobSpec{ID: "job"})
	require.NoError(t, s.SubmitTasks(ctx, "job", []batch.WorkItem{{ID: "t1", CommandLine: "sleep 180"}}))

	clock.Advance(3 * time.Second)
	states, err := s.ListTaskStates(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, batch.TaskCompleted, states["t1"].State)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))

	config := DefaultConfig()
	config.TimeScale = 0
	assert.EqualError(t, Validate(config), "time-scale must be greater than 0")

	config = DefaultConfig()
	config.SampleRetention = time.Second
	assert.EqualError(t, Validate(config), "sample-retention must not be lower than sample-interval")
}

func TestListNodeAgentSKUs(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	skus, err := s.ListNodeAgentSKUs(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().NodeAgentSKUs, skus)

	// Callers get their own copy
	skus[0].Images[0].Version = "1.0.0"
	again, err := s.ListNodeAgentSKUs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "latest", again[0].Images[0].Version)
}
