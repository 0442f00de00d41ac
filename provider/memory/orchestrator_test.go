package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/gammadia/batchpilot/provider/memory"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFastService() *memory.Service {
	config := memory.DefaultConfig()
	config.TimeScale = 1000
	return memory.New(config)
}

func orchestratorConfig() orchestrator.Config {
	config := orchestrator.DefaultConfig()
	config.PollInterval = time.Millisecond
	config.MaxPollInterval = 5 * time.Millisecond
	config.AutoscaleCycles = 0
	config.TeardownTimeout = time.Second
	return config
}

func sleepItems(n int) []batch.WorkItem {
	return lo.Times(n, func(i int) batch.WorkItem {
		return batch.WorkItem{
			ID:          fmt.Sprintf("task-%d", i),
			CommandLine: fmt.Sprintf(`/bin/sh -c "sleep %d && echo done %d"`, n-i, i),
		}
	})
}

func TestRunAgainstSimulatedService(t *testing.T) {
	service := newFastService()
	o := orchestrator.New(service, orchestratorConfig())

	result, err := o.Run(context.Background(), orchestrator.RunSpec{
		Role:     "smoke",
		Pool:     batch.PoolSpec{VMSize: "standard_d2s_v3", TargetDedicatedNodes: 2, TaskSlotsPerNode: 2},
		Items:    sleepItems(5),
		Deadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.RunSucceeded, result.Status)

	// Observations follow submission order, not completion order
	require.Len(t, result.Observations, 5)
	for i, observation := range result.Observations {
		assert.Equal(t, fmt.Sprintf("task-%d", i), observation.ID)
		assert.Equal(t, batch.TaskCompleted, observation.State)
		assert.NotEmpty(t, observation.NodeID)
		assert.Equal(t, fmt.Sprintf("done %d\n", i), string(observation.Stdout))
	}
	assert.Empty(t, result.TeardownErrors)

	jobs, err := service.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	_, err = service.ListNodes(context.Background(), result.Pool.ID)
	assert.ErrorIs(t, err, batch.ErrNotFound)
}

func TestRunReportsFailedTasks(t *testing.T) {
	service := newFastService()
	o := orchestrator.New(service, orchestratorConfig())

	result, err := o.Run(context.Background(), orchestrator.RunSpec{
		Role: "failing",
		Pool: batch.PoolSpec{TargetDedicatedNodes: 1},
		Items: []batch.WorkItem{
			{ID: "ok", CommandLine: "echo fine"},
			{ID: "ko", CommandLine: "sleep 1; exit 2"},
		},
		Deadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ko"}, result.FailedTasks())
	assert.Equal(t, 2, *result.Observations[1].ExitCode)
}

func TestRunWithAutoscalePool(t *testing.T) {
	service := newFastService()
	o := orchestrator.New(service, orchestratorConfig())

	// The pool starts empty and only gets nodes at the second evaluation,
	// five simulated minutes after creation.
	result, err := o.Run(context.Background(), orchestrator.RunSpec{
		Role: "autoscale",
		Pool: batch.PoolSpec{
			TaskSlotsPerNode: 4,
			Autoscale: &batch.AutoscalePolicy{
				Formula:            "$TargetDedicatedNodes = min(2, max($PendingTasks.GetSample(1)));",
				EvaluationInterval: 5 * time.Minute,
			},
		},
		Items:    sleepItems(3),
		Deadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, lo.EveryBy(result.Observations, func(o batch.TaskObservation) bool {
		return o.State == batch.TaskCompleted
	}))
}

func TestAutoscaleControllerEvaluateThenAttach(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	config := memory.DefaultConfig()
	config.Clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	service := memory.New(config)
	ctx := context.Background()
	require.NoError(t, service.CreatePool(ctx, batch.PoolSpec{ID: "pool", TargetDedicatedNodes: 1}))

	controller := orchestrator.NewAutoscaleController(service, orchestratorConfig())
	pool := orchestrator.ExistingPool("pool")
	policy := batch.AutoscalePolicy{Formula: "$TargetDedicatedNodes = 3;", EvaluationInterval: 5 * time.Minute}

	for range 5 {
		evaluation, err := controller.Evaluate(ctx, pool, policy)
		require.NoError(t, err)
		assert.Equal(t, 3, evaluation.TargetCounts[batch.NodeTypeDedicated])

		advance(10 * time.Minute)
		nodes, err := controller.ObserveNodes(ctx, pool)
		require.NoError(t, err)
		assert.Equal(t, 1, nodes)
	}

	require.NoError(t, controller.Attach(ctx, pool, policy))
	advance(time.Minute)

	nodes, err := controller.ObserveNodes(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, 3, nodes)
}

func TestRunTimesOutAndStillTearsDown(t *testing.T) {
	service := newFastService()
	o := orchestrator.New(service, orchestratorConfig())

	result, err := o.Run(context.Background(), orchestrator.RunSpec{
		Role:     "slow",
		Pool:     batch.PoolSpec{TargetDedicatedNodes: 1},
		Items:    []batch.WorkItem{{ID: "forever", CommandLine: "sleep 86400"}},
		Deadline: 20 * time.Millisecond,
	})
	require.ErrorIs(t, err, orchestrator.ErrTimeout)
	assert.Equal(t, orchestrator.RunTimedOut, result.Status)
	assert.Empty(t, result.Observations)

	jobs, err := service.ListJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStressOnSharedPool(t *testing.T) {
	service := newFastService()
	ctx := context.Background()
	require.NoError(t, service.CreatePool(ctx, batch.PoolSpec{ID: "shared", TargetDedicatedNodes: 3, TaskSlotsPerNode: 2}))
	o := orchestrator.New(service, orchestratorConfig())

	results := make(chan *orchestrator.RunResult, 4)
	for i := range 4 {
		go func() {
			result, _ := o.Run(ctx, orchestrator.RunSpec{
				Role:         fmt.Sprintf("stress-%d", i),
				ExistingPool: "shared",
				Items:        sleepItems(3),
				Deadline:     10 * time.Second,
			})
			results <- result
		}()
	}

	jobIDs := map[string]bool{}
	for range 4 {
		result := <-results
		assert.Equal(t, orchestrator.RunSucceeded, result.Status, "%v", result.Err)
		assert.False(t, result.Pool.Owned)
		jobIDs[result.Job.ID] = true
	}
	assert.Len(t, jobIDs, 4)

	// The shared pool survives every run
	nodes, err := service.ListNodes(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}
