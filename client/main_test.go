package main

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/gammadia/batchpilot/provider/memory"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastFlags = []string{
	"--memory-time-scale", "1000",
	"--poll-interval", "1ms",
	"--max-poll-interval", "5ms",
	"--autoscale-check-interval", "1ms",
	"--teardown-timeout", "1s",
}

func runCLI(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()

	var out, errOut bytes.Buffer
	batchpilotCmd.SetOut(&out)
	batchpilotCmd.SetErr(&errOut)
	batchpilotCmd.SetArgs(append(args, fastFlags...))
	t.Cleanup(func() {
		batchpilotCmd.SetArgs(nil)
		resetFlags(batchpilotCmd)
	})

	err = batchpilotCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores every flag of the command tree, cobra keeps them between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if slice, ok := f.Value.(pflag.SliceValue); ok {
			lo.Must0(slice.Replace(nil))
		} else {
			lo.Must0(f.Value.Set(f.DefValue))
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"word=world", "empty=", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"word": "world", "empty": "", "eq": "a=b"}, params)

	_, err = parseParams([]string{"novalue"})
	assert.EqualError(t, err, "invalid parameter 'novalue', expected KEY=VALUE")
	_, err = parseParams([]string{"=value"})
	assert.Error(t, err)
}

func TestStressSpecs(t *testing.T) {
	specs := stressSpecs("JobStress", "shared", 3, 2, "sleep 1")
	require.Len(t, specs, 3)

	ids := lo.Map(specs, func(spec orchestrator.RunSpec, _ int) string { return spec.Job.ID })
	assert.Len(t, lo.Uniq(ids), 3)
	for i, spec := range specs {
		assert.Regexp(t, regexp.MustCompile(`^JobStress_\d+_Job_\d$`), spec.Job.ID)
		assert.True(t, strings.HasSuffix(spec.Job.ID, fmt.Sprintf("_Job_%d", i)))
		assert.Equal(t, "shared", spec.ExistingPool)
		assert.Equal(t, []batch.WorkItem{
			{ID: "task0", CommandLine: "sleep 1"},
			{ID: "task1", CommandLine: "sleep 1"},
		}, spec.Items)
	}

	// A second batch never reuses the ids of the first one
	again := stressSpecs("JobStress", "shared", 3, 2, "sleep 1")
	assert.NotEqual(t, specs[0].Job.ID, again[0].Job.ID)
}

func TestStressCommandOnSimulatedPool(t *testing.T) {
	stdout, err := runCLI(t, "stress", "--memory-pools", "shared=2", "--pool", "shared", "--jobs", "3", "--tasks", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "3 jobs, 0 failed")
}

func TestStressCommandUnknownPool(t *testing.T) {
	_, err := runCLI(t, "stress", "--pool", "shared", "--jobs", "2", "--tasks", "1")
	assert.EqualError(t, err, "2 of 2 jobs failed")
}

func TestRunCommandOnExistingPool(t *testing.T) {
	stdout, err := runCLI(t, "run", "testdata/existing_pool.yaml", "--memory-pools", "shared")
	require.NoError(t, err)
	assert.Regexp(t, `only\s+completed\s+tvm-\S+\s+0`, stdout)
}

func TestParsePool(t *testing.T) {
	spec, err := parsePool("shared=3")
	require.NoError(t, err)
	assert.Equal(t, batch.PoolSpec{ID: "shared", TargetDedicatedNodes: 3}, spec)

	spec, err = parsePool("render")
	require.NoError(t, err)
	assert.Equal(t, 1, spec.TargetDedicatedNodes)

	_, err = parsePool("shared=none")
	assert.EqualError(t, err, "pool 'shared=none' must have a positive node count")
	_, err = parsePool("=2")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	stdout, err := runCLI(t, "run", "testdata/hello.yaml", "world", "--param", "word=again", "--show-output")
	require.NoError(t, err)

	assert.Regexp(t, `TASK\s+STATE\s+NODE\s+EXIT\s+STDOUT\s+STDERR`, stdout)
	assert.Regexp(t, `greet\s+completed\s+\S+\s+0\s+12 B`, stdout)
	assert.Regexp(t, `wait\s+completed\s+\S+\s+0\s+6 B`, stdout)
	assert.Contains(t, stdout, "hello world\n")
	assert.Contains(t, stdout, "again\n")
}

func TestRunCommandDryRun(t *testing.T) {
	stdout, err := runCLI(t, "run", "testdata/hello.yaml", "world", "--param", "word=again", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, "command: echo hello world")
	assert.Contains(t, stdout, "name: hello")
}

func TestRunCommandRejectsInvalidRunfile(t *testing.T) {
	_, err := runCLI(t, "run", "testdata/hello.yaml")
	assert.ErrorContains(t, err, "failed to read runfile from 'testdata/hello.yaml'")
}

func TestAutoscaleCommand(t *testing.T) {
	// Cycles are paced by the evaluation interval, a single cycle never waits
	stdout, err := runCLI(t, "autoscale", "testdata/autoscale.yaml", "--cycles", "1")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Evaluation #1")
	assert.NotContains(t, stdout, "Evaluation #2")
	assert.Contains(t, stdout, "$cap=3\n$TargetDedicatedNodes=2\n")
}

func TestUnknownProvider(t *testing.T) {
	_, err := runCLI(t, "jobs", "list", "--provider", "cloud")
	assert.EqualError(t, err, "failed to initialize 'cloud' provider: unknown provider 'cloud'")
}

func TestJobsDelete(t *testing.T) {
	ctx := context.Background()
	simulated := memory.New(memory.DefaultConfig())
	require.NoError(t, simulated.CreatePool(ctx, batch.PoolSpec{ID: "shared", TargetDedicatedNodes: 1}))
	for _, id := range []string{"JobStress_1_Job_0", "jobstress_1_Job_1", "Render_Job"} {
		require.NoError(t, simulated.CreateJob(ctx, batch.JobSpec{ID: id, PoolID: "shared"}))
	}
	service = simulated
	t.Cleanup(func() { service = nil })

	jobsDeleteCmd.SetContext(ctx)
	jobsDeleteCmd.SetErr(&bytes.Buffer{})
	require.NoError(t, jobsDeleteCmd.Flags().Set("pattern", "^JOBSTRESS_"))
	t.Cleanup(func() { resetFlags(jobsDeleteCmd) })
	require.NoError(t, jobsDeleteCmd.RunE(jobsDeleteCmd, nil))

	jobs, err := simulated.ListJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Render_Job"}, jobs)
}

func TestImagesCommand(t *testing.T) {
	stdout, err := runCLI(t, "images")
	require.NoError(t, err)
	assert.Regexp(t, `NODE AGENT SKU\s+PUBLISHER\s+OFFER\s+SKU\s+VERSION`, stdout)
	assert.Regexp(t, `batch.node.ubuntu 22.04\s+canonical\s+\S+\s+22_04-lts\s+latest`, stdout)
}

func TestCompletionCommand(t *testing.T) {
	stdout, err := runCLI(t, "completion", "zsh")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stdout, "#compdef batchpilot"))

	_, err = runCLI(t, "completion", "ksh")
	assert.EqualError(t, err, "unsupported shell 'ksh'")
}

func TestVersionCommand(t *testing.T) {
	stdout, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "batchpilot version dev (n/a)\n", stdout)
}
