package main

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/client/log"
	"github.com/gammadia/batchpilot/namegen"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Submits many concurrent jobs to an existing pool",
	Long: "Launches --jobs runs concurrently against the existing --pool, each one job of --tasks tasks. " +
		"A job that cannot be committed is logged and the next one is launched.",
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		pool := lo.Must(cmd.Flags().GetString("pool"))
		jobs := lo.Must(cmd.Flags().GetInt("jobs"))
		tasks := lo.Must(cmd.Flags().GetInt("tasks"))
		if jobs < 1 || tasks < 1 {
			return errors.New("--jobs and --tasks must be greater than 0")
		}

		config, err := orchestratorConfig()
		if err != nil {
			return err
		}
		o := orchestrator.New(service, config)

		specs := stressSpecs(
			lo.Must(cmd.Flags().GetString("prefix")),
			pool,
			jobs,
			tasks,
			lo.Must(cmd.Flags().GetString("command")),
		)
		for i := range specs {
			specs[i].Deadline = lo.Must(cmd.Flags().GetDuration("deadline"))
			specs[i].SkipWait = lo.Must(cmd.Flags().GetBool("no-wait"))
			specs[i].KeepResources = lo.Must(cmd.Flags().GetBool("keep"))
		}

		var failed atomic.Int32
		started := time.Now()
		group, ctx := errgroup.WithContext(cmd.Context())
		group.SetLimit(lo.Must(cmd.Flags().GetInt("concurrency")))
		for _, spec := range specs {
			group.Go(func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				result, err := o.Run(ctx, spec)
				if err != nil {
					failed.Add(1)
					log.Error("Stress job failed", "job", spec.Job.ID, "status", result.Status, "error", err)
					cmd.PrintErrln(color.HiRedString("✗ %s: %v", spec.Job.ID, err))
					return nil
				}
				cmd.PrintErrln(fmt.Sprintf("%s %s (%d tasks, %d failed)", color.HiGreenString("✓"), spec.Job.ID, len(spec.Items), len(result.FailedTasks())))
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return fmt.Errorf("stress interrupted: %w", err)
		}

		cmd.Printf("%d jobs, %d failed, in %s\n", jobs, failed.Load(), time.Since(started).Truncate(time.Millisecond))
		if failed.Load() > 0 {
			return fmt.Errorf("%d of %d jobs failed", failed.Load(), jobs)
		}
		return nil
	},
}

func init() {
	stressCmd.Flags().String("pool", "", "existing pool receiving the jobs")
	stressCmd.Flags().String("prefix", "JobStress", "prefix of the job identifiers")
	stressCmd.Flags().Int("jobs", 10, "number of jobs to submit")
	stressCmd.Flags().Int("tasks", 5, "number of tasks per job")
	stressCmd.Flags().Int("concurrency", 4, "number of jobs submitted concurrently")
	stressCmd.Flags().String("command", "sleep 1", "command line of every task")
	stressCmd.Flags().Duration("deadline", 30*time.Minute, "how long to wait for the tasks of a job")
	stressCmd.Flags().Bool("no-wait", false, "delete each job right after its tasks are submitted")
	stressCmd.Flags().Bool("keep", false, "keep the jobs once they are over")
	lo.Must0(stressCmd.MarkFlagRequired("pool"))
}

// stressSpecs shares one timestamp between all jobs: ids are <prefix>_<ticks>_Job_<n>.
func stressSpecs(prefix string, pool string, jobs int, tasks int, command string) []orchestrator.RunSpec {
	stamp := namegen.Stamp(prefix)
	return lo.Times(jobs, func(j int) orchestrator.RunSpec {
		return orchestrator.RunSpec{
			Role:         prefix,
			ExistingPool: pool,
			Job:          batch.JobSpec{ID: fmt.Sprintf("%s_Job_%d", stamp, j)},
			Items: lo.Times(tasks, func(t int) batch.WorkItem {
				return batch.WorkItem{ID: fmt.Sprintf("task%d", t), CommandLine: command}
			}),
		}
	})
}
