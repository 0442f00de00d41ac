package main

import (
	"fmt"
	"regexp"

	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/client/log"
	"github.com/gammadia/batchpilot/client/ui"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the jobs of the batch service",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := service.ListJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		for _, job := range jobs {
			cmd.Println(job)
		}
		return nil
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete every job whose id matches a pattern",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		pattern, err := regexp.Compile("(?i)" + lo.Must(cmd.Flags().GetString("pattern")))
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}

		jobs, err := service.ListJobs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		matching := lo.Filter(jobs, func(job string, _ int) bool { return pattern.MatchString(job) })
		if len(matching) == 0 {
			cmd.PrintErrln("No matching job")
			return nil
		}

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			for _, job := range matching {
				cmd.Println(job)
			}
			return nil
		}

		failed := 0
		for _, job := range matching {
			spinner := ui.NewSpinner(fmt.Sprintf("Deleting job '%s'", job))
			if err := service.DeleteJob(cmd.Context(), job); err != nil {
				failed += 1
				spinner.Fail()
				log.Error("Failed to delete job", "job", job, "error", err)
				continue
			}
			spinner.Success(fmt.Sprintf("Deleted job '%s'", job))
		}

		if failed > 0 {
			return fmt.Errorf("failed to delete %d of %d jobs", failed, len(matching))
		}
		cmd.PrintErrln(color.HiGreenString("Deleted %d jobs", len(matching)))
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)

	jobsDeleteCmd.Flags().String("pattern", "", "regular expression matched against job ids, case insensitive")
	jobsDeleteCmd.Flags().BoolP("dry-run", "n", false, "only list the jobs that would be deleted")
	lo.Must0(jobsDeleteCmd.MarkFlagRequired("pattern"))
}
