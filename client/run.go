package main

import (
	"fmt"
	"strings"

	"github.com/gammadia/batchpilot/client/runfile"
	"github.com/gammadia/batchpilot/client/ui"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var runCmd = &cobra.Command{
	Use:   "run [RUNFILE] [ARGS...]",
	Short: "Runs a workload on its own pool and job, then deletes them",
	Args:  cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := readRunfile(cmd, args)
		if err != nil {
			return err
		}

		if lo.Must(cmd.Flags().GetBool("dry-run")) {
			cmd.Println()
			cmd.Println(ui.SectionHeaderColor.Sprint("  Runfile  "))
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(r)
		}

		spec := r.RunSpec()
		if lo.Must(cmd.Flags().GetBool("keep")) {
			spec.KeepResources = true
		}

		config, err := orchestratorConfig()
		if err != nil {
			return err
		}
		result, err := execute(cmd, spec, config)

		if len(result.Observations) > 0 {
			cmd.Println()
			if tableErr := ui.WriteTaskTable(cmd.OutOrStdout(), result.Observations); tableErr != nil {
				return tableErr
			}
		}

		if lo.Must(cmd.Flags().GetBool("show-output")) {
			for _, observation := range result.Observations {
				cmd.Println()
				cmd.Println(ui.SectionHeaderColor.Sprintf("  %s  ", observation.ID))
				cmd.Print(string(observation.Stdout))
				cmd.PrintErr(string(observation.Stderr))
			}
		}

		if archiveErr := writeArchive(cmd, lo.Must(cmd.Flags().GetString("output")), result); archiveErr != nil {
			return archiveErr
		}

		if err != nil {
			return err
		}
		if failed := result.FailedTasks(); len(failed) > 0 {
			return fmt.Errorf("%d tasks failed: %s", len(failed), strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolP("dry-run", "n", false, "show the evaluated runfile without running it")
	runCmd.Flags().StringArrayP("param", "p", nil, "runfile parameters to set (KEY=VALUE)")
	runCmd.Flags().Bool("keep", false, "keep the pool and job once the run is over")
	runCmd.Flags().StringP("output", "o", "", "write outputs and a summary to this .tar.zst archive")
	runCmd.Flags().Bool("show-output", false, "print the output of every task")
}

func readRunfile(cmd *cobra.Command, args []string) (*runfile.Runfile, error) {
	var spinner *ui.Spinner
	if !verbose {
		spinner = ui.NewSpinner("Reading runfile")
	}

	params, err := parseParams(lo.Must(cmd.Flags().GetStringArray("param")))
	if err != nil {
		spinner.Fail()
		return nil, err
	}

	r, err := runfile.Read(args[0], runfile.ReadOptions{
		Args:   args[1:],
		Params: params,
	})
	if err != nil {
		spinner.Fail()
		if e, ok := err.(runfile.UnmarshalError); ok && verbose {
			cmd.PrintErrln(e.Source)
		}
		return nil, fmt.Errorf("failed to read runfile from '%s': %w", args[0], err)
	}

	spinner.Success()
	return r, nil
}
