package main

import (
	"fmt"

	"github.com/gammadia/batchpilot/client/ui"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var autoscaleCmd = &cobra.Command{
	Use:   "autoscale [RUNFILE] [ARGS...]",
	Short: "Creates an autoscaled pool, observes its formula evaluations, then deletes it",
	Long: "Creates the pool described by the runfile with its autoscale formula, submits the tasks, " +
		"then evaluates the formula and counts the pool nodes once per cycle. Tasks are not waited for.",
	Args: cobra.MinimumNArgs(1),

	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := readRunfile(cmd, args)
		if err != nil {
			return err
		}
		if r.ExistingPool != "" || r.Pool.Autoscale == nil {
			return fmt.Errorf("runfile '%s' must describe a pool with an autoscale formula", args[0])
		}

		config, err := orchestratorConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("cycles") {
			config.AutoscaleCycles = lo.Must(cmd.Flags().GetInt("cycles"))
		}

		spec := r.RunSpec()
		spec.SkipWait = true
		result, err := execute(cmd, spec, config)

		for i, evaluation := range result.Evaluations {
			cmd.Println()
			cmd.Println(ui.SectionHeaderColor.Sprintf("  Evaluation #%d  ", i+1))
			if evaluation.Error != "" {
				cmd.Println("error=" + evaluation.Error)
				continue
			}
			for _, line := range evaluation.Results {
				cmd.Println(line)
			}
		}

		if archiveErr := writeArchive(cmd, lo.Must(cmd.Flags().GetString("output")), result); archiveErr != nil {
			return archiveErr
		}
		return err
	},
}

func init() {
	autoscaleCmd.Flags().StringArrayP("param", "p", nil, "runfile parameters to set (KEY=VALUE)")
	autoscaleCmd.Flags().Int("cycles", 4, "number of evaluation cycles (overrides --autoscale-cycles)")
	autoscaleCmd.Flags().StringP("output", "o", "", "write a summary to this .tar.zst archive")
}
