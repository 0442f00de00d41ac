package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/client/ui"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/gammadia/batchpilot/results"
	"github.com/spf13/cobra"
)

// execute performs one run while rendering its events, then reports on stderr.
func execute(cmd *cobra.Command, spec orchestrator.RunSpec, config orchestrator.Config) (*orchestrator.RunResult, error) {
	o := orchestrator.New(service, config)
	events, unsubscribe := o.Subscribe()

	progress := ui.NewProgress(verbose)
	spinner := ui.NewSpinner(fmt.Sprintf("Running '%s'", spec.Role))

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for event := range events {
			if line, ok := progress.Apply(event); ok {
				spinner.Println(line)
			}
			spinner.UpdateMessage(progress.Status(spec.Role))
		}
	}()

	result, err := o.Run(cmd.Context(), spec)
	unsubscribe()
	<-rendered

	duration := result.Finished.Sub(result.Started).Truncate(time.Millisecond)
	switch failed := result.FailedTasks(); {
	case err != nil:
		spinner.Fail(fmt.Sprintf("Run '%s' %s after %s", result.Name, result.Status, duration))
	case len(failed) > 0:
		spinner.Warn(fmt.Sprintf("Run '%s' finished in %s with %d failed tasks", result.Name, duration, len(failed)))
	default:
		spinner.Success(fmt.Sprintf("Run '%s' %s in %s", result.Name, result.Status, duration))
	}

	if breakdown := progress.Breakdown(); breakdown != "" && (err != nil || verbose) {
		cmd.PrintErrln(breakdown)
	}
	for _, diagnostic := range result.Diagnostics {
		cmd.PrintErrln(color.HiYellowString("! %s", diagnostic))
	}
	return result, err
}

// writeArchive stores the run result in the given file, if any.
func writeArchive(cmd *cobra.Command, output string, result *orchestrator.RunResult) (err error) {
	if output == "" {
		return nil
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", closeErr)
		}
	}()

	if err = results.WriteArchive(file, result); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	cmd.PrintErrln(color.HiGreenString("Results written to '%s'", output))
	return nil
}

func parseParams(params []string) (map[string]string, error) {
	parsed := map[string]string{}
	for _, param := range params {
		key, value, ok := strings.Cut(param, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter '%s', expected KEY=VALUE", param)
		}
		parsed[key] = value
	}
	return parsed, nil
}
