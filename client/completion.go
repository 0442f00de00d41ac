package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion SHELL",
	Short: "Prints the completion script of batchpilot for a shell",
	Long: "Prints the completion script for bash, zsh, fish or powershell. " +
		"For instance: source <(batchpilot completion bash)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bash", "zsh", "fish", "powershell"},

	// Completion scripts need no batch service
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return batchpilotCmd.GenBashCompletionV2(out, true)
		case "zsh":
			return batchpilotCmd.GenZshCompletion(out)
		case "fish":
			return batchpilotCmd.GenFishCompletion(out, true)
		case "powershell":
			return batchpilotCmd.GenPowerShellCompletionWithDesc(out)
		default:
			return fmt.Errorf("unsupported shell '%s'", args[0])
		}
	},
}
