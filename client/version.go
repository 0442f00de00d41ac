package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Batchpilot",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Printf("batchpilot version %s (%s)\n", version, commit[:min(len(commit), 7)])
		return nil
	},
}
