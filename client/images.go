package main

import (
	"fmt"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/client/flags"
	"github.com/gammadia/batchpilot/client/ui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the node agents of the batch service and the images they support",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, ok := service.(batch.ImageCatalog)
		if !ok {
			return fmt.Errorf("provider '%s' has no image catalog", viper.GetString(flags.Provider))
		}

		skus, err := catalog.ListNodeAgentSKUs(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list node agent SKUs: %w", err)
		}
		return ui.WriteImageTable(cmd.OutOrStdout(), skus)
	},
}
