package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/client/flags"
	"github.com/gammadia/batchpilot/client/log"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var verbose bool

// service is the batch service selected with --provider, shared by every run of the command
var service batch.Service

// closers are called once the command has completed
var closers []io.Closer

var batchpilotCmd = &cobra.Command{
	Use:   "batchpilot",
	Short: "Batchpilot runs ephemeral batch workloads and cleans up after them.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		if err := log.Init(cmd.ErrOrStderr(), cmd.CommandPath()); err != nil {
			return err
		}

		service, err = newService(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize '%s' provider: %w", viper.GetString(flags.Provider), err)
		}

		if limit := viper.GetFloat64(flags.Rate); limit > 0 {
			service = batch.Throttle(service, rate.NewLimiter(rate.Limit(limit), max(1, viper.GetInt(flags.RateBurst))))
			log.Debug("Throttling batch service calls", "rate", limit, "burst", viper.GetInt(flags.RateBurst))
		}

		if listen := viper.GetString(flags.MetricsListen); listen != "" {
			closers = append(closers, serveMetrics(listen))
		}
		return nil
	},

	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeAll()
	},
}

func closeAll() error {
	var errs []error
	for _, closer := range lo.Reverse(closers) {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("failed to release resources: %v", errs)
	}
	return nil
}

func init() {
	batchpilotCmd.AddCommand(autoscaleCmd)
	batchpilotCmd.AddCommand(completionCmd)
	batchpilotCmd.AddCommand(imagesCmd)
	batchpilotCmd.AddCommand(jobsCmd)
	batchpilotCmd.AddCommand(runCmd)
	batchpilotCmd.AddCommand(stressCmd)
	batchpilotCmd.AddCommand(versionCmd)

	batchpilotCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	flags.Bind(batchpilotCmd.PersistentFlags())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	batchpilotCmd.SetOut(os.Stdout)
	if err := batchpilotCmd.ExecuteContext(ctx); err != nil {
		_ = closeAll()
		lo.Must(fmt.Fprintln(os.Stderr, color.HiRedString(fmt.Sprint(err))))
		os.Exit(1)
	}
}
