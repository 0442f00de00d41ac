package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/client/flags"
	"github.com/gammadia/batchpilot/client/log"
	"github.com/gammadia/batchpilot/orchestrator"
	"github.com/gammadia/batchpilot/provider/docker"
	"github.com/gammadia/batchpilot/provider/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
)

// registry collects the orchestrator metrics exposed by --metrics-listen
var registry = prometheus.NewRegistry()

func newService(ctx context.Context) (batch.Service, error) {
	switch provider := viper.GetString(flags.Provider); provider {
	case "memory":
		config := memory.DefaultConfig()
		config.Logger = log.For("memory")
		config.TimeScale = viper.GetFloat64(flags.MemoryTimeScale)
		if err := memory.Validate(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}

		simulated := memory.New(config)
		for _, entry := range viper.GetStringSlice(flags.MemoryPools) {
			spec, err := parsePool(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid configuration: %w", err)
			}
			if err := simulated.CreatePool(ctx, spec); err != nil {
				return nil, fmt.Errorf("failed to create simulated pool: %w", err)
			}
		}
		return simulated, nil

	case "docker":
		config := docker.DefaultConfig()
		config.Logger = log.For("docker")
		config.DefaultImage = viper.GetString(flags.DockerDefaultImage)
		config.MaxNodes = viper.GetInt(flags.DockerMaxNodes)
		if err := docker.Validate(config); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}

		client, err := docker.NewClient(ctx)
		if err != nil {
			return nil, err
		}
		closers = append(closers, client)
		return docker.New(client, config), nil

	default:
		return nil, fmt.Errorf("unknown provider '%s'", provider)
	}
}

// parsePool reads a --memory-pools entry, ID or ID=NODES.
func parsePool(entry string) (batch.PoolSpec, error) {
	id, count, hasCount := strings.Cut(entry, "=")
	spec := batch.PoolSpec{ID: id, TargetDedicatedNodes: 1}
	if id == "" {
		return spec, fmt.Errorf("pool '%s' must have an id", entry)
	}
	if hasCount {
		nodes, err := strconv.Atoi(count)
		if err != nil || nodes < 1 {
			return spec, fmt.Errorf("pool '%s' must have a positive node count", entry)
		}
		spec.TargetDedicatedNodes = nodes
	}
	return spec, nil
}

func orchestratorConfig() (orchestrator.Config, error) {
	config := orchestrator.DefaultConfig()
	config.Logger = log.For("orchestrator")
	if viper.GetString(flags.MetricsListen) != "" {
		config.Registerer = registry
	}
	config.PollInterval = viper.GetDuration(flags.PollInterval)
	config.MaxPollInterval = viper.GetDuration(flags.MaxPollInterval)
	config.MaxPollFailures = viper.GetInt(flags.MaxPollFailures)
	config.AutoscaleCycles = viper.GetInt(flags.AutoscaleCycles)
	config.AutoscaleCheckInterval = viper.GetDuration(flags.AutoscaleCheckInterval)
	config.MinEvaluationInterval = viper.GetDuration(flags.MinEvaluationInterval)
	config.MaxConsecutiveEvaluationErrors = viper.GetInt(flags.MaxConsecutiveEvaluationErrors)
	config.TeardownTimeout = viper.GetDuration(flags.TeardownTimeout)

	if err := orchestrator.Validate(config); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
