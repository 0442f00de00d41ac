package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Registerer receives the orchestrator metrics. Nil disables registration.
	Registerer prometheus.Registerer `json:"-"`

	PollInterval    time.Duration `json:"poll-interval"`
	MaxPollInterval time.Duration `json:"max-poll-interval"`
	MaxPollFailures int           `json:"max-poll-failures"`

	AutoscaleCycles        int           `json:"autoscale-cycles"`
	AutoscaleCheckInterval time.Duration `json:"autoscale-check-interval"`
	MinEvaluationInterval  time.Duration `json:"min-evaluation-interval"`
	// MaxConsecutiveEvaluationErrors escalates formula errors to a fatal
	// condition once reached. Zero never escalates.
	MaxConsecutiveEvaluationErrors int `json:"max-consecutive-evaluation-errors"`

	TeardownTimeout time.Duration `json:"teardown-timeout"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval:           2 * time.Second,
		MaxPollInterval:        30 * time.Second,
		MaxPollFailures:        5,
		AutoscaleCycles:        4,
		AutoscaleCheckInterval: batch.MinEvaluationInterval,
		MinEvaluationInterval:  batch.MinEvaluationInterval,
		TeardownTimeout:        5 * time.Minute,
	}
}

// withDefaults replaces the unset durations and limits with their default value.
// AutoscaleCycles, AutoscaleCheckInterval and MaxConsecutiveEvaluationErrors
// are meaningful at zero and kept as is.
func (config Config) withDefaults() Config {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollInterval <= 0 {
		config.MaxPollInterval = defaults.MaxPollInterval
	}
	config.MaxPollInterval = max(config.MaxPollInterval, config.PollInterval)
	if config.MaxPollFailures <= 0 {
		config.MaxPollFailures = defaults.MaxPollFailures
	}
	if config.MinEvaluationInterval <= 0 {
		config.MinEvaluationInterval = defaults.MinEvaluationInterval
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = defaults.TeardownTimeout
	}
	return config
}

func Validate(config Config) error {
	if config.PollInterval <= 0 {
		return errors.New("poll-interval must be greater than 0")
	}
	if config.MaxPollInterval < config.PollInterval {
		return errors.New("max-poll-interval must not be lower than poll-interval")
	}
	if config.MaxPollFailures < 1 {
		return errors.New("max-poll-failures must be greater than 0")
	}
	if config.AutoscaleCycles < 0 {
		return errors.New("autoscale-cycles must not be negative")
	}
	if config.AutoscaleCheckInterval < 0 {
		return errors.New("autoscale-check-interval must not be negative")
	}
	if config.MinEvaluationInterval <= 0 {
		return errors.New("min-evaluation-interval must be greater than 0")
	}
	if config.MaxConsecutiveEvaluationErrors < 0 {
		return errors.New("max-consecutive-evaluation-errors must not be negative")
	}
	if config.TeardownTimeout <= 0 {
		return errors.New("teardown-timeout must be greater than 0")
	}
	return nil
}
