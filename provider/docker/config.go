package docker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/provider/internal"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// DefaultImage runs the work items that do not name an image.
	DefaultImage string `json:"default-image"`
	// MaxNodes caps the number of logical nodes of a pool.
	MaxNodes              int           `json:"max-nodes"`
	RetryAttempts         int           `json:"retry-attempts"`
	SampleInterval        time.Duration `json:"sample-interval"`
	SampleRetention       time.Duration `json:"sample-retention"`
	MinEvaluationInterval time.Duration `json:"min-evaluation-interval"`
}

func DefaultConfig() Config {
	return Config{
		DefaultImage:          "alpine:3.20",
		MaxNodes:              8,
		RetryAttempts:         3,
		SampleInterval:        internal.DefaultSampleInterval,
		SampleRetention:       time.Hour,
		MinEvaluationInterval: batch.MinEvaluationInterval,
	}
}

func Validate(config Config) error {
	if config.DefaultImage == "" {
		return errors.New("default-image must not be empty")
	}
	if config.MaxNodes <= 0 {
		return errors.New("max-nodes must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		return errors.New("retry-attempts must be greater than 0")
	}
	if config.SampleInterval <= 0 {
		return errors.New("sample-interval must be greater than 0")
	}
	if config.SampleRetention < config.SampleInterval {
		return errors.New("sample-retention must not be lower than sample-interval")
	}
	if config.MinEvaluationInterval <= 0 {
		return errors.New("min-evaluation-interval must be greater than 0")
	}
	return nil
}
