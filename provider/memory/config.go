package memory

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/gammadia/batchpilot/provider/internal"
)

type Config struct {
	Logger *slog.Logger `json:"-"`
	// Clock returns the real time; simulated time flows TimeScale times faster.
	Clock func() time.Time `json:"-"`

	TimeScale             float64       `json:"time-scale"`
	DefaultTaskDuration   time.Duration `json:"default-task-duration"`
	NodeStartupDelay      time.Duration `json:"node-startup-delay"`
	SampleInterval        time.Duration `json:"sample-interval"`
	SampleRetention       time.Duration `json:"sample-retention"`
	MinEvaluationInterval time.Duration `json:"min-evaluation-interval"`

	// NodeAgentSKUs is the image catalog of the simulated account.
	NodeAgentSKUs []batch.NodeAgentSKU `json:"node-agent-skus"`
}

func DefaultConfig() Config {
	return Config{
		Clock:                 time.Now,
		TimeScale:             1,
		DefaultTaskDuration:   time.Second,
		NodeStartupDelay:      0,
		SampleInterval:        internal.DefaultSampleInterval,
		SampleRetention:       time.Hour,
		MinEvaluationInterval: batch.MinEvaluationInterval,
		NodeAgentSKUs: []batch.NodeAgentSKU{
			{
				ID: "batch.node.ubuntu 22.04",
				Images: []batch.ImageReference{
					{Publisher: "canonical", Offer: "0001-com-ubuntu-server-jammy", SKU: "22_04-lts", Version: "latest"},
				},
			},
			{
				ID: "batch.node.debian 12",
				Images: []batch.ImageReference{
					{Publisher: "debian", Offer: "debian-12", SKU: "12", Version: "latest"},
				},
			},
			{
				ID: "batch.node.windows amd64",
				Images: []batch.ImageReference{
					{Publisher: "microsoftwindowsserver", Offer: "windowsserver", SKU: "2022-datacenter", Version: "latest"},
					{Publisher: "microsoftwindowsserver", Offer: "windowsserver", SKU: "2019-datacenter", Version: "latest"},
				},
			},
		},
	}
}

func Validate(config Config) error {
	if config.TimeScale <= 0 {
		return errors.New("time-scale must be greater than 0")
	}
	if config.DefaultTaskDuration < 0 {
		return errors.New("default-task-duration must not be negative")
	}
	if config.NodeStartupDelay < 0 {
		return errors.New("node-startup-delay must not be negative")
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
