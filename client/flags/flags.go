package flags

import (
	"strings"
	"time"

	"github.com/gammadia/batchpilot/batch"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat     = "log-format"
	LogLevel      = "log-level"
	LogSource     = "log-source"
	MetricsListen = "metrics-listen"
	Provider      = "provider"
	Rate          = "rate"
	RateBurst     = "rate-burst"

	PollInterval                   = "poll-interval"
	MaxPollInterval                = "max-poll-interval"
	MaxPollFailures                = "max-poll-failures"
	AutoscaleCycles                = "autoscale-cycles"
	AutoscaleCheckInterval         = "autoscale-check-interval"
	MinEvaluationInterval          = "min-evaluation-interval"
	MaxConsecutiveEvaluationErrors = "max-consecutive-evaluation-errors"
	TeardownTimeout                = "teardown-timeout"

	MemoryTimeScale    = "memory-time-scale"
	MemoryPools        = "memory-pools"
	DockerDefaultImage = "docker-default-image"
	DockerMaxNodes     = "docker-max-nodes"
)

// Bind declares the global flags on the given set and binds them into viper,
// so that every flag can also be set with a BATCHPILOT_* environment variable.
func Bind(flags *flag.FlagSet) {
	// Batchpilot
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(MetricsListen, "", "expose prometheus metrics on this address during the run (e.g. :9090)")
	flags.String(Provider, "memory", "batch service provider to use (memory, docker)")
	flags.Float64(Rate, 0, "maximum number of batch service calls per second (0 for unlimited)")
	flags.Int(RateBurst, 10, "number of batch service calls allowed in a burst")

	// Orchestrator
	flags.Duration(PollInterval, 2*time.Second, "initial interval between task state polls")
	flags.Duration(MaxPollInterval, 30*time.Second, "maximum interval between task state polls")
	flags.Int(MaxPollFailures, 5, "consecutive poll failures before giving up")
	flags.Int(AutoscaleCycles, 4, "number of autoscale evaluation cycles to observe")
	flags.Duration(AutoscaleCheckInterval, batch.MinEvaluationInterval, "how long to wait between autoscale cycles")
	flags.Duration(MinEvaluationInterval, batch.MinEvaluationInterval, "minimum autoscale evaluation interval")
	flags.Int(MaxConsecutiveEvaluationErrors, 0, "abort after this many consecutive formula errors (0 to never abort)")
	flags.Duration(TeardownTimeout, 5*time.Minute, "how long teardown may take once the run ends")

	// Providers
	flags.Float64(MemoryTimeScale, 1, "speed factor of the simulated clock (memory provider)")
	flags.StringSlice(MemoryPools, nil, "existing pools of the simulated account, as ID or ID=NODES (memory provider)")
	flags.String(DockerDefaultImage, "alpine:3.20", "image used by tasks that do not set one (docker provider)")
	flags.Int(DockerMaxNodes, 8, "maximum number of nodes per pool (docker provider)")

	// Init
	viper.SetEnvPrefix("batchpilot")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
