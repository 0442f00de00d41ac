// Package log holds the loggers of the command line. They write to the error
// stream of the command, its output stream is kept for results.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gammadia/batchpilot/client/flags"
	"github.com/spf13/viper"
)

// Base is a bare logger without attributes
var Base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// logger tags every record with the running command
var logger = Base

// Init builds the loggers from the bound flags, writing to w on behalf of command.
func Init(w io.Writer, command string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString(flags.LogLevel))); err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	options := &slog.HandlerOptions{
		AddSource: viper.GetBool(flags.LogSource),
		Level:     level,
	}

	var handler slog.Handler
	switch format := viper.GetString(flags.LogFormat); format {
	case "json":
		handler = slog.NewJSONHandler(w, options)
	case "text":
		handler = slog.NewTextHandler(w, options)
	default:
		return fmt.Errorf("unknown log format '%s'", format)
	}

	Base = slog.New(handler)
	logger = Base.With("command", command)
	return nil
}

// For returns the logger handed to a component: the orchestrator or a provider.
func For(component string) *slog.Logger {
	return logger.With("component", component)
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}
