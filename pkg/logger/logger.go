// Package logger builds the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New.
type Options struct {
	AddSource bool
	Level     string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// New returns a JSON logger and installs it as the slog default.
// An unknown level falls back to info and is reported through the error.
func New(opt *Options) (*slog.Logger, error) {
	if opt == nil {
		return nil, fmt.Errorf("logger options are required")
	}

	level, err := ParseLevel(opt.Level)

	out := opt.Output
	if out == nil {
		out = os.Stdout
	}

	log := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: opt.AddSource,
		Level:     level,
	}))
	slog.SetDefault(log)

	return log, err
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", level)
	}
}
