package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	return NewLoggerTo(os.Stdout, component, slog.LevelInfo)
}

// NewLoggerTo returns a JSON logger writing to w at the given level.
func NewLoggerTo(w io.Writer, component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// ParseLevel maps debug|info|warn|error onto a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

func WithEnsemble(logger *slog.Logger, ensembleID string) *slog.Logger {
	if logger == nil || ensembleID == "" {
		return logger
	}
	return logger.With("ensemble_id", ensembleID)
}

func WithRun(logger *slog.Logger, runID int64) *slog.Logger {
	if logger == nil || runID == 0 {
		return logger
	}
	return logger.With("run_id", runID)
}

// WithChain tags a logger with the phase and, for spinoff chains, the branch.
func WithChain(logger *slog.Logger, phase protocol.Phase, branch *int) *slog.Logger {
	if logger == nil {
		return logger
	}
	logger = logger.With("phase", string(phase))
	if branch != nil {
		logger = logger.With("branch", *branch)
	}
	return logger
}
