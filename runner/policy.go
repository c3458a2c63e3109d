package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/runner/artifacts"
)

// ErrChunkTimeout is returned when a chunk exceeds its time limit.
var ErrChunkTimeout = errors.New("runner: chunk timed out")

// WithTimeout bounds each execution. A non-positive timeout disables it.
func WithTimeout(driver orchestrator.SimulationDriver, timeout time.Duration) orchestrator.SimulationDriver {
	if timeout <= 0 {
		return driver
	}
	return orchestrator.DriverFunc(func(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
		ctx, cancel := context.WithTimeoutCause(ctx, timeout, ErrChunkTimeout)
		defer cancel()
		cp, err := driver.Execute(ctx, spec)
		if err != nil && errors.Is(context.Cause(ctx), ErrChunkTimeout) {
			return cp, fmt.Errorf("%w after %s: %w", ErrChunkTimeout, timeout, err)
		}
		return cp, err
	})
}

// RetryPolicy controls re-execution of a failed chunk.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

// WithRetry re-executes a failed chunk with exponential backoff. The run id
// is unchanged between attempts. Cancellation is never retried.
func WithRetry(driver orchestrator.SimulationDriver, policy RetryPolicy, logger *slog.Logger) orchestrator.SimulationDriver {
	if policy.MaxAttempts <= 1 {
		return driver
	}
	if logger == nil {
		logger = observability.NewLogger("runner")
	}
	return orchestrator.DriverFunc(func(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
		var checkpoint protocol.Checkpoint
		attempt := 0
		operation := func() error {
			attempt++
			cp, err := driver.Execute(ctx, spec)
			if err == nil {
				checkpoint = cp
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			observability.WithRun(logger, spec.RunID).Warn("chunk attempt failed", "event", "chunk_retry",
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"retry_in", wait.String(),
				"error", err)
		}
		if err := backoff.RetryNotify(operation, backoff.WithContext(policy.backOff(), ctx), notify); err != nil {
			return protocol.Checkpoint{}, fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		return checkpoint, nil
	})
}

// WithArchive uploads every produced checkpoint file and records its URI.
func WithArchive(driver orchestrator.SimulationDriver, archiver artifacts.Archiver, ensembleID string, logger *slog.Logger) orchestrator.SimulationDriver {
	if archiver == nil {
		return driver
	}
	if logger == nil {
		logger = observability.NewLogger("runner")
	}
	return orchestrator.DriverFunc(func(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
		cp, err := driver.Execute(ctx, spec)
		if err != nil || cp.Path == "" {
			return cp, err
		}
		uri, err := archiver.ArchiveCheckpoint(ctx, ensembleID, spec.RunID, cp.Path)
		if err != nil {
			return protocol.Checkpoint{}, fmt.Errorf("archive checkpoint of run %d: %w", spec.RunID, err)
		}
		cp.URI = uri
		observability.WithRun(logger, spec.RunID).Info("checkpoint archived", "event", "checkpoint_archived", "uri", uri)
		return cp, nil
	})
}
