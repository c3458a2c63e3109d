package orchestrator

import (
	"context"

	"github.com/izavyalov-dev/chunkrun/state"
)

// StatusReporter publishes run transitions to external systems.
type StatusReporter interface {
	ReportRun(ctx context.Context, ensembleID string, run state.Run) error
}

// NoopStatusReporter ignores status updates.
type NoopStatusReporter struct{}

func (NoopStatusReporter) ReportRun(ctx context.Context, ensembleID string, run state.Run) error {
	return nil
}
