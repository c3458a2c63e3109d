// Package runner executes simulation chunks. Every driver and policy here
// satisfies orchestrator.SimulationDriver.
package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/protocol"
)

// DryRunDriver completes every chunk immediately without running anything.
type DryRunDriver struct {
	Logger *slog.Logger
}

func (d DryRunDriver) Execute(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Checkpoint{}, err
	}
	if d.Logger != nil {
		observability.WithRun(d.Logger, spec.RunID).Debug("dry run chunk", "event", "chunk_dry_run",
			"phase", string(spec.Phase),
			"duration_hours", int64(spec.Duration),
			"restart", spec.Restart.URI)
	}
	return protocol.Checkpoint{
		RunID: spec.RunID,
		URI:   fmt.Sprintf("dryrun://run%04d", spec.RunID),
	}, nil
}
