package orchestrator

import (
	"context"
	"fmt"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// SimulationDriver executes one chunk of the external simulation. Execute may
// block for as long as the simulation runs and returns the restart checkpoint.
type SimulationDriver interface {
	Execute(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error)
}

// DriverFunc adapts a function to SimulationDriver.
type DriverFunc func(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error)

func (f DriverFunc) Execute(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
	return f(ctx, spec)
}

// SimulationFailure wraps an error returned by the simulation driver.
type SimulationFailure struct {
	RunID int64
	Cause error
}

func (e SimulationFailure) Error() string {
	return fmt.Sprintf("simulation failure in run %d: %v", e.RunID, e.Cause)
}

func (e SimulationFailure) Unwrap() error {
	return e.Cause
}
