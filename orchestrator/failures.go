package orchestrator

import (
	"errors"
	"fmt"

	"github.com/izavyalov-dev/chunkrun/planner"
	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/state"
)

// ErrCanceled marks a chain that stopped issuing chunks after global cancellation.
var ErrCanceled = errors.New("orchestrator: chain canceled")

// ErrLineageGap is returned when the previous run of a chain does not end
// where the next chunk starts.
var ErrLineageGap = errors.New("orchestrator: lineage gap")

const (
	FailureInvalidDuration = "invalid_duration"
	FailureLedger          = "ledger"
	FailureNotReady        = "not_ready"
	FailureSimulation      = "simulation_failure"
	FailureCanceled        = "canceled"
	FailureInternal        = "internal"
)

// ChainError reports the chain and run at which a chain was aborted.
type ChainError struct {
	Phase  protocol.Phase
	Branch *int
	RunID  int64
	Err    error
}

func (e *ChainError) Error() string {
	where := chainName(e.Phase, e.Branch)
	if e.RunID != 0 {
		where = fmt.Sprintf("%s run %d", where, e.RunID)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// ClassifyFailure maps an error onto a failure kind used for metrics and logs.
func ClassifyFailure(err error) string {
	var sim SimulationFailure
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCanceled):
		return FailureCanceled
	case errors.As(err, &sim):
		return FailureSimulation
	case errors.Is(err, planner.ErrInvalidDuration):
		return FailureInvalidDuration
	case errors.Is(err, state.ErrNotReady):
		return FailureNotReady
	case errors.Is(err, state.ErrUnknownRun),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, state.ErrInvalidRun),
		errors.Is(err, state.ErrNoSuchRun),
		errors.Is(err, ErrLineageGap),
		state.IsUnknownStatusError(err):
		return FailureLedger
	default:
		return FailureInternal
	}
}

// fatal reports whether err indicates a scheduling bug or a broken journal
// rather than a failure contained to one chain.
func fatal(err error) bool {
	switch ClassifyFailure(err) {
	case FailureLedger, FailureInternal, FailureInvalidDuration:
		return true
	default:
		return false
	}
}

func chainName(phase protocol.Phase, branch *int) string {
	if branch != nil {
		return fmt.Sprintf("%s branch %d", phase, *branch)
	}
	return string(phase)
}
