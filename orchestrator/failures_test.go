package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/izavyalov-dev/chunkrun/planner"
	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/state"
)

func TestClassifyFailure(t *testing.T) {
	cases := map[string]error{
		"":                     nil,
		FailureCanceled:        fmt.Errorf("%w: %w", ErrCanceled, SimulationFailure{Cause: context.Canceled}),
		FailureSimulation:      SimulationFailure{RunID: 3, Cause: errors.New("exit status 1")},
		FailureInvalidDuration: fmt.Errorf("plan SPINUP: %w", planner.ErrInvalidDuration),
		FailureNotReady:        fmt.Errorf("%w: run 2 is FAILED", state.ErrNotReady),
		FailureLedger:          state.TransitionError{RunID: 1, From: state.RunStatusCompleted, To: state.RunStatusFailed},
		FailureInternal:        errors.New("connection reset"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ClassifyFailure(err), "%v", err)
	}

	assert.Equal(t, FailureLedger, ClassifyFailure(fmt.Errorf("%w: run 9", state.ErrUnknownRun)))
	assert.Equal(t, FailureLedger, ClassifyFailure(ErrLineageGap))
}

func TestChainErrorMessage(t *testing.T) {
	branch := 3
	err := &ChainError{
		Phase:  protocol.PhaseSpinoff,
		Branch: &branch,
		RunID:  12,
		Err:    SimulationFailure{RunID: 12, Cause: errors.New("exit status 2")},
	}
	assert.Equal(t, "SPINOFF branch 3 run 12: simulation failure in run 12: exit status 2", err.Error())

	err = &ChainError{Phase: protocol.PhaseSpinon, Err: state.ErrNotReady}
	assert.Equal(t, "SPINON: "+state.ErrNotReady.Error(), err.Error())
	assert.ErrorIs(t, err, state.ErrNotReady)
}

func TestFatalFailures(t *testing.T) {
	assert.True(t, fatal(state.ErrUnknownRun))
	assert.True(t, fatal(errors.New("journal offline")))
	assert.False(t, fatal(SimulationFailure{Cause: errors.New("boom")}))
	assert.False(t, fatal(state.ErrNotReady))
	assert.False(t, fatal(ErrCanceled))
}
