package orchestrator

import (
	"errors"
	"fmt"
)

// PhaseState is the orchestrator's progress through the ensemble.
type PhaseState string

const (
	PhaseIdle    PhaseState = "IDLE"
	PhaseSpinup  PhaseState = "SPINUP"
	PhaseSpinon  PhaseState = "SPINON"
	PhaseSpinoff PhaseState = "SPINOFF"
	PhaseDone    PhaseState = "DONE"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("orchestrator: ensemble already started")

var phaseTransitions = map[PhaseState]PhaseState{
	PhaseIdle:    PhaseSpinup,
	PhaseSpinup:  PhaseSpinon,
	PhaseSpinon:  PhaseSpinoff,
	PhaseSpinoff: PhaseDone,
}

// Next returns the state that follows p.
func (p PhaseState) Next() (PhaseState, error) {
	next, ok := phaseTransitions[p]
	if !ok {
		return p, fmt.Errorf("orchestrator: no phase after %s", p)
	}
	return next, nil
}
