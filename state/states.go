package state

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRun is returned when a run id is not present in the ledger.
	ErrUnknownRun = errors.New("state: unknown run")
	// ErrInvalidTransition is matched by every TransitionError.
	ErrInvalidTransition = errors.New("state: invalid transition")
	// ErrNotReady is returned when a restart source has not completed.
	ErrNotReady = errors.New("state: restart source not ready")
	// ErrNoSuchRun is returned when no run matches a lineage query.
	ErrNoSuchRun = errors.New("state: no such run")
	// ErrInvalidRun is returned when an allocation request is malformed.
	ErrInvalidRun = errors.New("state: invalid run")
)

type RunStatus string

const (
	RunStatusPlanned   RunStatus = "PLANNED"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Planned runs may only fail when a crashed ledger is restored.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPlanned:   {RunStatusRunning, RunStatusFailed},
	RunStatusRunning:   {RunStatusCompleted, RunStatusFailed},
	RunStatusCompleted: {},
	RunStatusFailed:    {},
}

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TransitionError signals an illegal status transition.
type TransitionError struct {
	RunID int64
	From  RunStatus
	To    RunStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("run %d: invalid transition from %s to %s", e.RunID, e.From, e.To)
}

func (e TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UnknownStatusError signals a status value that is not part of the run state machine.
type UnknownStatusError struct {
	Status string
}

func (e UnknownStatusError) Error() string {
	return fmt.Sprintf("run: unknown status %q", e.Status)
}

func validateRunTransition(id int64, from, to RunStatus) error {
	allowed, ok := runTransitions[from]
	if !ok {
		return UnknownStatusError{Status: string(from)}
	}
	if _, ok := runTransitions[to]; !ok {
		return UnknownStatusError{Status: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{RunID: id, From: from, To: to}
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func IsUnknownStatusError(err error) bool {
	var ue UnknownStatusError
	return errors.As(err, &ue)
}
