package orchestrator

import (
	"errors"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// Parameters are the scheduling inputs of one ensemble, all in hours.
type Parameters struct {
	DurationSpinup   protocol.Hours
	DurationChunkMax protocol.Hours
	DurationSpinon   protocol.Hours
	DurationSpinoff  protocol.Hours
	BranchCount      int
}

// BranchOrigin selects the run spinoff branches restart from.
type BranchOrigin string

const (
	BranchFromSpinup BranchOrigin = "spinup"
	BranchFromSpinon BranchOrigin = "spinon"
)

// ChainResult describes how one chain of chunks ended.
type ChainResult struct {
	Phase   protocol.Phase `json:"phase"`
	Branch  *int           `json:"branch,omitempty"`
	Planned int            `json:"planned"`
	Runs    []int64        `json:"runs"`
	Reused  int            `json:"reused,omitempty"`
	Skipped int            `json:"skipped,omitempty"`
	Err     error          `json:"-"`
}

// LastRun returns the id of the last run the chain touched.
func (c ChainResult) LastRun() (int64, bool) {
	if len(c.Runs) == 0 {
		return 0, false
	}
	return c.Runs[len(c.Runs)-1], true
}

// Failed reports whether the chain stopped before its last chunk.
func (c ChainResult) Failed() bool {
	return c.Err != nil
}

// Report summarizes an orchestration pass.
type Report struct {
	EnsembleID  string        `json:"ensemble_id"`
	State       PhaseState    `json:"state"`
	BranchPoint *int64        `json:"branch_point,omitempty"`
	Chains      []ChainResult `json:"chains"`
}

// Err joins every chain failure, or returns nil when all chains finished.
func (r Report) Err() error {
	var errs []error
	for _, chain := range r.Chains {
		if chain.Err != nil {
			errs = append(errs, chain.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed returns the chains that did not finish.
func (r Report) Failed() []ChainResult {
	var out []ChainResult
	for _, chain := range r.Chains {
		if chain.Failed() {
			out = append(out, chain)
		}
	}
	return out
}
