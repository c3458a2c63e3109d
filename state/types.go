package state

import (
	"time"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// Run represents one executed (or scheduled) chunk.
type Run struct {
	ID            int64                `json:"id"`
	Phase         protocol.Phase       `json:"phase"`
	Branch        *int                 `json:"branch,omitempty"`
	ChunkIndex    int                  `json:"chunk_index"`
	StartOffset   protocol.Hours       `json:"start_offset_hours"`
	Duration      protocol.Hours       `json:"duration_hours"`
	RestartSource *int64               `json:"restart_source,omitempty"`
	Status        RunStatus            `json:"status"`
	Checkpoint    *protocol.Checkpoint `json:"checkpoint,omitempty"`
	Error         string               `json:"error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// ColdStart reports whether the run starts without a restart source.
func (r Run) ColdStart() bool {
	return r.RestartSource == nil
}

// End returns the simulated time at which the run finishes.
func (r Run) End() protocol.Hours {
	return r.StartOffset + r.Duration
}

func (r Run) clone() Run {
	out := r
	if r.Branch != nil {
		b := *r.Branch
		out.Branch = &b
	}
	if r.RestartSource != nil {
		src := *r.RestartSource
		out.RestartSource = &src
	}
	if r.Checkpoint != nil {
		cp := *r.Checkpoint
		out.Checkpoint = &cp
	}
	return out
}

// Allocation describes a run to be recorded in the ledger.
type Allocation struct {
	Phase         protocol.Phase
	Branch        *int
	ChunkIndex    int
	StartOffset   protocol.Hours
	Duration      protocol.Hours
	RestartSource *int64
}

// RunFilter selects runs for lineage queries. Nil/empty fields match anything
// except Branch, which must match exactly (nil selects runs without a branch).
type RunFilter struct {
	Phase  protocol.Phase
	Branch *int
	Status RunStatus
}

func (f RunFilter) matches(r *Run) bool {
	if f.Phase != "" && r.Phase != f.Phase {
		return false
	}
	if !sameBranch(f.Branch, r.Branch) {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func sameBranch(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type RunEventKind string

const (
	RunEventAllocated RunEventKind = "allocated"
	RunEventRunning   RunEventKind = "running"
	RunEventCompleted RunEventKind = "completed"
	RunEventFailed    RunEventKind = "failed"
)

// RunEvent is one append-only journal entry: the run snapshot after a mutation.
type RunEvent struct {
	EnsembleID string       `json:"ensemble_id"`
	Seq        int64        `json:"seq"`
	RunID      int64        `json:"run_id"`
	Kind       RunEventKind `json:"kind"`
	Run        Run          `json:"run"`
	At         time.Time    `json:"at"`
}
