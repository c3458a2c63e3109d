package protocol

import (
	"fmt"
	"time"
)

// Hours is a simulated-time extent. Hours are the fundamental unit of an ensemble.
type Hours int64

// HoursPerDay converts hours to the whole days handed to the model namelist.
const HoursPerDay Hours = 24

// Days returns the whole number of days in h, truncating any remainder.
func (h Hours) Days() int64 {
	return int64(h / HoursPerDay)
}

func (h Hours) String() string {
	return fmt.Sprintf("%dh", int64(h))
}

type Phase string

const (
	PhaseSpinup  Phase = "SPINUP"
	PhaseSpinon  Phase = "SPINON"
	PhaseSpinoff Phase = "SPINOFF"
)

// Valid reports whether p is one of the three lineage phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseSpinup, PhaseSpinon, PhaseSpinoff:
		return true
	default:
		return false
	}
}

// Checkpoint is the opaque restart handle produced by a completed chunk.
type Checkpoint struct {
	RunID int64  `json:"run_id"`
	Path  string `json:"path"`
	URI   string `json:"uri,omitempty"`
}

// IsZero reports whether the checkpoint refers to nothing (a cold start).
func (c Checkpoint) IsZero() bool {
	return c.RunID == 0 && c.Path == "" && c.URI == ""
}

// ChunkSpec is the immutable specification of a single chunk execution.
type ChunkSpec struct {
	RunID       int64      `json:"run_id"`
	Phase       Phase      `json:"phase"`
	Branch      *int       `json:"branch,omitempty"`
	ChunkIndex  int        `json:"chunk_index"`
	StartOffset Hours      `json:"start_offset_hours"`
	Duration    Hours      `json:"duration_hours"`
	Cores       int        `json:"cores"`
	Restart     Checkpoint `json:"restart"`
	IssuedAt    time.Time  `json:"issued_at"`
}

// ColdStart reports whether the chunk starts without a restart checkpoint.
func (s ChunkSpec) ColdStart() bool {
	return s.Restart.IsZero()
}
