package planner

import (
	"context"
	"errors"
	"fmt"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

// ErrInvalidDuration is returned when a phase cannot be split into chunks.
var ErrInvalidDuration = errors.New("planner: invalid duration")

// MaxChunks bounds the number of chunks a single phase may be split into.
const MaxChunks = 1 << 20

// Planner produces the chunk layout for a single phase chain.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// PlanRequest contains the context needed to lay out a chain.
type PlanRequest struct {
	Phase       protocol.Phase
	Branch      *int
	StartOffset protocol.Hours
	Total       protocol.Hours
	MaxChunk    protocol.Hours
}

// PlanResult is the outcome of the planning step.
type PlanResult struct {
	Chunks []PlannedChunk
}

// Total returns the summed duration of all planned chunks.
func (r PlanResult) Total() protocol.Hours {
	var sum protocol.Hours
	for _, chunk := range r.Chunks {
		sum += chunk.Duration
	}
	return sum
}

// PlannedChunk describes a single chunk to schedule.
type PlannedChunk struct {
	Index       int
	StartOffset protocol.Hours
	Duration    protocol.Hours
}

// End returns the simulated time at which the chunk finishes.
func (c PlannedChunk) End() protocol.Hours {
	return c.StartOffset + c.Duration
}

// ChunkPlanner splits a phase into full-length chunks followed by a remainder.
type ChunkPlanner struct{}

func (ChunkPlanner) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	durations, err := Split(req.Total, req.MaxChunk)
	if err != nil {
		return PlanResult{}, fmt.Errorf("plan %s: %w", req.Phase, err)
	}

	chunks := make([]PlannedChunk, 0, len(durations))
	offset := req.StartOffset
	for i, d := range durations {
		chunks = append(chunks, PlannedChunk{
			Index:       i,
			StartOffset: offset,
			Duration:    d,
		})
		offset += d
	}
	return PlanResult{Chunks: chunks}, nil
}

// Split returns the ordered chunk durations covering total exactly. Every chunk
// except possibly the last equals maxChunk; the last holds the remainder.
func Split(total, maxChunk protocol.Hours) ([]protocol.Hours, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total %s is negative", ErrInvalidDuration, total)
	}
	if total == 0 {
		return nil, nil
	}
	if maxChunk <= 0 {
		return nil, fmt.Errorf("%w: max chunk %s must be positive", ErrInvalidDuration, maxChunk)
	}

	full := total / maxChunk
	remainder := total % maxChunk
	if full > MaxChunks || (full == MaxChunks && remainder > 0) {
		return nil, fmt.Errorf("%w: %s in chunks of %s exceeds %d chunks", ErrInvalidDuration, total, maxChunk, MaxChunks)
	}

	var durations []protocol.Hours
	for i := protocol.Hours(0); i < full; i++ {
		durations = append(durations, maxChunk)
	}
	if remainder > 0 {
		durations = append(durations, remainder)
	}
	return durations, nil
}
