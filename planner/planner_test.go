package planner

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

func TestSplitCoversTotalExactly(t *testing.T) {
	for total := protocol.Hours(0); total <= 500; total += 7 {
		for _, maxChunk := range []protocol.Hours{1, 24, 96, 144, 1000} {
			chunks, err := Split(total, maxChunk)
			require.NoError(t, err)

			var sum protocol.Hours
			for i, c := range chunks {
				sum += c
				if i < len(chunks)-1 {
					assert.Equal(t, maxChunk, c, "non-final chunk must be full (total=%d max=%d)", total, maxChunk)
				} else {
					assert.Greater(t, c, protocol.Hours(0))
					assert.LessOrEqual(t, c, maxChunk)
				}
			}
			assert.Equal(t, total, sum, "total=%d max=%d", total, maxChunk)
		}
	}
}

func TestSplitZeroTotalIsEmpty(t *testing.T) {
	chunks, err := Split(0, 144)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	// A zero total never needs a chunk size.
	chunks, err = Split(0, 0)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitExactMultiple(t *testing.T) {
	chunks, err := Split(288, 144)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Hours{144, 144}, chunks)
}

func TestSplitRemainder(t *testing.T) {
	chunks, err := Split(240, 144)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Hours{144, 96}, chunks)

	chunks, err = Split(216, 144)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Hours{144, 72}, chunks)

	chunks, err = Split(120, 144)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Hours{120}, chunks)
}

func TestSplitRejectsNonPositiveChunk(t *testing.T) {
	_, err := Split(240, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDuration))

	_, err = Split(240, -24)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = Split(-1, 24)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestSplitRejectsTooManyChunks(t *testing.T) {
	_, err := Split(math.MaxInt64, 1)
	require.ErrorIs(t, err, ErrInvalidDuration)
	assert.Contains(t, err.Error(), "exceeds")

	_, err = Split(MaxChunks+1, 1)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	chunks, err := Split(MaxChunks, 1)
	require.NoError(t, err)
	assert.Len(t, chunks, MaxChunks)
}

func TestChunkPlannerAssignsOffsets(t *testing.T) {
	branch := 1
	result, err := ChunkPlanner{}.Plan(context.Background(), PlanRequest{
		Phase:       protocol.PhaseSpinoff,
		Branch:      &branch,
		StartOffset: 240,
		Total:       300,
		MaxChunk:    144,
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 3)

	assert.Equal(t, PlannedChunk{Index: 0, StartOffset: 240, Duration: 144}, result.Chunks[0])
	assert.Equal(t, PlannedChunk{Index: 1, StartOffset: 384, Duration: 144}, result.Chunks[1])
	assert.Equal(t, PlannedChunk{Index: 2, StartOffset: 528, Duration: 12}, result.Chunks[2])
	assert.Equal(t, protocol.Hours(540), result.Chunks[2].End())
	assert.Equal(t, protocol.Hours(300), result.Total())
}

func TestChunkPlannerWrapsInvalidDuration(t *testing.T) {
	_, err := ChunkPlanner{}.Plan(context.Background(), PlanRequest{
		Phase:    protocol.PhaseSpinup,
		Total:    10,
		MaxChunk: 0,
	})
	assert.ErrorIs(t, err, ErrInvalidDuration)
	assert.Contains(t, err.Error(), "SPINUP")
}
