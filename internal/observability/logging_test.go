package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

func TestLoggerAttachesChainFields(t *testing.T) {
	var buf bytes.Buffer
	branch := 2
	logger := NewLoggerTo(&buf, "orchestrator", slog.LevelInfo)
	logger = WithEnsemble(logger, "ens-1")
	logger = WithChain(logger, protocol.PhaseSpinoff, &branch)
	logger = WithRun(logger, 7)

	logger.Info("chunk started", "event", "chunk_started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "ens-1", entry["ensemble_id"])
	assert.Equal(t, "SPINOFF", entry["phase"])
	assert.Equal(t, float64(2), entry["branch"])
	assert.Equal(t, float64(7), entry["run_id"])
	assert.Equal(t, "chunk_started", entry["event"])
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
