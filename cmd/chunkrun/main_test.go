package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/internal/config"
	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/protocol"
	"github.com/izavyalov-dev/chunkrun/runner"
)

const exampleConfig = `
experiment:
  name: example
ensemble:
  duration_spinup: 10d
  duration_chunk_max: 6d
  duration_spinon: 9d
  duration_spinoff: 5d
  branch_count: 2
execution:
  cores_per_run: 8
  total_cores: 32
  drain_on_cancel: false
driver:
  kind: dryrun
`

func parseExample(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(exampleConfig))
	require.NoError(t, err)
	return cfg
}

func quietLogger() *slog.Logger {
	return observability.NewLoggerTo(io.Discard, "chunkrun", slog.LevelError)
}

func TestSettingsFromConfig(t *testing.T) {
	settings := settingsFrom(parseExample(t), quietLogger())

	assert.Equal(t, orchestrator.Parameters{
		DurationSpinup:   240,
		DurationChunkMax: 144,
		DurationSpinon:   216,
		DurationSpinoff:  120,
		BranchCount:      2,
	}, settings.Parameters)
	assert.Equal(t, 8, settings.CoresPerRun)
	assert.Equal(t, 4, settings.Parallelism)
	assert.Equal(t, orchestrator.BranchFromSpinup, settings.BranchFrom)
	assert.False(t, settings.DrainOnCancel)
}

func TestBuildDriverDryRun(t *testing.T) {
	cfg := parseExample(t)
	driver, err := buildDriver(context.Background(), cfg, "ens", quietLogger())
	require.NoError(t, err)
	assert.IsType(t, runner.DryRunDriver{}, driver)

	cfg.Execution.ChunkTimeout = time.Hour
	cfg.Execution.Retry.MaxAttempts = 3
	driver, err = buildDriver(context.Background(), cfg, "ens", quietLogger())
	require.NoError(t, err)
	cp, err := driver.Execute(context.Background(), protocol.ChunkSpec{RunID: 2})
	require.NoError(t, err)
	assert.Equal(t, "dryrun://run0002", cp.URI)
}

func TestBuildDriverExecRequiresCommand(t *testing.T) {
	cfg := parseExample(t)
	cfg.Driver.Kind = config.DriverExec
	_, err := buildDriver(context.Background(), cfg, "ens", quietLogger())
	assert.Error(t, err)
}

func TestBuildArchiverNone(t *testing.T) {
	archiver, err := buildArchiver(context.Background(), config.Archive{Kind: config.ArchiveNone})
	require.NoError(t, err)
	assert.Nil(t, archiver)
}

func TestDryRunPrintsPlan(t *testing.T) {
	settings := settingsFrom(parseExample(t), quietLogger())
	settings.Parallelism = 1
	ledger, report, err := dryRun(context.Background(), settings)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	var out bytes.Buffer
	printRuns(&out, ledger.Runs())
	printReport(&out, report)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	assert.Contains(t, lines[1], "0001")
	assert.Contains(t, lines[1], "cold")
	assert.Contains(t, lines[6], "SPINOFF")
	assert.Contains(t, lines[6], "0002")
	assert.Contains(t, out.String(), "ensemble plan: DONE")
	assert.Contains(t, out.String(), "SPINOFF[1]")
}
