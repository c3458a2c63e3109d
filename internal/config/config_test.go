package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/izavyalov-dev/chunkrun/protocol"
)

const heldSuarez = `
experiment:
  data_dir: /scratch/held_suarez/data
  resolution:
    horizontal: T21
    vertical: 12
    temporal: 6
ensemble:
  duration_spinup: 100d
  duration_chunk_max: 60d
  duration_spinon: 50d
  duration_spinoff: 1200h
  branch_count: 6
execution:
  cores_per_run: 4
  total_cores: 16
  chunk_timeout: 6h
  retry:
    max_attempts: 3
    initial_interval: 1m
driver:
  command: ["isca-chunk", "--namelist", "main_nml"]
`

func TestParseHeldSuarezConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/chunkrun")

	cfg, err := Parse([]byte(heldSuarez))
	require.NoError(t, err)

	assert.Equal(t, "resHT21V12T6", cfg.Experiment.Name)
	assert.Equal(t, protocol.Hours(2400), cfg.Ensemble.DurationSpinup.Hours())
	assert.Equal(t, protocol.Hours(1440), cfg.Ensemble.DurationChunkMax.Hours())
	assert.Equal(t, protocol.Hours(1200), cfg.Ensemble.DurationSpinon.Hours())
	assert.Equal(t, protocol.Hours(1200), cfg.Ensemble.DurationSpinoff.Hours())
	assert.Equal(t, 6, cfg.Ensemble.BranchCount)
	assert.Equal(t, BranchFromSpinup, cfg.Ensemble.BranchFrom)

	assert.Equal(t, 4, cfg.Execution.EffectiveParallelism())
	assert.Equal(t, 6*time.Hour, cfg.Execution.ChunkTimeout)
	assert.Equal(t, 3, cfg.Execution.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Execution.Retry.InitialInterval)
	assert.Equal(t, 10*time.Minute, cfg.Execution.Retry.MaxInterval)
	require.NotNil(t, cfg.Execution.DrainOnCancel)
	assert.True(t, *cfg.Execution.DrainOnCancel)

	assert.Equal(t, DriverExec, cfg.Driver.Kind)
	assert.Equal(t, "restarts/res%04d.tar.gz", cfg.Driver.RestartFile)
	assert.Equal(t, ArchiveNone, cfg.Archive.Kind)
	assert.Equal(t, "postgres://localhost/chunkrun", cfg.Database.URL)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
ensemble:
  duration_spinup: 24
  duration_chunk_max: 24
  n_chunk_spinoff: 6
driver:
  kind: dryrun
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "n_chunk_spinoff")
}

func TestValidateRejectsBadParameters(t *testing.T) {
	_, err := Parse([]byte(`
ensemble:
  duration_spinup: -24
  duration_chunk_max: 0
  branch_count: -1
  branch_from: spinout
driver:
  kind: dryrun
archive:
  kind: minio
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "duration_spinup must be >= 0")
	assert.Contains(t, msg, "branch_count must be >= 0")
	assert.Contains(t, msg, "branch_from")
	assert.Contains(t, msg, "archive.bucket and archive.endpoint")
}

func TestValidateChunkMaxRequiredOnlyWhenWorkExists(t *testing.T) {
	_, err := Parse([]byte(`
ensemble:
  duration_spinup: 0
  duration_chunk_max: 0
  duration_spinoff: 48
  branch_count: 0
driver:
  kind: dryrun
`))
	assert.NoError(t, err)

	_, err = Parse([]byte(`
ensemble:
  duration_spinup: 48
  duration_chunk_max: 0
driver:
  kind: dryrun
`))
	assert.ErrorContains(t, err, "duration_chunk_max must be > 0")
}

func TestExecDriverRequirements(t *testing.T) {
	_, err := Parse([]byte(`
ensemble:
  duration_spinup: 24
  duration_chunk_max: 24
driver:
  kind: exec
  restart_file: restarts/latest.tar.gz
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "driver.command")
	assert.Contains(t, err.Error(), "experiment.data_dir")
	assert.Contains(t, err.Error(), "run id verb")
}

func TestArchiveCredentialsFromEnv(t *testing.T) {
	t.Setenv("CHUNKRUN_ARCHIVE_ACCESS_KEY", "minio")
	t.Setenv("CHUNKRUN_ARCHIVE_SECRET_KEY", "minio123")

	cfg, err := Parse([]byte(`
ensemble:
  duration_spinup: 24
  duration_chunk_max: 24
driver:
  kind: dryrun
archive:
  kind: minio
  endpoint: localhost:9000
  bucket: checkpoints
`))
	require.NoError(t, err)
	assert.Equal(t, "minio", cfg.Archive.AccessKey)
	assert.Equal(t, "minio123", cfg.Archive.SecretKey)
}

func TestParseHours(t *testing.T) {
	cases := map[string]protocol.Hours{
		"240":   240,
		"240h":  240,
		"10d":   240,
		" 2D ":  48,
		"0":     0,
		"-24":   -24,
		"1440H": 1440,
	}
	for in, want := range cases {
		got, err := ParseHours(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "d", "1.5d", "ten"} {
		_, err := ParseHours(bad)
		assert.Error(t, err, bad)
	}

	_, err := ParseHours("999999999999999999d")
	assert.ErrorContains(t, err, "overflows")
	got, err := ParseHours("384307168202282325d")
	require.NoError(t, err)
	assert.Equal(t, protocol.Hours(384307168202282325*24), got)
}

func TestEffectiveParallelism(t *testing.T) {
	assert.Equal(t, 1, Execution{}.EffectiveParallelism())
	assert.Equal(t, 1, Execution{TotalCores: 2, CoresPerRun: 4}.EffectiveParallelism())
	assert.Equal(t, 6, Execution{TotalCores: 24, CoresPerRun: 4}.EffectiveParallelism())
	assert.Equal(t, 2, Execution{TotalCores: 24, CoresPerRun: 4, Parallelism: 2}.EffectiveParallelism())
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ensemble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(heldSuarez), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Ensemble.BranchCount)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
