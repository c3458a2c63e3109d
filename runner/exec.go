package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/protocol"
)

// ErrMissingCheckpoint is returned when the command succeeded but left no
// restart file behind.
var ErrMissingCheckpoint = errors.New("runner: restart file missing")

// ExitError reports a non-zero exit of the simulation command.
type ExitError struct {
	RunID    int64
	ExitCode int
	LogPath  string
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("run %d exited with code %d (log %s): %v", e.RunID, e.ExitCode, e.LogPath, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExecConfig configures ExecDriver.
type ExecConfig struct {
	Command []string
	// DataDir holds one run%04d directory per run and the restart files.
	DataDir string
	// Workdir is the command's working directory. Defaults to the run directory.
	Workdir string
	// RestartFile is a format string taking the run id, relative to DataDir.
	RestartFile string
	Env         []string
	Logger      *slog.Logger
}

// ExecDriver runs an external command once per chunk.
type ExecDriver struct {
	cfg    ExecConfig
	logger *slog.Logger
}

func NewExecDriver(cfg ExecConfig) (*ExecDriver, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("runner: command is required")
	}
	if cfg.DataDir == "" {
		return nil, errors.New("runner: data dir is required")
	}
	if cfg.RestartFile == "" {
		cfg.RestartFile = "restarts/res%04d.tar.gz"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger("runner")
	}
	return &ExecDriver{cfg: cfg, logger: logger}, nil
}

// RunDir is the working directory of a run.
func (d *ExecDriver) RunDir(runID int64) string {
	return filepath.Join(d.cfg.DataDir, fmt.Sprintf("run%04d", runID))
}

// RestartPath is where the command must leave the run's restart file.
func (d *ExecDriver) RestartPath(runID int64) string {
	return filepath.Join(d.cfg.DataDir, fmt.Sprintf(d.cfg.RestartFile, runID))
}

func (d *ExecDriver) Execute(ctx context.Context, spec protocol.ChunkSpec) (protocol.Checkpoint, error) {
	logger := observability.WithRun(d.logger, spec.RunID)
	runDir := d.RunDir(spec.RunID)
	restartOut := d.RestartPath(spec.RunID)

	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return protocol.Checkpoint{}, fmt.Errorf("create run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(restartOut), 0o755); err != nil {
		return protocol.Checkpoint{}, fmt.Errorf("create restart dir: %w", err)
	}

	logPath := filepath.Join(runDir, "run.log")
	logWriter, err := os.Create(logPath)
	if err != nil {
		return protocol.Checkpoint{}, fmt.Errorf("open log file: %w", err)
	}
	defer logWriter.Close()

	cmd := exec.CommandContext(ctx, d.cfg.Command[0], d.cfg.Command[1:]...)
	cmd.Dir = runDir
	if d.cfg.Workdir != "" {
		cmd.Dir = d.cfg.Workdir
	}
	cmd.Env = append(append(os.Environ(), d.cfg.Env...), chunkEnv(spec, runDir, restartOut)...)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	cmd.WaitDelay = 10 * time.Second

	start := time.Now()
	logger.Info("simulation started", "event", "simulation_started", "dir", runDir, "restart", spec.Restart.Path)
	runErr := cmd.Run()
	if err := logWriter.Sync(); err != nil {
		logger.Warn("sync log file", "event", "runner_warning", "error", err)
	}
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return protocol.Checkpoint{}, fmt.Errorf("run %d: %w", spec.RunID, ctxErr)
		}
		return protocol.Checkpoint{}, &ExitError{RunID: spec.RunID, ExitCode: exitCode(runErr), LogPath: logPath, Err: runErr}
	}

	if _, err := os.Stat(restartOut); err != nil {
		return protocol.Checkpoint{}, fmt.Errorf("%w: %s: %v", ErrMissingCheckpoint, restartOut, err)
	}
	logger.Info("simulation finished", "event", "simulation_finished", "elapsed", time.Since(start).String(), "restart_out", restartOut)
	return protocol.Checkpoint{RunID: spec.RunID, Path: restartOut}, nil
}

func chunkEnv(spec protocol.ChunkSpec, runDir, restartOut string) []string {
	branch := ""
	if spec.Branch != nil {
		branch = strconv.Itoa(*spec.Branch)
	}
	return []string{
		"CHUNKRUN_RUN_ID=" + strconv.FormatInt(spec.RunID, 10),
		"CHUNKRUN_PHASE=" + string(spec.Phase),
		"CHUNKRUN_BRANCH=" + branch,
		"CHUNKRUN_CHUNK_INDEX=" + strconv.Itoa(spec.ChunkIndex),
		"CHUNKRUN_START_HOURS=" + strconv.FormatInt(int64(spec.StartOffset), 10),
		"CHUNKRUN_DURATION_HOURS=" + strconv.FormatInt(int64(spec.Duration), 10),
		"CHUNKRUN_DURATION_DAYS=" + strconv.FormatInt(spec.Duration.Days(), 10),
		"CHUNKRUN_CORES=" + strconv.Itoa(spec.Cores),
		"CHUNKRUN_RESTART_FILE=" + spec.Restart.Path,
		"CHUNKRUN_CHECKPOINT_FILE=" + restartOut,
		"CHUNKRUN_OUTPUT_DIR=" + runDir,
	}
}

func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}
