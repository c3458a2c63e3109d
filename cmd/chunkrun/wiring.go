package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/chunkrun/internal/config"
	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/runner"
	"github.com/izavyalov-dev/chunkrun/runner/artifacts"
	"github.com/izavyalov-dev/chunkrun/state"
)

func loadConfig() (config.Config, *slog.Logger, error) {
	level, err := observability.ParseLevel(logLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := observability.NewLoggerTo(os.Stdout, "chunkrun", level)

	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func parametersFrom(e config.EnsembleParameters) orchestrator.Parameters {
	return orchestrator.Parameters{
		DurationSpinup:   e.DurationSpinup.Hours(),
		DurationChunkMax: e.DurationChunkMax.Hours(),
		DurationSpinon:   e.DurationSpinon.Hours(),
		DurationSpinoff:  e.DurationSpinoff.Hours(),
		BranchCount:      e.BranchCount,
	}
}

func settingsFrom(cfg config.Config, logger *slog.Logger) orchestrator.Settings {
	drain := true
	if cfg.Execution.DrainOnCancel != nil {
		drain = *cfg.Execution.DrainOnCancel
	}
	return orchestrator.Settings{
		Parameters:    parametersFrom(cfg.Ensemble),
		CoresPerRun:   cfg.Execution.CoresPerRun,
		Parallelism:   cfg.Execution.EffectiveParallelism(),
		BranchFrom:    orchestrator.BranchOrigin(cfg.Ensemble.BranchFrom),
		DrainOnCancel: drain,
		Logger:        logger,
	}
}

// buildDriver assembles the configured driver and its policies. Retry wraps
// archiving so a failed upload re-runs the chunk.
func buildDriver(ctx context.Context, cfg config.Config, ensembleID string, logger *slog.Logger) (orchestrator.SimulationDriver, error) {
	var driver orchestrator.SimulationDriver
	switch cfg.Driver.Kind {
	case config.DriverDryRun:
		driver = runner.DryRunDriver{Logger: logger}
	case config.DriverExec:
		exec, err := runner.NewExecDriver(runner.ExecConfig{
			Command:     cfg.Driver.Command,
			DataDir:     cfg.Experiment.DataDir,
			Workdir:     cfg.Driver.Workdir,
			RestartFile: cfg.Driver.RestartFile,
			Env:         []string{"CHUNKRUN_ENSEMBLE_ID=" + ensembleID},
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		driver = exec
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cfg.Driver.Kind)
	}

	driver = runner.WithTimeout(driver, cfg.Execution.ChunkTimeout)

	archiver, err := buildArchiver(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	if archiver != nil {
		driver = runner.WithArchive(driver, archiver, ensembleID, logger)
	}

	return runner.WithRetry(driver, runner.RetryPolicy{
		MaxAttempts:     cfg.Execution.Retry.MaxAttempts,
		InitialInterval: cfg.Execution.Retry.InitialInterval,
		MaxInterval:     cfg.Execution.Retry.MaxInterval,
	}, logger), nil
}

func buildArchiver(ctx context.Context, cfg config.Archive) (artifacts.Archiver, error) {
	switch cfg.Kind {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveS3:
		return artifacts.NewS3Archiver(ctx, artifacts.S3Config{
			Bucket:   cfg.Bucket,
			Prefix:   cfg.Prefix,
			Region:   cfg.Region,
			Endpoint: cfg.Endpoint,
		})
	case config.ArchiveMinIO:
		archiver, err := artifacts.NewMinIOArchiver(artifacts.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
		})
		if err != nil {
			return nil, err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("ensure checkpoint bucket: %w", err)
		}
		return archiver, nil
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}

func openStore(ctx context.Context, databaseURL string) (*state.Store, func(), error) {
	if databaseURL == "" {
		return nil, nil, errors.New("database.url or DATABASE_URL required")
	}
	db, err := openDB(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := state.NewStore(db)
	if _, err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return store, func() { _ = db.Close() }, nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func startServer(handler http.Handler, listen string, logger *slog.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "event", "server_failed", "error", err)
		}
	}()
	logger.Info("status server started", "event", "server_started", "addr", ln.Addr().String())
	return server, nil
}
