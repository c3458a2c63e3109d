package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/chunkrun/internal/config"
	"github.com/izavyalov-dev/chunkrun/internal/notify"
	"github.com/izavyalov-dev/chunkrun/internal/observability"
	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/planner"
	"github.com/izavyalov-dev/chunkrun/state"
)

var (
	resumeID    string
	ensembleID  string
	parallelism int
)

// runCmd executes the ensemble described by the configuration file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run spinup, spinon and every spinoff branch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("parallelism") {
			cfg.Execution.Parallelism = parallelism
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runEnsemble(ctx, cfg, logger)
	},
}

func init() {
	runCmd.Flags().StringVar(&resumeID, "resume", "", "Resume the ensemble with this id from the Postgres journal")
	runCmd.Flags().StringVar(&ensembleID, "ensemble-id", "", "Ensemble id for a new run (default: generated)")
	runCmd.Flags().IntVar(&parallelism, "parallelism", 0, "Override the number of concurrently running spinoff branches")
}

func runEnsemble(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if resumeID != "" && ensembleID != "" && resumeID != ensembleID {
		return errors.New("--resume and --ensemble-id disagree")
	}

	id := resumeID
	if id == "" {
		id = ensembleID
	}
	if id == "" {
		id = orchestrator.NamedIDGenerator{Name: cfg.Experiment.Name}.EnsembleID()
	}
	logger = observability.WithEnsemble(logger, id)

	var journal state.Journal = state.NoopJournal{}
	var store *state.Store
	if cfg.Database.URL != "" {
		var closeStore func()
		var err error
		store, closeStore, err = openStore(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer closeStore()
		journal = store

		redacted := cfg
		redacted.Database.URL = ""
		redacted.Archive.AccessKey, redacted.Archive.SecretKey = "", ""
		configJSON, err := json.Marshal(redacted)
		if err != nil {
			return err
		}
		if resumeID != "" {
			if _, err := store.GetEnsemble(ctx, id); err != nil {
				return fmt.Errorf("resume %s: %w", id, err)
			}
		} else if _, err := store.RegisterEnsemble(ctx, state.Ensemble{ID: id, Name: cfg.Experiment.Name, ConfigJSON: configJSON}); err != nil {
			return fmt.Errorf("register ensemble: %w", err)
		}
	} else if resumeID != "" {
		return errors.New("--resume requires database.url or DATABASE_URL")
	}

	var ledger *state.Ledger
	if resumeID != "" {
		restored, err := state.Restore(ctx, id, store, store)
		if err != nil {
			return fmt.Errorf("restore ledger: %w", err)
		}
		ledger = restored
		logger.Info("ledger restored", "event", "ledger_restored", "runs", len(ledger.Runs()))
	} else {
		ledger = state.NewLedger(id, journal)
	}

	driver, err := buildDriver(ctx, cfg, id, logger)
	if err != nil {
		return err
	}

	settings := settingsFrom(cfg, logger)
	settings.Resume = resumeID != ""
	settings.Metrics = observability.NewMetrics(nil)
	if cfg.Notify.WebhookURL != "" {
		reporter := notify.NewAsync(notify.NewWebhook(cfg.Notify.WebhookURL), 1024, logger)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := reporter.Close(closeCtx); err != nil {
				logger.Warn("run updates not flushed", "event", "run_updates_unflushed", "dropped", reporter.Dropped(), "error", err)
			}
		}()
		settings.Reporter = reporter
	}
	service := orchestrator.NewService(ledger, planner.ChunkPlanner{}, driver, settings)

	if cfg.HTTP.Listen != "" {
		server, err := startServer(orchestrator.NewHTTPHandler(service, nil, logger), cfg.HTTP.Listen, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	report, err := service.Run(ctx)
	printReport(os.Stdout, report)
	if err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d chains failed: %w", len(failed), len(report.Chains), report.Err())
	}
	return nil
}
