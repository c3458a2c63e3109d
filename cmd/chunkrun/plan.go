package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/chunkrun/orchestrator"
	"github.com/izavyalov-dev/chunkrun/planner"
	"github.com/izavyalov-dev/chunkrun/runner"
	"github.com/izavyalov-dev/chunkrun/state"
)

// planCmd dry-runs the whole ensemble and prints the runs it would create
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the runs the ensemble would execute, without running anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		settings := settingsFrom(cfg, logger)
		settings.Parallelism = 1
		ledger, report, err := dryRun(cmd.Context(), settings)
		if err != nil {
			return err
		}
		printRuns(os.Stdout, ledger.Runs())
		printReport(os.Stdout, report)
		return nil
	},
}

func dryRun(ctx context.Context, settings orchestrator.Settings) (*state.Ledger, orchestrator.Report, error) {
	ledger := state.NewLedger("plan", nil)
	service := orchestrator.NewService(ledger, planner.ChunkPlanner{}, runner.DryRunDriver{}, settings)
	report, err := service.Run(ctx)
	return ledger, report, err
}
