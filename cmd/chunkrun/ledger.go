package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/chunkrun/state"
)

var ledgerEnsembleID string

// ledgerCmd prints the journaled runs of an ensemble
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print the runs recorded for an ensemble",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ledgerEnsembleID == "" {
			return errors.New("--ensemble-id is required")
		}
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer closeStore()

		ensemble, err := store.GetEnsemble(ctx, ledgerEnsembleID)
		if err != nil {
			return fmt.Errorf("ensemble %s: %w", ledgerEnsembleID, err)
		}
		ledger, err := state.Replay(ctx, ensemble.ID, store)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "ensemble %s (%s) created %s\n\n", ensemble.ID, ensemble.Name, ensemble.CreatedAt.Format("2006-01-02 15:04:05"))
		printRuns(os.Stdout, ledger.Runs())
		return nil
	},
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerEnsembleID, "ensemble-id", "", "Ensemble id to print")
}
