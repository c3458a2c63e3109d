package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "chunkrun",
	Short:         "Chunked spinup, spinon and spinoff scheduler for climate model ensembles",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chunkrun.yaml", "Path to the ensemble YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, planCmd, ledgerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chunkrun: %v\n", err)
		os.Exit(1)
	}
}
