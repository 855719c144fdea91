package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridian/claims-engine/api"
	"github.com/meridian/claims-engine/logging"
	"github.com/meridian/claims-engine/store/sqlite"
)

var seedCmd = &cobra.Command{
	Use:   "seed [seed-id]",
	Short: "Load a demo dataset into the database",
	Long:  "Loads one of the built-in demo datasets (inpatient-basic, dual-layer, pending-topup, surgical) into the configured database.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	if err := loadConfig(cmd); err != nil {
		return err
	}
	log := logging.Setup(cfg.LogFormat)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	if err := api.ApplySeed(context.Background(), store, args[0]); err != nil {
		return err
	}
	log.Info().Str("seed", args[0]).Str("db", cfg.DBPath).Msg("seed loaded")
	return nil
}
