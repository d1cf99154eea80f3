package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "medetl",
	Short: "Medical robotics warehouse ETL",
	Long:  "Extracts facilities, surgeons, robots, procedures and robot telemetry from the operational database and S3, and loads them into the analytical warehouse with SCD2 dimensions and idempotent facts.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is normal outside local development.
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
