package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jconover/medrobotics-etl/internal/model"
)

var etlCmd = &cobra.Command{
	Use:   "etl",
	Short: "Run and inspect warehouse loads",
	Long:  "Runs ETL invocations against the warehouse, shows the run log and applies warehouse migrations.",
}

func init() {
	rootCmd.AddCommand(etlCmd)
}

// runner executes one ETL invocation. *etl.Orchestrator implements it.
type runner interface {
	Run(ctx context.Context, req model.RunRequest) (*model.RunResult, error)
}
