package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/warehouse"
)

var etlMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply warehouse schema migrations",
	Long:  "Applies pending dimension, fact and run log migrations for the configured warehouse driver in lexicographic order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeMigrate); err != nil {
			return err
		}

		if cfg.Warehouse.Driver == "sqlite" {
			lite, err := warehouse.OpenSQLite(ctx, cfg.Warehouse.SQLitePath, nil)
			if err != nil {
				return eris.Wrap(err, "etl migrate")
			}
			zap.L().Info("sqlite schema applied", zap.String("path", cfg.Warehouse.SQLitePath))
			return lite.Close()
		}

		pool, err := adminPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := warehouse.Migrate(ctx, pool, cfg.Warehouse.Driver, cfg.Warehouse.Schema); err != nil {
			return eris.Wrap(err, "etl migrate")
		}

		zap.L().Info("all migrations applied successfully")
		return nil
	},
}

func init() {
	etlCmd.AddCommand(etlMigrateCmd)
}
