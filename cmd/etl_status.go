package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/monitoring"
	"github.com/jconover/medrobotics-etl/internal/resilience"
	"github.com/jconover/medrobotics-etl/internal/runlog"
)

var (
	statusLimit   int
	statusSummary int
)

var etlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ETL run log",
	Long:  "Displays recent runs from etl_run_log, newest first. --summary prints aggregate health over a lookback window instead.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate(config.ModeStatus); err != nil {
			return err
		}

		pool, err := adminPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		rl := runlog.New(pool, cfg.Warehouse.Schema)
		if statusSummary > 0 {
			snap, err := monitoring.NewCollector(rl).Collect(ctx, statusSummary)
			if err != nil {
				return eris.Wrap(err, "etl status")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		entries, err := rl.List(ctx, statusLimit)
		if err != nil {
			return eris.Wrap(err, "etl status")
		}
		if len(entries) == 0 {
			zap.L().Info("no runs logged yet, run 'etl run' to load the warehouse")
			return nil
		}

		formatRunEntries(os.Stdout, entries)
		return nil
	},
}

func init() {
	etlStatusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	etlStatusCmd.Flags().IntVar(&statusSummary, "summary", 0, "print a health summary over this many hours instead of the run list")
	etlCmd.AddCommand(etlStatusCmd)
}

// adminPool connects to the pgx-backed warehouse for commands that only
// need the database.
func adminPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Warehouse.Driver == "sqlite" {
		return nil, eris.New("the run log and migrations need a redshift or postgres warehouse; sqlite applies its schema on open")
	}
	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return warehousePool(ctx, secretProvider(awsCfg, resilience.FromConfig(cfg.Retry)))
}

// formatRunEntries writes a tabular representation of run log entries to out.
func formatRunEntries(out io.Writer, entries []runlog.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tTYPE\tSTATUS\tSTARTED\tDURATION\tLOADED\tERROR")
	_, _ = fmt.Fprintln(w, "------\t----\t------\t-------\t--------\t------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.FinishedAt != nil {
			dur = e.FinishedAt.Sub(e.StartedAt).Round(time.Second).String()
		}

		var loaded int64
		for _, n := range e.RecordsLoaded {
			loaded += n
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.RunID,
			e.ETLType,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			loaded,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
