package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/model"
	"github.com/jconover/medrobotics-etl/internal/resilience"
)

var (
	runType         string
	runStart        string
	runEnd          string
	runBatchDate    string
	runSourcePrefix string
	runRetries      int
	runTimeout      time.Duration
	runOutput       string
)

var etlRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ETL invocation",
	Long:  "Extracts, stages, bulk loads and merges the entities selected by --type and prints the run result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOutput != "json" && runOutput != "yaml" {
			return eris.Errorf("unsupported output %q (json or yaml)", runOutput)
		}
		if err := cfg.Validate(config.ModeRun); err != nil {
			return err
		}

		ctx := cmd.Context()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		shutdown, err := initTracing(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()

		env, err := initETL(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.RunRequest{
			ETLType:      runType,
			StartDate:    runStart,
			EndDate:      runEnd,
			BatchDate:    runBatchDate,
			SourcePrefix: runSourcePrefix,
		}
		res, runErr := runWithRetries(ctx, env.Orchestrator, req, runRetries, resilience.FromConfig(cfg.Retry))
		if err := writeResult(os.Stdout, res, runOutput); err != nil {
			return err
		}
		if runErr != nil {
			return eris.Wrap(runErr, "etl run")
		}
		return nil
	},
}

func init() {
	f := etlRunCmd.Flags()
	f.StringVar(&runType, "type", "full", "entities to load: dimensions, procedures, telemetry or full")
	f.StringVar(&runStart, "start", "", "procedures window start (YYYY-MM-DD or RFC 3339, default yesterday)")
	f.StringVar(&runEnd, "end", "", "procedures window end, exclusive (default today)")
	f.StringVar(&runBatchDate, "batch-date", "", "staging batch date (YYYY-MM-DD or YYYYMMDD, default today)")
	f.StringVar(&runSourcePrefix, "source-prefix", "", "telemetry object prefix (default from config)")
	f.IntVar(&runRetries, "retries", 0, "re-run a failed invocation up to this many times")
	f.DurationVar(&runTimeout, "timeout", 0, "abort the run after this long (0 = no limit)")
	f.StringVarP(&runOutput, "output", "o", "json", "result format: json or yaml")
	etlCmd.AddCommand(etlRunCmd)
}

// runWithRetries re-invokes a failed run up to retries more times. Merges
// are idempotent, so a rerun only redoes the entities that did not land.
// Rejected requests and fatal failures are not retried.
func runWithRetries(ctx context.Context, r runner, req model.RunRequest, retries int, rc resilience.RetryConfig) (*model.RunResult, error) {
	var res *model.RunResult
	rc.MaxAttempts = retries + 1
	rc.ShouldRetry = func(error) bool { return rerunnable(res) }
	rc.OnRetry = func(attempt int, err error) {
		zap.L().Warn("etl run failed, re-running",
			zap.Int("attempt", attempt),
			zap.String("run_id", res.RunID),
			zap.Error(err),
		)
	}

	err := resilience.Do(ctx, rc, func(ctx context.Context) error {
		var err error
		res, err = r.Run(ctx, req)
		return err
	})
	return res, err
}

func rerunnable(res *model.RunResult) bool {
	if res == nil || len(res.Entities) == 0 {
		return false
	}
	for _, e := range res.Entities {
		if e.ErrorKind == string(etl.KindFatal) {
			return false
		}
	}
	return true
}

func writeResult(w io.Writer, res *model.RunResult, format string) error {
	if res == nil {
		return nil
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return eris.Wrap(err, "encode result")
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(res), "encode result")
}
