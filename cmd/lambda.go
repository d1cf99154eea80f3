package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/config"
	"github.com/jconover/medrobotics-etl/internal/model"
)

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Serve ETL invocations as an AWS Lambda function",
	Long:  "Starts the Lambda runtime loop. Each invocation event is a run request and the response is the run result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(config.ModeRun); err != nil {
			return err
		}
		ctx := cmd.Context()

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

		lambda.Start(lambdaHandler(env.Orchestrator))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lambdaCmd)
}

// lambdaEvent is a run request. s3_prefix is accepted as an alias of
// source_prefix for scheduled rules written against the telemetry loader.
type lambdaEvent struct {
	model.RunRequest
	S3Prefix string `json:"s3_prefix,omitempty"`
}

func lambdaHandler(r runner) func(context.Context, lambdaEvent) (*model.RunResult, error) {
	return func(ctx context.Context, ev lambdaEvent) (*model.RunResult, error) {
		req := ev.RunRequest
		if req.SourcePrefix == "" {
			req.SourcePrefix = ev.S3Prefix
		}
		res, err := r.Run(ctx, req)
		if err != nil {
			zap.L().Error("lambda invocation failed", zap.Error(err))
			return res, err
		}
		return res, nil
	}
}
