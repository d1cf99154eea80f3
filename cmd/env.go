package main

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/metrics"
	"github.com/jconover/medrobotics-etl/internal/monitoring"
	"github.com/jconover/medrobotics-etl/internal/notify"
	"github.com/jconover/medrobotics-etl/internal/objstore"
	"github.com/jconover/medrobotics-etl/internal/resilience"
	"github.com/jconover/medrobotics-etl/internal/runlog"
	"github.com/jconover/medrobotics-etl/internal/secrets"
	"github.com/jconover/medrobotics-etl/internal/source"
	"github.com/jconover/medrobotics-etl/internal/warehouse"
)

// etlEnv holds the initialized run dependencies shared by etl run, serve
// and lambda.
type etlEnv struct {
	Orchestrator *etl.Orchestrator
	RunLog       *runlog.Log
	Metrics      *metrics.Collector

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *etlEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func (e *etlEnv) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// initETL builds the orchestrator and its observers from cfg. withMetrics
// adds the Prometheus collector for long-lived processes.
func initETL(ctx context.Context, withMetrics bool) (*etlEnv, error) {
	env := &etlEnv{}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	retry := resilience.FromConfig(cfg.Retry)

	awsCfg, err := loadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	sp := secretProvider(awsCfg, retry)

	stagingStore, err := newObjectStore(awsCfg, cfg.Staging.Store, cfg.Staging.Bucket, cfg.Staging.LocalDir, retry)
	if err != nil {
		return nil, eris.Wrap(err, "staging store")
	}
	rawStore, err := newObjectStore(awsCfg, cfg.Telemetry.Store, cfg.Telemetry.Bucket, cfg.Telemetry.LocalDir, retry)
	if err != nil {
		return nil, eris.Wrap(err, "telemetry store")
	}

	var observers []etl.Observer
	var wh etl.Warehouse
	if cfg.Warehouse.Driver == "sqlite" {
		lite, err := warehouse.OpenSQLite(ctx, cfg.Warehouse.SQLitePath, stagingStore)
		if err != nil {
			return nil, err
		}
		env.onClose(func() { _ = lite.Close() })
		wh = lite
	} else {
		pool, err := warehousePool(ctx, sp)
		if err != nil {
			return nil, err
		}
		env.onClose(pool.Close)
		wh = warehouse.NewRedshift(pool, stagingStore, warehouse.Config{
			Flavor:      cfg.Warehouse.Driver,
			Schema:      cfg.Warehouse.Schema,
			IAMRole:     cfg.Warehouse.IAMRole,
			Region:      cfg.Warehouse.Region,
			InsertBatch: cfg.Warehouse.InsertBatch,
		})
		if cfg.ETL.RunLog {
			env.RunLog = runlog.New(pool, cfg.Warehouse.Schema)
			observers = append(observers, env.RunLog)
		}
	}

	srcDSN, err := secrets.ResolveDSN(ctx, sp, cfg.Source.DatabaseURL, cfg.Source.PasswordSecret)
	if err != nil {
		return nil, err
	}
	pg, err := source.OpenPostgres(ctx, srcDSN, cfg.Source.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	env.onClose(func() { _ = pg.Close() })

	src := source.NewRouter(pg, source.NewTelemetry(rawStore, source.TelemetryOptions{
		Prefix:      cfg.Telemetry.Prefix,
		MaxFiles:    cfg.Telemetry.MaxFiles,
		ReadsPerSec: cfg.Telemetry.ReadsPerSec,
		Retry:       retry,
	}))

	if withMetrics && cfg.Metrics.Enabled {
		env.Metrics = metrics.NewCollector(cfg.Metrics.Namespace)
		observers = append(observers, env.Metrics)
	}
	observers = append(observers, notifiers(awsCfg, retry)...)

	env.Orchestrator = etl.NewOrchestrator(etl.DefaultCatalog(), src, stagingStore, wh, etl.Options{
		Format:             stagingFormat(),
		StagingPrefix:      cfg.Staging.Prefix,
		SourcePrefix:       cfg.Telemetry.Prefix,
		ParallelDimensions: cfg.ETL.ParallelDimensions,
	}, observers...)

	ok = true
	return env, nil
}

func loadAWSConfig(ctx context.Context) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, eris.Wrap(err, "load aws config")
	}
	return awsCfg, nil
}

// endpoint points a client at cfg.AWS.Endpoint (LocalStack and friends).
func endpoint() *string {
	if cfg.AWS.Endpoint == "" {
		return nil
	}
	return aws.String(cfg.AWS.Endpoint)
}

func secretProvider(awsCfg aws.Config, retry resilience.RetryConfig) etl.SecretProvider {
	if cfg.Secrets.Provider == "env" {
		return secrets.NewEnv()
	}
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		o.BaseEndpoint = endpoint()
	})
	return secrets.NewSecretsManager(client, time.Duration(cfg.Secrets.CacheTTLSec)*time.Second, retry)
}

func newObjectStore(awsCfg aws.Config, kind, bucket, dir string, retry resilience.RetryConfig) (etl.ObjectStore, error) {
	if kind == "local" {
		local, err := objstore.NewLocal(dir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := endpoint(); ep != nil {
			o.BaseEndpoint = ep
			o.UsePathStyle = true
		}
	})
	return objstore.NewS3(client, bucket, retry), nil
}

// warehousePool opens the pgx pool for the Redshift or Postgres warehouse.
// A configured schema becomes the search_path so migrations and merges
// agree on where tables live.
func warehousePool(ctx context.Context, sp etl.SecretProvider) (*pgxpool.Pool, error) {
	dsn, err := secrets.ResolveDSN(ctx, sp, cfg.Warehouse.DatabaseURL, cfg.Warehouse.PasswordSecret)
	if err != nil {
		return nil, err
	}

	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, etl.Fatal(eris.Wrap(err, "warehouse: parse database_url"))
	}
	if cfg.Warehouse.MaxConns > 0 {
		pc.MaxConns = int32(cfg.Warehouse.MaxConns)
	}
	if cfg.Warehouse.Schema != "" {
		pc.ConnConfig.RuntimeParams["search_path"] = cfg.Warehouse.Schema
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, etl.Fatal(eris.Wrap(err, "warehouse: create connection pool"))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, etl.Fatal(eris.Wrap(err, "warehouse: ping"))
	}
	zap.L().Info("connected to warehouse", zap.String("driver", cfg.Warehouse.Driver))
	return pool, nil
}

func notifiers(awsCfg aws.Config, retry resilience.RetryConfig) []etl.Observer {
	var out []etl.Observer
	n := cfg.Notify
	if n.EventBridge.Enabled {
		client := eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
			o.BaseEndpoint = endpoint()
		})
		out = append(out, notify.NewEventBridge(client, n.EventBridge.BusName, n.EventBridge.Source,
			notify.NewBreaker("eventbridge", n.Breaker)))
	}
	if n.CloudWatch.Enabled {
		client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			o.BaseEndpoint = endpoint()
		})
		out = append(out, notify.NewCloudWatch(client, n.CloudWatch.Namespace,
			notify.NewBreaker("cloudwatch", n.Breaker)))
	}
	if n.Alert.WebhookURL != "" {
		out = append(out, monitoring.NewAlerter(n.Alert, retry))
	}
	return out
}

func stagingFormat() etl.Format {
	f := etl.DefaultFormat()
	if r, _ := utf8.DecodeRuneInString(cfg.Staging.Delimiter); r != utf8.RuneError {
		f.Delimiter = r
	}
	f.NullToken = cfg.Staging.NullToken
	return f
}
