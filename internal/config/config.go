package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source    SourceConfig    `yaml:"source" mapstructure:"source"`
	Warehouse WarehouseConfig `yaml:"warehouse" mapstructure:"warehouse"`
	Staging   StagingConfig   `yaml:"staging" mapstructure:"staging"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Secrets   SecretsConfig   `yaml:"secrets" mapstructure:"secrets"`
	AWS       AWSConfig       `yaml:"aws" mapstructure:"aws"`
	ETL       ETLConfig       `yaml:"etl" mapstructure:"etl"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Notify    NotifyConfig    `yaml:"notify" mapstructure:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// SourceConfig points at the operational (RDS) Postgres database.
type SourceConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// PasswordSecret, when set, is resolved through the secret provider and
	// replaces the password in DatabaseURL.
	PasswordSecret string `yaml:"password_secret" mapstructure:"password_secret"`
	MaxOpenConns   int    `yaml:"max_open_conns" mapstructure:"max_open_conns" validate:"min=1"`
}

// WarehouseConfig configures the analytical warehouse.
type WarehouseConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver" validate:"oneof=redshift postgres sqlite"`
	DatabaseURL    string `yaml:"database_url" mapstructure:"database_url"`
	PasswordSecret string `yaml:"password_secret" mapstructure:"password_secret"`
	Schema         string `yaml:"schema" mapstructure:"schema"`
	IAMRole        string `yaml:"iam_role" mapstructure:"iam_role"`
	Region         string `yaml:"region" mapstructure:"region"`
	InsertBatch    int    `yaml:"insert_batch" mapstructure:"insert_batch" validate:"min=1"`
	MaxConns       int    `yaml:"max_conns" mapstructure:"max_conns" validate:"min=1"`
	SQLitePath     string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// StagingConfig configures where staged batches are written.
type StagingConfig struct {
	Store     string `yaml:"store" mapstructure:"store" validate:"oneof=s3 local"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	LocalDir  string `yaml:"local_dir" mapstructure:"local_dir"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Delimiter string `yaml:"delimiter" mapstructure:"delimiter" validate:"len=1"`
	NullToken string `yaml:"null_token" mapstructure:"null_token"`
}

// TelemetryConfig configures the raw telemetry object source.
type TelemetryConfig struct {
	Store       string  `yaml:"store" mapstructure:"store" validate:"oneof=s3 local"`
	Bucket      string  `yaml:"bucket" mapstructure:"bucket"`
	LocalDir    string  `yaml:"local_dir" mapstructure:"local_dir"`
	Prefix      string  `yaml:"prefix" mapstructure:"prefix"`
	MaxFiles    int     `yaml:"max_files" mapstructure:"max_files" validate:"min=1"`
	ReadsPerSec float64 `yaml:"reads_per_sec" mapstructure:"reads_per_sec" validate:"gt=0"`
}

// SecretsConfig selects the credential provider.
type SecretsConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider" validate:"oneof=aws env"`
	CacheTTLSec int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
}

// AWSConfig holds shared AWS client settings.
type AWSConfig struct {
	Region   string `yaml:"region" mapstructure:"region"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
}

// ETLConfig tunes the orchestrator.
type ETLConfig struct {
	ParallelDimensions bool `yaml:"parallel_dimensions" mapstructure:"parallel_dimensions"`
	RunLog             bool `yaml:"run_log" mapstructure:"run_log"`
}

// RetryConfig controls retries of external calls and of whole runs.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// NotifyConfig configures run events, pushed metrics and alerts.
type NotifyConfig struct {
	EventBridge EventBridgeConfig `yaml:"eventbridge" mapstructure:"eventbridge"`
	CloudWatch  CloudWatchConfig  `yaml:"cloudwatch" mapstructure:"cloudwatch"`
	Alert       AlertConfig       `yaml:"alert" mapstructure:"alert"`
	Breaker     BreakerConfig     `yaml:"breaker" mapstructure:"breaker"`
}

// EventBridgeConfig configures run completion events.
type EventBridgeConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	BusName string `yaml:"bus_name" mapstructure:"bus_name"`
	Source  string `yaml:"source" mapstructure:"source"`
}

// CloudWatchConfig configures pushed run metrics.
type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// AlertConfig configures the failure webhook.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
	// RejectThreshold alerts when the telemetry reject share exceeds it.
	RejectThreshold float64 `yaml:"reject_threshold" mapstructure:"reject_threshold" validate:"gte=0,lte=1"`
}

// BreakerConfig protects side-channel publishers.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures" mapstructure:"max_failures"`
	OpenTimeoutSec int `yaml:"open_timeout_secs" mapstructure:"open_timeout_secs"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads configuration from config.yaml in the working directory and
// MEDETL_* environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEDETL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("source.max_open_conns", 4)
	v.SetDefault("warehouse.driver", "redshift")
	v.SetDefault("warehouse.insert_batch", 500)
	v.SetDefault("warehouse.max_conns", 4)
	v.SetDefault("warehouse.sqlite_path", "medetl.db")
	v.SetDefault("staging.store", "s3")
	v.SetDefault("staging.prefix", "etl-staging")
	v.SetDefault("staging.local_dir", "./data/staging")
	v.SetDefault("staging.delimiter", "|")
	v.SetDefault("staging.null_token", "")
	v.SetDefault("telemetry.store", "s3")
	v.SetDefault("telemetry.local_dir", "./data/raw")
	v.SetDefault("telemetry.prefix", "telemetry/")
	v.SetDefault("telemetry.max_files", 100)
	v.SetDefault("telemetry.reads_per_sec", 20.0)
	v.SetDefault("secrets.provider", "aws")
	v.SetDefault("secrets.cache_ttl_secs", 300)
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("etl.parallel_dimensions", false)
	v.SetDefault("etl.run_log", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 20000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("notify.eventbridge.bus_name", "default")
	v.SetDefault("notify.eventbridge.source", "medrobotics.etl")
	v.SetDefault("notify.cloudwatch.namespace", "MedicalRobotics/ETL")
	v.SetDefault("notify.alert.reject_threshold", 0.1)
	v.SetDefault("notify.breaker.max_failures", 3)
	v.SetDefault("notify.breaker.open_timeout_secs", 60)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "medetl")
	v.SetDefault("tracing.service_name", "medrobotics-etl")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Modes passed to Validate.
const (
	ModeRun     = "run"
	ModeMigrate = "migrate"
	ModeStatus  = "status"
	ModeServe   = "serve"
)

var validate = validator.New()

// Validate checks field constraints and the settings a command needs.
func (c *Config) Validate(mode string) error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if eris.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return eris.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return eris.Wrap(err, "config: validate")
	}

	var missing []string
	needWarehouse := mode == ModeRun || mode == ModeMigrate || mode == ModeStatus || mode == ModeServe
	if needWarehouse && c.Warehouse.Driver != "sqlite" && c.Warehouse.DatabaseURL == "" {
		missing = append(missing, "warehouse.database_url")
	}
	if mode == ModeRun || mode == ModeServe {
		if c.Source.DatabaseURL == "" {
			missing = append(missing, "source.database_url")
		}
		if c.Staging.Store == "s3" && c.Staging.Bucket == "" {
			missing = append(missing, "staging.bucket")
		}
		if c.Telemetry.Store == "s3" && c.Telemetry.Bucket == "" {
			missing = append(missing, "telemetry.bucket")
		}
		if c.Warehouse.Driver == "redshift" && c.Staging.Store != "s3" {
			return eris.New("config: redshift loads only from s3 staging")
		}
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		missing = append(missing, "tracing.endpoint")
	}
	if len(missing) > 0 {
		msgs := make([]string, len(missing))
		for i, m := range missing {
			msgs[i] = m + " is required"
		}
		return eris.Errorf("config: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
