// Package config provides a way to configure the loader.
//
// Values are layered: built-in defaults, then the YAML file, then
// environment variables with the LOADER_ prefix, then command-line flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LOADER_"

type Config struct {
	// Directory scanned for input files
	InputDir  string `yaml:"input_dir" env:"INPUT_DIR, overwrite"`
	Extension string `yaml:"extension" env:"EXTENSION, overwrite"`

	// Size of the parse worker pool and its task queue
	Threads   int `yaml:"threads"    env:"THREADS, overwrite"`
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE, overwrite"`

	// Number of records handed to the writer at once
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE, overwrite"`
	// Number of documents per bulk insert call
	WriterBatchSize int `yaml:"writer_batch_size" env:"WRITER_BATCH_SIZE, overwrite"`
	// Unacknowledged writes are faster but their success only means the
	// request was submitted. Write timings then measure submission time.
	UnacknowledgedWrites bool `yaml:"unacknowledged_writes" env:"UNACKNOWLEDGED_WRITES, overwrite"`

	// The run aborts once more than SkipLimit files were skipped
	SkipLimit int `yaml:"skip_limit" env:"SKIP_LIMIT, overwrite"`

	// Base of the derived paths below
	AppPath    string `yaml:"app_path"    env:"APP_PATH, overwrite"`
	FailedDir  string `yaml:"failed_dir"  env:"FAILED_DIR, overwrite"`
	ErrorLog   string `yaml:"error_log"   env:"ERROR_LOG, overwrite"`
	SummaryLog string `yaml:"summary_log" env:"SUMMARY_LOG, overwrite"`
	// How many past runs are printed after a run
	SummaryTail int `yaml:"summary_tail" env:"SUMMARY_TAIL, overwrite"`

	ProgressInterval time.Duration `yaml:"progress_interval" env:"PROGRESS_INTERVAL, overwrite"`
	TUI              bool          `yaml:"tui"               env:"TUI, overwrite"`

	Mongo      MongoConfig      `yaml:"mongo"      env:", prefix=MONGO_"`
	Clickhouse ClickhouseConfig `yaml:"clickhouse" env:", prefix=CLICKHOUSE_"`
	// Logger configuration
	Log LogConfig `yaml:"log" env:", prefix=LOG_"`
	// Graceful shutdown logic configuration
	Shutdown ShutdownConfig `yaml:"shutdown" env:", prefix=SHUTDOWN_"`
}

type CircuitBreakerConfig struct {
	Enabled                 bool          `yaml:"enabled"                    env:"ENABLE, overwrite"`
	MaxRequests             uint32        `yaml:"max_requests"               env:"MAX_REQUESTS, overwrite"`
	ConsecutiveFailure      uint32        `yaml:"consecutive_failure"        env:"CONSECUTIVE_FAILURE, overwrite"`
	TotalFailurePerInterval uint32        `yaml:"total_failure_per_interval" env:"TOTAL_FAILURE_PER_INTERVAL, overwrite"`
	Interval                time.Duration `yaml:"interval"                   env:"INTERVAL, overwrite"`
	Timeout                 time.Duration `yaml:"timeout"                    env:"TIMEOUT, overwrite"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"        env:"URI, overwrite"`
	Database   string `yaml:"database"   env:"DB, overwrite"`
	Collection string `yaml:"collection" env:"COLLECTION, overwrite"`
	// Applies to every driver operation, the pipeline adds no timeout of
	// its own
	Timeout        time.Duration `yaml:"timeout"         env:"TIMEOUT, overwrite"`
	ConnectRetries int           `yaml:"connect_retries" env:"CONNECT_RETRIES, overwrite"`

	// Circuit breaker stops hammering a store that keeps failing
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:", prefix=CB_"`
}

type DatabaseCredentials struct {
	Username string `yaml:"username" env:"USER, overwrite"`
	Password string `yaml:"password" env:"PASSWORD, overwrite"`
}

// ClickhouseConfig describes the optional mirror of the run summaries.
type ClickhouseConfig struct {
	Enabled  bool   `yaml:"enabled"  env:"ENABLED, overwrite"`
	Host     string `yaml:"host"     env:"HOST, overwrite"`
	Port     string `yaml:"port"     env:"PORT, overwrite"`
	Database string `yaml:"database" env:"DB, overwrite"`
	Table    string `yaml:"table"    env:"TABLE, overwrite"`
	// Should be set with env vars
	Credentials    DatabaseCredentials `yaml:"credentials"     env:", prefix=CREDS_"`
	ConnectRetries int                 `yaml:"connect_retries" env:"CONNECT_RETRIES, overwrite"`
}

type LogConfig struct {
	Level       zapcore.Level `yaml:"level"        env:"LEVEL, overwrite"`
	Encoding    string        `yaml:"encoding"     env:"ENCODING, overwrite"`
	Development bool          `yaml:"development"  env:"DEVELOPMENT, overwrite"`
	OutputPaths []string      `yaml:"output_paths" env:"OUTPUT_PATHS, overwrite"`
}

type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD, overwrite"`
}

func Default() *Config {
	return &Config{
		Extension:        ".xml",
		Threads:          4,
		ChunkSize:        200,
		WriterBatchSize:  1000,
		SkipLimit:        100,
		SummaryTail:      3,
		ProgressInterval: 10 * time.Second,
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "loadbatch",
			Collection:     "invoices",
			Timeout:        30 * time.Second,
			ConnectRetries: 3,
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:             1,
				ConsecutiveFailure:      5,
				TotalFailurePerInterval: 50,
				Interval:                time.Minute,
				Timeout:                 10 * time.Second,
			},
		},
		Clickhouse: ClickhouseConfig{
			Host:           "localhost",
			Port:           "9000",
			Database:       "default",
			Table:          "loader_runs",
			ConnectRetries: 3,
		},
		Log: LogConfig{
			Level:       zapcore.InfoLevel,
			Encoding:    "console",
			OutputPaths: []string{"stderr"},
		},
		Shutdown: ShutdownConfig{GracePeriod: 30 * time.Second},
	}
}

// Load builds the configuration from the defaults, the optional YAML file at
// path and the variables visible through lookuper. A nil lookuper reads the
// process environment. The derived values are left for [Config.Resolve].
func Load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("loading configuration from %s: %w", path, err)
		}
	}
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Resolve fills the values derived from others. Explicitly set paths are
// kept.
func (c *Config) Resolve() {
	if c.AppPath == "" {
		c.AppPath = os.Getenv("APP_PATH")
		if c.AppPath == "" {
			c.AppPath = "."
		}
	}
	if c.FailedDir == "" {
		c.FailedDir = filepath.Join(c.AppPath, "failed_xml")
	}
	if c.ErrorLog == "" {
		c.ErrorLog = filepath.Join(c.FailedDir, "skip_list.csv")
	}
	if c.SummaryLog == "" {
		c.SummaryLog = filepath.Join(c.FailedDir, "summary.csv")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Threads * 4
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.InputDir == "" {
		errs = append(errs, errors.New("input-dir is required"))
	}
	if c.Extension == "" {
		errs = append(errs, errors.New("extension must not be empty"))
	}
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.Threads))
	}
	if c.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("chunk-size must be at least 1, got %d", c.ChunkSize))
	}
	if c.WriterBatchSize < 1 {
		errs = append(
			errs,
			fmt.Errorf("writer-batch-size must be at least 1, got %d", c.WriterBatchSize),
		)
	}
	if c.SkipLimit < 0 {
		errs = append(errs, fmt.Errorf("skip-limit must not be negative, got %d", c.SkipLimit))
	}
	if c.SummaryTail < 0 {
		errs = append(errs, fmt.Errorf("summary-tail must not be negative, got %d", c.SummaryTail))
	}
	if c.Mongo.Collection == "" || c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo database and collection are required"))
	}
	if c.Clickhouse.Enabled && c.Clickhouse.Table == "" {
		errs = append(errs, errors.New("clickhouse table is required when the sink is enabled"))
	}
	return errors.Join(errs...)
}
