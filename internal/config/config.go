package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" toml:"scheduler"`
	Executor   ExecutorConfig   `yaml:"executor" toml:"executor"`
	Broadcast  BroadcastConfig  `yaml:"broadcast" toml:"broadcast"`
	History    HistoryConfig    `yaml:"history" toml:"history"`
	Export     ExportConfig     `yaml:"export" toml:"export"`
	Connectors ConnectorsConfig `yaml:"connectors" toml:"connectors"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port" toml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// ActionRate limits run/retry/cancel requests per second across clients.
	ActionRate  float64 `yaml:"action_rate" toml:"action_rate"`
	ActionBurst int     `yaml:"action_burst" toml:"action_burst"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SchedulerConfig contains scheduler loop settings.
type SchedulerConfig struct {
	TickInterval Duration `yaml:"tick_interval" toml:"tick_interval"`
}

// ExecutorConfig contains run executor settings.
type ExecutorConfig struct {
	Workers         int      `yaml:"workers" toml:"workers"`
	QueueSize       int      `yaml:"queue_size" toml:"queue_size"`
	BatchSize       int      `yaml:"batch_size" toml:"batch_size"`
	BatchRetries    int      `yaml:"batch_retries" toml:"batch_retries"`
	RetryBackoff    Duration `yaml:"retry_backoff" toml:"retry_backoff"`
	RunTimeout      Duration `yaml:"run_timeout" toml:"run_timeout"`
	AbortThreshold  float64  `yaml:"abort_threshold" toml:"abort_threshold"`
	AbortMinRecords int      `yaml:"abort_min_records" toml:"abort_min_records"`
	MaxErrorDetails int      `yaml:"max_error_details" toml:"max_error_details"`
}

// BroadcastConfig contains status broadcaster settings.
type BroadcastConfig struct {
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// HistoryConfig contains history retention settings. A zero Retention
// keeps history forever.
type HistoryConfig struct {
	Retention         Duration `yaml:"retention" toml:"retention"`
	RetentionInterval Duration `yaml:"retention_interval" toml:"retention_interval"`
}

// ExportConfig contains S3-compatible history export settings.
// Export is disabled when Bucket is empty.
type ExportConfig struct {
	Bucket    string   `yaml:"bucket" toml:"bucket"`
	Endpoint  string   `yaml:"endpoint" toml:"endpoint"`
	Region    string   `yaml:"region" toml:"region"`
	Prefix    string   `yaml:"prefix" toml:"prefix"`
	AccessKey string   `yaml:"-" toml:"-"` // env-only
	SecretKey string   `yaml:"-" toml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl" toml:"use_ssl"`
	Interval  Duration `yaml:"interval" toml:"interval"`
	BatchSize int      `yaml:"batch_size" toml:"batch_size"`
}

// ConnectorsConfig selects the built-in connectors.
type ConnectorsConfig struct {
	FiledropRoot string `yaml:"filedrop_root" toml:"filedrop_root"`
	// Memory registers the in-memory connector as the fallback for every
	// system. Development only.
	Memory bool `yaml:"memory" toml:"memory"`
}

// LogConfig contains logging settings. File enables a rotating log file
// written alongside stdout.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// Duration is a wrapper around time.Duration that parses Go duration
// strings from YAML and TOML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → config file → .env →
// env vars. Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	// A missing .env is fine; existing env vars are never overwritten.
	_ = godotenv.Load(getEnv("SYNCD_ENV_FILE", ".env"))

	cfg := newDefaults()

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")
	if err := loadFile(cfg, configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()
	if err := loadFile(cfg, path); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			ActionRate:      10,
			ActionBurst:     20,
		},
		Database: DatabaseConfig{
			Path: "data/syncd.db",
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(30 * time.Second),
		},
		Executor: ExecutorConfig{
			Workers:         4,
			QueueSize:       64,
			BatchSize:       100,
			BatchRetries:    3,
			RetryBackoff:    Duration(500 * time.Millisecond),
			RunTimeout:      Duration(30 * time.Minute),
			AbortThreshold:  0.5,
			AbortMinRecords: 100,
			MaxErrorDetails: 100,
		},
		Broadcast: BroadcastConfig{
			QueueSize: 256,
		},
		History: HistoryConfig{
			Retention:         Duration(90 * 24 * time.Hour),
			RetentionInterval: Duration(24 * time.Hour),
		},
		Export: ExportConfig{
			Region:    "us-east-1",
			Prefix:    "history",
			Interval:  Duration(1 * time.Hour),
			BatchSize: 1000,
		},
		Connectors: ConnectorsConfig{
			FiledropRoot: "data/filedrop",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// loadFile decodes a YAML or TOML file, chosen by extension.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("SYNCD_PORT", &cfg.Server.Port)
	envDuration("SYNCD_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SYNCD_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SYNCD_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envFloat("SYNCD_ACTION_RATE", &cfg.Server.ActionRate)
	envInt("SYNCD_ACTION_BURST", &cfg.Server.ActionBurst)

	// Database
	envString("SYNCD_DB_PATH", &cfg.Database.Path)

	// Scheduler
	envDuration("SYNCD_TICK_INTERVAL", &cfg.Scheduler.TickInterval)

	// Executor
	envInt("SYNCD_WORKERS", &cfg.Executor.Workers)
	envInt("SYNCD_QUEUE_SIZE", &cfg.Executor.QueueSize)
	envInt("SYNCD_BATCH_SIZE", &cfg.Executor.BatchSize)
	envInt("SYNCD_BATCH_RETRIES", &cfg.Executor.BatchRetries)
	envDuration("SYNCD_RETRY_BACKOFF", &cfg.Executor.RetryBackoff)
	envDuration("SYNCD_RUN_TIMEOUT", &cfg.Executor.RunTimeout)
	envFloat("SYNCD_ABORT_THRESHOLD", &cfg.Executor.AbortThreshold)
	envInt("SYNCD_ABORT_MIN_RECORDS", &cfg.Executor.AbortMinRecords)
	envInt("SYNCD_MAX_ERROR_DETAILS", &cfg.Executor.MaxErrorDetails)

	// Broadcast
	envInt("SYNCD_SUBSCRIBER_QUEUE_SIZE", &cfg.Broadcast.QueueSize)

	// History
	envDuration("SYNCD_HISTORY_RETENTION", &cfg.History.Retention)
	envDuration("SYNCD_RETENTION_INTERVAL", &cfg.History.RetentionInterval)

	// Export
	envString("SYNCD_EXPORT_BUCKET", &cfg.Export.Bucket)
	envString("SYNCD_S3_ENDPOINT", &cfg.Export.Endpoint)
	envString("SYNCD_S3_REGION", &cfg.Export.Region)
	envString("SYNCD_S3_ACCESS_KEY", &cfg.Export.AccessKey)
	envString("SYNCD_S3_SECRET_KEY", &cfg.Export.SecretKey)
	envString("SYNCD_EXPORT_PREFIX", &cfg.Export.Prefix)
	envDuration("SYNCD_EXPORT_INTERVAL", &cfg.Export.Interval)
	envInt("SYNCD_EXPORT_BATCH_SIZE", &cfg.Export.BatchSize)
	if v := os.Getenv("SYNCD_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Export.UseSSL = &b
		}
	}

	// Connectors
	envString("SYNCD_FILEDROP_ROOT", &cfg.Connectors.FiledropRoot)
	if v := os.Getenv("SYNCD_MEMORY_CONNECTOR"); v != "" {
		cfg.Connectors.Memory = v == "true" || v == "1"
	}

	// Log
	envString("SYNCD_LOG_LEVEL", &cfg.Log.Level)
	envString("SYNCD_LOG_FORMAT", &cfg.Log.Format)
	envString("SYNCD_LOG_FILE", &cfg.Log.File)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ActionRate < 0 {
		errs = append(errs, errors.New("server.action_rate must not be negative"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, errors.New("executor.workers must be positive"))
	}
	if c.Executor.QueueSize < 0 {
		errs = append(errs, errors.New("executor.queue_size must not be negative"))
	}
	if c.Executor.BatchSize <= 0 {
		errs = append(errs, errors.New("executor.batch_size must be positive"))
	}
	if c.Executor.BatchRetries < 0 {
		errs = append(errs, errors.New("executor.batch_retries must not be negative"))
	}
	if c.Executor.RetryBackoff <= 0 {
		errs = append(errs, errors.New("executor.retry_backoff must be positive"))
	}
	if c.Executor.RunTimeout <= 0 {
		errs = append(errs, errors.New("executor.run_timeout must be positive"))
	}
	if c.Executor.AbortThreshold < 0 || c.Executor.AbortThreshold > 1 {
		errs = append(errs, errors.New("executor.abort_threshold must be between 0 and 1"))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, errors.New("broadcast.queue_size must be positive"))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must not be negative"))
	}
	if c.History.Retention > 0 && c.History.RetentionInterval <= 0 {
		errs = append(errs, errors.New("history.retention_interval must be positive"))
	}
	if c.Export.Bucket != "" {
		if c.Export.Endpoint == "" {
			errs = append(errs, errors.New("export.endpoint is required when export.bucket is set"))
		}
		if c.Export.Interval <= 0 {
			errs = append(errs, errors.New("export.interval must be positive"))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
