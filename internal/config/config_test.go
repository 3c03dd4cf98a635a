package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

var envVars = []string{
	"SYNCD_CONFIG_PATH",
	"SYNCD_ENV_FILE",
	"SYNCD_PORT",
	"SYNCD_READ_TIMEOUT",
	"SYNCD_WRITE_TIMEOUT",
	"SYNCD_SHUTDOWN_TIMEOUT",
	"SYNCD_ACTION_RATE",
	"SYNCD_ACTION_BURST",
	"SYNCD_DB_PATH",
	"SYNCD_TICK_INTERVAL",
	"SYNCD_WORKERS",
	"SYNCD_QUEUE_SIZE",
	"SYNCD_BATCH_SIZE",
	"SYNCD_BATCH_RETRIES",
	"SYNCD_RETRY_BACKOFF",
	"SYNCD_RUN_TIMEOUT",
	"SYNCD_ABORT_THRESHOLD",
	"SYNCD_ABORT_MIN_RECORDS",
	"SYNCD_MAX_ERROR_DETAILS",
	"SYNCD_SUBSCRIBER_QUEUE_SIZE",
	"SYNCD_HISTORY_RETENTION",
	"SYNCD_RETENTION_INTERVAL",
	"SYNCD_EXPORT_BUCKET",
	"SYNCD_S3_ENDPOINT",
	"SYNCD_S3_REGION",
	"SYNCD_S3_ACCESS_KEY",
	"SYNCD_S3_SECRET_KEY",
	"SYNCD_S3_USE_SSL",
	"SYNCD_EXPORT_PREFIX",
	"SYNCD_EXPORT_INTERVAL",
	"SYNCD_EXPORT_BATCH_SIZE",
	"SYNCD_FILEDROP_ROOT",
	"SYNCD_MEMORY_CONNECTOR",
	"SYNCD_LOG_LEVEL",
	"SYNCD_LOG_FORMAT",
	"SYNCD_LOG_FILE",
}

// clearEnv unsets every config env var for the duration of the test and
// points the .env lookup at a file that does not exist.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
	t.Setenv("SYNCD_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 15*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 15s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Database.Path != "data/syncd.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "data/syncd.db")
	}
	if dur(cfg.Scheduler.TickInterval) != 30*time.Second {
		t.Errorf("Scheduler.TickInterval = %v, want 30s", cfg.Scheduler.TickInterval)
	}
	if cfg.Executor.Workers != 4 {
		t.Errorf("Executor.Workers = %d, want 4", cfg.Executor.Workers)
	}
	if cfg.Executor.BatchRetries != 3 {
		t.Errorf("Executor.BatchRetries = %d, want 3", cfg.Executor.BatchRetries)
	}
	if dur(cfg.Executor.RunTimeout) != 30*time.Minute {
		t.Errorf("Executor.RunTimeout = %v, want 30m", cfg.Executor.RunTimeout)
	}
	if cfg.Executor.MaxErrorDetails != 100 {
		t.Errorf("Executor.MaxErrorDetails = %d, want 100", cfg.Executor.MaxErrorDetails)
	}
	if cfg.Broadcast.QueueSize != 256 {
		t.Errorf("Broadcast.QueueSize = %d, want 256", cfg.Broadcast.QueueSize)
	}
	if cfg.Export.Bucket != "" {
		t.Errorf("Export.Bucket = %q, want empty (export disabled)", cfg.Export.Bucket)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Log.File != "" {
		t.Errorf("Log.File = %q, want empty", cfg.Log.File)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYNCD_PORT", "9090")
	os.Setenv("SYNCD_DB_PATH", "/custom/path.db")
	os.Setenv("SYNCD_TICK_INTERVAL", "10s")
	os.Setenv("SYNCD_WORKERS", "8")
	os.Setenv("SYNCD_ABORT_THRESHOLD", "0.25")
	os.Setenv("SYNCD_S3_USE_SSL", "false")
	os.Setenv("SYNCD_MEMORY_CONNECTOR", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if dur(cfg.Scheduler.TickInterval) != 10*time.Second {
		t.Errorf("Scheduler.TickInterval = %v, want 10s", cfg.Scheduler.TickInterval)
	}
	if cfg.Executor.Workers != 8 {
		t.Errorf("Executor.Workers = %d, want 8", cfg.Executor.Workers)
	}
	if cfg.Executor.AbortThreshold != 0.25 {
		t.Errorf("Executor.AbortThreshold = %v, want 0.25", cfg.Executor.AbortThreshold)
	}
	if cfg.Export.UseSSL == nil || *cfg.Export.UseSSL {
		t.Errorf("Export.UseSSL = %v, want false", cfg.Export.UseSSL)
	}
	if !cfg.Connectors.Memory {
		t.Error("Connectors.Memory should be true")
	}
}

func TestLoad_UnparseableEnvVarIsIgnored(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYNCD_PORT", "not-a-port")
	os.Setenv("SYNCD_RUN_TIMEOUT", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if dur(cfg.Executor.RunTimeout) != 30*time.Minute {
		t.Errorf("Executor.RunTimeout = %v, want 30m (default)", cfg.Executor.RunTimeout)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, ".env", "SYNCD_PORT=7070\nSYNCD_S3_ACCESS_KEY=from-dotenv\n")
	os.Setenv("SYNCD_ENV_FILE", envFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Export.AccessKey != "from-dotenv" {
		t.Errorf("Export.AccessKey = %q, want %q", cfg.Export.AccessKey, "from-dotenv")
	}
}

func TestLoad_EnvVarBeatsDotEnv(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, ".env", "SYNCD_PORT=7070\n")
	os.Setenv("SYNCD_ENV_FILE", envFile)
	os.Setenv("SYNCD_PORT", "9191")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "syncd.yaml", "executor:\n  batch_size: 250\n")
	os.Setenv("SYNCD_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.BatchSize != 250 {
		t.Errorf("Executor.BatchSize = %d, want 250", cfg.Executor.BatchSize)
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
server:
  port: 9999
  read_timeout: 60s
database:
  path: /yaml/path.db
executor:
  workers: 2
  retry_backoff: 250ms
history:
  retention: 720h
export:
  bucket: county-audit
  endpoint: minio.local:9000
  use_ssl: false
log:
  level: warn
  file: /var/log/syncd.log
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if dur(cfg.Server.ReadTimeout) != 60*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 60s", cfg.Server.ReadTimeout)
	}
	// Unset keys keep their defaults.
	if dur(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Executor.Workers != 2 {
		t.Errorf("Executor.Workers = %d, want 2", cfg.Executor.Workers)
	}
	if dur(cfg.Executor.RetryBackoff) != 250*time.Millisecond {
		t.Errorf("Executor.RetryBackoff = %v, want 250ms", cfg.Executor.RetryBackoff)
	}
	if dur(cfg.History.Retention) != 720*time.Hour {
		t.Errorf("History.Retention = %v, want 720h", cfg.History.Retention)
	}
	if cfg.Export.Bucket != "county-audit" {
		t.Errorf("Export.Bucket = %q, want %q", cfg.Export.Bucket, "county-audit")
	}
	if cfg.Export.UseSSL == nil || *cfg.Export.UseSSL {
		t.Errorf("Export.UseSSL = %v, want false", cfg.Export.UseSSL)
	}
	if cfg.Log.File != "/var/log/syncd.log" {
		t.Errorf("Log.File = %q, want %q", cfg.Log.File, "/var/log/syncd.log")
	}
}

func TestLoadFromFile_ValidTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "syncd.toml", `
[server]
port = 8181
shutdown_timeout = "5s"

[scheduler]
tick_interval = "1m"

[executor]
workers = 6
abort_threshold = 0.2

[connectors]
filedrop_root = "/srv/drop"
memory = true
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want 8181", cfg.Server.Port)
	}
	if dur(cfg.Server.ShutdownTimeout) != 5*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 5s", cfg.Server.ShutdownTimeout)
	}
	if dur(cfg.Scheduler.TickInterval) != time.Minute {
		t.Errorf("Scheduler.TickInterval = %v, want 1m", cfg.Scheduler.TickInterval)
	}
	if cfg.Executor.Workers != 6 {
		t.Errorf("Executor.Workers = %d, want 6", cfg.Executor.Workers)
	}
	if cfg.Executor.AbortThreshold != 0.2 {
		t.Errorf("Executor.AbortThreshold = %v, want 0.2", cfg.Executor.AbortThreshold)
	}
	if cfg.Connectors.FiledropRoot != "/srv/drop" || !cfg.Connectors.Memory {
		t.Errorf("Connectors = %+v, want filedrop_root /srv/drop and memory", cfg.Connectors)
	}
}

func TestLoadFromFile_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "server:\n  port: 9999\n")
	os.Setenv("SYNCD_PORT", "7777")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (env override)", cfg.Server.Port)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("LoadFromFile() expected error for missing file")
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearEnv(t)
	for name, content := range map[string]string{
		"bad.yaml": "scheduler:\n  tick_interval: often\n",
		"bad.toml": "[scheduler]\ntick_interval = \"often\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromFile(writeFile(t, name, content))
			if err == nil || !strings.Contains(err.Error(), "invalid duration") {
				t.Errorf("LoadFromFile() error = %v, want invalid duration", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"tick", func(c *Config) { c.Scheduler.TickInterval = 0 }, "tick_interval"},
		{"workers", func(c *Config) { c.Executor.Workers = 0 }, "executor.workers"},
		{"batch", func(c *Config) { c.Executor.BatchSize = -1 }, "executor.batch_size"},
		{"threshold", func(c *Config) { c.Executor.AbortThreshold = 1.5 }, "abort_threshold"},
		{"queue", func(c *Config) { c.Broadcast.QueueSize = 0 }, "broadcast.queue_size"},
		{"retention interval", func(c *Config) { c.History.RetentionInterval = 0 }, "retention_interval"},
		{"retention disabled", func(c *Config) {
			c.History.Retention = 0
			c.History.RetentionInterval = 0
		}, ""},
		{"export endpoint", func(c *Config) { c.Export.Bucket = "audit" }, "export.endpoint"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := newDefaults()
	cfg.Server.Port = -1
	cfg.Executor.Workers = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"server.port", "executor.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	type wrapper struct {
		D Duration `yaml:"d"`
	}
	out, err := yaml.Marshal(wrapper{D: Duration(90 * time.Second)})
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "1m30s") {
		t.Errorf("marshaled %q, want 1m30s", out)
	}

	var w wrapper
	if err := yaml.Unmarshal(out, &w); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if w.D.Std() != 90*time.Second {
		t.Errorf("D = %v, want 90s", w.D.Std())
	}
}
