package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// TestLoadFrom_Defaults verifies an almost empty file yields the documented
// defaults.
func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(writeFile(t, "config.yaml", "environment: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Environment != "test" {
		t.Errorf("expected environment test, got %s", cfg.Environment)
	}
	if cfg.Queue.Capacity != 10000 || cfg.Queue.PushTimeout != 200*time.Millisecond {
		t.Errorf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Buffer.Capacity != 100000 {
		t.Errorf("expected buffer capacity 100000, got %d", cfg.Buffer.Capacity)
	}
	if cfg.Writer.MaxRetries != 3 || cfg.Writer.RetryBaseDelay != time.Second || cfg.Writer.BatchThreshold != 500 {
		t.Errorf("unexpected writer defaults %+v", cfg.Writer)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown timeout 10s, got %s", cfg.ShutdownTimeout)
	}
	if cfg.Storage.Dialect != "sqlite" {
		t.Errorf("expected sqlite dialect, got %s", cfg.Storage.Dialect)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected MQTT disabled by default")
	}
	if cfg.MQTT.Commands.TopicPrefix != "plc/cmd" || cfg.MQTT.Commands.QoS != 1 {
		t.Errorf("unexpected command defaults %+v", cfg.MQTT.Commands)
	}
}

// TestLoadFrom_FileAndEnv verifies file values override defaults and
// environment variables override both.
func TestLoadFrom_FileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
writer:
  write_interval: 250ms
  max_retries: 5
storage:
  dialect: postgres
  dsn: postgres://collector@db/plc?sslmode=disable
queue:
  capacity: 500
`)
	t.Setenv("COLLECTOR_QUEUE_CAPACITY", "42")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Writer.WriteInterval != 250*time.Millisecond || cfg.Writer.MaxRetries != 5 {
		t.Errorf("expected writer values from file, got %+v", cfg.Writer)
	}
	if cfg.Storage.Dialect != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Storage.Dialect)
	}
	if cfg.Queue.Capacity != 42 {
		t.Errorf("expected env to override queue capacity, got %d", cfg.Queue.Capacity)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected LOG_LEVEL to apply, got %s", cfg.Logging.Level)
	}
}

// TestLoadFrom_MissingFile verifies an explicitly named file must exist.
func TestLoadFrom_MissingFile(t *testing.T) {
	if _, err := config.LoadFrom(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

// TestConfig_Validate verifies invalid settings are rejected.
func TestConfig_Validate(t *testing.T) {
	base, err := config.LoadFrom(writeFile(t, "config.yaml", "environment: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"bad port", func(c *config.Config) { c.HTTP.Port = 70000 }},
		{"no pool", func(c *config.Config) { c.Pool.Size = 0 }},
		{"no queue", func(c *config.Config) { c.Queue.Capacity = 0 }},
		{"threshold above buffer", func(c *config.Config) { c.Buffer.Capacity = 100 }},
		{"negative retries", func(c *config.Config) { c.Writer.MaxRetries = -1 }},
		{"unknown dialect", func(c *config.Config) { c.Storage.Dialect = "oracle" }},
		{"postgres batch above parameter limit", func(c *config.Config) {
			c.Storage.Dialect = "postgres"
			c.Writer.MaxBatchSize = 9363
		}},
		{"sqlite batch above parameter limit", func(c *config.Config) {
			c.Storage.Dialect = "sqlite"
			c.Writer.MaxBatchSize = 4681
		}},
		{"no backup dir", func(c *config.Config) { c.Backup.Dir = "" }},
		{"commands without mqtt", func(c *config.Config) { c.MQTT.Commands.Enabled = true }},
		{"no shutdown grace", func(c *config.Config) { c.ShutdownTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

// TestConfig_ValidateMaxBatchAtLimit verifies the largest batch a single
// postgres insert can bind is accepted.
func TestConfig_ValidateMaxBatchAtLimit(t *testing.T) {
	c, err := config.LoadFrom(writeFile(t, "config.yaml", "environment: test\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	c.Storage.Dialect = "postgres"
	c.Writer.MaxBatchSize = 9362
	if err := c.Validate(); err != nil {
		t.Errorf("expected 9362 rows to validate for postgres, got %v", err)
	}
}
