package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftsync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// TestDefault tests that the default configuration is valid.
func TestDefault(t *testing.T) {
	config := Default()

	if err := config.Validate(); err != nil {
		t.Fatalf("Validate() failed on defaults: %v", err)
	}
	if config.Storage.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %q", config.Storage.Backend)
	}
	if config.Probe.Interval != 5*time.Second {
		t.Errorf("expected 5s probe interval, got %v", config.Probe.Interval)
	}
	if config.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 retry attempts, got %d", config.Retry.MaxAttempts)
	}
	if config.DataDir == "" {
		t.Error("expected non-empty data dir")
	}
}

// TestLoad_File tests loading overrides from a YAML file.
func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/driftsync
storage:
  backend: filelog
probe:
  url: https://races.example.com/health
  interval: 10s
retry:
  max_attempts: 3
dashboard:
  enabled: true
  port: 9090
`)

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if config.DataDir != "/var/lib/driftsync" {
		t.Errorf("expected data dir override, got %q", config.DataDir)
	}
	if config.Storage.Backend != BackendFileLog {
		t.Errorf("expected filelog backend, got %q", config.Storage.Backend)
	}
	if config.Probe.URL != "https://races.example.com/health" {
		t.Errorf("expected probe url override, got %q", config.Probe.URL)
	}
	if config.Probe.Interval != 10*time.Second {
		t.Errorf("expected 10s probe interval, got %v", config.Probe.Interval)
	}
	if config.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", config.Retry.MaxAttempts)
	}
	if !config.Dashboard.Enabled || config.Dashboard.Port != 9090 {
		t.Errorf("expected dashboard on port 9090, got %+v", config.Dashboard)
	}

	// Unset keys keep their defaults
	if config.Probe.Timeout != 3*time.Second {
		t.Errorf("expected default probe timeout, got %v", config.Probe.Timeout)
	}
	if config.Retry.Base != 2*time.Second {
		t.Errorf("expected default retry base, got %v", config.Retry.Base)
	}
}

// TestLoad_MissingExplicitFile tests that a named file must exist.
func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// TestLoad_InvalidYAML tests that parse failures surface.
func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "storage: [not: a map\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

// TestLoad_ValidationFailure tests that loaded values are range checked.
func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: postgres\n")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "storage.backend") {
		t.Errorf("expected storage.backend error, got: %v", err)
	}
}

// TestLoad_EnvOverride tests DRIFT_ environment variables.
func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DRIFT_STORAGE_BACKEND", "filelog")
	path := writeConfig(t, "")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Storage.Backend != BackendFileLog {
		t.Errorf("expected env override to filelog, got %q", config.Storage.Backend)
	}
}

// TestLoad_EnvDuration tests duration parsing from environment variables.
func TestLoad_EnvDuration(t *testing.T) {
	t.Setenv("DRIFT_PROBE_INTERVAL", "30s")
	path := writeConfig(t, "")

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if config.Probe.Interval != 30*time.Second {
		t.Errorf("expected 30s probe interval, got %v", config.Probe.Interval)
	}
}

// TestValidate tests range and cross-field checks.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"empty probe url", func(c *Config) { c.Probe.URL = "" }, "probe.url"},
		{"zero probe interval", func(c *Config) { c.Probe.Interval = 0 }, "probe.interval"},
		{"zero probe timeout", func(c *Config) { c.Probe.Timeout = 0 }, "probe.timeout"},
		{"negative debounce", func(c *Config) { c.Probe.Debounce = -time.Second }, "probe.debounce"},
		{"zero drain interval", func(c *Config) { c.Drain.Interval = 0 }, "drain.interval"},
		{"zero retry base", func(c *Config) { c.Retry.Base = 0 }, "retry.base"},
		{"max below base", func(c *Config) { c.Retry.Max = time.Second }, "retry.max"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"port too high", func(c *Config) { c.Dashboard.Port = 70000 }, "dashboard.port"},
		{"remote without manifest", func(c *Config) { c.Remote.URL = "libsql://races.turso.io" }, "remote.manifest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(config)

			err := config.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

// TestStorePath tests storage location derivation.
func TestStorePath(t *testing.T) {
	config := Default()
	config.DataDir = "/data"

	if got := config.StorePath(); got != filepath.Join("/data", "queue.db") {
		t.Errorf("expected sqlite path under data dir, got %q", got)
	}

	config.Storage.Backend = BackendFileLog
	if got := config.StorePath(); got != filepath.Join("/data", "log") {
		t.Errorf("expected filelog dir under data dir, got %q", got)
	}

	config.Storage.Path = "/mnt/sd/queue"
	if got := config.StorePath(); got != "/mnt/sd/queue" {
		t.Errorf("expected explicit path to win, got %q", got)
	}
}

// TestSpoolPath tests spool location derivation.
func TestSpoolPath(t *testing.T) {
	config := Default()
	config.DataDir = "/data"

	if got := config.SpoolPath(); got != filepath.Join("/data", "spool") {
		t.Errorf("expected spool under data dir, got %q", got)
	}

	config.Spool.Dir = "/mnt/usb/drop"
	if got := config.SpoolPath(); got != "/mnt/usb/drop" {
		t.Errorf("expected explicit spool dir to win, got %q", got)
	}
}

// TestBackoffPolicy tests the retry section conversion.
func TestBackoffPolicy(t *testing.T) {
	config := Default()
	config.Retry.Base = time.Second
	config.Retry.Max = 10 * time.Second
	config.Retry.MaxAttempts = 7

	policy := config.BackoffPolicy()
	if policy.Base != time.Second || policy.Max != 10*time.Second || policy.MaxAttempts != 7 {
		t.Errorf("policy does not match retry config: %+v", policy)
	}
}
