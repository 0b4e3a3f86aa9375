// Package config loads daemon configuration from a YAML file, environment
// variables, and defaults, in that order of precedence.
//
// Without an explicit path the loader searches the working directory and
// $HOME/.driftsync/ for driftsync.yaml. Every key can also be set through a
// DRIFT_ environment variable with dots replaced by underscores, for example
// DRIFT_STORAGE_BACKEND=filelog.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/regattalab/driftsync/internal/backoff"
)

// Storage backend names accepted by Config.Storage.Backend.
const (
	BackendSQLite  = "sqlite"
	BackendFileLog = "filelog"
)

// Config is the full daemon configuration.
type Config struct {
	// DataDir is where the station keeps its queue, spool, and logs.
	DataDir string `mapstructure:"data_dir"`

	Storage   StorageConfig   `mapstructure:"storage"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Drain     DrainConfig     `mapstructure:"drain"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Log       LogConfig       `mapstructure:"log"`
}

// StorageConfig selects the mutation log backend.
type StorageConfig struct {
	// Backend is "sqlite" or "filelog".
	Backend string `mapstructure:"backend"`

	// Path overrides the storage location. Empty derives it from DataDir.
	Path string `mapstructure:"path"`
}

// ProbeConfig tunes the connectivity monitor.
type ProbeConfig struct {
	// URL is the reachability target, ideally the sync server itself.
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DrainConfig tunes the queue engine.
type DrainConfig struct {
	// Interval is the safety ticker between triggered drains.
	Interval time.Duration `mapstructure:"interval"`
}

// RetryConfig tunes delivery retries.
type RetryConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// SpoolConfig enables the drop-directory watcher.
type SpoolConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Dir overrides the spool location. Empty derives it from DataDir.
	Dir string `mapstructure:"dir"`
}

// DashboardConfig enables the WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RemoteConfig points at the delivery backend.
type RemoteConfig struct {
	URL          string        `mapstructure:"url"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReplicaPath  string        `mapstructure:"replica_path"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// Manifest is the collections.toml path mapping collections to tables.
	Manifest string `mapstructure:"manifest"`
}

// LogConfig controls the rotating daemon log file. An empty File logs to
// stderr only.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Storage: StorageConfig{
			Backend: BackendSQLite,
		},
		Probe: ProbeConfig{
			URL:      "https://connectivitycheck.gstatic.com/generate_204",
			Interval: 5 * time.Second,
			Timeout:  3 * time.Second,
			Debounce: 2 * time.Second,
		},
		Drain: DrainConfig{
			Interval: 30 * time.Second,
		},
		Retry: RetryConfig{
			Base:        backoff.Default().Base,
			Max:         backoff.Default().Max,
			MaxAttempts: backoff.Default().MaxAttempts,
		},
		Spool: SpoolConfig{
			Enabled: false,
		},
		Dashboard: DashboardConfig{
			Enabled: false,
			Port:    8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Load reads the configuration. With a non-empty path the named file must
// exist; otherwise the search paths are tried and a missing file just means
// defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DRIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".driftsync"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// setDefaults registers Default's values so partial files and env overrides
// merge on top of them.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("probe.url", d.Probe.URL)
	v.SetDefault("probe.interval", d.Probe.Interval)
	v.SetDefault("probe.timeout", d.Probe.Timeout)
	v.SetDefault("probe.debounce", d.Probe.Debounce)
	v.SetDefault("drain.interval", d.Drain.Interval)
	v.SetDefault("retry.base", d.Retry.Base)
	v.SetDefault("retry.max", d.Retry.Max)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("spool.enabled", d.Spool.Enabled)
	v.SetDefault("spool.dir", d.Spool.Dir)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.auth_token", d.Remote.AuthToken)
	v.SetDefault("remote.replica_path", d.Remote.ReplicaPath)
	v.SetDefault("remote.sync_interval", d.Remote.SyncInterval)
	v.SetDefault("remote.manifest", d.Remote.Manifest)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendFileLog:
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q",
			BackendSQLite, BackendFileLog, c.Storage.Backend)
	}
	if c.Probe.URL == "" {
		return fmt.Errorf("probe.url cannot be empty")
	}
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("probe.interval must be positive, got %v", c.Probe.Interval)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.timeout must be positive, got %v", c.Probe.Timeout)
	}
	if c.Probe.Debounce < 0 {
		return fmt.Errorf("probe.debounce cannot be negative, got %v", c.Probe.Debounce)
	}
	if c.Drain.Interval <= 0 {
		return fmt.Errorf("drain.interval must be positive, got %v", c.Drain.Interval)
	}
	if c.Retry.Base <= 0 {
		return fmt.Errorf("retry.base must be positive, got %v", c.Retry.Base)
	}
	if c.Retry.Max < c.Retry.Base {
		return fmt.Errorf("retry.max must be at least retry.base, got %v < %v",
			c.Retry.Max, c.Retry.Base)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be between 0 and 65535, got %d", c.Dashboard.Port)
	}
	if c.Remote.URL != "" && c.Remote.Manifest == "" {
		return fmt.Errorf("remote.manifest is required when remote.url is set")
	}
	return nil
}

// StorePath returns where the mutation log lives, deriving a location under
// DataDir when storage.path is unset.
func (c *Config) StorePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	if c.Storage.Backend == BackendFileLog {
		return filepath.Join(c.DataDir, "log")
	}
	return filepath.Join(c.DataDir, "queue.db")
}

// SpoolPath returns the spool directory, deriving it from DataDir when
// spool.dir is unset.
func (c *Config) SpoolPath() string {
	if c.Spool.Dir != "" {
		return c.Spool.Dir
	}
	return filepath.Join(c.DataDir, "spool")
}

// BackoffPolicy converts the retry section into a policy for the engine.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        c.Retry.Base,
		Max:         c.Retry.Max,
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".driftsync"
	}
	return filepath.Join(home, ".driftsync")
}
