package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	RawStore  RawStoreConfig  `yaml:"rawstore"`
	Intel     IntelConfig     `yaml:"intel"`
	Collector CollectorConfig `yaml:"collector"`
	Reclaimer ReclaimerConfig `yaml:"reclaimer"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Ops       OpsConfig       `yaml:"ops"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig contains relational store settings.
type DatabaseConfig struct {
	Path           string   `yaml:"path"`
	PoolMin        int      `yaml:"pool_min"`
	PoolMax        int      `yaml:"pool_max"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// RawStoreConfig contains raw record store settings.
type RawStoreConfig struct {
	Path string `yaml:"path"`
}

// IntelConfig contains intelligence API client settings.
type IntelConfig struct {
	APIKey       string   `yaml:"-"` // env-only, never in YAML
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	RetryWait    Duration `yaml:"retry_wait"`
	RetryMaxWait Duration `yaml:"retry_max_wait"`
	PageSize     int      `yaml:"page_size"`
}

// CollectorConfig contains collection loop settings.
type CollectorConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	RecordDelay  Duration `yaml:"record_delay"`
	ProfilesPath string   `yaml:"profiles_path"`
}

// ReclaimerConfig contains stuck-scan reclaimer settings.
type ReclaimerConfig struct {
	StuckAfter    Duration `yaml:"stuck_after"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// ArchiveConfig contains raw-store snapshot archival settings.
// An empty bucket disables archival entirely.
type ArchiveConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only, never in YAML
	SecretKey string   `yaml:"-"` // env-only, never in YAML
	UseSSL    *bool    `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
}

// OpsConfig contains operational HTTP surface settings.
type OpsConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv("SPYGLASS_CONFIG_PATH", "config/spyglass.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOffline loads configuration for one-shot subcommands that never
// call the intelligence API. Same precedence as Load, but the API key
// requirement is waived.
func LoadOffline() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("SPYGLASS_CONFIG_PATH", "config/spyglass.yaml")

	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validateCore(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from an explicit path. Unlike Load,
// the file must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:           "data/spyglass.db",
			PoolMin:        1,
			PoolMax:        10,
			AcquireTimeout: Duration(5 * time.Second),
		},
		RawStore: RawStoreConfig{
			Path: "data/rawrecords.db",
		},
		Intel: IntelConfig{
			BaseURL:      "https://api.shodan.io",
			Timeout:      Duration(30 * time.Second),
			MaxRetries:   3,
			RetryWait:    Duration(1 * time.Second),
			RetryMaxWait: Duration(10 * time.Second),
			PageSize:     100,
		},
		Collector: CollectorConfig{
			PollInterval: Duration(6 * time.Hour),
			RecordDelay:  Duration(1 * time.Second),
			ProfilesPath: "profiles.yaml",
		},
		Reclaimer: ReclaimerConfig{
			StuckAfter:    Duration(30 * time.Minute),
			SweepInterval: Duration(10 * time.Minute),
		},
		Archive: ArchiveConfig{
			Interval: Duration(1 * time.Hour),
		},
		Ops: OpsConfig{
			Enabled:         true,
			Addr:            ":9090",
			ShutdownTimeout: Duration(15 * time.Second),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Log
	if v := os.Getenv("SPYGLASS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SPYGLASS_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	// Database
	if v := os.Getenv("SPYGLASS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SPYGLASS_DATABASE_POOL_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolMin = n
		}
	}
	if v := os.Getenv("SPYGLASS_DATABASE_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.PoolMax = n
		}
	}
	if v := os.Getenv("SPYGLASS_DATABASE_ACQUIRE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.AcquireTimeout = Duration(d)
		}
	}

	// Raw store
	if v := os.Getenv("SPYGLASS_RAWSTORE_PATH"); v != "" {
		cfg.RawStore.Path = v
	}

	// Intel API
	if v := os.Getenv("SPYGLASS_INTEL_API_KEY"); v != "" {
		cfg.Intel.APIKey = v
	}
	if v := os.Getenv("SPYGLASS_INTEL_BASE_URL"); v != "" {
		cfg.Intel.BaseURL = v
	}
	if v := os.Getenv("SPYGLASS_INTEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Intel.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("SPYGLASS_INTEL_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Intel.MaxRetries = n
		}
	}
	if v := os.Getenv("SPYGLASS_INTEL_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Intel.PageSize = n
		}
	}

	// Collector
	if v := os.Getenv("SPYGLASS_COLLECTOR_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collector.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("SPYGLASS_COLLECTOR_RECORD_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Collector.RecordDelay = Duration(d)
		}
	}
	if v := os.Getenv("SPYGLASS_COLLECTOR_PROFILES_PATH"); v != "" {
		cfg.Collector.ProfilesPath = v
	}

	// Reclaimer
	if v := os.Getenv("SPYGLASS_RECLAIMER_STUCK_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reclaimer.StuckAfter = Duration(d)
		}
	}
	if v := os.Getenv("SPYGLASS_RECLAIMER_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reclaimer.SweepInterval = Duration(d)
		}
	}

	// Archive
	if v := os.Getenv("SPYGLASS_ARCHIVE_ENDPOINT"); v != "" {
		cfg.Archive.Endpoint = v
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_ACCESS_KEY"); v != "" {
		cfg.Archive.AccessKey = v
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_SECRET_KEY"); v != "" {
		cfg.Archive.SecretKey = v
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Archive.UseSSL = &useSSL
	}
	if v := os.Getenv("SPYGLASS_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.Interval = Duration(d)
		}
	}

	// Ops
	if v := os.Getenv("SPYGLASS_OPS_ENABLED"); v != "" {
		cfg.Ops.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SPYGLASS_OPS_ADDR"); v != "" {
		cfg.Ops.Addr = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (SPYGLASS_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.validateCore(); err != nil {
		return err
	}

	// Dev mode bypasses API key validation
	if os.Getenv("SPYGLASS_DEV_MODE") == "true" {
		return nil
	}

	if c.Intel.APIKey == "" {
		return errors.New("SPYGLASS_INTEL_API_KEY is required")
	}
	return nil
}

// validateCore checks the structural settings every entry point needs,
// whether or not it talks to the intelligence API.
func (c *Config) validateCore() error {
	if c.Database.PoolMin < 1 {
		return errors.New("database.pool_min must be at least 1")
	}
	if c.Database.PoolMax < c.Database.PoolMin {
		return errors.New("database.pool_max must be >= database.pool_min")
	}
	if c.Intel.PageSize < 1 {
		return errors.New("intel.page_size must be at least 1")
	}
	if c.Archive.Bucket != "" && c.Archive.Endpoint == "" {
		return errors.New("archive.endpoint is required when archive.bucket is set")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
