// Package config provides configuration loading for the offline core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig configures the durable store.
type StoreConfig struct {
	DataDir string `yaml:"dataDir"`
}

// SyncConfig configures the synchronization coordinator.
type SyncConfig struct {
	BatchSize int `yaml:"batchSize"`
	// Interval is the periodic sync cadence while online.
	Interval time.Duration `yaml:"interval"`
	// Strategy is the default conflict strategy: timestamp_wins,
	// server_wins, client_wins, merge, user_choice.
	Strategy string `yaml:"strategy"`
	// UserChoiceFallbackLimit is the number of silent user-choice
	// fallbacks per record before a ConflictFallback event is published.
	// Zero disables surfacing.
	UserChoiceFallbackLimit int `yaml:"userChoiceFallbackLimit"`
}

// NetworkConfig configures the connectivity monitor.
type NetworkConfig struct {
	ProbeURL           string        `yaml:"probeURL"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	StabilizationDelay time.Duration `yaml:"stabilizationDelay"`
	ProbeTimeout       time.Duration `yaml:"probeTimeout"`
}

// GCConfig configures garbage collection of synced queue entries and
// expired cache entries.
type GCConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retentionDays"`
}

// Config is the root configuration for the offline core.
type Config struct {
	Store    StoreConfig   `yaml:"store"`
	Sync     SyncConfig    `yaml:"sync"`
	Network  NetworkConfig `yaml:"network"`
	GC       GCConfig      `yaml:"gc"`
	LogLevel string        `yaml:"logLevel"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir: ".",
		},
		Sync: SyncConfig{
			BatchSize:               5,
			Interval:                15 * time.Minute,
			Strategy:                "timestamp_wins",
			UserChoiceFallbackLimit: 3,
		},
		Network: NetworkConfig{
			ProbeURL:           "https://api.healthguide.example/healthz",
			PollInterval:       30 * time.Second,
			StabilizationDelay: time.Second,
			ProbeTimeout:       5 * time.Second,
		},
		GC: GCConfig{
			Interval:      time.Hour,
			RetentionDays: 7,
		},
		LogLevel: "info",
	}
}

// Load reads config from a YAML file, applies environment overrides, and
// fills unset values with defaults. An empty path skips the file and uses
// defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Override with environment variables
	if v := os.Getenv("HEALTHGUIDE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("HEALTHGUIDE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HEALTHGUIDE_PROBE_URL"); v != "" {
		cfg.Network.ProbeURL = v
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Store.DataDir == "" {
		c.Store.DataDir = def.Store.DataDir
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = def.Sync.BatchSize
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = def.Sync.Interval
	}
	if c.Sync.Strategy == "" {
		c.Sync.Strategy = def.Sync.Strategy
	}
	if c.Network.PollInterval <= 0 {
		c.Network.PollInterval = def.Network.PollInterval
	}
	if c.Network.StabilizationDelay <= 0 {
		c.Network.StabilizationDelay = def.Network.StabilizationDelay
	}
	if c.Network.ProbeTimeout <= 0 {
		c.Network.ProbeTimeout = def.Network.ProbeTimeout
	}
	if c.GC.Interval <= 0 {
		c.GC.Interval = def.GC.Interval
	}
	if c.GC.RetentionDays <= 0 {
		c.GC.RetentionDays = def.GC.RetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func (c *Config) validate() error {
	switch c.Sync.Strategy {
	case "timestamp_wins", "server_wins", "client_wins", "merge", "user_choice":
	default:
		return fmt.Errorf("unknown conflict strategy %q", c.Sync.Strategy)
	}
	return nil
}
