package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete negsync configuration.
type Config struct {
	Storage Storage      `yaml:"storage"`
	Logging Logging      `yaml:"logging"`
	Redis   RedisConfig  `yaml:"redis"`
	Relays  RelaysConfig `yaml:"relays"`
	Sync    SyncConfig   `yaml:"sync"`
}

// Storage contains the event-store backend settings.
type Storage struct {
	Driver     string `yaml:"driver"` // sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging contains logging configuration.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// RedisConfig configures the event broadcast fan-out.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// RelaysConfig is the configured relay fleet.
type RelaysConfig struct {
	Fleet []RelayConfig `yaml:"fleet"`
}

// RelayConfig is one relay's connection and sync policy.
type RelayConfig struct {
	URL        string `yaml:"url"`
	Enabled    bool   `yaml:"enabled"`
	Backfill   bool   `yaml:"backfill"`
	Negentropy bool   `yaml:"negentropy"`
	Direction  string `yaml:"direction"` // down|up|both
}

// SyncConfig holds every tunable knob driving the sync engine.
type SyncConfig struct {
	BatchSize                int   `yaml:"batch_size"`
	MaxConcurrentConnections int   `yaml:"max_concurrent_connections"`
	ReconnectDelaySeconds    int   `yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts     int   `yaml:"max_reconnect_attempts"`
	PollingTimeoutSeconds    int   `yaml:"polling_timeout_seconds"`
	PollingWindowMinutes     int   `yaml:"polling_window_minutes"`
	CheckpointInterval       int   `yaml:"checkpoint_interval"`
	ResumeOverlapSeconds     int   `yaml:"resume_overlap_seconds"`
	NegentropyFrameSize      int   `yaml:"negentropy_frame_size"`
	NegentropyChunkHours     int   `yaml:"negentropy_chunk_hours"`
	PollingChunkHours        int   `yaml:"polling_chunk_hours"`
	UploadBatchSize          int   `yaml:"upload_batch_size"`
	UploadDelayMs            int   `yaml:"upload_delay_ms"`
	StaleThresholdMinutes    int   `yaml:"stale_threshold_minutes"`
	ErrorRetryAfterMinutes   int   `yaml:"error_retry_after_minutes"`
	BackfillSinceHours       int   `yaml:"backfill_since_hours"`
	EventKinds               []int `yaml:"event_kinds"` // empty = all kinds
}

// Load reads and parses a configuration file, filling defaults, applying
// environment overrides, and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in missing configuration fields with the values
// Default returns.
func applyDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = defaults.Redis.Channel
	}

	s := &cfg.Sync
	d := defaults.Sync
	if s.BatchSize == 0 {
		s.BatchSize = d.BatchSize
	}
	if s.MaxConcurrentConnections == 0 {
		s.MaxConcurrentConnections = d.MaxConcurrentConnections
	}
	if s.ReconnectDelaySeconds == 0 {
		s.ReconnectDelaySeconds = d.ReconnectDelaySeconds
	}
	if s.MaxReconnectAttempts == 0 {
		s.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if s.PollingTimeoutSeconds == 0 {
		s.PollingTimeoutSeconds = d.PollingTimeoutSeconds
	}
	if s.PollingWindowMinutes == 0 {
		s.PollingWindowMinutes = d.PollingWindowMinutes
	}
	if s.CheckpointInterval == 0 {
		s.CheckpointInterval = d.CheckpointInterval
	}
	if s.ResumeOverlapSeconds == 0 {
		s.ResumeOverlapSeconds = d.ResumeOverlapSeconds
	}
	if s.NegentropyFrameSize == 0 {
		s.NegentropyFrameSize = d.NegentropyFrameSize
	}
	if s.NegentropyChunkHours == 0 {
		s.NegentropyChunkHours = d.NegentropyChunkHours
	}
	if s.PollingChunkHours == 0 {
		s.PollingChunkHours = d.PollingChunkHours
	}
	if s.UploadBatchSize == 0 {
		s.UploadBatchSize = d.UploadBatchSize
	}
	if s.UploadDelayMs == 0 {
		s.UploadDelayMs = d.UploadDelayMs
	}
	if s.StaleThresholdMinutes == 0 {
		s.StaleThresholdMinutes = d.StaleThresholdMinutes
	}
	if s.ErrorRetryAfterMinutes == 0 {
		s.ErrorRetryAfterMinutes = d.ErrorRetryAfterMinutes
	}
	if s.BackfillSinceHours == 0 {
		s.BackfillSinceHours = d.BackfillSinceHours
	}

	for i := range cfg.Relays.Fleet {
		if cfg.Relays.Fleet[i].Direction == "" {
			cfg.Relays.Fleet[i].Direction = "both"
		}
	}
}

// applyEnvOverrides applies NEGSYNC_-prefixed environment variable
// overrides to config.
func applyEnvOverrides(cfg *Config) error {
	if redisURL := os.Getenv("NEGSYNC_REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
		cfg.Redis.Enabled = true
	}
	if sqlitePath := os.Getenv("NEGSYNC_SQLITE_PATH"); sqlitePath != "" {
		cfg.Storage.SQLitePath = sqlitePath
	}
	if level := os.Getenv("NEGSYNC_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Storage: Storage{
			Driver:     "sqlite",
			SQLitePath: "./data/negsync.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Redis: RedisConfig{
			Enabled: false,
			URL:     "redis://127.0.0.1:6379/0",
			Channel: "negsync:events",
		},
		Relays: RelaysConfig{
			Fleet: []RelayConfig{
				{URL: "wss://relay.damus.io", Enabled: true, Backfill: true, Negentropy: true, Direction: "both"},
				{URL: "wss://relay.nostr.band", Enabled: true, Backfill: true, Negentropy: true, Direction: "both"},
				{URL: "wss://nos.lol", Enabled: true, Backfill: true, Negentropy: false, Direction: "down"},
			},
		},
		Sync: SyncConfig{
			BatchSize:                500,
			MaxConcurrentConnections: 16,
			ReconnectDelaySeconds:    5,
			MaxReconnectAttempts:     10,
			PollingTimeoutSeconds:    30,
			PollingWindowMinutes:     10,
			CheckpointInterval:       100,
			ResumeOverlapSeconds:     300,
			NegentropyFrameSize:      60000,
			NegentropyChunkHours:     168,
			PollingChunkHours:        168,
			UploadBatchSize:          50,
			UploadDelayMs:            200,
			StaleThresholdMinutes:    15,
			ErrorRetryAfterMinutes:   10,
			BackfillSinceHours:       720,
			EventKinds:               []int{},
		},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
var validStorageDrivers = map[string]bool{"sqlite": true}
var validDirections = map[string]bool{"down": true, "up": true, "both": true}

// Validate checks that a configuration is internally consistent.
func Validate(cfg *Config) error {
	if !validStorageDrivers[cfg.Storage.Driver] {
		return fmt.Errorf("invalid storage driver: %s (must be sqlite)", cfg.Storage.Driver)
	}
	if cfg.Storage.SQLitePath == "" {
		return fmt.Errorf("storage.sqlite_path is required")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", cfg.Logging.Level)
	}
	if cfg.Redis.Enabled && cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis.enabled is true")
	}

	if len(cfg.Relays.Fleet) == 0 {
		return fmt.Errorf("at least one relay must be configured")
	}
	seen := make(map[string]bool, len(cfg.Relays.Fleet))
	for _, r := range cfg.Relays.Fleet {
		if !strings.HasPrefix(r.URL, "wss://") && !strings.HasPrefix(r.URL, "ws://") {
			return fmt.Errorf("relay url must start with ws:// or wss://: %s", r.URL)
		}
		if seen[r.URL] {
			return fmt.Errorf("duplicate relay url: %s", r.URL)
		}
		seen[r.URL] = true
		if !validDirections[r.Direction] {
			return fmt.Errorf("invalid direction for relay %s: %s (must be one of: down, up, both)", r.URL, r.Direction)
		}
	}

	s := cfg.Sync
	if s.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if s.MaxConcurrentConnections < 1 {
		return fmt.Errorf("sync.max_concurrent_connections must be at least 1")
	}
	if s.MaxReconnectAttempts < 0 {
		return fmt.Errorf("sync.max_reconnect_attempts must not be negative")
	}
	if s.NegentropyFrameSize < 1024 {
		return fmt.Errorf("sync.negentropy_frame_size must be at least 1024")
	}
	if s.CheckpointInterval < 1 {
		return fmt.Errorf("sync.checkpoint_interval must be at least 1")
	}
	if s.StaleThresholdMinutes < 1 {
		return fmt.Errorf("sync.stale_threshold_minutes must be at least 1")
	}
	if s.ErrorRetryAfterMinutes < 1 {
		return fmt.Errorf("sync.error_retry_after_minutes must be at least 1")
	}

	return nil
}
