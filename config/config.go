package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the HTTP query API configurations.
type ServerConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// OplogConfig holds the per-worker oplog store configurations.
type OplogConfig struct {
	Dir                 string `yaml:"dir"`
	SyncMode            string `yaml:"sync_mode"` // "always" or "disabled"
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	CompactionInterval  string `yaml:"compaction_interval"`
}

// CheckpointConfig holds the status checkpoint store configurations.
type CheckpointConfig struct {
	Dir string `yaml:"dir"`
}

// StatusConfig holds the status projection service configurations.
type StatusConfig struct {
	CacheCapacity int    `yaml:"cache_capacity"`
	ShardCount    uint32 `yaml:"shard_count"`
}

// RetryConfig holds the default retry budget applied to workers that have
// not overridden their policy. Delays are duration strings ("100ms", "2s").
type RetryConfig struct {
	MaxAttempts uint32  `yaml:"max_attempts"`
	MinDelay    string  `yaml:"min_delay"`
	MaxDelay    string  `yaml:"max_delay"`
	Multiplier  float64 `yaml:"multiplier"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Oplog      OplogConfig      `yaml:"oplog"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Status     StatusConfig     `yaml:"status"`
	Retry      RetryConfig      `yaml:"retry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ParseDuration parses a duration string. Returns the default duration if the
// string is empty or invalid. Logs a warning if the string is invalid but not
// empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Server: ServerConfig{
			ListenAddress:  ":8088",
			ReadTimeout:    "10s",
			WriteTimeout:   "30s",
			MetricsEnabled: true,
		},
		Oplog: OplogConfig{
			Dir:                 "./data/oplog",
			SyncMode:            "always",
			MaxSegmentSizeBytes: 32 * 1024 * 1024, // 32 MiB
			CompactionInterval:  "10m",
		},
		Checkpoint: CheckpointConfig{
			Dir: "./data/checkpoints",
		},
		Status: StatusConfig{
			CacheCapacity: 1024,
			ShardCount:    1,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			MinDelay:    "100ms",
			MaxDelay:    "2s",
			Multiplier:  2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusflow.log",
		},
	}

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}

	// If data is empty, return defaults.
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks cross-field constraints that the YAML schema cannot express.
func (c *Config) Validate() error {
	switch c.Oplog.SyncMode {
	case "always", "disabled":
	default:
		return fmt.Errorf("invalid oplog sync_mode %q: must be \"always\" or \"disabled\"", c.Oplog.SyncMode)
	}
	if c.Oplog.Dir == "" {
		return fmt.Errorf("oplog dir must not be empty")
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint dir must not be empty")
	}
	if c.Status.CacheCapacity <= 0 {
		return fmt.Errorf("status cache_capacity must be positive, got %d", c.Status.CacheCapacity)
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}
