// Package config loads ClawStore's YAML configuration, the shape recognized
// by engine.Open (spec §6 "Config (recognized options)").
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DataFileConfig holds data-file (the spec's "sorted data-file layer")
// write-path configuration.
type DataFileConfig struct {
	BlockSizeBytes int64  `yaml:"block_size_bytes"`
	Compression    string `yaml:"compression"` // "none" | "snappy" | "lz4" | "zstd"
}

// CacheConfig sizes the negative cache of known-absent keys (spec §4.5).
type CacheConfig struct {
	NegativeCacheCapacity int `yaml:"negative_cache_capacity"`
}

// CompactionConfig holds compactor trigger thresholds (spec §4.7).
type CompactionConfig struct {
	FileCountThreshold int     `yaml:"file_count_threshold"`
	DeadRatioThreshold float64 `yaml:"dead_ratio_threshold"`
	CheckInterval      string  `yaml:"check_interval"`
}

// WALConfig holds write-ahead log configuration (spec §4.2).
type WALConfig struct {
	SyncMode        string `yaml:"sync_mode"` // "full" | "data_only" | "none"
	MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
}

// TrickleConfig holds background-flush cadence configuration (spec §4.6).
type TrickleConfig struct {
	IntervalMs          int   `yaml:"interval_ms"`
	DirtyBytesThreshold int64 `yaml:"dirty_bytes_threshold"`
}

// EngineConfig holds every engine-owned configuration section.
type EngineConfig struct {
	DataDir       string           `yaml:"data_dir"`
	MaxKeyBytes   int              `yaml:"max_key_bytes"`
	MaxValueBytes int              `yaml:"max_value_bytes"`
	DataFile      DataFileConfig   `yaml:"data_file"`
	Cache         CacheConfig      `yaml:"cache"`
	Compaction    CompactionConfig `yaml:"compaction"`
	WAL           WALConfig        `yaml:"wal"`
	Trickle       TrickleConfig    `yaml:"trickle"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`
}

// TracingConfig holds distributed-tracing exporter configuration.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct for a ClawStore instance.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ParseDuration parses a duration string, returning defaultDuration if the
// string is empty or invalid. Logs a warning on an invalid, non-empty
// string if logger is non-nil.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:       "./data",
			MaxKeyBytes:   64 * 1024,
			MaxValueBytes: 16 * 1024 * 1024,
			DataFile: DataFileConfig{
				BlockSizeBytes: 4 * 1024,
				Compression:    "snappy",
			},
			Cache: CacheConfig{
				NegativeCacheCapacity: 4096,
			},
			Compaction: CompactionConfig{
				FileCountThreshold: 4,
				DeadRatioThreshold: 0.5,
				CheckInterval:      "30s",
			},
			WAL: WALConfig{
				SyncMode:        "full",
				MaxSegmentBytes: 128 * 1024 * 1024,
			},
			Trickle: TrickleConfig{
				IntervalMs:          1000,
				DirtyBytesThreshold: 0,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// ServerPreset returns defaults tuned for a dedicated server host: larger
// WAL segments and a larger negative cache, amortizing fsync cost and RAM
// headroom across a bigger working set.
func ServerPreset() *Config {
	cfg := defaults()
	cfg.Engine.WAL.MaxSegmentBytes = 512 * 1024 * 1024
	cfg.Engine.Cache.NegativeCacheCapacity = 65536
	cfg.Engine.Compaction.FileCountThreshold = 8
	return cfg
}

// EmbeddedPreset returns defaults tuned for running alongside the host
// process on the same machine: the package defaults.
func EmbeddedPreset() *Config {
	return defaults()
}

// ConstrainedPreset returns defaults tuned for memory- and disk-constrained
// hosts: smaller WAL segments, a tighter trickle cadence so dirty bytes
// never accumulate far, and a minimal negative cache.
func ConstrainedPreset() *Config {
	cfg := defaults()
	cfg.Engine.WAL.MaxSegmentBytes = 16 * 1024 * 1024
	cfg.Engine.Trickle.IntervalMs = 250
	cfg.Engine.Cache.NegativeCacheCapacity = 256
	cfg.Engine.Compaction.FileCountThreshold = 2
	return cfg
}

// Load reads configuration from an io.Reader, overlaying any recognized
// fields onto the built-in defaults. A nil reader or empty input yields
// the defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, returning the
// defaults if the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
