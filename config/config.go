package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileCountConfig holds the size buckets used by the file-count merge rule.
// A file belongs to the first bucket whose maximum it does not reach;
// anything at or above MediumMaxBytes is Large.
type FileCountConfig struct {
	Threshold         int   `yaml:"threshold"`
	VerySmallMaxBytes int64 `yaml:"very_small_max_bytes"`
	SmallMaxBytes     int64 `yaml:"small_max_bytes"`
	MediumMaxBytes    int64 `yaml:"medium_max_bytes"`
}

// MergeConfig holds merge-policy configurations.
type MergeConfig struct {
	// Policy lists the enabled rules: none, file_count, invalid_entries,
	// deleted_entries or all.
	Policy                     []string        `yaml:"policy"`
	MergeFilesCountThreshold   int             `yaml:"merge_files_count_threshold"`
	NumberOfInvalidEntries     int64           `yaml:"number_of_invalid_entries"`
	NumberOfDeletedEntries     int64           `yaml:"number_of_deleted_entries"`
	PercentageOfDeletedEntries float64         `yaml:"percentage_of_deleted_entries"`
	MinFreeDiskBytes           int64           `yaml:"min_free_disk_bytes"`
	FileCount                  FileCountConfig `yaml:"file_count"`
}

// StoreConfig holds store-level configurations.
type StoreConfig struct {
	DataDir                        string  `yaml:"data_dir"`
	Compression                    string  `yaml:"compression"`
	ValueBlockSizeBytes            int     `yaml:"value_block_size_bytes"`
	BloomFilterFPRate              float64 `yaml:"bloom_filter_fp_rate"`
	BlockCacheCapacity             int     `yaml:"block_cache_capacity"`
	EnableBackgroundConsolidation  bool    `yaml:"enable_background_consolidation"`
	NumberOfDeltasToBeConsolidated int     `yaml:"number_of_deltas_to_be_consolidated"`
	CloseTimeout                   string  `yaml:"close_timeout"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // "stdout", "file" or "none"
	File   string `yaml:"file"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled               bool   `yaml:"enabled"`
	ListenAddress         string `yaml:"listen_address"`
	PProfEnabled          bool   `yaml:"pprof_enabled"`
	MetricsEnabled        bool   `yaml:"metrics_enabled"`
	SystemMetricsInterval string `yaml:"system_metrics_interval"`
}

// Config is the top-level configuration struct.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Merge   MergeConfig   `yaml:"merge"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Debug   DebugConfig   `yaml:"debug"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			DataDir:                        "./data",
			Compression:                    "snappy",
			ValueBlockSizeBytes:            16 * 1024,
			BloomFilterFPRate:              0.01,
			BlockCacheCapacity:             1024,
			EnableBackgroundConsolidation:  true,
			NumberOfDeltasToBeConsolidated: 3,
			CloseTimeout:                   "30s",
		},
		Merge: MergeConfig{
			Policy:                     []string{"invalid_entries", "deleted_entries"},
			MergeFilesCountThreshold:   16,
			NumberOfInvalidEntries:     10000,
			NumberOfDeletedEntries:     10000,
			PercentageOfDeletedEntries: 0,
			MinFreeDiskBytes:           0,
			FileCount: FileCountConfig{
				Threshold:         3,
				VerySmallMaxBytes: 16 * 1024 * 1024,
				SmallMaxBytes:     256 * 1024 * 1024,
				MediumMaxBytes:    4 * 1024 * 1024 * 1024,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "tstore.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:               false,
			ListenAddress:         "127.0.0.1:6060",
			PProfEnabled:          true,
			MetricsEnabled:        true,
			SystemMetricsInterval: "15s",
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
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

// Validate checks values that cannot be repaired with a default.
func (c *Config) Validate() error {
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir must be set")
	}
	switch strings.ToLower(c.Store.Compression) {
	case "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("store.compression: unsupported value %q", c.Store.Compression)
	}
	if c.Store.NumberOfDeltasToBeConsolidated < 1 {
		return fmt.Errorf("store.number_of_deltas_to_be_consolidated must be >= 1, got %d", c.Store.NumberOfDeltasToBeConsolidated)
	}
	if c.Merge.MergeFilesCountThreshold < 1 {
		return fmt.Errorf("merge.merge_files_count_threshold must be >= 1, got %d", c.Merge.MergeFilesCountThreshold)
	}
	fc := c.Merge.FileCount
	if fc.Threshold < 2 {
		return fmt.Errorf("merge.file_count.threshold must be >= 2, got %d", fc.Threshold)
	}
	if !(0 < fc.VerySmallMaxBytes && fc.VerySmallMaxBytes < fc.SmallMaxBytes && fc.SmallMaxBytes < fc.MediumMaxBytes) {
		return fmt.Errorf("merge.file_count bucket sizes must be positive and strictly increasing")
	}
	if p := c.Merge.PercentageOfDeletedEntries; p < 0 || p > 100 {
		return fmt.Errorf("merge.percentage_of_deleted_entries must be within [0, 100], got %v", p)
	}
	for _, name := range c.Merge.Policy {
		switch strings.ToLower(name) {
		case "none", "file_count", "invalid_entries", "deleted_entries", "all":
		default:
			return fmt.Errorf("merge.policy: unknown rule %q", name)
		}
	}
	switch strings.ToLower(c.Tracing.Protocol) {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol: unsupported value %q", c.Tracing.Protocol)
	}
	return nil
}

// Load reads configuration from an io.Reader, starting from Default().
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
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
