package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/INLOpen/tstore/config"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/merge"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultNumberOfDeltasToBeConsolidated = 3
	DefaultMergeFilesCountThreshold       = 16
	DefaultNumberOfInvalidEntries         = 10000
	DefaultNumberOfDeletedEntries         = 10000
	DefaultCloseTimeout                   = 30 * time.Second
	DefaultBlockCacheCapacity             = 1024
)

// Options configures an Engine.
type Options struct {
	Dir               string
	Compression       core.CompressionType
	ValueBlockSize    int
	BloomFilterFPRate float64
	// BlockCacheCapacity is counted in value blocks. Zero disables the cache.
	BlockCacheCapacity int

	// EnableBackgroundConsolidation runs merges on a background goroutine;
	// their result is installed by the following checkpoint.
	EnableBackgroundConsolidation  bool
	NumberOfDeltasToBeConsolidated int

	MergePolicy                merge.Policy
	MergeFilesCountThreshold   int
	NumberOfInvalidEntries     uint64
	NumberOfDeletedEntries     uint64
	PercentageOfDeletedEntries float64
	FileCount                  merge.FileCountConfiguration
	MinFreeDiskBytes           int64

	CloseTimeout   time.Duration
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// Hooks receives engine events. Nil creates a private hook manager.
	Hooks   hooks.HookManager
	Metrics *EngineMetrics
}

// DefaultOptions returns the options used by a production store in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                            dir,
		Compression:                    core.CompressionSnappy,
		BlockCacheCapacity:             DefaultBlockCacheCapacity,
		EnableBackgroundConsolidation:  true,
		NumberOfDeltasToBeConsolidated: DefaultNumberOfDeltasToBeConsolidated,
		MergePolicy:                    merge.PolicyInvalidEntries.Union(merge.PolicyDeletedEntries),
		MergeFilesCountThreshold:       DefaultMergeFilesCountThreshold,
		NumberOfInvalidEntries:         DefaultNumberOfInvalidEntries,
		NumberOfDeletedEntries:         DefaultNumberOfDeletedEntries,
		FileCount:                      merge.DefaultFileCountConfiguration(),
		CloseTimeout:                   DefaultCloseTimeout,
	}
}

// OptionsFromConfig maps the store and merge sections of a loaded config.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) (Options, error) {
	opts := DefaultOptions(cfg.Store.DataDir)
	ct, err := core.ParseCompressionType(cfg.Store.Compression)
	if err != nil {
		return Options{}, err
	}
	policy, err := merge.ParsePolicy(cfg.Merge.Policy)
	if err != nil {
		return Options{}, fmt.Errorf("merge.policy: %w", err)
	}
	opts.Compression = ct
	opts.ValueBlockSize = cfg.Store.ValueBlockSizeBytes
	opts.BloomFilterFPRate = cfg.Store.BloomFilterFPRate
	opts.BlockCacheCapacity = cfg.Store.BlockCacheCapacity
	opts.EnableBackgroundConsolidation = cfg.Store.EnableBackgroundConsolidation
	opts.NumberOfDeltasToBeConsolidated = cfg.Store.NumberOfDeltasToBeConsolidated
	opts.CloseTimeout = config.ParseDuration(cfg.Store.CloseTimeout, DefaultCloseTimeout, logger)

	opts.MergePolicy = policy
	opts.MergeFilesCountThreshold = cfg.Merge.MergeFilesCountThreshold
	opts.NumberOfInvalidEntries = uint64(max(cfg.Merge.NumberOfInvalidEntries, 0))
	opts.NumberOfDeletedEntries = uint64(max(cfg.Merge.NumberOfDeletedEntries, 0))
	opts.PercentageOfDeletedEntries = cfg.Merge.PercentageOfDeletedEntries
	opts.MinFreeDiskBytes = cfg.Merge.MinFreeDiskBytes
	opts.FileCount = merge.FileCountConfiguration{
		Threshold:    cfg.Merge.FileCount.Threshold,
		VerySmallMax: cfg.Merge.FileCount.VerySmallMaxBytes,
		SmallMax:     cfg.Merge.FileCount.SmallMaxBytes,
		MediumMax:    cfg.Merge.FileCount.MediumMaxBytes,
	}
	opts.Logger = logger
	return opts, nil
}

func (o *Options) validate() error {
	if o.Dir == "" {
		return &core.ValidationError{Field: "Dir", Message: "must be set"}
	}
	if o.NumberOfDeltasToBeConsolidated < 1 {
		return &core.ValidationError{Field: "NumberOfDeltasToBeConsolidated", Value: fmt.Sprint(o.NumberOfDeltasToBeConsolidated), Message: "must be at least 1"}
	}
	if o.MergeFilesCountThreshold < 1 {
		return &core.ValidationError{Field: "MergeFilesCountThreshold", Value: fmt.Sprint(o.MergeFilesCountThreshold), Message: "must be at least 1"}
	}
	if err := o.FileCount.Validate(); err != nil {
		return &core.ValidationError{Field: "FileCount", Message: err.Error()}
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return nil
}
