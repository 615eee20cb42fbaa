package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/INLOpen/tstore/config"
	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/merge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load(strings.NewReader(`
store:
  data_dir: /var/lib/tstore
  compression: lz4
  block_cache_capacity: 64
  enable_background_consolidation: false
  number_of_deltas_to_be_consolidated: 5
  close_timeout: 2s
merge:
  policy: [file_count, deleted_entries]
  merge_files_count_threshold: 4
  number_of_deleted_entries: 0
  percentage_of_deleted_entries: 40
  file_count:
    threshold: 6
    very_small_max_bytes: 1024
    small_max_bytes: 4096
    medium_max_bytes: 65536
`))
	require.NoError(t, err)

	opts, err := OptionsFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tstore", opts.Dir)
	assert.Equal(t, core.CompressionLZ4, opts.Compression)
	assert.Equal(t, 64, opts.BlockCacheCapacity)
	assert.False(t, opts.EnableBackgroundConsolidation)
	assert.Equal(t, 5, opts.NumberOfDeltasToBeConsolidated)
	assert.Equal(t, 2*time.Second, opts.CloseTimeout)
	assert.Equal(t, merge.PolicyFileCount.Union(merge.PolicyDeletedEntries), opts.MergePolicy)
	assert.Equal(t, 4, opts.MergeFilesCountThreshold)
	assert.Equal(t, uint64(0), opts.NumberOfDeletedEntries)
	assert.Equal(t, 40.0, opts.PercentageOfDeletedEntries)
	assert.Equal(t, merge.FileCountConfiguration{Threshold: 6, VerySmallMax: 1024, SmallMax: 4096, MediumMax: 65536}, opts.FileCount)
	require.NoError(t, opts.validate())
}

func TestOptionsFromConfig_Defaults(t *testing.T) {
	opts, err := OptionsFromConfig(config.Default(), nil)
	require.NoError(t, err)
	assert.Equal(t, core.CompressionSnappy, opts.Compression)
	assert.Equal(t, DefaultCloseTimeout, opts.CloseTimeout)
	assert.Equal(t, merge.PolicyInvalidEntries.Union(merge.PolicyDeletedEntries), opts.MergePolicy)
}

func TestOptionsFromConfig_BadPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Merge.Policy = []string{"largest_first"}
	_, err := OptionsFromConfig(cfg, nil)
	assert.Error(t, err)
}

func TestOptions_Validate(t *testing.T) {
	opts := DefaultOptions("")
	var verr *core.ValidationError
	require.ErrorAs(t, opts.validate(), &verr)
	assert.Equal(t, "Dir", verr.Field)

	opts = DefaultOptions(t.TempDir())
	opts.MergeFilesCountThreshold = 0
	require.ErrorAs(t, opts.validate(), &verr)
	assert.Equal(t, "MergeFilesCountThreshold", verr.Field)

	opts = DefaultOptions(t.TempDir())
	opts.CloseTimeout = 0
	require.NoError(t, opts.validate())
	assert.Equal(t, DefaultCloseTimeout, opts.CloseTimeout)
}
