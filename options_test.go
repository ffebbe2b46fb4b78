package beardb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mambisi/beardb/compression"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	require.NoError(t, opts.Validate())

	cases := []struct {
		name  string
		tweak func(*Options)
		want  error
	}{
		{"empty path", func(o *Options) { o.Path = "" }, ErrInvalidPath},
		{"zero buffer", func(o *Options) { o.WriteBufferSize = 0 }, ErrInvalidWriteBufferSize},
		{"zero memtables", func(o *Options) { o.MaxMemtables = 0 }, ErrInvalidMaxMemtables},
		{"one level", func(o *Options) { o.MaxLevels = 1 }, ErrInvalidMaxLevels},
		{"level multiplier", func(o *Options) { o.LevelSizeMultiplier = 0.5 }, ErrInvalidLevelMultiplier},
		{"file multiplier", func(o *Options) { o.LevelFileSizeMultiplier = 0 }, ErrInvalidFileSizeMultiplier},
		{"l0 trigger", func(o *Options) { o.L0CompactionTrigger = 0 }, ErrInvalidL0CompactionTrigger},
		{"stop below trigger", func(o *Options) { o.L0StopWritesTrigger = 2 }, ErrInvalidL0StopWritesTrigger},
		{"tiny block", func(o *Options) { o.BlockSize = 16 }, ErrInvalidBlockSize},
		{"zero restart", func(o *Options) { o.BlockRestartInterval = 0 }, ErrInvalidRestartInterval},
		{"fp too high", func(o *Options) { o.FilterFP = 1.5 }, ErrInvalidFilterFP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			o.Path = t.TempDir()
			tc.tweak(o)
			require.ErrorIs(t, o.Validate(), tc.want)
		})
	}
}

func TestOptionsClone(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = "/tmp/db"
	clone := opts.Clone()
	clone.Path = "/tmp/other"
	clone.WriteBufferSize = 1

	require.Equal(t, "/tmp/db", opts.Path)
	require.Equal(t, DefaultWriteBufferSize, opts.WriteBufferSize)
}

func TestLevelSizing(t *testing.T) {
	opts := DefaultOptions()

	// Each level's byte budget grows by the size multiplier.
	l1 := opts.LevelMaxBytes(1)
	l2 := opts.LevelMaxBytes(2)
	require.InDelta(t, opts.LevelSizeMultiplier, float64(l2)/float64(l1), 0.01)

	require.Greater(t, opts.TargetFileSize(2), opts.TargetFileSize(1))
}

func TestOptionsFromFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "beardb.yaml")
	content := `path: ` + dir + `
write_buffer_size: 1048576
max_memtables: 3
l0_compaction_trigger: 6
block_size: 8192
compression_top: snappy
compression_bottom: zstd
compression_top_levels: 3
sync: true
`
	require.NoError(t, os.WriteFile(cfg, []byte(content), 0o644))

	opts, err := OptionsFromFile(cfg)
	require.NoError(t, err)
	require.Equal(t, dir, opts.Path)
	require.Equal(t, 1048576, opts.WriteBufferSize)
	require.Equal(t, 3, opts.MaxMemtables)
	require.Equal(t, 6, opts.L0CompactionTrigger)
	require.Equal(t, 8192, opts.BlockSize)
	require.True(t, opts.Sync)

	// Unset fields keep their defaults.
	require.Equal(t, DefaultMaxLevels, opts.MaxLevels)

	require.Equal(t, compression.Snappy, opts.Compression.Top.Type)
	require.Equal(t, compression.Zstd, opts.Compression.Bottom.Type)
	require.Equal(t, 3, opts.Compression.TopLevelCount)
}

func TestOptionsFromFileBadYAML(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("write_buffer_size: [not an int"), 0o644))
	_, err := OptionsFromFile(cfg)
	require.Error(t, err)
}

func TestOptionsFromFileMissing(t *testing.T) {
	_, err := OptionsFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestCompressionForLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.Compression = &compression.Tiered{
		Top:           compression.Config{Type: compression.Snappy},
		Bottom:        compression.ZstdConfig(compression.ZstdDefault),
		TopLevelCount: 2,
	}

	require.Equal(t, compression.Snappy, opts.CompressionForLevel(0).Type)
	require.Equal(t, compression.Snappy, opts.CompressionForLevel(1).Type)
	require.Equal(t, compression.Zstd, opts.CompressionForLevel(2).Type)
	require.Equal(t, compression.Zstd, opts.CompressionForLevel(6).Type)
}
