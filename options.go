package beardb

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/mambisi/beardb/compression"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Defaults follow LevelDB conventions.
var (
	DefaultWriteBufferSize           = 4 * MiB
	DefaultMaxMemtables              = 2
	DefaultMaxLevels                 = 7
	DefaultLevelSizeMultiplier       = 10.0
	DefaultLevelFileSizeMultiplier   = 2.0
	DefaultL0CompactionTrigger       = 4
	DefaultL0StopWritesTrigger       = 12
	DefaultBlockSize                 = 4 * KiB
	DefaultBlockRestartInterval      = 16
	DefaultFilterFP                  = 0.01
	DefaultBlockCacheSize      int64 = 8 * MiB
	DefaultMaxManifestSize     int64 = 64 * MiB
)

// Options holds all tunable parameters for the engine.
type Options struct {
	// Path is the database directory.
	Path string

	// WriteBufferSize is the memtable size that triggers a flush to L0.
	WriteBufferSize int

	// MaxMemtables bounds the flush queue (active + immutable). Writers
	// stall when the queue is longer.
	MaxMemtables int

	// MaxLevels is the number of levels in the tree, L0 included.
	MaxLevels int

	// LevelSizeMultiplier is the capacity growth factor between levels.
	LevelSizeMultiplier float64

	// LevelFileSizeMultiplier is the target file size growth factor
	// between levels. L0 files are memtable sized.
	LevelFileSizeMultiplier float64

	// L0CompactionTrigger is the L0 file count that schedules compaction.
	L0CompactionTrigger int

	// L0StopWritesTrigger is the L0 file count that stalls writers until
	// compaction catches up.
	L0StopWritesTrigger int

	// BlockSize is the uncompressed target size of table data blocks.
	BlockSize int

	// BlockRestartInterval is the number of keys between prefix
	// compression restart points.
	BlockRestartInterval int

	// FilterFP is the bloom filter target false positive rate.
	FilterFP float64

	// BlockCacheSize is the shared block cache budget in bytes.
	BlockCacheSize int64

	// CacheAdmission enables the frequency-sketch admission policy on the
	// block cache. Off, the cache admits everything LRU-style.
	CacheAdmission bool

	// CompactionBypassCache keeps compaction reads from populating the
	// block cache.
	CompactionBypassCache bool

	// MaxManifestSize triggers manifest rotation with a snapshot record.
	MaxManifestSize int64

	// Sync makes every write durable before Put returns.
	Sync bool

	// WALBytesPerSync syncs the WAL in the background every N buffered
	// bytes. Zero disables background syncing.
	WALBytesPerSync int

	// DisableWAL skips the write-ahead log entirely. Unflushed data is
	// lost on crash.
	DisableWAL bool

	// ReadOnly opens the database without replaying or writing anything.
	ReadOnly bool

	CreateIfMissing bool
	ErrorIfExists   bool

	// Compression assigns codecs per level.
	Compression *compression.Tiered

	// Logger receives structured engine events.
	Logger *slog.Logger
}

// DefaultOptions returns battle-tested defaults in LevelDB's tradition.
func DefaultOptions() *Options {
	return &Options{
		WriteBufferSize:         DefaultWriteBufferSize,
		MaxMemtables:            DefaultMaxMemtables,
		MaxLevels:               DefaultMaxLevels,
		LevelSizeMultiplier:     DefaultLevelSizeMultiplier,
		LevelFileSizeMultiplier: DefaultLevelFileSizeMultiplier,
		L0CompactionTrigger:     DefaultL0CompactionTrigger,
		L0StopWritesTrigger:     DefaultL0StopWritesTrigger,
		BlockSize:               DefaultBlockSize,
		BlockRestartInterval:    DefaultBlockRestartInterval,
		FilterFP:                DefaultFilterFP,
		BlockCacheSize:          DefaultBlockCacheSize,
		MaxManifestSize:         DefaultMaxManifestSize,
		Sync:                    true,
		CreateIfMissing:         true,
		Compression:             compression.DefaultTiered(),
		Logger:                  DefaultLogger(),
	}
}

// Validate catches configuration mistakes before they corrupt anything.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}
	if o.WriteBufferSize <= 0 {
		return ErrInvalidWriteBufferSize
	}
	if o.MaxMemtables <= 0 {
		return ErrInvalidMaxMemtables
	}
	if o.MaxLevels < 2 || o.MaxLevels > 20 {
		return ErrInvalidMaxLevels
	}
	if o.LevelSizeMultiplier <= 1.0 {
		return ErrInvalidLevelMultiplier
	}
	if o.LevelFileSizeMultiplier <= 1.0 {
		return ErrInvalidFileSizeMultiplier
	}
	if o.L0CompactionTrigger <= 0 {
		return ErrInvalidL0CompactionTrigger
	}
	if o.L0StopWritesTrigger <= o.L0CompactionTrigger {
		return ErrInvalidL0StopWritesTrigger
	}
	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}
	if o.BlockRestartInterval <= 0 {
		return ErrInvalidRestartInterval
	}
	if o.FilterFP <= 0 || o.FilterFP >= 1 {
		return ErrInvalidFilterFP
	}
	return nil
}

// Clone returns a shallow copy, handy for tweaking one knob in tests.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}
	clone := *o
	return &clone
}

// TargetFileSize returns the output file size for a level. L0 files are
// always memtable sized; deeper levels grow by LevelFileSizeMultiplier.
func (o *Options) TargetFileSize(level int) int64 {
	size := float64(o.WriteBufferSize)
	for i := 0; i < level; i++ {
		size *= o.LevelFileSizeMultiplier
	}
	return int64(size)
}

// LevelMaxBytes returns the capacity of a level. L0 is managed by file
// count and returns 0.
func (o *Options) LevelMaxBytes(level int) int64 {
	if level <= 0 || level >= o.MaxLevels {
		return 0
	}
	size := float64(o.TargetFileSize(1)) * 10
	for i := 2; i <= level; i++ {
		size *= o.LevelSizeMultiplier
	}
	return int64(size)
}

// CompressionForLevel picks the codec config for a level.
func (o *Options) CompressionForLevel(level int) compression.Config {
	if o.Compression != nil {
		return o.Compression.ForLevel(level)
	}
	return compression.S2Config()
}

// WriteOptions controls the durability of an individual write.
type WriteOptions struct {
	// Sync forces an fsync of the WAL before the write returns.
	Sync bool
}

// ReadOptions controls an individual read or scan.
type ReadOptions struct {
	// BypassCache keeps this read from populating the block cache.
	BypassCache bool
}

// fileOptions is the YAML-facing shape of Options. Only the knobs worth
// putting in a config file are exposed.
type fileOptions struct {
	Path                 string  `yaml:"path"`
	WriteBufferSize      int     `yaml:"write_buffer_size"`
	MaxMemtables         int     `yaml:"max_memtables"`
	MaxLevels            int     `yaml:"max_levels"`
	L0CompactionTrigger  int     `yaml:"l0_compaction_trigger"`
	L0StopWritesTrigger  int     `yaml:"l0_stop_writes_trigger"`
	BlockSize            int     `yaml:"block_size"`
	BlockRestartInterval int     `yaml:"block_restart_interval"`
	FilterFP             float64 `yaml:"filter_fp"`
	BlockCacheSize       int64   `yaml:"block_cache_size"`
	CacheAdmission       bool    `yaml:"cache_admission"`
	Sync                 *bool   `yaml:"sync"`
	WALBytesPerSync      int     `yaml:"wal_bytes_per_sync"`
	DisableWAL           bool    `yaml:"disable_wal"`
	ReadOnly             bool    `yaml:"read_only"`
	CompressionTop       string  `yaml:"compression_top"`
	CompressionBottom    string  `yaml:"compression_bottom"`
	CompressionTopLevels *int    `yaml:"compression_top_levels"`
}

// OptionsFromFile loads a YAML config and overlays it on DefaultOptions.
// Absent fields keep their defaults.
func OptionsFromFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	opts := DefaultOptions()
	if fo.Path != "" {
		opts.Path = fo.Path
	}
	if fo.WriteBufferSize > 0 {
		opts.WriteBufferSize = fo.WriteBufferSize
	}
	if fo.MaxMemtables > 0 {
		opts.MaxMemtables = fo.MaxMemtables
	}
	if fo.MaxLevels > 0 {
		opts.MaxLevels = fo.MaxLevels
	}
	if fo.L0CompactionTrigger > 0 {
		opts.L0CompactionTrigger = fo.L0CompactionTrigger
	}
	if fo.L0StopWritesTrigger > 0 {
		opts.L0StopWritesTrigger = fo.L0StopWritesTrigger
	}
	if fo.BlockSize > 0 {
		opts.BlockSize = fo.BlockSize
	}
	if fo.BlockRestartInterval > 0 {
		opts.BlockRestartInterval = fo.BlockRestartInterval
	}
	if fo.FilterFP > 0 {
		opts.FilterFP = fo.FilterFP
	}
	if fo.BlockCacheSize > 0 {
		opts.BlockCacheSize = fo.BlockCacheSize
	}
	if fo.Sync != nil {
		opts.Sync = *fo.Sync
	}
	opts.CacheAdmission = fo.CacheAdmission
	opts.WALBytesPerSync = fo.WALBytesPerSync
	opts.DisableWAL = fo.DisableWAL
	opts.ReadOnly = fo.ReadOnly

	if fo.CompressionTop != "" || fo.CompressionBottom != "" || fo.CompressionTopLevels != nil {
		tiered := compression.DefaultTiered()
		if fo.CompressionTop != "" {
			cfg, err := compressionConfigFor(fo.CompressionTop)
			if err != nil {
				return nil, err
			}
			tiered.Top = cfg
		}
		if fo.CompressionBottom != "" {
			cfg, err := compressionConfigFor(fo.CompressionBottom)
			if err != nil {
				return nil, err
			}
			tiered.Bottom = cfg
		}
		if fo.CompressionTopLevels != nil {
			tiered.TopLevelCount = *fo.CompressionTopLevels
		}
		opts.Compression = tiered
	}

	return opts, nil
}

func compressionConfigFor(name string) (compression.Config, error) {
	typ, err := compression.ParseType(name)
	if err != nil {
		return compression.Config{}, err
	}
	switch typ {
	case compression.None:
		return compression.NoCompression(), nil
	case compression.Snappy:
		return compression.DefaultConfig(), nil
	case compression.S2:
		return compression.S2Config(), nil
	default:
		return compression.ZstdConfig(compression.ZstdDefault), nil
	}
}

func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// DefaultLogger logs warnings and above to stderr.
func DefaultLogger() *slog.Logger { return getLogger(slog.LevelWarn) }

// DebugLogger is handy when chasing down a misbehaving test.
func DebugLogger() *slog.Logger { return getLogger(slog.LevelDebug) }

// DiscardLogger drops everything. Used by tests.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
