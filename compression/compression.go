// Package compression provides block compression for sorted table files.
// Blocks carry a one-byte tag in their trailer naming the codec they were
// stored with, so readers never depend on configuration to decode.
package compression

import "fmt"

// Type identifies a compression codec.
type Type uint8

const (
	None Type = iota
	Snappy
	Zstd
	S2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseType maps a codec name to its Type. Used by configuration loading.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, fmt.Errorf("unknown compression type %q", s)
}

// Config selects a codec and its thresholds.
type Config struct {
	Type Type

	// MinReductionPercent is the reduction a block must achieve to be
	// stored compressed. Blocks that barely shrink are stored raw so
	// reads skip a pointless decompress.
	MinReductionPercent uint8

	// ZstdLevel only applies when Type is Zstd.
	ZstdLevel ZstdLevel
}

// DefaultConfig compresses with Snappy, LevelDB's traditional default.
func DefaultConfig() Config {
	return Config{Type: Snappy, MinReductionPercent: 12}
}

// NoCompression stores all blocks raw.
func NoCompression() Config {
	return Config{Type: None}
}

// S2Config is faster than Snappy with comparable ratios.
func S2Config() Config {
	return Config{Type: S2, MinReductionPercent: 12}
}

// ZstdConfig trades CPU for ratio. Good for cold levels.
func ZstdConfig(level ZstdLevel) Config {
	return Config{Type: Zstd, MinReductionPercent: 8, ZstdLevel: level}
}

// Tiered assigns fast compression to hot top levels and stronger
// compression to the cold bottom of the tree.
type Tiered struct {
	Top           Config
	Bottom        Config
	TopLevelCount int
}

// DefaultTiered uses S2 on L0-L2 and default-level Zstd below.
func DefaultTiered() *Tiered {
	return &Tiered{
		Top:           S2Config(),
		Bottom:        ZstdConfig(ZstdDefault),
		TopLevelCount: 3,
	}
}

// ForLevel picks the config for an LSM level.
func (tc *Tiered) ForLevel(level int) Config {
	if level < tc.TopLevelCount {
		return tc.Top
	}
	return tc.Bottom
}

// Compressor compresses and decompresses blocks for one codec.
type Compressor interface {
	// Compress appends the compressed form of src to dst[:0]. The bool
	// reports whether compression was actually applied; when false the
	// returned bytes are a plain copy of src.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress appends the decompressed form of src to dst[:0].
	Decompress(dst, src []byte) ([]byte, error)

	Type() Type
}

// New returns a Compressor for the config.
func New(cfg Config) (Compressor, error) {
	switch cfg.Type {
	case None:
		return nopCompressor{}, nil
	case Snappy:
		return snappyCompressor{min: cfg.MinReductionPercent}, nil
	case S2:
		return s2Compressor{min: cfg.MinReductionPercent}, nil
	case Zstd:
		return newZstdCompressor(cfg.MinReductionPercent, cfg.ZstdLevel), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", cfg.Type)
	}
}

// Block trailer tags. These are persisted on disk; never renumber.
const (
	BlockNone   uint8 = 0
	BlockSnappy uint8 = 1
	BlockZstd   uint8 = 2
	BlockS2     uint8 = 3
)

// minCompressSize is the block size below which compression is skipped;
// encoder overhead dominates on tiny blocks.
const minCompressSize = 1024

// CompressBlock compresses src for storage and returns the bytes plus
// the trailer tag to record alongside them.
func CompressBlock(c Compressor, dst, src []byte) ([]byte, uint8, error) {
	if len(src) < minCompressSize || c.Type() == None {
		return append(dst[:0], src...), BlockNone, nil
	}
	out, applied, err := c.Compress(dst, src)
	if err != nil {
		return nil, 0, err
	}
	if !applied {
		return out, BlockNone, nil
	}
	switch c.Type() {
	case Snappy:
		return out, BlockSnappy, nil
	case Zstd:
		return out, BlockZstd, nil
	case S2:
		return out, BlockS2, nil
	}
	return out, BlockNone, nil
}

// DecompressBlock reverses CompressBlock using the stored trailer tag.
func DecompressBlock(dst, src []byte, tag uint8) ([]byte, error) {
	switch tag {
	case BlockNone:
		return append(dst[:0], src...), nil
	case BlockSnappy:
		return snappyCompressor{}.Decompress(dst, src)
	case BlockZstd:
		return sharedZstd.Decompress(dst, src)
	case BlockS2:
		return s2Compressor{}.Decompress(dst, src)
	default:
		return nil, fmt.Errorf("unknown block compression tag: %d", tag)
	}
}
