package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// compressible data: repeated text compresses well under every codec.
func compressiblePayload() []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
}

func TestRoundTripAllCodecs(t *testing.T) {
	src := compressiblePayload()

	for _, cfg := range []Config{
		NoCompression(),
		DefaultConfig(),
		S2Config(),
		ZstdConfig(ZstdDefault),
		ZstdConfig(ZstdBest),
	} {
		c, err := New(cfg)
		require.NoError(t, err)

		out, tag, err := CompressBlock(c, nil, src)
		require.NoError(t, err)

		back, err := DecompressBlock(nil, out, tag)
		require.NoError(t, err)
		require.Equal(t, src, back, "codec %s", cfg.Type)

		if cfg.Type != None {
			require.Less(t, len(out), len(src), "codec %s should shrink repetitive data", cfg.Type)
		}
	}
}

func TestSmallBlocksStoredRaw(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	src := []byte("tiny")
	out, tag, err := CompressBlock(c, nil, src)
	require.NoError(t, err)
	require.Equal(t, BlockNone, tag)
	require.Equal(t, src, out)
}

func TestIncompressibleStoredRaw(t *testing.T) {
	// Pseudo-random bytes do not meet the minimum reduction threshold.
	src := make([]byte, 4096)
	x := uint32(2463534242)
	for i := range src {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		src[i] = byte(x)
	}

	c, err := New(DefaultConfig())
	require.NoError(t, err)

	out, tag, err := CompressBlock(c, nil, src)
	require.NoError(t, err)
	require.Equal(t, BlockNone, tag)
	require.Equal(t, src, out)
}

func TestTieredForLevel(t *testing.T) {
	tc := DefaultTiered()
	require.Equal(t, S2, tc.ForLevel(0).Type)
	require.Equal(t, S2, tc.ForLevel(2).Type)
	require.Equal(t, Zstd, tc.ForLevel(3).Type)
	require.Equal(t, Zstd, tc.ForLevel(6).Type)
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{
		"":       None,
		"none":   None,
		"snappy": Snappy,
		"zstd":   Zstd,
		"s2":     S2,
	} {
		got, err := ParseType(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseType("lzma")
	require.Error(t, err)
}

func TestUnknownTag(t *testing.T) {
	_, err := DecompressBlock(nil, []byte("x"), 99)
	require.Error(t, err)
}
