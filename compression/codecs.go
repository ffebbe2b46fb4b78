package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

type nopCompressor struct{}

func (nopCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return append(dst[:0], src...), false, nil
}

func (nopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (nopCompressor) Type() Type { return None }

// worthIt applies the minimum-reduction threshold shared by all codecs.
func worthIt(srcLen, outLen int, min uint8) bool {
	if min == 0 {
		return outLen < srcLen
	}
	return (srcLen-outLen)*100/srcLen >= int(min)
}

type snappyCompressor struct{ min uint8 }

func (c snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	out := snappy.Encode(dst, src)
	if !worthIt(len(src), len(out), c.min) {
		return append(out[:0], src...), false, nil
	}
	return out, true, nil
}

func (c snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

func (c snappyCompressor) Type() Type { return Snappy }

type s2Compressor struct{ min uint8 }

func (c s2Compressor) Compress(dst, src []byte) ([]byte, bool, error) {
	out := s2.Encode(dst, src)
	if !worthIt(len(src), len(out), c.min) {
		return append(out[:0], src...), false, nil
	}
	return out, true, nil
}

func (c s2Compressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := s2.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	return out, nil
}

func (c s2Compressor) Type() Type { return S2 }

// ZstdLevel selects a Zstandard encoder speed/ratio trade-off.
type ZstdLevel int

const (
	ZstdFastest ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBetter  ZstdLevel = 6
	ZstdBest    ZstdLevel = 9
)

type zstdCompressor struct {
	min      uint8
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
}

func newZstdCompressor(min uint8, level ZstdLevel) *zstdCompressor {
	var el zstd.EncoderLevel
	switch level {
	case ZstdFastest:
		el = zstd.SpeedFastest
	case ZstdBetter:
		el = zstd.SpeedBetterCompression
	case ZstdBest:
		el = zstd.SpeedBestCompression
	default:
		el = zstd.SpeedDefault
	}
	c := &zstdCompressor{min: min, level: el}
	c.encoders.New = func() any {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(el),
			zstd.WithLowerEncoderMem(true),
			zstd.WithWindowSize(1<<20))
		if err != nil {
			panic(fmt.Sprintf("zstd encoder: %v", err))
		}
		return enc
	}
	c.decoders.New = func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(fmt.Sprintf("zstd decoder: %v", err))
		}
		return dec
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	enc := c.encoders.Get().(*zstd.Encoder)
	out := enc.EncodeAll(src, dst[:0])
	c.encoders.Put(enc)
	if !worthIt(len(src), len(out), c.min) {
		return append(out[:0], src...), false, nil
	}
	return out, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec := c.decoders.Get().(*zstd.Decoder)
	out, err := dec.DecodeAll(src, dst[:0])
	c.decoders.Put(dec)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

func (c *zstdCompressor) Type() Type { return Zstd }

// sharedZstd serves DecompressBlock, which has no Compressor in hand.
var sharedZstd = newZstdCompressor(0, ZstdDefault)
