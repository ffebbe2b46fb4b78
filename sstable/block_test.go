package sstable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mambisi/beardb/compression"
	"github.com/mambisi/beardb/keys"
)

func buildBlock(t *testing.T, n int) *Block {
	t.Helper()
	b := newBlockBuilder(0, 4)
	for i := 0; i < n; i++ {
		key := keys.MakeInternalKey([]byte(fmt.Sprintf("key%04d", i)), uint64(i+1), keys.KindValue)
		b.add(key, []byte(fmt.Sprintf("value%d", i)))
	}
	blk, err := NewBlock(b.finish())
	require.NoError(t, err)
	return blk
}

func TestBlockIterateAll(t *testing.T) {
	blk := buildBlock(t, 100)
	it := blk.Iter()

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, fmt.Sprintf("key%04d", i), string(it.Key().UserKey()))
		require.Equal(t, fmt.Sprintf("value%d", i), string(it.Value()))
		i++
	}
	require.NoError(t, it.Error())
	require.Equal(t, 100, i)
}

func TestBlockSeek(t *testing.T) {
	blk := buildBlock(t, 100)
	it := blk.Iter()

	it.Seek(keys.MakeSeekKey([]byte("key0042"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, "key0042", string(it.Key().UserKey()))

	// Seek between keys lands on the next one.
	it.Seek(keys.MakeSeekKey([]byte("key0042x"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, "key0043", string(it.Key().UserKey()))

	// Seek past the end invalidates.
	it.Seek(keys.MakeSeekKey([]byte("zzz"), keys.MaxSequence))
	require.False(t, it.Valid())

	// Seek before the start lands on the first key.
	it.Seek(keys.MakeSeekKey([]byte("a"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, "key0000", string(it.Key().UserKey()))
}

func TestBlockPrefixCompression(t *testing.T) {
	// Long shared prefixes should compress well across restarts.
	b := newBlockBuilder(0, 16)
	prefix := "some/very/long/shared/path/prefix/"
	total := 0
	for i := 0; i < 64; i++ {
		key := keys.MakeInternalKey([]byte(fmt.Sprintf("%s%04d", prefix, i)), 1, keys.KindValue)
		b.add(key, []byte("v"))
		total += len(key) + 1
	}
	payload := b.finish()
	require.Less(t, len(payload), total)

	blk, err := NewBlock(payload)
	require.NoError(t, err)
	it := blk.Iter()
	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		require.Equal(t, fmt.Sprintf("%s%04d", prefix, i), string(it.Key().UserKey()))
		i++
	}
	require.Equal(t, 64, i)
}

func TestSealOpenRoundTrip(t *testing.T) {
	b := newBlockBuilder(0, 8)
	for i := 0; i < 32; i++ {
		b.add(keys.MakeInternalKey([]byte(fmt.Sprintf("k%03d", i)), 1, keys.KindValue), []byte("payload payload payload"))
	}
	payload := append([]byte(nil), b.finish()...)

	c, err := compression.New(compression.S2Config())
	require.NoError(t, err)
	phys, err := sealBlock(c, payload)
	require.NoError(t, err)

	got, err := openBlock(phys)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOpenBlockDetectsCorruption(t *testing.T) {
	b := newBlockBuilder(0, 8)
	b.add(keys.MakeInternalKey([]byte("key"), 1, keys.KindValue), []byte("value"))
	c, err := compression.New(compression.NoCompression())
	require.NoError(t, err)
	phys, err := sealBlock(c, b.finish())
	require.NoError(t, err)

	phys[0] ^= 0xFF
	_, err = openBlock(phys)
	require.ErrorIs(t, err, keys.ErrCorruption)

	_, err = openBlock(phys[:3])
	require.ErrorIs(t, err, keys.ErrCorruption)
}

func TestBlockVersionsOfSameKey(t *testing.T) {
	b := newBlockBuilder(0, 4)
	// Newest first per internal key order.
	b.add(keys.MakeInternalKey([]byte("k"), 9, keys.KindValue), []byte("v9"))
	b.add(keys.MakeInternalKey([]byte("k"), 5, keys.KindTombstone), nil)
	b.add(keys.MakeInternalKey([]byte("k"), 2, keys.KindValue), []byte("v2"))
	blk, err := NewBlock(b.finish())
	require.NoError(t, err)

	it := blk.Iter()
	it.Seek(keys.MakeSeekKey([]byte("k"), keys.MaxSequence))
	require.True(t, it.Valid())
	require.Equal(t, uint64(9), it.Key().Seq())

	it.Seek(keys.MakeSeekKey([]byte("k"), 5))
	require.True(t, it.Valid())
	require.Equal(t, uint64(5), it.Key().Seq())
	require.Equal(t, keys.KindTombstone, it.Key().Kind())
}
