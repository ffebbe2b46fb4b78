package keys

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	ik := MakeInternalKey([]byte("apple"), 42, KindValue)
	require.Equal(t, UserKey("apple"), ik.UserKey())
	require.Equal(t, uint64(42), ik.Seq())
	require.Equal(t, KindValue, ik.Kind())

	tomb := MakeInternalKey([]byte("apple"), MaxSequence, KindTombstone)
	require.Equal(t, MaxSequence, tomb.Seq())
	require.Equal(t, KindTombstone, tomb.Kind())
}

func TestInternalKeyOrdering(t *testing.T) {
	// User key ascending dominates.
	a := MakeInternalKey([]byte("a"), 1, KindValue)
	b := MakeInternalKey([]byte("b"), 100, KindValue)
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))

	// Same user key: higher sequence sorts first.
	newer := MakeInternalKey([]byte("k"), 9, KindValue)
	older := MakeInternalKey([]byte("k"), 3, KindValue)
	require.Negative(t, newer.Compare(older))

	// Seek key at max sequence sorts before any real record.
	seek := MakeSeekKey([]byte("k"), MaxSequence)
	require.Negative(t, seek.Compare(newer))

	// A seek key at an exact sequence still sorts before the record it
	// targets, so a snapshot read lands on that record.
	require.Negative(t, MakeSeekKey([]byte("k"), 9).Compare(newer))

	// Equal keys compare equal.
	require.Zero(t, newer.Compare(MakeInternalKey([]byte("k"), 9, KindValue)))
}

func TestRangeContains(t *testing.T) {
	r := NewRange(UserKey("b"), UserKey("d"))

	require.True(t, r.Contains(MakeInternalKey([]byte("b"), 1, KindValue)))
	require.True(t, r.Contains(MakeInternalKey([]byte("c"), 1, KindValue)))
	require.False(t, r.Contains(MakeInternalKey([]byte("a"), 1, KindValue)))
	require.False(t, r.Contains(MakeInternalKey([]byte("d"), 1, KindValue)))

	var unbounded *Range
	require.True(t, unbounded.Contains(MakeInternalKey([]byte("z"), 1, KindValue)))
}

func TestPrefixSuccessor(t *testing.T) {
	require.Equal(t, UserKey("b"), PrefixSuccessor([]byte("a")))
	require.Equal(t, UserKey("ab"), PrefixSuccessor([]byte("aa")))
	require.Equal(t, UserKey{0x01}, PrefixSuccessor([]byte{0x00, 0xff}))
	require.Nil(t, PrefixSuccessor([]byte{0xff, 0xff}))
}

func TestValidation(t *testing.T) {
	require.False(t, ValidUserKey(nil))
	require.True(t, ValidUserKey([]byte("k")))
	require.True(t, ValidValue(nil))
}
