package beardb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanRange(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 20)

	it, err := db.Scan(testKey(5), testKey(10), nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Equal(t, []string{"key000005", "key000006", "key000007", "key000008", "key000009"}, got)
}

func TestScanUnboundedLimit(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 5)

	it, err := db.Scan(testKey(3), nil, nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Equal(t, []string{"key000003", "key000004"}, got)
}

func TestScanInvertedRange(t *testing.T) {
	db := testDB(t, nil)
	_, err := db.Scan([]byte("z"), []byte("a"), nil)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestScanSeesNewestVersion(t *testing.T) {
	db := testDB(t, nil)

	require.NoError(t, db.Put([]byte("k1"), []byte("old")))
	require.NoError(t, db.Put([]byte("k1"), []byte("new")))
	require.NoError(t, db.Put([]byte("k2"), []byte("v2")))

	it, err := db.Scan([]byte("k"), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, []byte("k1"), it.Key())
	require.Equal(t, []byte("new"), it.Value())
}

func TestScanSkipsTombstones(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 10)
	require.NoError(t, db.Delete(testKey(3)))
	require.NoError(t, db.Delete(testKey(7)))

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Len(t, got, 8)
	require.NotContains(t, got, "key000003")
	require.NotContains(t, got, "key000007")
}

func TestScanMergesMemtableAndTables(t *testing.T) {
	db := testDB(t, nil)

	// Odd keys flushed to tables, even keys left in the memtable.
	for i := 1; i < 20; i += 2 {
		require.NoError(t, db.Put(testKey(i), testValue(i)))
	}
	require.NoError(t, db.Flush())
	for i := 0; i < 20; i += 2 {
		require.NoError(t, db.Put(testKey(i), testValue(i)))
	}

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Len(t, got, 20)
	for i := 0; i < 20; i++ {
		require.Equal(t, string(testKey(i)), got[i])
	}
}

func TestScanPrefix(t *testing.T) {
	db := testDB(t, nil)
	require.NoError(t, db.Put([]byte("app/one"), []byte("1")))
	require.NoError(t, db.Put([]byte("app/two"), []byte("2")))
	require.NoError(t, db.Put([]byte("apz"), []byte("3")))
	require.NoError(t, db.Put([]byte("banana"), []byte("4")))

	it, err := db.ScanPrefix([]byte("app/"), nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Equal(t, []string{"app/one", "app/two"}, got)
}

func TestScanPrefixAllHighBytes(t *testing.T) {
	db := testDB(t, nil)
	require.NoError(t, db.Put([]byte{0xff, 0xff, 0x01}, []byte("a")))
	require.NoError(t, db.Put([]byte{0xff, 0xfe}, []byte("b")))

	// A prefix of all 0xff has no successor; the scan is unbounded above.
	it, err := db.ScanPrefix([]byte{0xff, 0xff}, nil)
	require.NoError(t, err)
	got := collectScan(t, it)
	require.Equal(t, []string{string([]byte{0xff, 0xff, 0x01})}, got)
}

func TestIteratorSnapshotIsolation(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 5)

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)

	// Mutations after the iterator was created stay invisible to it.
	require.NoError(t, db.Put(testKey(10), testValue(10)))
	require.NoError(t, db.Put(testKey(0), []byte("mutated")))
	require.NoError(t, db.Delete(testKey(1)))

	it.SeekToFirst()
	require.True(t, it.Valid())
	require.Equal(t, testValue(0), it.Value())

	got := []string{string(it.Key())}
	for it.Next(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Close())
	require.Len(t, got, 5)
}

func TestIteratorSeek(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 20)

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	it.Seek(testKey(12))
	require.True(t, it.Valid())
	require.Equal(t, string(testKey(12)), string(it.Key()))

	// Seeking between keys lands on the next one.
	it.Seek([]byte("key000012x"))
	require.True(t, it.Valid())
	require.Equal(t, string(testKey(13)), string(it.Key()))

	// Seeking past the end invalidates.
	it.Seek([]byte("zzz"))
	require.False(t, it.Valid())
}

func TestIteratorEmptyDB(t *testing.T) {
	db := testDB(t, nil)
	it, err := db.Scan([]byte("a"), nil, nil)
	require.NoError(t, err)
	it.SeekToFirst()
	require.False(t, it.Valid())
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
}

func TestIteratorAcrossFlush(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 30)

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)

	// Flushing under a live iterator must not disturb it; the version
	// it pinned keeps the memtable and tables alive.
	require.NoError(t, db.Flush())

	got := collectScan(t, it)
	require.Len(t, got, 30)
}
