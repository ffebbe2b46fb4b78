package beardb

import (
	"fmt"
	"testing"

	"github.com/mambisi/beardb/keys"
	"github.com/stretchr/testify/require"
)

// testDB opens a database in a temp directory with settings tuned for
// tests: tiny buffers so flushes and compactions happen with little
// data. Cleanup closes the database.
func testDB(t *testing.T, tweak func(*Options)) *DB {
	t.Helper()
	opts := testOptions(t)
	if tweak != nil {
		tweak(opts)
	}
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := DefaultOptions()
	opts.Path = t.TempDir()
	opts.WriteBufferSize = 8 * KiB
	opts.BlockSize = 1 * KiB
	opts.L0CompactionTrigger = 2
	opts.Logger = DiscardLogger()
	return opts
}

// fillKeys writes n sequential keys with derivable values so tests can
// verify them without bookkeeping.
func fillKeys(t *testing.T, db *DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put(testKey(i), testValue(i)))
	}
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key%06d", i))
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value%06d", i))
}

// requireKeys checks that every key in [0, n) reads back its expected
// value.
func requireKeys(t *testing.T, db *DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		value, err := db.Get(testKey(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, testValue(i), value, "key %d", i)
	}
}

// makeTestKey builds an internal key for metadata round-trip tests.
func makeTestKey(user string, seq uint64) keys.InternalKey {
	return keys.MakeInternalKey([]byte(user), seq, keys.KindValue)
}

// collectScan drains an iterator and returns the visited keys in order.
func collectScan(t *testing.T, it *DBIterator) []string {
	t.Helper()
	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	return got
}
