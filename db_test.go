package beardb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mambisi/beardb/wal"
	"github.com/stretchr/testify/require"
)

func TestPutGetDelete(t *testing.T) {
	db := testDB(t, nil)

	require.NoError(t, db.Put([]byte("alpha"), []byte("one")))
	require.NoError(t, db.Put([]byte("beta"), []byte("two")))

	value, err := db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), value)

	// Overwrite wins.
	require.NoError(t, db.Put([]byte("alpha"), []byte("uno")))
	value, err = db.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("uno"), value)

	require.NoError(t, db.Delete([]byte("alpha")))
	_, err = db.Get([]byte("alpha"))
	require.ErrorIs(t, err, ErrNotFound)

	// Neighbor untouched.
	value, err = db.Get([]byte("beta"))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), value)
}

func TestGetMissing(t *testing.T) {
	db := testDB(t, nil)
	_, err := db.Get([]byte("never-written"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidKeysAndValues(t *testing.T) {
	db := testDB(t, nil)

	require.ErrorIs(t, db.Put(nil, []byte("v")), ErrInvalidKey)
	require.ErrorIs(t, db.Put([]byte{}, []byte("v")), ErrInvalidKey)
	require.ErrorIs(t, db.Delete(nil), ErrInvalidKey)
	_, err := db.Get(nil)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestEmptyValue(t *testing.T) {
	db := testDB(t, nil)

	require.NoError(t, db.Put([]byte("empty"), []byte{}))
	value, err := db.Get([]byte("empty"))
	require.NoError(t, err)
	require.Empty(t, value)

	require.NoError(t, db.Put([]byte("nilval"), nil))
	value, err = db.Get([]byte("nilval"))
	require.NoError(t, err)
	require.Empty(t, value)
}

func TestDeleteNonexistent(t *testing.T) {
	db := testDB(t, nil)
	// Deleting a key that never existed is not an error.
	require.NoError(t, db.Delete([]byte("ghost")))
	_, err := db.Get([]byte("ghost"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFlushAndReadFromTables(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 100 // keep the tables in L0 for the assertion
	})

	const n = 200
	fillKeys(t, db, n)
	require.NoError(t, db.Flush())

	stats := db.Stats()
	levels := stats["levels"].(map[string]int)
	require.Greater(t, levels["level_0_files"], 0)

	requireKeys(t, db, n)
}

func TestFlushEmptyMemtable(t *testing.T) {
	db := testDB(t, nil)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Flush())
}

func TestDeleteAcrossFlush(t *testing.T) {
	db := testDB(t, nil)

	require.NoError(t, db.Put([]byte("doomed"), []byte("data")))
	require.NoError(t, db.Flush())

	require.NoError(t, db.Delete([]byte("doomed")))
	_, err := db.Get([]byte("doomed"))
	require.ErrorIs(t, err, ErrNotFound)

	// Tombstone in a table still shadows the older value beneath it.
	require.NoError(t, db.Flush())
	_, err = db.Get([]byte("doomed"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReopenPersistsData(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)

	const n = 100
	fillKeys(t, db, n)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, n)
}

func TestWALRecovery(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)

	const n = 50
	fillKeys(t, db, n)
	// No flush: everything lives in the WAL and memtable only.
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, n)

	// New writes continue past the recovered sequence.
	require.NoError(t, db.Put(testKey(0), []byte("replaced")))
	value, err := db.Get(testKey(0))
	require.NoError(t, err)
	require.Equal(t, []byte("replaced"), value)
}

func TestWALRecoveryTornTail(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 20)
	require.NoError(t, db.Close())

	// Chop bytes off the newest log to simulate a crash mid-append.
	logs, err := filepath.Glob(filepath.Join(opts.Path, "*"+wal.Extension))
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	last := logs[len(logs)-1]
	info, err := os.Stat(last)
	require.NoError(t, err)
	if info.Size() > 5 {
		require.NoError(t, os.Truncate(last, info.Size()-5))
	}

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()

	// All records before the torn one survive.
	requireKeys(t, db, 19)
}

func TestDeleteSurvivesRecovery(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("k")))
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClosedDB(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.ErrorIs(t, db.Put([]byte("k"), []byte("v")), ErrClosed)
	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.Flush(), ErrClosed)
	_, err = db.Scan([]byte("a"), nil, nil)
	require.ErrorIs(t, err, ErrClosed)

	// Double close is a no-op.
	require.NoError(t, db.Close())
}

func TestDoubleOpenLocked(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	defer db.Close()

	_, err = Open(opts)
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestReadOnlyMode(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 30)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	ro := opts.Clone()
	ro.ReadOnly = true
	db, err = Open(ro)
	require.NoError(t, err)
	defer db.Close()

	requireKeys(t, db, 30)
	require.ErrorIs(t, db.Put([]byte("k"), []byte("v")), ErrReadOnly)
	require.ErrorIs(t, db.Delete([]byte("k")), ErrReadOnly)
	require.ErrorIs(t, db.Flush(), ErrReadOnly)
	require.ErrorIs(t, db.CompactAll(), ErrReadOnly)
}

func TestReadOnlySeesUnflushedWrites(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 10)
	// No flush: the data only exists in the WAL.
	require.NoError(t, db.Close())

	ro := opts.Clone()
	ro.ReadOnly = true
	db, err = Open(ro)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 10)
}

func TestErrorIfExists(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	opts.ErrorIfExists = true
	_, err = Open(opts)
	require.Error(t, err)
}

func TestCreateIfMissingDisabled(t *testing.T) {
	opts := testOptions(t)
	opts.Path = filepath.Join(t.TempDir(), "nonexistent")
	opts.CreateIfMissing = false
	_, err := Open(opts)
	require.Error(t, err)
}

func TestDisableWAL(t *testing.T) {
	opts := testOptions(t)
	opts.DisableWAL = true
	db, err := Open(opts)
	require.NoError(t, err)

	const n = 40
	fillKeys(t, db, n)
	requireKeys(t, db, n)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// Flushed data survives; unflushed data would not.
	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, n)
}

func TestSyncWrite(t *testing.T) {
	db := testDB(t, nil)
	require.NoError(t, db.PutWithOptions([]byte("durable"), []byte("yes"), &WriteOptions{Sync: true}))
	value, err := db.Get([]byte("durable"))
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), value)
}

func TestMemtableRotationUnderLoad(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.WriteBufferSize = 4 * KiB
		o.MaxMemtables = 2
	})

	const n = 2000
	fillKeys(t, db, n)
	requireKeys(t, db, n)
}

func TestStats(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 10)

	stats := db.Stats()
	require.EqualValues(t, 10, stats["sequence"])
	require.Equal(t, 10, stats["memtable_entries"])
	require.Contains(t, stats, "block_cache")
	require.Contains(t, stats, "levels")
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	db := testDB(t, nil)
	fillKeys(t, db, 100)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 100; i < 400; i++ {
			if err := db.Put(testKey(i), testValue(i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		requireKeys(t, db, 100)
	}
	<-done
	requireKeys(t, db, 400)
}
