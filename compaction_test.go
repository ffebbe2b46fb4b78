package beardb

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// flushBatch writes a batch and forces it into its own L0 table.
func flushBatch(t *testing.T, db *DB, lo, hi int) {
	t.Helper()
	for i := lo; i < hi; i++ {
		require.NoError(t, db.Put(testKey(i), testValue(i)))
	}
	require.NoError(t, db.Flush())
}

func TestCompactionPreservesData(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 100 // keep the background worker idle
	})

	// Overlapping L0 tables with newer batches overwriting older ones.
	flushBatch(t, db, 0, 100)
	flushBatch(t, db, 50, 150)
	flushBatch(t, db, 100, 200)

	require.NoError(t, db.CompactAll())

	stats := db.Stats()
	levels := stats["levels"].(map[string]int)
	require.Equal(t, 0, levels["level_0_files"])

	requireKeys(t, db, 200)
}

func TestCompactionDropsShadowedVersions(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 100
	})

	flushBatch(t, db, 0, 50)
	for i := 0; i < 50; i++ {
		require.NoError(t, db.Put(testKey(i), []byte("rewritten")))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.CompactAll())

	for i := 0; i < 50; i++ {
		value, err := db.Get(testKey(i))
		require.NoError(t, err)
		require.Equal(t, []byte("rewritten"), value)
	}
}

func TestCompactionReclaimsTombstones(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 100
	})

	flushBatch(t, db, 0, 100)
	for i := 0; i < 100; i++ {
		require.NoError(t, db.Delete(testKey(i)))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.CompactAll())

	// Everything was deleted and the outputs are at the bottom of the
	// written tree, so the tombstones themselves are dropped too.
	for i := 0; i < 100; i++ {
		_, err := db.Get(testKey(i))
		require.ErrorIs(t, err, ErrNotFound)
	}

	stats := db.Stats()
	sizes := stats["level_sizes"].(map[string]uint64)
	var total uint64
	for _, s := range sizes {
		total += s
	}
	// A handful of table framing bytes at most; the key data is gone.
	require.Less(t, total, uint64(4*KiB))
}

func TestBackgroundCompactionTransparency(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 2
		o.WriteBufferSize = 4 * KiB
	})

	// Enough writes to trigger rotations, flushes, and background
	// compactions while reads run against whatever version is current.
	const n = 3000
	for i := 0; i < n; i++ {
		require.NoError(t, db.Put(testKey(i), testValue(i)))
		if i%500 == 499 {
			requireKeys(t, db, i/10)
		}
	}
	requireKeys(t, db, n)
}

func TestCompactionSurvivesReopen(t *testing.T) {
	opts := testOptions(t)
	opts.L0CompactionTrigger = 100
	db, err := Open(opts)
	require.NoError(t, err)

	flushBatch(t, db, 0, 100)
	flushBatch(t, db, 100, 200)
	require.NoError(t, db.CompactAll())
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 200)
}

func TestCompactAllIdempotent(t *testing.T) {
	db := testDB(t, nil)
	flushBatch(t, db, 0, 50)
	require.NoError(t, db.CompactAll())
	require.NoError(t, db.CompactAll())
	requireKeys(t, db, 50)
}

func TestCompactionWithLiveIterator(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 100
	})

	flushBatch(t, db, 0, 100)
	flushBatch(t, db, 100, 200)

	it, err := db.Scan(testKey(0), nil, nil)
	require.NoError(t, err)

	// Compaction replaces the input tables while the iterator holds a
	// reference to them; the files stay readable until it closes.
	require.NoError(t, db.CompactAll())

	got := collectScan(t, it)
	require.Len(t, got, 200)
	requireKeys(t, db, 200)
}

func TestConcurrentForcedAndBackgroundRounds(t *testing.T) {
	db := testDB(t, func(o *Options) {
		o.L0CompactionTrigger = 2
	})

	errCh := make(chan error, 64)
	for round := 0; round < 6; round++ {
		// Overlapping batches so every round has real merge work.
		flushBatch(t, db, round*50, round*50+150)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				if _, err := db.compactor.runOnce(); err != nil {
					errCh <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				if _, err := db.compactor.runForced(); err != nil {
					errCh <- err
				}
			}
		}()
		wg.Wait()
	}
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	// Levels below L0 must remain sorted runs of disjoint files no
	// matter how forced and triggered rounds interleave.
	layout := db.versions.LiveFiles()
	for level := 1; level < len(layout); level++ {
		files := append([]*FileMetadata(nil), layout[level]...)
		sort.Slice(files, func(i, j int) bool {
			return files[i].Smallest.Compare(files[j].Smallest) < 0
		})
		for i := 1; i < len(files); i++ {
			require.False(t, files[i].Overlaps(files[i-1].Smallest, files[i-1].Largest),
				"level %d files %06d and %06d overlap", level, files[i-1].FileNum, files[i].FileNum)
		}
	}

	requireKeys(t, db, 400)
}
