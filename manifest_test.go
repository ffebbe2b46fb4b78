package beardb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifestRoundTrip(t *testing.T) {
	edit := NewVersionEdit()
	edit.SetLogNumber(7)
	edit.SetNextFileNumber(42)
	edit.SetLastSequence(1234)
	edit.AddFile(0, &FileMetadata{
		FileNum:       9,
		Size:          4096,
		Smallest:      makeTestKey("aaa", 10),
		Largest:       makeTestKey("zzz", 5),
		NumEntries:    100,
		SmallestSeq:   5,
		LargestSeq:    10,
		NumTombstones: 3,
	})
	edit.RemoveFile(2, 4)

	payload := encodeEdit(edit)
	decoded, err := decodeEdit(payload)
	require.NoError(t, err)

	require.EqualValues(t, 7, *decoded.logNum)
	require.EqualValues(t, 42, *decoded.nextFileNum)
	require.EqualValues(t, 1234, *decoded.lastSeq)
	require.Len(t, decoded.added, 1)
	require.Equal(t, 0, decoded.added[0].level)
	require.EqualValues(t, 9, decoded.added[0].meta.FileNum)
	require.EqualValues(t, 4096, decoded.added[0].meta.Size)
	require.EqualValues(t, 100, decoded.added[0].meta.NumEntries)
	require.EqualValues(t, 3, decoded.added[0].meta.NumTombstones)
	require.Equal(t, edit.added[0].meta.Smallest, decoded.added[0].meta.Smallest)
	require.Len(t, decoded.removed, 1)
	require.Equal(t, 2, decoded.removed[0].level)
	require.EqualValues(t, 4, decoded.removed[0].fileNum)
}

func TestDecodeEditCorrupt(t *testing.T) {
	_, err := decodeEdit([]byte{0xfe, 0x01})
	require.ErrorIs(t, err, ErrCorruption)

	// Truncated add-file record.
	edit := NewVersionEdit()
	edit.AddFile(1, &FileMetadata{FileNum: 3, Smallest: makeTestKey("a", 1), Largest: makeTestKey("b", 1)})
	payload := encodeEdit(edit)
	_, err = decodeEdit(payload[:len(payload)-4])
	require.ErrorIs(t, err, ErrCorruption)
}

func TestCurrentFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeCurrent(dir, 17))
	num, err := readCurrent(dir)
	require.NoError(t, err)
	require.EqualValues(t, 17, num)

	// Rewrites replace atomically.
	require.NoError(t, writeCurrent(dir, 23))
	num, err = readCurrent(dir)
	require.NoError(t, err)
	require.EqualValues(t, 23, num)
}

func TestFindManifestFallsBackToGlob(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 20)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// Losing CURRENT is survivable; recovery scans for the newest
	// manifest instead.
	require.NoError(t, os.Remove(filepath.Join(opts.Path, currentName)))

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 20)
}

func TestManifestTornTailTolerated(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 20)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	manifests, err := filepath.Glob(filepath.Join(opts.Path, "*"+manifestExt))
	require.NoError(t, err)
	require.NotEmpty(t, manifests)
	path := manifests[len(manifests)-1]
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 20)
}

func TestManifestRotation(t *testing.T) {
	opts := testOptions(t)
	opts.MaxManifestSize = 512 // rotate almost immediately
	db, err := Open(opts)
	require.NoError(t, err)

	for batch := 0; batch < 10; batch++ {
		flushBatch(t, db, batch*20, (batch+1)*20)
	}
	require.NoError(t, db.Close())

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 200)
}

func TestRebuildManifest(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	require.NoError(t, err)
	fillKeys(t, db, 50)
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	// Destroy all layout metadata; only table files remain.
	manifests, err := filepath.Glob(filepath.Join(opts.Path, "*"+manifestExt))
	require.NoError(t, err)
	for _, m := range manifests {
		require.NoError(t, os.Remove(m))
	}
	os.Remove(filepath.Join(opts.Path, currentName))

	n, err := RebuildManifest(opts.Path, opts.MaxLevels, DiscardLogger())
	require.NoError(t, err)
	require.Greater(t, n, 0)

	db, err = Open(opts)
	require.NoError(t, err)
	defer db.Close()
	requireKeys(t, db, 50)
}
