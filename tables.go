package beardb

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mambisi/beardb/rcache"
	"github.com/mambisi/beardb/sstable"
)

// tableRegistry keeps one open reader per live table. The registry holds
// the reader's base reference; versions and iterators add their own on
// top. When a table is compacted away MarkObsolete drops the base
// reference and arms deletion, so the file disappears from disk only
// after the last in-flight read lets go.
type tableRegistry struct {
	mu sync.Mutex

	dir    string
	cache  *rcache.Cache
	logger *slog.Logger

	readers map[uint64]*sstable.Reader

	// quarantined tables failed a checksum or layout check. They are
	// excluded from all future read selection but kept on disk.
	quarantined map[uint64]bool

	closed bool
}

func newTableRegistry(dir string, cache *rcache.Cache, logger *slog.Logger) *tableRegistry {
	return &tableRegistry{
		dir:         dir,
		cache:       cache,
		logger:      logger,
		readers:     make(map[uint64]*sstable.Reader),
		quarantined: make(map[uint64]bool),
	}
}

// Acquire returns the reader for a table with a reference held for the
// caller. The caller must Unref when done.
func (t *tableRegistry) Acquire(fileNum uint64) (*sstable.Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}
	if t.quarantined[fileNum] {
		return nil, fmt.Errorf("table %06d quarantined: %w", fileNum, ErrCorruption)
	}
	if r, ok := t.readers[fileNum]; ok {
		r.Ref()
		return r, nil
	}

	r, err := sstable.NewReader(sstable.ReaderOpts{
		Path:    sstable.FileName(t.dir, fileNum),
		FileNum: fileNum,
		Cache:   t.cache,
		Logger:  t.logger,
	})
	if err != nil {
		return nil, err
	}
	t.readers[fileNum] = r
	r.Ref() // caller's reference, on top of the registry's base one
	return r, nil
}

// Quarantine removes a corrupt table from read selection. The file is
// left on disk for inspection.
func (t *tableRegistry) Quarantine(fileNum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quarantined[fileNum] {
		return
	}
	t.quarantined[fileNum] = true
	t.logger.Error("table quarantined after corruption", "file_num", fileNum)
	if r, ok := t.readers[fileNum]; ok {
		delete(t.readers, fileNum)
		r.Unref()
	}
}

// MarkObsolete arms a table for deletion and drops the registry's base
// reference. The file and its cached blocks go away once every
// outstanding version and iterator reference drains.
func (t *tableRegistry) MarkObsolete(fileNum uint64) {
	t.mu.Lock()
	r, ok := t.readers[fileNum]
	if ok {
		delete(t.readers, fileNum)
	}
	t.mu.Unlock()

	if !ok {
		// Never opened. Remove the file directly.
		t.deleteTableFile(fileNum)
		return
	}
	r.SetReleaseFunc(func() {
		t.deleteTableFile(fileNum)
	})
	r.Unref()
}

func (t *tableRegistry) deleteTableFile(fileNum uint64) {
	t.cache.EvictTable(fileNum)
	path := sstable.FileName(t.dir, fileNum)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		t.logger.Warn("failed to remove obsolete table", "path", path, "error", err)
	} else {
		t.logger.Debug("removed obsolete table", "file_num", fileNum)
	}
}

// Close releases the registry's base reference on every open reader.
// Files are not deleted; readers close when their last user finishes.
func (t *tableRegistry) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for num, r := range t.readers {
		delete(t.readers, num)
		r.Unref()
	}
}
