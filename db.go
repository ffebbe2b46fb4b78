// Package beardb is an embedded log-structured merge-tree key-value
// store. Writes land in a write-ahead log and an in-memory table, flush
// to sorted table files in L0, and migrate down the tree through
// background compaction. Reads see a consistent snapshot assembled from
// the memtables and a reference-counted version of the table layout.
package beardb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/memtable"
	"github.com/mambisi/beardb/rcache"
	"github.com/mambisi/beardb/sstable"
	"github.com/mambisi/beardb/wal"
)

// flushable is an immutable memtable queued for flushing, together with
// the WAL file that covers it.
type flushable struct {
	mt     *memtable.MemTable
	walNum uint64
}

// DB is the engine instance. One per directory, enforced by a file lock.
type DB struct {
	opts *Options
	path string
	lock *dirLock

	// Memtable and WAL state, protected by mu. The active memtable
	// receives all writes; full ones queue in immutables until the
	// background flusher turns them into L0 tables.
	mu         sync.RWMutex
	memtable   *memtable.MemTable
	immutables []flushable
	wal        *wal.WAL
	walNum     uint64

	versions  *VersionSet
	tables    *tableRegistry
	cache     *rcache.Cache
	compactor *compactor

	// currentVersion is the snapshot served to readers, swapped
	// atomically after every structural change so reads never block on mu.
	currentVersion atomic.Pointer[Version]

	seq    atomic.Uint64
	closed atomic.Bool

	flushWg      sync.WaitGroup
	flushTrigger *sync.Cond
	flushBP      *sync.Cond

	defaultWriteOpts *WriteOptions
	logger           *slog.Logger
}

// Open validates options, takes the directory lock, recovers state from
// the manifest and WAL, and starts the background workers.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	exists := false
	if _, err := os.Stat(opts.Path); err == nil {
		exists = true
	}
	if opts.ErrorIfExists && exists {
		return nil, fmt.Errorf("database already exists at %s", opts.Path)
	}
	if !opts.CreateIfMissing && !exists {
		return nil, fmt.Errorf("database does not exist at %s", opts.Path)
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	lock, err := acquireDirLock(opts.Path)
	if err != nil {
		return nil, err
	}

	db := &DB{
		opts:             opts,
		path:             opts.Path,
		lock:             lock,
		logger:           logger,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
	}
	db.cache = rcache.New(rcache.Opts{
		MaxBytes:  opts.BlockCacheSize,
		Admission: opts.CacheAdmission,
	})
	db.tables = newTableRegistry(opts.Path, db.cache, logger)
	db.versions = NewVersionSet(opts.Path, opts.MaxLevels, opts.MaxManifestSize, db.tables, logger)
	db.flushTrigger = sync.NewCond(&db.mu)
	db.flushBP = sync.NewCond(&db.mu)
	db.memtable = memtable.New(opts.WriteBufferSize)

	if err := db.versions.Recover(opts.ReadOnly); err != nil {
		lock.Release()
		return nil, err
	}
	db.seq.Store(db.versions.LastSequence())

	if !opts.ReadOnly {
		if err := db.cleanupOrphanedTables(); err != nil {
			logger.Warn("orphaned table cleanup failed", "error", err)
		}
		db.cleanupStaleManifests()
	}

	maxSeq, err := db.recoverWAL(!opts.ReadOnly)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if maxSeq > db.seq.Load() {
		db.seq.Store(maxSeq)
	}

	if !opts.ReadOnly {
		if !opts.DisableWAL {
			db.walNum = db.versions.NewFileNumber()
			w, err := wal.New(wal.Opts{
				Dir:          opts.Path,
				FileNum:      db.walNum,
				BytesPerSync: opts.WALBytesPerSync,
			})
			if err != nil {
				lock.Release()
				return nil, err
			}
			db.wal = w
		}
	}

	db.mu.Lock()
	db.publishVersionLocked()
	db.mu.Unlock()

	db.compactor = newCompactor(db.versions, db.tables, opts, logger, db.flushBP, func() {
		db.mu.Lock()
		db.publishVersionLocked()
		db.mu.Unlock()
	})

	db.flushWg.Add(1)
	go db.backgroundFlusher()

	if !opts.ReadOnly {
		db.compactor.Schedule()
	}
	return db, nil
}

// Close drains the background workers and releases everything. Safe to
// call more than once.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}

	db.mu.Lock()
	db.flushTrigger.Signal()
	db.flushBP.Broadcast()
	db.mu.Unlock()
	db.flushWg.Wait()

	if db.compactor != nil {
		db.compactor.Close()
	}

	var firstErr error
	if db.wal != nil {
		if err := db.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if old := db.currentVersion.Swap(nil); old != nil {
		old.Unref()
	}
	if db.tables != nil {
		db.tables.Close()
	}
	if db.versions != nil {
		if err := db.versions.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if db.cache != nil {
		db.cache.Purge()
	}
	if err := db.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// publishVersionLocked snapshots the current state for readers. Called
// with db.mu held after any change to memtables or the file layout.
func (db *DB) publishVersionLocked() {
	memtables := make([]*memtable.MemTable, 0, 1+len(db.immutables))
	memtables = append(memtables, db.memtable)
	for i := len(db.immutables) - 1; i >= 0; i-- {
		memtables = append(memtables, db.immutables[i].mt)
	}
	v := db.versions.Snapshot(memtables, db.seq.Load())
	if old := db.currentVersion.Swap(v); old != nil {
		old.Unref()
	}
}

// Put inserts or overwrites a key with the default durability.
func (db *DB) Put(key, value []byte) error {
	return db.write(key, value, keys.KindValue, db.defaultWriteOpts)
}

// PutWithOptions inserts or overwrites a key with explicit durability.
func (db *DB) PutWithOptions(key, value []byte, opts *WriteOptions) error {
	return db.write(key, value, keys.KindValue, opts)
}

// Delete writes a tombstone for the key. The data is reclaimed by
// compaction.
func (db *DB) Delete(key []byte) error {
	return db.write(key, nil, keys.KindTombstone, db.defaultWriteOpts)
}

// write is the single path for all mutations: backpressure, memtable
// rotation, WAL append, then the memtable insert.
func (db *DB) write(key, value []byte, kind keys.Kind, opts *WriteOptions) error {
	if opts == nil {
		opts = db.defaultWriteOpts
	}
	if !keys.ValidUserKey(key) {
		return ErrInvalidKey
	}
	if !keys.ValidValue(value) {
		return ErrInvalidValue
	}
	if db.closed.Load() {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	if err := db.waitForL0Backpressure(); err != nil {
		return err
	}

	db.mu.Lock()
	for len(db.immutables) >= db.opts.MaxMemtables && !db.closed.Load() {
		db.flushBP.Wait()
	}
	if db.closed.Load() {
		db.mu.Unlock()
		return ErrClosed
	}
	if db.memtable.Size() >= db.opts.WriteBufferSize {
		if err := db.rotateMemtableLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
		db.publishVersionLocked()
		db.flushTrigger.Signal()
	}
	db.mu.Unlock()

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed.Load() {
		return ErrClosed
	}

	seq := db.seq.Add(1)
	if db.wal != nil {
		rec := &wal.Record{Kind: kind, Seq: seq, Key: key, Value: value}
		if err := db.wal.Append(rec); err != nil {
			return err
		}
		if opts.Sync {
			if err := db.wal.Sync(); err != nil {
				return err
			}
		}
	}

	ikey := keys.MakeInternalKey(key, seq, kind)
	if kind == keys.KindTombstone {
		db.memtable.Put(ikey, nil)
	} else if value == nil {
		db.memtable.Put(ikey, []byte{})
	} else {
		db.memtable.Put(ikey, value)
	}
	db.versions.SetLastSequence(seq)
	return nil
}

// rotateMemtableLocked swaps in a fresh memtable and WAL, queueing the
// old pair for flushing. Called with db.mu held.
func (db *DB) rotateMemtableLocked() error {
	oldWalNum := db.walNum
	if db.wal != nil {
		newNum := db.versions.NewFileNumber()
		w, err := wal.New(wal.Opts{
			Dir:          db.path,
			FileNum:      newNum,
			BytesPerSync: db.opts.WALBytesPerSync,
		})
		if err != nil {
			return err
		}
		old := db.wal
		db.wal = w
		db.walNum = newNum
		if err := old.Close(); err != nil {
			db.logger.Warn("closing rotated log failed", "error", err)
		}
	}
	db.immutables = append(db.immutables, flushable{mt: db.memtable, walNum: oldWalNum})
	db.memtable = memtable.New(db.opts.WriteBufferSize)
	return nil
}

// waitForL0Backpressure stalls the writer while L0 is overloaded, which
// keeps write amplification from spiraling when flushes outrun
// compaction.
func (db *DB) waitForL0Backpressure() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	logged := false
	for {
		v := db.currentVersion.Load()
		l0 := 0
		if v != nil {
			l0 = len(v.Files(0))
		}
		if l0 < db.opts.L0StopWritesTrigger {
			return nil
		}
		if db.closed.Load() {
			return ErrClosed
		}
		if !logged {
			db.logger.Info("write stalled on L0 backpressure", "l0_files", l0)
			logged = true
		}
		db.compactor.Schedule()
		db.flushBP.Wait()
	}
}

// Get returns the value for a key, or ErrNotFound. The lookup walks
// memtables newest first, then L0 newest first, then one table per
// deeper level.
func (db *DB) Get(key []byte) ([]byte, error) {
	if !keys.ValidUserKey(key) {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}

	v := db.currentVersion.Load()
	if v == nil {
		return nil, ErrClosed
	}
	v.Ref()
	defer v.Unref()

	seek := keys.MakeSeekKey(key, keys.MaxSequence)

	for _, mt := range v.memtables {
		if found, value := mt.Get(seek); found != nil {
			if found.Kind() == keys.KindTombstone {
				return nil, ErrNotFound
			}
			return append([]byte(nil), value...), nil
		}
	}

	for level := 0; level < v.NumLevels(); level++ {
		for _, th := range v.Files(level) {
			if !th.meta.OverlapsUserKey(key) {
				continue
			}
			if !th.reader.MightContain(key) {
				continue
			}
			found, value, err := th.reader.Get(seek)
			if err != nil {
				if errors.Is(err, ErrCorruption) {
					db.tables.Quarantine(th.meta.FileNum)
				}
				return nil, err
			}
			if found == nil {
				continue
			}
			if found.Kind() == keys.KindTombstone {
				return nil, ErrNotFound
			}
			return value, nil
		}
	}
	return nil, ErrNotFound
}

// Scan returns an iterator over [start, limit). A nil limit is
// unbounded above.
func (db *DB) Scan(start, limit []byte, opts *ReadOptions) (*DBIterator, error) {
	if !keys.ValidUserKey(start) {
		return nil, ErrInvalidKey
	}
	if limit != nil && keys.UserKey(start).Compare(limit) > 0 {
		return nil, ErrInvalidRange
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.newIteratorWithBounds(keys.NewRange(start, limit), opts), nil
}

// ScanPrefix returns an iterator over every key with the given prefix.
func (db *DB) ScanPrefix(prefix []byte, opts *ReadOptions) (*DBIterator, error) {
	if !keys.ValidUserKey(prefix) {
		return nil, ErrInvalidKey
	}
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.newIteratorWithBounds(keys.NewRange(prefix, keys.PrefixSuccessor(prefix)), opts), nil
}

// Flush forces the active memtable to disk and waits for it.
func (db *DB) Flush() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}

	db.mu.Lock()
	if db.memtable.Empty() {
		db.mu.Unlock()
		return nil
	}
	rotated := db.memtable
	if err := db.rotateMemtableLocked(); err != nil {
		db.mu.Unlock()
		return err
	}
	db.publishVersionLocked()
	db.flushTrigger.Signal()
	db.mu.Unlock()

	for {
		db.mu.RLock()
		pending := false
		for _, fl := range db.immutables {
			if fl.mt == rotated {
				pending = true
				break
			}
		}
		db.mu.RUnlock()
		if !pending || db.closed.Load() {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

// backgroundFlusher turns queued immutable memtables into L0 tables,
// oldest first.
func (db *DB) backgroundFlusher() {
	defer db.flushWg.Done()

	for {
		db.mu.Lock()
		for len(db.immutables) == 0 {
			if db.closed.Load() {
				db.mu.Unlock()
				return
			}
			db.flushTrigger.Wait()
		}
		fl := db.immutables[0]
		db.mu.Unlock()

		if fl.mt.Empty() {
			db.mu.Lock()
			db.immutables = db.immutables[1:]
			db.publishVersionLocked()
			db.flushBP.Broadcast()
			db.mu.Unlock()
			continue
		}

		fileNum := db.versions.NewFileNumber()
		meta, err := db.flushMemtable(fl.mt, fileNum)
		if err != nil {
			// A failed flush means the disk is gone or full. Nothing
			// sane continues from here; stop accepting writes.
			db.logger.Error("memtable flush failed, stopping", "error", err, "file_num", fileNum)
			db.closed.Store(true)
			db.mu.Lock()
			db.flushBP.Broadcast()
			db.mu.Unlock()
			return
		}

		edit := NewVersionEdit()
		edit.AddFile(0, meta)

		db.mu.Lock()
		// Everything up to the oldest WAL still covering live data is
		// checkpointed by this flush.
		minLog := db.walNum
		for _, f := range db.immutables[1:] {
			if f.walNum < minLog {
				minLog = f.walNum
			}
		}
		edit.SetLogNumber(minLog)

		if err := db.versions.LogAndApply(edit); err != nil {
			db.logger.Error("manifest write failed, stopping", "error", err, "file_num", fileNum)
			db.closed.Store(true)
			db.flushBP.Broadcast()
			db.mu.Unlock()
			return
		}
		db.immutables = db.immutables[1:]
		db.publishVersionLocked()
		db.flushBP.Broadcast()
		db.mu.Unlock()

		db.removeObsoleteWALs(minLog)
		db.compactor.Schedule()
	}
}

// flushMemtable writes one memtable to a fresh L0 table via a temp file
// and atomic rename.
func (db *DB) flushMemtable(mt *memtable.MemTable, fileNum uint64) (*FileMetadata, error) {
	finalPath := sstable.FileName(db.path, fileNum)
	tmpPath := finalPath + ".tmp"
	defer os.Remove(tmpPath)

	writer, err := sstable.NewWriter(sstable.WriterOpts{
		Path:            tmpPath,
		BlockSize:       db.opts.BlockSize,
		RestartInterval: db.opts.BlockRestartInterval,
		Compression:     db.opts.CompressionForLevel(0),
		ExpectedKeys:    mt.Len(),
		FilterFP:        db.opts.FilterFP,
		Logger:          db.logger,
	})
	if err != nil {
		return nil, err
	}

	iter := mt.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		if err := writer.Add(iter.Key(), iter.Value()); err != nil {
			writer.Abort()
			return nil, err
		}
	}
	if err := writer.Finish(); err != nil {
		writer.Abort()
		return nil, err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("rename flushed table: %w", err)
	}

	return &FileMetadata{
		FileNum:       fileNum,
		Size:          writer.Size(),
		Smallest:      append(keys.InternalKey(nil), writer.Smallest()...),
		Largest:       append(keys.InternalKey(nil), writer.Largest()...),
		NumEntries:    writer.NumEntries(),
		SmallestSeq:   writer.SmallestSeq(),
		LargestSeq:    writer.LargestSeq(),
		NumTombstones: writer.NumTombstones(),
	}, nil
}

// recoverWAL replays logs at or above the manifest's checkpoint into the
// active memtable. A torn tail on the newest log is expected after a
// crash; corruption anywhere else is fatal. With cleanup set, logs below
// the checkpoint are deleted along the way; read-only opens replay
// without touching anything.
func (db *DB) recoverWAL(cleanup bool) (uint64, error) {
	logNum := db.versions.LogNumber()

	matches, err := filepath.Glob(filepath.Join(db.path, "*"+wal.Extension))
	if err != nil {
		return 0, err
	}
	type logFile struct {
		num  uint64
		path string
	}
	var logs []logFile
	for _, path := range matches {
		numStr := strings.TrimSuffix(filepath.Base(path), wal.Extension)
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			db.logger.Warn("ignoring log with malformed name", "path", path)
			continue
		}
		if num < logNum {
			// Fully covered by flushed tables.
			if cleanup {
				if err := os.Remove(path); err != nil {
					db.logger.Warn("failed to remove stale log", "path", path, "error", err)
				}
			}
			continue
		}
		logs = append(logs, logFile{num: num, path: path})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].num < logs[j].num })

	var maxSeq uint64
	for i, lf := range logs {
		reader, err := wal.NewReader(lf.path)
		if err != nil {
			return 0, err
		}
		records := 0
		for {
			rec, err := reader.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				torn := errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, wal.ErrCorruptRecord)
				if torn && i == len(logs)-1 {
					db.logger.Warn("log truncated at tail, likely crash during write",
						"file", filepath.Base(lf.path), "records", records)
					break
				}
				reader.Close()
				return 0, fmt.Errorf("log %s unreadable after %d records: %w",
					filepath.Base(lf.path), records, err)
			}
			records++
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
			db.memtable.Put(keys.MakeInternalKey(rec.Key, rec.Seq, rec.Kind), rec.Value)
		}
		reader.Close()
		if lf.num >= db.versions.CurrentFileNumber() {
			db.versions.nextFileNum.Store(lf.num + 1)
		}
	}
	return maxSeq, nil
}

// removeObsoleteWALs deletes logs below the checkpoint.
func (db *DB) removeObsoleteWALs(logNum uint64) {
	matches, err := filepath.Glob(filepath.Join(db.path, "*"+wal.Extension))
	if err != nil {
		return
	}
	for _, path := range matches {
		numStr := strings.TrimSuffix(filepath.Base(path), wal.Extension)
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if num < logNum {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				db.logger.Warn("failed to remove obsolete log", "path", path, "error", err)
			}
		}
	}
}

// cleanupOrphanedTables removes table files the manifest does not know
// about, leftovers from interrupted flushes or compactions.
func (db *DB) cleanupOrphanedTables() error {
	tmp, err := filepath.Glob(filepath.Join(db.path, "*"+sstable.Extension+".tmp"))
	if err != nil {
		return err
	}
	for _, path := range tmp {
		os.Remove(path)
	}

	tables, err := filepath.Glob(filepath.Join(db.path, "*"+sstable.Extension))
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	live := make(map[uint64]bool)
	for _, level := range db.versions.LiveFiles() {
		for _, f := range level {
			live[f.FileNum] = true
		}
	}

	removed := 0
	for _, path := range tables {
		numStr := strings.TrimSuffix(filepath.Base(path), sstable.Extension)
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			db.logger.Warn("ignoring table with malformed name", "path", path)
			continue
		}
		if !live[num] {
			if err := os.Remove(path); err != nil {
				db.logger.Warn("failed to remove orphaned table", "path", path, "error", err)
			} else {
				removed++
			}
		}
	}
	if removed > 0 {
		db.logger.Info("removed orphaned tables", "count", removed)
	}
	return nil
}

// cleanupStaleManifests removes manifests other than the live one.
func (db *DB) cleanupStaleManifests() {
	current := db.versions.manifest
	if current == nil {
		return
	}
	matches, err := filepath.Glob(filepath.Join(db.path, "*"+manifestExt))
	if err != nil {
		return
	}
	for _, path := range matches {
		numStr := strings.TrimSuffix(filepath.Base(path), manifestExt)
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if num != current.fileNum {
			if err := os.Remove(path); err != nil {
				db.logger.Warn("failed to remove stale manifest", "path", path, "error", err)
			}
		}
	}
}

// CompactAll runs compaction rounds until the tree is quiescent. Mostly
// for tools and tests.
func (db *DB) CompactAll() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if db.opts.ReadOnly {
		return ErrReadOnly
	}
	for i := 0; i < 100; i++ {
		worked, err := db.compactor.runForced()
		if err != nil {
			return fmt.Errorf("compaction round %d: %w", i, err)
		}
		if !worked {
			return nil
		}
	}
	return nil
}

// Stats returns a snapshot of engine counters for monitoring.
func (db *DB) Stats() map[string]any {
	stats := make(map[string]any)
	stats["sequence"] = db.seq.Load()
	stats["next_file_number"] = db.versions.CurrentFileNumber()

	db.mu.RLock()
	stats["memtable_bytes"] = db.memtable.Size()
	stats["memtable_entries"] = db.memtable.Len()
	stats["immutable_memtables"] = len(db.immutables)
	db.mu.RUnlock()

	v := db.currentVersion.Load()
	if v != nil {
		v.Ref()
		levels := make(map[string]int)
		sizes := make(map[string]uint64)
		for level := 0; level < v.NumLevels(); level++ {
			files := v.Files(level)
			levels[fmt.Sprintf("level_%d_files", level)] = len(files)
			var total uint64
			for _, th := range files {
				total += th.meta.Size
			}
			sizes[fmt.Sprintf("level_%d_bytes", level)] = total
		}
		v.Unref()
		stats["levels"] = levels
		stats["level_sizes"] = sizes
	}

	cs := db.cache.Stats()
	stats["block_cache"] = map[string]int64{
		"bytes":     cs.Bytes,
		"entries":   int64(cs.Entries),
		"hits":      cs.Hits,
		"misses":    cs.Misses,
		"evictions": cs.Evictions,
	}
	return stats
}
