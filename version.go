package beardb

import (
	"sort"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/memtable"
	"github.com/mambisi/beardb/sstable"
)

// FileMetadata describes one live sorted table. The key and sequence
// bounds come from the writer and are persisted in manifest edits so
// recovery never has to open the table.
type FileMetadata struct {
	FileNum       uint64
	Size          uint64
	Smallest      keys.InternalKey
	Largest       keys.InternalKey
	NumEntries    uint64
	SmallestSeq   uint64
	LargestSeq    uint64
	NumTombstones uint64
}

// Overlaps reports whether the file's key range intersects [smallest, largest].
func (f *FileMetadata) Overlaps(smallest, largest keys.InternalKey) bool {
	if smallest == nil || largest == nil {
		return true
	}
	return f.Smallest.Compare(largest) <= 0 && smallest.Compare(f.Largest) <= 0
}

// OverlapsUserKey reports whether userKey falls inside the file's key range.
func (f *FileMetadata) OverlapsUserKey(userKey keys.UserKey) bool {
	return f.Smallest.UserKey().Compare(userKey) <= 0 &&
		f.Largest.UserKey().Compare(userKey) >= 0
}

// addedFile pairs a file with its destination level in a version edit.
type addedFile struct {
	level int
	meta  *FileMetadata
}

type removedFile struct {
	level   int
	fileNum uint64
}

// VersionEdit is one atomic change to the tree: files added and removed,
// plus checkpoint counters. Edits are the unit of manifest logging.
type VersionEdit struct {
	added   []addedFile
	removed []removedFile

	logNum      *uint64
	nextFileNum *uint64
	lastSeq     *uint64
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit { return &VersionEdit{} }

// AddFile records a new table at the given level.
func (e *VersionEdit) AddFile(level int, meta *FileMetadata) {
	e.added = append(e.added, addedFile{level: level, meta: meta})
}

// RemoveFile records the removal of a table from a level.
func (e *VersionEdit) RemoveFile(level int, fileNum uint64) {
	e.removed = append(e.removed, removedFile{level: level, fileNum: fileNum})
}

// SetLogNumber records the oldest WAL still needed. Logs with smaller
// file numbers are fully covered by flushed tables and can be deleted.
func (e *VersionEdit) SetLogNumber(n uint64) { e.logNum = &n }

// SetNextFileNumber checkpoints the file number counter.
func (e *VersionEdit) SetNextFileNumber(n uint64) { e.nextFileNum = &n }

// SetLastSequence checkpoints the write sequence counter.
func (e *VersionEdit) SetLastSequence(n uint64) { e.lastSeq = &n }

// tableHandle pairs a file's metadata with its open reader inside a
// published Version. The Version holds one reference per handle.
type tableHandle struct {
	meta   *FileMetadata
	reader *sstable.Reader
}

// Version is an immutable snapshot of everything a read can see: the
// memtables (newest first) and the open tables of every level. Versions
// are reference counted; table readers stay alive, and their files stay
// on disk, until every version and iterator referencing them is done.
type Version struct {
	levels    [][]*tableHandle
	memtables []*memtable.MemTable
	seq       uint64

	refs atomic.Int32
}

// Ref adds a reference.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops a reference. The last one releases every table reader the
// version pinned, which in turn lets obsolete files be deleted.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, level := range v.levels {
		for _, th := range level {
			th.reader.Unref()
		}
	}
}

// Files returns the handles at a level. L0 is ordered newest first,
// deeper levels by smallest key.
func (v *Version) Files(level int) []*tableHandle {
	if level < 0 || level >= len(v.levels) {
		return nil
	}
	return v.levels[level]
}

// NumLevels returns the configured level count.
func (v *Version) NumLevels() int { return len(v.levels) }

// Seq is the sequence number the snapshot was taken at.
func (v *Version) Seq() uint64 { return v.seq }

// VersionSet owns the canonical file layout of the tree and the manifest
// that persists it. All structural changes flow through LogAndApply.
type VersionSet struct {
	mu sync.Mutex

	dir       string
	maxLevels int
	maxSize   int64
	logger    *slog.Logger
	tables    *tableRegistry

	// levels is the canonical layout. L0 sorted newest first (by file
	// number), deeper levels by smallest key.
	levels [][]*FileMetadata

	nextFileNum atomic.Uint64
	lastSeq     uint64
	logNum      uint64

	manifest *manifestWriter
}

// NewVersionSet creates an empty version set. Call Recover before use.
func NewVersionSet(dir string, maxLevels int, maxManifestSize int64, tables *tableRegistry, logger *slog.Logger) *VersionSet {
	vs := &VersionSet{
		dir:       dir,
		maxLevels: maxLevels,
		maxSize:   maxManifestSize,
		logger:    logger,
		tables:    tables,
		levels:    make([][]*FileMetadata, maxLevels),
	}
	vs.nextFileNum.Store(1)
	return vs
}

// NewFileNumber allocates the next file number. Shared by WALs, tables
// and manifests so numbers never collide.
func (vs *VersionSet) NewFileNumber() uint64 {
	return vs.nextFileNum.Add(1) - 1
}

// CurrentFileNumber returns the next number that would be allocated.
func (vs *VersionSet) CurrentFileNumber() uint64 { return vs.nextFileNum.Load() }

// LogNumber returns the oldest WAL file number still needed for recovery.
func (vs *VersionSet) LogNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNum
}

// LastSequence returns the checkpointed write sequence.
func (vs *VersionSet) LastSequence() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSeq
}

// SetLastSequence updates the sequence checkpoint carried by future edits.
func (vs *VersionSet) SetLastSequence(n uint64) {
	vs.mu.Lock()
	if n > vs.lastSeq {
		vs.lastSeq = n
	}
	vs.mu.Unlock()
}

// LiveFiles returns a copy of the canonical layout. Safe to read after
// the lock is released; the metadata itself is immutable.
func (vs *VersionSet) LiveFiles() [][]*FileMetadata {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([][]*FileMetadata, len(vs.levels))
	for i, level := range vs.levels {
		out[i] = append([]*FileMetadata(nil), level...)
	}
	return out
}

// LogAndApply persists an edit to the manifest and applies it to the
// canonical layout. Tables removed by the edit are handed to the
// registry for deferred deletion once their readers drain.
func (vs *VersionSet) LogAndApply(edit *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.manifest == nil {
		return ErrClosed
	}
	if edit.nextFileNum == nil {
		edit.SetNextFileNumber(vs.nextFileNum.Load())
	}
	if edit.lastSeq == nil {
		edit.SetLastSequence(vs.lastSeq)
	}

	if err := vs.manifest.WriteEdit(edit); err != nil {
		return err
	}

	vs.applyLocked(edit)

	if vs.manifest.Size() > vs.maxSize {
		if err := vs.rotateManifestLocked(); err != nil {
			// The old manifest is still valid, so rotation failure is
			// not fatal. Try again on the next edit.
			vs.logger.Warn("manifest rotation failed", "error", err)
		}
	}

	for _, rm := range edit.removed {
		vs.tables.MarkObsolete(rm.fileNum)
	}
	return nil
}

// applyLocked mutates the canonical layout according to the edit.
func (vs *VersionSet) applyLocked(edit *VersionEdit) {
	for _, rm := range edit.removed {
		if rm.level < 0 || rm.level >= len(vs.levels) {
			continue
		}
		level := vs.levels[rm.level]
		for i, f := range level {
			if f.FileNum == rm.fileNum {
				vs.levels[rm.level] = append(level[:i], level[i+1:]...)
				break
			}
		}
	}
	for _, add := range edit.added {
		if add.level < 0 || add.level >= len(vs.levels) {
			continue
		}
		vs.levels[add.level] = append(vs.levels[add.level], add.meta)
		sortLevel(add.level, vs.levels[add.level])
	}
	if edit.logNum != nil && *edit.logNum > vs.logNum {
		vs.logNum = *edit.logNum
	}
	if edit.nextFileNum != nil && *edit.nextFileNum > vs.nextFileNum.Load() {
		vs.nextFileNum.Store(*edit.nextFileNum)
	}
	if edit.lastSeq != nil && *edit.lastSeq > vs.lastSeq {
		vs.lastSeq = *edit.lastSeq
	}
}

// sortLevel keeps L0 newest first and deeper levels ordered by key.
func sortLevel(level int, files []*FileMetadata) {
	if level == 0 {
		sort.Slice(files, func(i, j int) bool {
			return files[i].FileNum > files[j].FileNum
		})
		return
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Smallest.Compare(files[j].Smallest) < 0
	})
}

// Snapshot builds a published Version from the canonical layout plus the
// given memtables (newest first). Every table reader gets a reference
// held for the version's lifetime. Quarantined or unopenable tables are
// left out of the snapshot so reads fail closed.
func (vs *VersionSet) Snapshot(memtables []*memtable.MemTable, seq uint64) *Version {
	live := vs.LiveFiles()

	v := &Version{
		levels:    make([][]*tableHandle, len(live)),
		memtables: memtables,
		seq:       seq,
	}
	for levelNum, level := range live {
		handles := make([]*tableHandle, 0, len(level))
		for _, meta := range level {
			r, err := vs.tables.Acquire(meta.FileNum)
			if err != nil {
				vs.logger.Error("table excluded from snapshot",
					"file_num", meta.FileNum, "level", levelNum, "error", err)
				continue
			}
			handles = append(handles, &tableHandle{meta: meta, reader: r})
		}
		v.levels[levelNum] = handles
	}
	v.refs.Store(1)
	return v
}

// Close flushes and closes the manifest.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifest == nil {
		return nil
	}
	err := vs.manifest.Close()
	vs.manifest = nil
	return err
}
