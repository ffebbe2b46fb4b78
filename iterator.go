package beardb

import (
	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/sstable"
)

// DBIterator walks the live key space in ascending user-key order. It
// sees a consistent snapshot taken at creation: the version it holds a
// reference on, at the sequence number current at that moment. Writes
// made afterwards are invisible. Must be closed to release the snapshot.
type DBIterator struct {
	merged  *mergeIterator
	version *Version
	bounds  *keys.Range
	valid   bool
	err     error
}

// NewIterator returns an iterator over the whole database.
func (db *DB) NewIterator(opts *ReadOptions) *DBIterator {
	return db.newIteratorWithBounds(nil, opts)
}

// newIteratorWithBounds assembles the snapshot: the version pins the
// table readers, memtable iterators cover the unflushed tail, and table
// iterators are added only for files overlapping the bounds.
func (db *DB) newIteratorWithBounds(bounds *keys.Range, opts *ReadOptions) *DBIterator {
	if opts == nil {
		opts = &ReadOptions{}
	}

	version := db.currentVersion.Load()
	if version == nil {
		return &DBIterator{err: ErrClosed}
	}
	version.Ref()

	// The snapshot boundary is the sequence at creation time, not the
	// version's publish time: the active memtable keeps receiving newer
	// writes that this iterator must not see.
	snapshotSeq := db.seq.Load()

	sources := len(version.memtables)
	for level := 0; level < version.NumLevels(); level++ {
		sources += len(version.Files(level))
	}
	merged := newMergeIterator(bounds, false, snapshotSeq, sources)

	for _, mt := range version.memtables {
		merged.addIterator(mt.NewIteratorWithBounds(bounds))
	}

	var startKey, limitKey keys.InternalKey
	if bounds != nil {
		startKey, limitKey = bounds.Start, bounds.Limit
	}
	for level := 0; level < version.NumLevels(); level++ {
		for _, th := range version.Files(level) {
			if startKey != nil && th.meta.Largest.Compare(startKey) < 0 {
				continue
			}
			if limitKey != nil && th.meta.Smallest.Compare(limitKey) >= 0 {
				continue
			}
			merged.addIterator(th.reader.NewIterator(sstable.IterOpts{
				Bounds:      bounds,
				BypassCache: opts.BypassCache,
			}))
		}
	}

	return &DBIterator{
		merged:  merged,
		version: version,
		bounds:  bounds,
	}
}

// Valid reports whether the iterator is positioned on an entry.
func (it *DBIterator) Valid() bool {
	return it.valid && it.err == nil && it.merged.Valid()
}

// SeekToFirst positions the iterator at the first entry in bounds.
func (it *DBIterator) SeekToFirst() {
	if it.merged == nil {
		return
	}
	it.merged.SeekToFirst()
	it.valid = it.merged.Valid()
}

// Seek positions the iterator at the first entry with user key >= target.
func (it *DBIterator) Seek(target []byte) {
	if it.merged == nil {
		return
	}
	it.merged.Seek(keys.MakeSeekKey(target, keys.MaxSequence))
	it.valid = it.merged.Valid()
}

// Next advances to the next entry.
func (it *DBIterator) Next() {
	if !it.valid {
		return
	}
	it.merged.Next()
	it.valid = it.merged.Valid()
}

// Key returns the current user key. Valid until the next move.
func (it *DBIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.merged.Key().UserKey()
}

// Value returns the current value. Valid until the next move.
func (it *DBIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.merged.Value()
}

// Error returns the first error the iterator or its sources hit.
func (it *DBIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.merged == nil {
		return nil
	}
	return it.merged.Error()
}

// Close releases the snapshot. Table files removed by compaction while
// the iterator was open are deleted once this reference drains.
func (it *DBIterator) Close() error {
	var err error
	if it.merged != nil {
		err = it.merged.Close()
		it.merged = nil
	}
	if it.version != nil {
		it.version.Unref()
		it.version = nil
	}
	it.valid = false
	return err
}
