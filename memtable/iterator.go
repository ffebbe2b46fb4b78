package memtable

import (
	"github.com/huandu/skiplist"

	"github.com/mambisi/beardb/keys"
)

// Iterator walks memtable entries in internal key order, optionally
// confined to a range. It holds the table's read lock only for the
// duration of each positioning call.
type Iterator struct {
	mt     *MemTable
	elem   *skiplist.Element
	bounds *keys.Range
	key    keys.InternalKey
	value  []byte
}

// NewIterator returns an iterator over all entries.
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{mt: m}
}

// NewIteratorWithBounds returns an iterator confined to bounds.
func (m *MemTable) NewIteratorWithBounds(bounds *keys.Range) *Iterator {
	return &Iterator{mt: m, bounds: bounds}
}

// fill caches the current element's key and value and enforces the
// upper bound. It expects the table's read lock to be held.
func (it *Iterator) fill() {
	if it.elem == nil {
		it.key = nil
		it.value = nil
		return
	}
	it.key = keys.InternalKey(it.elem.Key().([]byte))
	if it.bounds != nil && it.bounds.Limit != nil && it.key.Compare(it.bounds.Limit) >= 0 {
		it.elem = nil
		it.key = nil
		it.value = nil
		return
	}
	if v := it.elem.Value; v != nil {
		it.value = v.([]byte)
	} else {
		it.value = nil
	}
}

// SeekToFirst positions at the first entry in range.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil {
		it.elem = it.mt.list.Find([]byte(it.bounds.Start))
	} else {
		it.elem = it.mt.list.Front()
	}
	it.fill()
}

// Seek positions at the first entry >= target, clamped to the range.
func (it *Iterator) Seek(target keys.InternalKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	if it.bounds != nil && it.bounds.Start != nil && target.Compare(it.bounds.Start) < 0 {
		target = it.bounds.Start
	}
	it.elem = it.mt.list.Find([]byte(target))
	it.fill()
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if it.elem == nil {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.elem = it.elem.Next()
	it.fill()
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.elem != nil }

// Key returns the current internal key.
func (it *Iterator) Key() keys.InternalKey { return it.key }

// Value returns the current value. Nil for tombstones.
func (it *Iterator) Value() []byte { return it.value }

// Error always returns nil; memtable iteration cannot fail.
func (it *Iterator) Error() error { return nil }

// Close releases the iterator. It is a no-op.
func (it *Iterator) Close() error { return nil }
