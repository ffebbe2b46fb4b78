package beardb

import (
	"container/heap"

	"github.com/mambisi/beardb/keys"
)

// Iterator is the internal iteration contract shared by memtables,
// sorted tables and the merge layer. Keys are encoded internal keys in
// (user key asc, sequence desc) order.
type Iterator interface {
	Valid() bool
	SeekToFirst()
	Seek(target keys.InternalKey)
	Next()
	Key() keys.InternalKey
	Value() []byte
	Error() error
	Close() error
}

// iterHeap is a min-heap of source iterators ordered by their current
// key, so the globally smallest key is always on top.
type iterHeap []Iterator

func (h iterHeap) Len() int { return len(h) }

func (h iterHeap) Less(i, j int) bool {
	ki, kj := h[i].Key(), h[j].Key()
	if ki == nil {
		return false
	}
	if kj == nil {
		return true
	}
	return ki.Compare(kj) < 0
}

func (h iterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *iterHeap) Push(x any) { *h = append(*h, x.(Iterator)) }

func (h *iterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// mergeIterator fuses multiple sorted sources into one stream, exposing
// only the newest visible version of each user key. With a snapshot
// sequence set, versions written after the snapshot are invisible.
// Compactions run with tombstones included so they can process them;
// user-facing iteration skips them.
type mergeIterator struct {
	iters  []Iterator
	h      iterHeap
	bounds *keys.Range

	seq               uint64
	includeTombstones bool

	// current state, copied out of the winning source so it survives
	// that source advancing.
	key   keys.InternalKey
	value []byte
	valid bool
	err   error
}

func newMergeIterator(bounds *keys.Range, includeTombstones bool, seq uint64, capacity int) *mergeIterator {
	if capacity < 1 {
		capacity = 4
	}
	return &mergeIterator{
		iters:             make([]Iterator, 0, capacity),
		bounds:            bounds,
		seq:               seq,
		includeTombstones: includeTombstones,
	}
}

func (it *mergeIterator) addIterator(src Iterator) {
	it.iters = append(it.iters, src)
}

// visibleKey returns src's current key, advancing past versions newer
// than the snapshot. Returns nil when src is exhausted.
func (it *mergeIterator) visibleKey(src Iterator) keys.InternalKey {
	for src.Valid() {
		k := src.Key()
		if k == nil {
			return nil
		}
		if k.Seq() <= it.seq {
			return k
		}
		src.Next()
	}
	return nil
}

// rebuildHeap repopulates the heap from the current positions of all
// sources.
func (it *mergeIterator) rebuildHeap() {
	it.h = it.h[:0]
	for _, src := range it.iters {
		if it.visibleKey(src) != nil {
			it.h = append(it.h, src)
		}
	}
	heap.Init(&it.h)
}

// skipUserKey pops and advances every source positioned at the given
// user key. Called after the newest version has been consumed so stale
// versions never surface.
func (it *mergeIterator) skipUserKey(userKey keys.UserKey) {
	for len(it.h) > 0 {
		top := it.h[0]
		k := top.Key()
		if k == nil || k.UserKey().Compare(userKey) != 0 {
			return
		}
		top.Next()
		if it.visibleKey(top) != nil {
			heap.Fix(&it.h, 0)
		} else {
			heap.Pop(&it.h)
		}
	}
}

// settle finds the next entry that should be surfaced: in bounds, newest
// version of its user key, and not a tombstone unless those are wanted.
func (it *mergeIterator) settle() {
	it.valid = false
	for len(it.h) > 0 {
		top := it.h[0]
		k := top.Key()
		if k == nil {
			heap.Pop(&it.h)
			continue
		}

		if it.bounds != nil && it.bounds.Limit != nil &&
			k.UserKey().Compare(it.bounds.Limit.UserKey()) >= 0 {
			return // past the upper bound, all sources are sorted
		}

		it.key = append(it.key[:0], k...)
		it.value = append(it.value[:0], top.Value()...)

		belowStart := it.bounds != nil && it.bounds.Start != nil &&
			it.key.UserKey().Compare(it.bounds.Start.UserKey()) < 0
		hidden := it.key.Kind() == keys.KindTombstone && !it.includeTombstones

		it.skipUserKey(it.key.UserKey())

		if belowStart || hidden {
			continue
		}
		it.valid = true
		return
	}
}

func (it *mergeIterator) SeekToFirst() {
	it.err = nil
	for _, src := range it.iters {
		if it.bounds != nil && it.bounds.Start != nil {
			src.Seek(it.bounds.Start)
		} else {
			src.SeekToFirst()
		}
	}
	it.rebuildHeap()
	it.settle()
}

func (it *mergeIterator) Seek(target keys.InternalKey) {
	it.err = nil
	for _, src := range it.iters {
		src.Seek(target)
	}
	it.rebuildHeap()
	it.settle()
}

func (it *mergeIterator) Next() {
	if !it.valid {
		return
	}
	// settle already advanced every source past the current user key.
	it.settle()
}

func (it *mergeIterator) Valid() bool { return it.valid && it.err == nil }

func (it *mergeIterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.key
}

func (it *mergeIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

func (it *mergeIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	for _, src := range it.iters {
		if err := src.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (it *mergeIterator) Close() error {
	for _, src := range it.iters {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil && it.err == nil {
			it.err = err
		}
	}
	return it.err
}
