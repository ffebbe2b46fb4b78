// Package arena provides a bump allocator for short-lived byte buffers.
// Callers carve slices out of large slabs and free everything at once by
// dropping or resetting the arena. It backs the memtable's key/value
// storage and the scratch buffers used while records and blocks are
// encoded, avoiding per-entry allocations on the write path.
package arena

const defaultSlabSize = 64 * 1024

// Arena hands out byte slices from chained slabs. It is not safe for
// concurrent use; owners that need concurrency (the memtable) guard it
// with their own lock.
type Arena struct {
	slabSize int
	slabs    [][]byte
	cur      int // index of the active slab in slabs, -1 if none
	n        int // total bytes handed out
}

// New creates an arena with the default slab size.
func New() *Arena {
	return NewWithSlabSize(defaultSlabSize)
}

// NewWithSlabSize creates an arena whose slabs hold at least size bytes.
func NewWithSlabSize(size int) *Arena {
	if size <= 0 {
		size = defaultSlabSize
	}
	return &Arena{slabSize: size, cur: -1}
}

// Alloc returns a zeroed slice of n bytes backed by the arena. The
// slice is valid until Reset is called or the arena is dropped.
func (a *Arena) Alloc(n int) []byte {
	if n > a.slabSize {
		// Oversized requests get a dedicated slab so normal slabs stay
		// densely packed. The active slab keeps accepting small requests.
		slab := make([]byte, n)
		a.slabs = append(a.slabs, slab)
		a.n += n
		return slab
	}
	if a.cur < 0 || len(a.slabs[a.cur])+n > cap(a.slabs[a.cur]) {
		a.slabs = append(a.slabs, make([]byte, 0, a.slabSize))
		a.cur = len(a.slabs) - 1
	}
	slab := a.slabs[a.cur]
	off := len(slab)
	a.slabs[a.cur] = slab[:off+n]
	a.n += n
	return slab[off : off+n : off+n]
}

// Append copies b into the arena and returns the stable copy.
func (a *Arena) Append(b []byte) []byte {
	dst := a.Alloc(len(b))
	copy(dst, b)
	return dst
}

// Concat copies the concatenation of parts into one arena slice.
func (a *Arena) Concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	dst := a.Alloc(n)
	off := 0
	for _, p := range parts {
		off += copy(dst[off:], p)
	}
	return dst
}

// Len returns the total number of bytes handed out since the last Reset.
func (a *Arena) Len() int { return a.n }

// Reset frees all allocations in bulk. Previously returned slices must
// no longer be used.
func (a *Arena) Reset() {
	a.slabs = a.slabs[:0]
	a.cur = -1
	a.n = 0
}
