// Package memtable holds recent writes in a sorted in-memory table
// until they are flushed to a sorted table on disk. Entries are keyed
// by internal key, so newer versions of a user key sort before older
// ones and reads naturally see the freshest entry first.
package memtable

import (
	"encoding/binary"
	"sync"

	"github.com/huandu/skiplist"

	"github.com/mambisi/beardb/arena"
	"github.com/mambisi/beardb/keys"
)

// internalKeyComparable orders skiplist entries by internal key. The
// score is derived from the first 8 user-key bytes so most navigation
// skips the full byte compare; ties fall through to Compare.
type internalKeyComparable struct{}

func (internalKeyComparable) Compare(lhs, rhs interface{}) int {
	return keys.InternalKey(lhs.([]byte)).Compare(rhs.([]byte))
}

func (internalKeyComparable) CalcScore(key interface{}) float64 {
	ik := keys.InternalKey(key.([]byte))
	uk := ik.UserKey()
	var buf [8]byte
	copy(buf[:], uk)
	return float64(binary.BigEndian.Uint64(buf[:]))
}

// MemTable is a sorted in-memory write buffer. Key and value bytes
// live in an arena so the skiplist nodes only hold slice headers and
// the whole table frees in one step when dropped.
type MemTable struct {
	mu    sync.RWMutex
	list  *skiplist.SkipList
	arena *arena.Arena
	size  int // approximate bytes of keys+values stored
	n     int
}

// New returns an empty memtable. sizeHint tunes the arena slab size
// and should roughly match the configured write buffer size.
func New(sizeHint int) *MemTable {
	slab := sizeHint / 8
	if slab < 4096 {
		slab = 4096
	}
	return &MemTable{
		list:  skiplist.New(internalKeyComparable{}),
		arena: arena.NewWithSlabSize(slab),
	}
}

// Put inserts an entry. Tombstones carry a nil value. The key and
// value are copied into the memtable's arena.
func (m *MemTable) Put(ikey keys.InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.arena.Append([]byte(ikey))
	var v []byte
	if len(value) > 0 {
		v = m.arena.Append(value)
	} else if value != nil {
		v = []byte{}
	}
	m.list.Set(k, v)
	m.size += len(ikey) + len(value) + 48 // rough per-node overhead
	m.n++
}

// Get returns the newest entry at or below the seek key's sequence for
// the seek key's user key. The returned internal key tells the caller
// whether the entry is a value or a tombstone. Both returns are nil
// when the user key has no entry visible at that sequence.
func (m *MemTable) Get(seek keys.InternalKey) (keys.InternalKey, []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Find([]byte(seek))
	if elem == nil {
		return nil, nil
	}
	found := keys.InternalKey(elem.Key().([]byte))
	if found.UserKey().Compare(seek.UserKey()) != 0 {
		return nil, nil
	}
	var value []byte
	if v := elem.Value; v != nil {
		value = v.([]byte)
	}
	return found, value
}

// Len returns the number of entries.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.n
}

// Empty reports whether the table has no entries.
func (m *MemTable) Empty() bool {
	return m.Len() == 0
}

// Size returns the approximate memory footprint in bytes, used to
// decide when to rotate the memtable.
func (m *MemTable) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}
