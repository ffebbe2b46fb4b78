// Package rcache is a sharded, byte-budgeted read cache for decoded
// table blocks. Lookups that miss are funneled through singleflight so
// a block is loaded from disk at most once no matter how many readers
// ask for it at the same moment. Eviction is LRU per shard, bounded by
// a byte budget rather than an entry count, with an optional frequency
// based admission policy for scan resistance.
package rcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"
)

const numShards = 16

// Key identifies a block by owning table file number and block offset.
type Key struct {
	Table  uint64
	Offset uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Table, k.Offset)
}

// hash mixes the key for shard selection and admission counting.
// fnv-1a over the 16 key bytes, unrolled.
func (k Key) hash() uint64 {
	h := uint64(14695981039346656037)
	for _, v := range [2]uint64{k.Table, k.Offset} {
		for i := 0; i < 8; i++ {
			h ^= (v >> (8 * i)) & 0xff
			h *= 1099511628211
		}
	}
	return h
}

type entry struct {
	value any
	size  int
}

type shard struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[Key, entry]
	bytes int64
	limit int64
}

// Opts configures a cache.
type Opts struct {
	// MaxBytes is the total byte budget across all shards. Values of at
	// least a few blocks per shard are sensible; tiny budgets still work
	// but thrash.
	MaxBytes int64

	// Admission enables the TinyLFU admission filter. Without it, every
	// loaded block is admitted and may evict warmer entries.
	Admission bool
}

// Cache is safe for concurrent use.
type Cache struct {
	shards [numShards]*shard
	group  singleflight.Group
	policy *admissionPolicy

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int64
	Entries   int
}

// New builds a cache with the given byte budget split evenly over the
// shards.
func New(opts Opts) *Cache {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 << 20
	}
	c := &Cache{}
	if opts.Admission {
		c.policy = newAdmissionPolicy(int(opts.MaxBytes / 4096))
	}
	perShard := opts.MaxBytes / numShards
	if perShard < 1 {
		perShard = 1
	}
	for i := range c.shards {
		s := &shard{limit: perShard}
		// The entry cap backstops the byte budget; sized so the budget
		// always binds first for any block over 64 bytes.
		maxEntries := int(perShard/64) + 16
		lru, _ := simplelru.NewLRU[Key, entry](maxEntries, func(_ Key, e entry) {
			s.bytes -= int64(e.size)
			c.evictions.Add(1)
		})
		s.lru = lru
		c.shards[i] = s
	}
	return c
}

func (c *Cache) shardFor(h uint64) *shard {
	return c.shards[h%numShards]
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key Key) (any, bool) {
	h := key.hash()
	if c.policy != nil {
		c.policy.touch(h)
	}
	s := c.shardFor(h)
	s.mu.Lock()
	e, ok := s.lru.Get(key)
	s.mu.Unlock()
	if ok {
		c.hits.Add(1)
		return e.value, true
	}
	c.misses.Add(1)
	return nil, false
}

// GetOrLoad returns the cached value for key, invoking load on a miss.
// Concurrent callers for the same key share a single load; only the
// winning load's result is inserted. size is the value's in-memory
// footprint charged against the byte budget.
func (c *Cache) GetOrLoad(key Key, load func() (any, int, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// Re-check: a concurrent winner may have inserted while we
		// waited on the flight group.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, size, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, value, size)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set inserts a value, evicting LRU entries until the shard fits its
// budget. With admission enabled, a cold key may be rejected instead
// of displacing warmer entries.
func (c *Cache) Set(key Key, value any, size int) {
	h := key.hash()
	s := c.shardFor(h)
	if size > int(s.limit) {
		return // larger than a whole shard, never cacheable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.lru.Peek(key); ok {
		s.bytes -= int64(old.size)
	}
	if c.policy != nil && s.bytes+int64(size) > s.limit {
		if vk, _, ok := s.lru.GetOldest(); ok && !c.policy.admit(h, vk.hash()) {
			return
		}
	}
	s.lru.Add(key, entry{value: value, size: size})
	s.bytes += int64(size)
	for s.bytes > s.limit && s.lru.Len() > 0 {
		s.lru.RemoveOldest()
	}
}

// Remove drops a single key.
func (c *Cache) Remove(key Key) {
	s := c.shardFor(key.hash())
	s.mu.Lock()
	s.lru.Remove(key)
	s.mu.Unlock()
}

// EvictTable drops every block belonging to a table file. Called when
// a table is deleted so stale blocks can't be served for a reused
// file number.
func (c *Cache) EvictTable(table uint64) {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if k.Table == table {
				s.lru.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

// Purge drops everything.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.lru.Purge()
		s.bytes = 0
		s.mu.Unlock()
	}
}

// Stats returns current counters and usage.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Bytes += s.bytes
		st.Entries += s.lru.Len()
		s.mu.Unlock()
	}
	return st
}
