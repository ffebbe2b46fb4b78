package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/rcache"
)

// ReaderOpts configures a table reader.
type ReaderOpts struct {
	Path string

	// FileNum namespaces this table's blocks in the shared cache.
	FileNum uint64

	// Cache, when set, holds decoded blocks. Cached blocks own their
	// bytes and outlive the file mapping.
	Cache *rcache.Cache

	Logger *slog.Logger
}

// Reader serves reads from one immutable table file. The file is
// memory mapped for its whole lifetime; the index and bloom filter are
// decoded eagerly at open, data blocks lazily and optionally through
// the shared block cache.
//
// Readers are reference counted. The opener holds the initial
// reference; iterators take their own. When the count reaches zero the
// mapping is released and the optional release hook runs, which is how
// obsolete table files get deleted only after their last reader is
// done.
type Reader struct {
	path    string
	fileNum uint64
	file    *os.File
	data    []byte
	unmap   func() error
	logger  *slog.Logger
	cache   *rcache.Cache

	index      *Block
	filter     *bloom.BloomFilter
	numEntries uint64

	smallest keys.InternalKey
	largest  keys.InternalKey

	refs      atomic.Int32
	onRelease func()
}

// NewReader opens a table file and verifies its footer, index and
// filter blocks.
func NewReader(opts ReaderOpts) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	file, err := os.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	data, unmap, err := mmapFile(file, stat.Size())
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Reader{
		path:    opts.Path,
		fileNum: opts.FileNum,
		file:    file,
		data:    data,
		unmap:   unmap,
		logger:  opts.Logger,
		cache:   opts.Cache,
	}
	r.refs.Store(1)

	if err := r.readFooter(); err != nil {
		r.release()
		return nil, fmt.Errorf("open table %s: %w", opts.Path, err)
	}
	return r, nil
}

func (r *Reader) readFooter() error {
	if len(r.data) < FooterLen {
		return fmt.Errorf("%w: file shorter than footer", keys.ErrCorruption)
	}
	footer := r.data[len(r.data)-FooterLen:]
	if !bytes.Equal(footer[FooterLen-8:], tableMagic) {
		return fmt.Errorf("%w: bad magic", keys.ErrCorruption)
	}
	version := binary.LittleEndian.Uint32(footer[40:])
	if version != FormatVersion {
		return fmt.Errorf("%w: unsupported table version %d", keys.ErrCorruption, version)
	}
	filterHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[0:]),
		Size:   binary.LittleEndian.Uint64(footer[8:]),
	}
	indexHandle := BlockHandle{
		Offset: binary.LittleEndian.Uint64(footer[16:]),
		Size:   binary.LittleEndian.Uint64(footer[24:]),
	}
	r.numEntries = binary.LittleEndian.Uint64(footer[32:])

	filterPayload, err := r.blockPayload(filterHandle)
	if err != nil {
		return fmt.Errorf("filter block: %w", err)
	}
	r.filter = &bloom.BloomFilter{}
	if _, err := r.filter.ReadFrom(bytes.NewReader(filterPayload)); err != nil {
		return fmt.Errorf("filter block: %w: %v", keys.ErrCorruption, err)
	}

	indexPayload, err := r.blockPayload(indexHandle)
	if err != nil {
		return fmt.Errorf("index block: %w", err)
	}
	r.index, err = NewBlock(indexPayload)
	if err != nil {
		return fmt.Errorf("index block: %w", err)
	}

	return r.readKeyRange()
}

// readKeyRange loads the first and last data blocks to find the
// table's key bounds.
func (r *Reader) readKeyRange() error {
	idx := r.index.Iter()
	idx.SeekToFirst()
	if !idx.Valid() {
		return nil // empty table
	}
	first, err := r.blockForIndexEntry(idx.Value(), true)
	if err != nil {
		return err
	}
	bi := first.Iter()
	bi.SeekToFirst()
	if bi.Valid() {
		r.smallest = append(keys.InternalKey(nil), bi.Key()...)
	}

	var lastHandleBytes []byte
	for ; idx.Valid(); idx.Next() {
		lastHandleBytes = append(lastHandleBytes[:0], idx.Value()...)
	}
	last, err := r.blockForIndexEntry(lastHandleBytes, true)
	if err != nil {
		return err
	}
	bi = last.Iter()
	for bi.SeekToFirst(); bi.Valid(); bi.Next() {
		r.largest = append(r.largest[:0], bi.Key()...)
	}
	return bi.Error()
}

// Path returns the table file path.
func (r *Reader) Path() string { return r.path }

// FileNum returns the table's file number.
func (r *Reader) FileNum() uint64 { return r.fileNum }

// NumEntries returns the entry count recorded in the footer.
func (r *Reader) NumEntries() uint64 { return r.numEntries }

// Smallest returns the table's smallest internal key.
func (r *Reader) Smallest() keys.InternalKey { return r.smallest }

// Largest returns the table's largest internal key.
func (r *Reader) Largest() keys.InternalKey { return r.largest }

// Ref takes a reference. Each Ref must be paired with an Unref.
func (r *Reader) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference, releasing the reader when it was the last.
func (r *Reader) Unref() {
	if r.refs.Add(-1) == 0 {
		r.release()
		if r.onRelease != nil {
			r.onRelease()
		}
	}
}

// SetReleaseFunc installs a hook run after the last reference drops.
func (r *Reader) SetReleaseFunc(fn func()) { r.onRelease = fn }

func (r *Reader) release() {
	if r.unmap != nil {
		if err := r.unmap(); err != nil {
			r.logger.Warn("munmap failed", "table", r.path, "error", err)
		}
		r.unmap = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// MightContain consults the bloom filter. False means the user key is
// definitely absent; true means it must be looked up.
func (r *Reader) MightContain(userKey keys.UserKey) bool {
	return r.filter.Test(userKey)
}

// blockPayload reads, verifies and decompresses the block at handle,
// bypassing the cache.
func (r *Reader) blockPayload(handle BlockHandle) ([]byte, error) {
	end := handle.Offset + handle.Size
	if handle.Size < blockTrailerLen || end > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: block handle out of range", keys.ErrCorruption)
	}
	return openBlock(r.data[handle.Offset:end])
}

// readBlock returns the decoded data block at handle. With a cache
// attached and bypass false, the block is fetched through it; misses
// for the same block are collapsed into one load.
func (r *Reader) readBlock(handle BlockHandle, bypass bool) (*Block, error) {
	if r.cache == nil || bypass {
		payload, err := r.blockPayload(handle)
		if err != nil {
			return nil, err
		}
		return NewBlock(payload)
	}
	v, err := r.cache.GetOrLoad(rcache.Key{Table: r.fileNum, Offset: handle.Offset}, func() (any, int, error) {
		payload, err := r.blockPayload(handle)
		if err != nil {
			return nil, 0, err
		}
		b, err := NewBlock(payload)
		if err != nil {
			return nil, 0, err
		}
		return b, b.Size(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Block), nil
}

func (r *Reader) blockForIndexEntry(handleBytes []byte, bypass bool) (*Block, error) {
	handle, ok := decodeHandle(handleBytes)
	if !ok {
		return nil, fmt.Errorf("%w: bad block handle in index", keys.ErrCorruption)
	}
	return r.readBlock(handle, bypass)
}

// Get returns the entry for the first internal key >= seek whose user
// key matches seek's. Both returns are nil when no such entry exists.
// The returned slices are copies and stay valid after the reader is
// released.
func (r *Reader) Get(seek keys.InternalKey) (keys.InternalKey, []byte, error) {
	idx := r.index.Iter()
	idx.Seek(seek)
	if !idx.Valid() {
		if err := idx.Error(); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	}
	block, err := r.blockForIndexEntry(idx.Value(), false)
	if err != nil {
		return nil, nil, err
	}
	bi := block.Iter()
	bi.Seek(seek)
	if !bi.Valid() {
		return nil, nil, bi.Error()
	}
	found := bi.Key()
	if found.UserKey().Compare(seek.UserKey()) != 0 {
		return nil, nil, nil
	}
	key := append(keys.InternalKey(nil), found...)
	value := append([]byte(nil), bi.Value()...)
	return key, value, nil
}

// IterOpts controls table iteration.
type IterOpts struct {
	// Bounds confines the iterator; nil means the whole table.
	Bounds *keys.Range

	// BypassCache loads blocks without populating the shared cache.
	// Compactions set this so their one-shot streaming reads don't
	// evict the read path's working set.
	BypassCache bool
}

// Iterator walks a table in internal key order. It holds a reference
// on its reader until closed.
type Iterator struct {
	reader    *Reader
	indexIter *BlockIter
	blockIter *BlockIter
	opts      IterOpts
	err       error
	closed    bool
}

// NewIterator returns an iterator over the table.
func (r *Reader) NewIterator(opts IterOpts) *Iterator {
	r.Ref()
	return &Iterator{
		reader:    r,
		indexIter: r.index.Iter(),
		opts:      opts,
	}
}

// loadBlock opens the data block under the current index position.
func (it *Iterator) loadBlock() bool {
	if !it.indexIter.Valid() {
		it.blockIter = nil
		return false
	}
	block, err := it.reader.blockForIndexEntry(it.indexIter.Value(), it.opts.BypassCache)
	if err != nil {
		it.err = err
		it.blockIter = nil
		return false
	}
	it.blockIter = block.Iter()
	return true
}

// SeekToFirst positions at the first in-bounds entry.
func (it *Iterator) SeekToFirst() {
	it.err = nil
	if it.opts.Bounds != nil && it.opts.Bounds.Start != nil {
		it.Seek(it.opts.Bounds.Start)
		return
	}
	it.indexIter.SeekToFirst()
	if it.loadBlock() {
		it.blockIter.SeekToFirst()
		it.skipExhausted()
	}
}

// Seek positions at the first in-bounds entry >= target.
func (it *Iterator) Seek(target keys.InternalKey) {
	it.err = nil
	if it.opts.Bounds != nil && it.opts.Bounds.Start != nil && target.Compare(it.opts.Bounds.Start) < 0 {
		target = it.opts.Bounds.Start
	}
	it.indexIter.Seek(target)
	if it.loadBlock() {
		it.blockIter.Seek(target)
		it.skipExhausted()
	}
}

// Next advances to the following entry.
func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.blockIter.Next()
	it.skipExhausted()
}

// skipExhausted steps to the next block while the current one has run
// out of entries.
func (it *Iterator) skipExhausted() {
	for it.blockIter != nil && !it.blockIter.Valid() {
		if err := it.blockIter.Error(); err != nil {
			it.err = err
			it.blockIter = nil
			return
		}
		it.indexIter.Next()
		if !it.loadBlock() {
			return
		}
		it.blockIter.SeekToFirst()
	}
}

// Valid reports whether the iterator is positioned at an in-bounds
// entry.
func (it *Iterator) Valid() bool {
	if it.err != nil || it.blockIter == nil || !it.blockIter.Valid() {
		return false
	}
	if it.opts.Bounds != nil && !it.opts.Bounds.Contains(it.blockIter.Key()) {
		return false
	}
	return true
}

// Key returns the current internal key.
func (it *Iterator) Key() keys.InternalKey {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Key()
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.blockIter.Value()
}

// Error returns the first error encountered.
func (it *Iterator) Error() error { return it.err }

// Close drops the iterator's table reference.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.reader.Unref()
	return nil
}
