package sstable

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/mambisi/beardb/compression"
	"github.com/mambisi/beardb/keys"
)

const (
	// DefaultBlockSize is the uncompressed target size of a data block.
	DefaultBlockSize = 4 * 1024

	// DefaultRestartInterval is how many entries share one prefix chain
	// before a full key is written again.
	DefaultRestartInterval = 16

	// blockTrailerLen is the per-block physical trailer: one compression
	// tag byte plus a CRC32 of the payload and tag.
	blockTrailerLen = 5
)

var crcTable = crc32.MakeTable(0xEDB88320)

// blockBuilder assembles a prefix-compressed block. Entries are
// varint(shared) varint(unshared) varint(valueLen) keySuffix value,
// with full keys re-written at every restart point. The tail lists the
// restart offsets and their count, four bytes each, little endian.
type blockBuilder struct {
	buf             []byte
	restarts        []uint32
	lastKey         []byte
	numEntries      int
	restartInterval int
	targetSize      int
}

func newBlockBuilder(targetSize, restartInterval int) *blockBuilder {
	if targetSize <= 0 {
		targetSize = DefaultBlockSize
	}
	if restartInterval <= 0 {
		restartInterval = DefaultRestartInterval
	}
	return &blockBuilder{
		buf:             make([]byte, 0, targetSize),
		restartInterval: restartInterval,
		targetSize:      targetSize,
	}
}

// add appends an entry. Keys must arrive in strictly increasing order.
func (b *blockBuilder) add(key keys.InternalKey, value []byte) {
	shared := 0
	if b.numEntries%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(len(b.buf)))
	} else {
		shared = sharedPrefixLen(b.lastKey, key)
	}
	unshared := len(key) - shared

	b.buf = binary.AppendUvarint(b.buf, uint64(shared))
	b.buf = binary.AppendUvarint(b.buf, uint64(unshared))
	b.buf = binary.AppendUvarint(b.buf, uint64(len(value)))
	b.buf = append(b.buf, key[shared:]...)
	b.buf = append(b.buf, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.numEntries++
}

// finish appends the restart tail and returns the block payload. The
// builder must be reset before reuse.
func (b *blockBuilder) finish() []byte {
	if len(b.restarts) == 0 {
		b.restarts = append(b.restarts, 0)
	}
	for _, r := range b.restarts {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, r)
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.restarts)))
	return b.buf
}

func (b *blockBuilder) full() bool     { return len(b.buf) >= b.targetSize }
func (b *blockBuilder) empty() bool    { return b.numEntries == 0 }
func (b *blockBuilder) sizeHint() int  { return len(b.buf) + 4*(len(b.restarts)+1) }
func (b *blockBuilder) entryCount() int { return b.numEntries }

func (b *blockBuilder) reset() {
	b.buf = b.buf[:0]
	b.restarts = b.restarts[:0]
	b.lastKey = b.lastKey[:0]
	b.numEntries = 0
}

func sharedPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// sealBlock compresses a finished payload and appends the physical
// trailer. The CRC covers the stored bytes and the compression tag, so
// a reader can reject a damaged block before decoding anything.
func sealBlock(c compression.Compressor, payload []byte) ([]byte, error) {
	stored, tag, err := compression.CompressBlock(c, nil, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(stored)+blockTrailerLen)
	n := copy(out, stored)
	out[n] = tag
	crc := crc32.Update(crc32.Checksum(out[:n], crcTable), crcTable, out[n:n+1])
	binary.LittleEndian.PutUint32(out[n+1:], crc)
	return out, nil
}

// openBlock verifies a physical block and returns its decompressed
// payload. The result is always freshly allocated and never aliases
// phys, so callers may cache it independently of the file mapping.
func openBlock(phys []byte) ([]byte, error) {
	if len(phys) < blockTrailerLen {
		return nil, fmt.Errorf("%w: block shorter than trailer", keys.ErrCorruption)
	}
	n := len(phys) - blockTrailerLen
	want := binary.LittleEndian.Uint32(phys[n+1:])
	got := crc32.Update(crc32.Checksum(phys[:n], crcTable), crcTable, phys[n:n+1])
	if got != want {
		return nil, fmt.Errorf("%w: block checksum mismatch", keys.ErrCorruption)
	}
	return compression.DecompressBlock(nil, phys[:n], phys[n])
}

// Block is a decoded, verified block held in memory. It owns its
// payload bytes.
type Block struct {
	data     []byte // entries only, restart tail stripped
	restarts []uint32
}

// NewBlock parses a decompressed payload produced by blockBuilder.
func NewBlock(payload []byte) (*Block, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: block too small", keys.ErrCorruption)
	}
	numRestarts := int(binary.LittleEndian.Uint32(payload[len(payload)-4:]))
	tail := 4 + numRestarts*4
	if numRestarts == 0 || len(payload) < tail {
		return nil, fmt.Errorf("%w: bad restart count", keys.ErrCorruption)
	}
	dataLen := len(payload) - tail
	restarts := make([]uint32, numRestarts)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(payload[dataLen+i*4:])
		if restarts[i] > uint32(dataLen) {
			return nil, fmt.Errorf("%w: restart offset out of range", keys.ErrCorruption)
		}
	}
	return &Block{data: payload[:dataLen], restarts: restarts}, nil
}

// Size returns the in-memory footprint, used for cache accounting.
func (b *Block) Size() int {
	return len(b.data) + 4*len(b.restarts) + 48
}

// restartKey decodes the full key stored at a restart point.
func (b *Block) restartKey(i int) keys.InternalKey {
	off := int(b.restarts[i])
	_, n := binary.Uvarint(b.data[off:]) // shared, always 0 here
	off += n
	unshared, n := binary.Uvarint(b.data[off:])
	off += n
	_, n = binary.Uvarint(b.data[off:])
	off += n
	return keys.InternalKey(b.data[off : off+int(unshared)])
}

// Iter returns an iterator positioned before the first entry.
func (b *Block) Iter() *BlockIter {
	return &BlockIter{block: b, next: -1}
}

// BlockIter walks a decoded block in key order. The key is
// reconstructed into an iterator-owned buffer and stays valid until
// the next positioning call; the value aliases block memory.
type BlockIter struct {
	block *Block
	next  int // byte offset of the entry after the current one; -1 before first
	key   []byte
	value []byte
	valid bool
	err   error
}

// SeekToFirst positions at the first entry.
func (it *BlockIter) SeekToFirst() {
	it.err = nil
	it.key = it.key[:0]
	it.next = 0
	it.advance()
}

// Seek positions at the first entry whose key is >= target.
func (it *BlockIter) Seek(target keys.InternalKey) {
	it.err = nil

	// Binary search restart points for the last one whose key is
	// strictly before the target, then scan forward from there.
	lo, hi := 0, len(it.block.restarts)-1
	start := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if it.block.restartKey(mid).Compare(target) < 0 {
			start = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}

	it.key = it.key[:0]
	it.next = int(it.block.restarts[start])
	for it.advance() {
		if keys.InternalKey(it.key).Compare(target) >= 0 {
			return
		}
	}
}

// Next advances to the following entry.
func (it *BlockIter) Next() {
	if it.valid {
		it.advance()
	}
}

// advance decodes the entry at it.next, building on the current key.
func (it *BlockIter) advance() bool {
	it.valid = false
	if it.next < 0 || it.next >= len(it.block.data) {
		return false
	}
	data := it.block.data
	off := it.next

	shared, n := binary.Uvarint(data[off:])
	if n <= 0 {
		it.err = fmt.Errorf("%w: bad entry header", keys.ErrCorruption)
		return false
	}
	off += n
	unshared, n := binary.Uvarint(data[off:])
	if n <= 0 {
		it.err = fmt.Errorf("%w: bad entry header", keys.ErrCorruption)
		return false
	}
	off += n
	valueLen, n := binary.Uvarint(data[off:])
	if n <= 0 {
		it.err = fmt.Errorf("%w: bad entry header", keys.ErrCorruption)
		return false
	}
	off += n

	if int(shared) > len(it.key) || off+int(unshared)+int(valueLen) > len(data) {
		it.err = fmt.Errorf("%w: entry out of range", keys.ErrCorruption)
		return false
	}

	it.key = append(it.key[:shared], data[off:off+int(unshared)]...)
	off += int(unshared)
	it.value = data[off : off+int(valueLen)]
	it.next = off + int(valueLen)
	it.valid = true
	return true
}

// Valid reports whether the iterator holds an entry.
func (it *BlockIter) Valid() bool { return it.valid }

// Key returns the current internal key.
func (it *BlockIter) Key() keys.InternalKey {
	if !it.valid {
		return nil
	}
	return keys.InternalKey(it.key)
}

// Value returns the current value bytes.
func (it *BlockIter) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

// Error returns the first decode error encountered.
func (it *BlockIter) Error() error { return it.err }
