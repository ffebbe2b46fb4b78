// Package sstable reads and writes the immutable sorted table files
// that hold the bulk of the database. A table is a run of
// prefix-compressed data blocks followed by a bloom filter block, an
// index block of separator keys, and a fixed footer. Every block
// carries its own checksum and readers verify it before use.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/mambisi/beardb/compression"
	"github.com/mambisi/beardb/keys"
)

const (
	// Extension for table files in the database directory.
	Extension = ".sst"

	// FormatVersion is bumped on incompatible layout changes.
	FormatVersion = 1

	// FooterLen is the fixed footer: filter handle, index handle, entry
	// count, version, magic.
	FooterLen = 8*5 + 4 + 8
)

// tableMagic closes every table file.
var tableMagic = []byte("bearDBt1")

// BlockHandle locates a physical block within the file.
type BlockHandle struct {
	Offset uint64
	Size   uint64
}

func appendHandle(buf []byte, h BlockHandle) []byte {
	buf = binary.AppendUvarint(buf, h.Offset)
	return binary.AppendUvarint(buf, h.Size)
}

func decodeHandle(data []byte) (BlockHandle, bool) {
	off, n := binary.Uvarint(data)
	if n <= 0 {
		return BlockHandle{}, false
	}
	size, m := binary.Uvarint(data[n:])
	if m <= 0 {
		return BlockHandle{}, false
	}
	return BlockHandle{Offset: off, Size: size}, true
}

// FileName builds the table path for a file number.
func FileName(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", fileNum, Extension))
}

// WriterOpts configures a table writer.
type WriterOpts struct {
	Path            string
	BlockSize       int
	RestartInterval int
	Compression     compression.Config

	// ExpectedKeys sizes the bloom filter. Flushes pass the memtable
	// entry count; compactions pass the summed input counts. A low
	// estimate only degrades the false positive rate.
	ExpectedKeys int

	// FilterFP is the bloom filter's target false positive rate.
	FilterFP float64

	Logger *slog.Logger
}

// Writer streams sorted entries into a table file. Add must be called
// in strictly increasing internal key order.
type Writer struct {
	file       *os.File
	w          *bufio.Writer
	path       string
	logger     *slog.Logger
	compressor compression.Compressor

	dataBlock  *blockBuilder
	indexBlock *blockBuilder
	filter     *bloom.BloomFilter

	offset        uint64
	numEntries    uint64
	numTombstones uint64
	smallest      keys.InternalKey
	largest       keys.InternalKey
	smallestSeq   uint64
	largestSeq    uint64

	// The finished-but-unindexed block: its index separator depends on
	// the next key added, so it waits here until then.
	pendingHandle  BlockHandle
	pendingLastKey []byte
	hasPending     bool

	finished bool
}

// NewWriter creates the table file and a writer over it.
func NewWriter(opts WriterOpts) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ExpectedKeys <= 0 {
		opts.ExpectedKeys = 4096
	}
	if opts.FilterFP <= 0 {
		opts.FilterFP = 0.01
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, err
	}
	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.New(opts.Compression)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Writer{
		file:       file,
		w:          bufio.NewWriter(file),
		path:       opts.Path,
		logger:     opts.Logger,
		compressor: compressor,
		dataBlock:  newBlockBuilder(opts.BlockSize, opts.RestartInterval),
		indexBlock: newBlockBuilder(opts.BlockSize, opts.RestartInterval),
		filter:     bloom.NewWithEstimates(uint(opts.ExpectedKeys), opts.FilterFP),
	}, nil
}

// Path returns the table file path.
func (w *Writer) Path() string { return w.path }

// NumEntries returns how many entries have been added.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// NumTombstones returns how many of those entries were deletions.
func (w *Writer) NumTombstones() uint64 { return w.numTombstones }

// Smallest returns the first key added.
func (w *Writer) Smallest() keys.InternalKey { return w.smallest }

// Largest returns the last key added.
func (w *Writer) Largest() keys.InternalKey { return w.largest }

// SmallestSeq returns the lowest sequence number in the table.
func (w *Writer) SmallestSeq() uint64 { return w.smallestSeq }

// LargestSeq returns the highest sequence number in the table.
func (w *Writer) LargestSeq() uint64 { return w.largestSeq }

// EstimatedSize returns the bytes written plus the partial block in
// flight, used by compactions to split outputs.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.sizeHint())
}

// Add appends an entry.
func (w *Writer) Add(key keys.InternalKey, value []byte) error {
	if w.finished {
		return errors.New("sstable: writer already finished")
	}
	if !key.Valid() {
		return errors.New("sstable: invalid internal key")
	}
	if w.largest != nil && key.Compare(w.largest) <= 0 {
		return fmt.Errorf("sstable: keys out of order: %q after %q", key.UserKey(), w.largest.UserKey())
	}

	// The previous block's separator can be computed now that the first
	// key of the next block is known.
	if w.hasPending {
		w.indexPendingBlock(key)
	}

	if w.numEntries == 0 {
		w.smallest = append(keys.InternalKey(nil), key...)
		w.smallestSeq = key.Seq()
	}
	w.largest = append(w.largest[:0], key...)
	if seq := key.Seq(); seq < w.smallestSeq {
		w.smallestSeq = seq
	} else if seq > w.largestSeq {
		w.largestSeq = seq
	}
	if key.Kind() == keys.KindTombstone {
		w.numTombstones++
	}

	w.filter.Add(key.UserKey())
	w.dataBlock.add(key, value)
	w.numEntries++

	if w.dataBlock.full() {
		return w.flushDataBlock()
	}
	return nil
}

func (w *Writer) flushDataBlock() error {
	if w.dataBlock.empty() {
		return nil
	}
	handle, err := w.writeBlock(w.dataBlock.finish())
	if err != nil {
		return err
	}
	w.pendingHandle = handle
	w.pendingLastKey = append(w.pendingLastKey[:0], w.largest...)
	w.hasPending = true
	w.dataBlock.reset()
	return nil
}

// indexPendingBlock emits the index entry for the last flushed block.
// nextKey is the first key of the following block, or nil at the end
// of the table. The index key is >= every key in the block and < every
// key in the next, so a reader picks the right block with a plain >=
// search. When the user keys leave no room for a shortened separator
// the block's full last internal key is used instead.
func (w *Writer) indexPendingBlock(nextKey keys.InternalKey) {
	last := keys.InternalKey(w.pendingLastKey)
	indexKey := append(keys.InternalKey(nil), last...)
	if nextKey == nil {
		indexKey = keys.MakeSeekKey(keySuccessor(last.UserKey()), keys.MaxSequence)
	} else if aU, bU := last.UserKey(), nextKey.UserKey(); aU.Compare(bU) < 0 {
		if sep := shortestSeparator(aU, bU); keys.UserKey(sep).Compare(bU) < 0 {
			indexKey = keys.MakeSeekKey(sep, keys.MaxSequence)
		}
	}
	w.indexBlock.add(indexKey, appendHandle(nil, w.pendingHandle))
	w.hasPending = false
}

// writeBlock seals and writes a block payload, returning its handle.
func (w *Writer) writeBlock(payload []byte) (BlockHandle, error) {
	phys, err := sealBlock(w.compressor, payload)
	if err != nil {
		return BlockHandle{}, err
	}
	n, err := w.w.Write(phys)
	if err != nil {
		return BlockHandle{}, err
	}
	handle := BlockHandle{Offset: w.offset, Size: uint64(n)}
	w.offset += uint64(n)
	return handle, nil
}

// Finish flushes remaining data, writes the filter block, index block
// and footer, then syncs the file and its directory and closes.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true

	if err := w.flushDataBlock(); err != nil {
		return err
	}
	if w.hasPending {
		w.indexPendingBlock(nil)
	}

	var filterPayload bytes.Buffer
	if _, err := w.filter.WriteTo(&filterPayload); err != nil {
		return err
	}
	filterHandle, err := w.writeBlock(filterPayload.Bytes())
	if err != nil {
		return err
	}

	indexHandle, err := w.writeBlock(w.indexBlock.finish())
	if err != nil {
		return err
	}

	footer := make([]byte, 0, FooterLen)
	footer = binary.LittleEndian.AppendUint64(footer, filterHandle.Offset)
	footer = binary.LittleEndian.AppendUint64(footer, filterHandle.Size)
	footer = binary.LittleEndian.AppendUint64(footer, indexHandle.Offset)
	footer = binary.LittleEndian.AppendUint64(footer, indexHandle.Size)
	footer = binary.LittleEndian.AppendUint64(footer, w.numEntries)
	footer = binary.LittleEndian.AppendUint32(footer, FormatVersion)
	footer = append(footer, tableMagic...)
	if _, err := w.w.Write(footer); err != nil {
		return err
	}
	w.offset += FooterLen

	if err := w.w.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return syncDir(filepath.Dir(w.path))
}

// Size returns the final file size. Valid after Finish.
func (w *Writer) Size() uint64 { return w.offset }

// Abort discards the writer and removes the partial file.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.file.Close()
	return os.Remove(w.path)
}

// syncDir fsyncs a directory so freshly created or renamed entries
// survive a crash. Filesystems that reject directory fsync are let
// through.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// shortestSeparator returns a user key k with a < k <= b, as short as
// the shared prefix allows. Seek-encoded it sorts after every record
// in the block ending at a and before every record in the block
// starting at b, so it serves as that block's index entry.
func shortestSeparator(a, b keys.UserKey) []byte {
	i := sharedPrefixLen(a, b)
	if i == len(a) {
		// a is a prefix of b; extend it with a zero byte.
		return append(append([]byte(nil), a...), 0x00)
	}
	// At the first differing byte a[i] < b[i], so incrementing cannot
	// overflow and the result stays <= b.
	sep := make([]byte, i+1)
	copy(sep, a[:i+1])
	sep[i]++
	return sep
}

// keySuccessor returns a user key strictly greater than a, for the
// final index entry.
func keySuccessor(a keys.UserKey) []byte {
	for i := range a {
		if a[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, a[:i+1])
			succ[i]++
			return succ
		}
	}
	return append(append([]byte(nil), a...), 0x00)
}
