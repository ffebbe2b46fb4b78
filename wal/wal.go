// Package wal implements the write-ahead log. Every mutation is framed,
// checksummed and appended here before it touches the memtable, so a
// crash can always be replayed back to the last fully written record.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mambisi/beardb/arena"
	"github.com/mambisi/beardb/keys"
)

const (
	// headerLen is the fixed frame prefix: total length + crc + seq + kind.
	headerLen = 4 + 4 + 8 + 1

	// Extension for log files in the database directory.
	Extension = ".wal"
)

// crcTable uses the 0xEDB88320 polynomial, shared with table blocks and
// the manifest so every on-disk checksum in the engine agrees.
var crcTable = crc32.MakeTable(0xEDB88320)

// ErrCorruptRecord reports a frame whose checksum does not match its
// payload. During replay of the newest log it marks the durability
// boundary; anywhere else it is real corruption.
var ErrCorruptRecord = errors.New("wal: record checksum mismatch")

// Record is one framed mutation.
type Record struct {
	Kind  keys.Kind
	Seq   uint64
	Key   []byte
	Value []byte
}

// encodedLen returns the full frame size for the record.
func (r *Record) encodedLen() int {
	return headerLen + 4 + len(r.Key) + 4 + len(r.Value)
}

// encode writes the frame into buf, which must hold encodedLen bytes.
// Layout: len(4) crc(4) seq(8) kind(1) klen(4) key vlen(4) value, all
// little endian. The crc covers everything after itself.
func (r *Record) encode(buf []byte) int {
	n := r.encodedLen()
	binary.LittleEndian.PutUint32(buf[0:], uint32(n))
	binary.LittleEndian.PutUint64(buf[8:], r.Seq)
	buf[16] = byte(r.Kind)
	off := 17
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Key)))
	off += 4
	off += copy(buf[off:], r.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Value)))
	off += 4
	copy(buf[off:], r.Value)
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(buf[8:n], crcTable))
	return n
}

// decode parses a frame body (everything after the length field).
func (r *Record) decode(buf []byte) error {
	if len(buf) < headerLen-4 {
		return ErrCorruptRecord
	}
	crc := binary.LittleEndian.Uint32(buf[0:])
	if crc != crc32.Checksum(buf[4:], crcTable) {
		return ErrCorruptRecord
	}
	r.Seq = binary.LittleEndian.Uint64(buf[4:])
	r.Kind = keys.Kind(buf[12])
	off := 13
	if len(buf) < off+4 {
		return ErrCorruptRecord
	}
	klen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+klen+4 {
		return ErrCorruptRecord
	}
	r.Key = append([]byte(nil), buf[off:off+klen]...)
	off += klen
	vlen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+vlen {
		return ErrCorruptRecord
	}
	if vlen > 0 {
		r.Value = append([]byte(nil), buf[off:off+vlen]...)
	} else {
		r.Value = nil
	}
	return nil
}

// Opts configures a log file.
type Opts struct {
	Dir     string
	FileNum uint64

	// BytesPerSync schedules a background fdatasync once this many bytes
	// have accumulated since the last sync. Zero disables it.
	BytesPerSync int
}

// FileName builds the log path for a file number.
func FileName(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", fileNum, Extension))
}

// WAL is an append-only log file. Appends are serialized by an internal
// mutex; Sync batches waiters so concurrent synchronous writers share a
// single fdatasync.
type WAL struct {
	mu      sync.Mutex
	path    string
	fileNum uint64
	file    *os.File
	writer  *bufio.Writer
	buf     *arena.Arena // frame scratch space, reset per append
	closed  bool

	bytesPerSync int
	written      int64 // total bytes appended
	unsynced     int64 // bytes appended since the last sync

	syncErr error // sticky: once an append or sync fails the WAL is poisoned
}

// New creates (or appends to) the log file for opts.FileNum.
func New(opts Opts) (*WAL, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	path := FileName(opts.Dir, opts.FileNum)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &WAL{
		path:         path,
		fileNum:      opts.FileNum,
		file:         file,
		writer:       bufio.NewWriter(file),
		buf:          arena.New(),
		bytesPerSync: opts.BytesPerSync,
		written:      stat.Size(),
	}, nil
}

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// FileNum returns the log's file number.
func (w *WAL) FileNum() uint64 { return w.fileNum }

// Size returns total bytes appended, used to drive rotation.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Append frames and writes a record. The data is buffered; call Sync
// (or pass sync=true on the engine write) to make it durable.
func (w *WAL) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("wal: closed")
	}
	if w.syncErr != nil {
		return w.syncErr
	}

	w.buf.Reset()
	frame := w.buf.Alloc(rec.encodedLen())
	n := rec.encode(frame)
	if _, err := w.writer.Write(frame[:n]); err != nil {
		// A partial frame may already be on disk. Poison the log so no
		// later append can land after the torn frame and then vanish in
		// torn-tail recovery.
		w.syncErr = err
		return err
	}
	w.written += int64(n)
	w.unsynced += int64(n)

	if w.bytesPerSync > 0 && w.unsynced >= int64(w.bytesPerSync) {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered frames and forces them to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("wal: closed")
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if w.syncErr != nil {
		return w.syncErr
	}
	if err := w.writer.Flush(); err != nil {
		w.syncErr = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.syncErr = err
		return err
	}
	w.unsynced = 0
	return nil
}

// Close syncs and closes the file. Safe to call once. A poisoned log
// is closed without flushing: every buffered frame belongs to a write
// that was already reported as failed, and flushing it here would make
// that write durable and replayed on recovery.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.syncErr != nil {
		w.file.Close()
		return w.syncErr
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Reader replays a log file in write order.
type Reader struct {
	file   *os.File
	reader *bufio.Reader
	path   string
}

// NewReader opens a log file for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: file, reader: bufio.NewReader(file), path: path}, nil
}

// Path returns the log file path.
func (r *Reader) Path() string { return r.path }

// Next returns the next record. io.EOF marks a clean end;
// io.ErrUnexpectedEOF or ErrCorruptRecord marks a torn tail; the
// caller truncates recovery there when replaying the newest log.
func (r *Reader) Next() (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			// A partial length prefix is a torn write, not a clean EOF.
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen < headerLen || frameLen > uint32(headerLen+8+keys.MaxKeyLen+keys.MaxValueLen) {
		return nil, ErrCorruptRecord
	}

	body := make([]byte, frameLen-4)
	if _, err := io.ReadFull(r.reader, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	rec := &Record{}
	if err := rec.decode(body); err != nil {
		return nil, err
	}
	return rec, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
