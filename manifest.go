package beardb

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/sstable"
)

// The manifest is an append-only log of version edits. Each record is
// framed as:
//
//	length  uint32 LE   length of type + payload
//	crc     uint32 LE   CRC-32 (0xEDB88320) over type + payload
//	type    byte        record type
//	payload bytes       tag-encoded edit
//
// A CURRENT file names the live manifest and is replaced atomically via
// a temp file and rename.

const (
	manifestExt = ".manifest"
	currentName = "CURRENT"

	recordEdit = 1

	manifestHeaderLen = 4 + 4 + 1
)

var manifestCRC = crc32.MakeTable(0xEDB88320)

// Edit payload tags. Each tag is a uvarint followed by its fields.
const (
	tagLogNumber   = 1
	tagNextFileNum = 2
	tagLastSeq     = 3
	tagAddFile     = 4
	tagRemoveFile  = 5
)

func manifestFileName(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", fileNum, manifestExt))
}

// encodeEdit serializes an edit as a sequence of tagged fields.
func encodeEdit(e *VersionEdit) []byte {
	var buf []byte
	if e.logNum != nil {
		buf = binary.AppendUvarint(buf, tagLogNumber)
		buf = binary.AppendUvarint(buf, *e.logNum)
	}
	if e.nextFileNum != nil {
		buf = binary.AppendUvarint(buf, tagNextFileNum)
		buf = binary.AppendUvarint(buf, *e.nextFileNum)
	}
	if e.lastSeq != nil {
		buf = binary.AppendUvarint(buf, tagLastSeq)
		buf = binary.AppendUvarint(buf, *e.lastSeq)
	}
	for _, rm := range e.removed {
		buf = binary.AppendUvarint(buf, tagRemoveFile)
		buf = binary.AppendUvarint(buf, uint64(rm.level))
		buf = binary.AppendUvarint(buf, rm.fileNum)
	}
	for _, add := range e.added {
		m := add.meta
		buf = binary.AppendUvarint(buf, tagAddFile)
		buf = binary.AppendUvarint(buf, uint64(add.level))
		buf = binary.AppendUvarint(buf, m.FileNum)
		buf = binary.AppendUvarint(buf, m.Size)
		buf = binary.AppendUvarint(buf, uint64(len(m.Smallest)))
		buf = append(buf, m.Smallest...)
		buf = binary.AppendUvarint(buf, uint64(len(m.Largest)))
		buf = append(buf, m.Largest...)
		buf = binary.AppendUvarint(buf, m.NumEntries)
		buf = binary.AppendUvarint(buf, m.SmallestSeq)
		buf = binary.AppendUvarint(buf, m.LargestSeq)
		buf = binary.AppendUvarint(buf, m.NumTombstones)
	}
	return buf
}

// decodeEdit parses an edit payload. Any truncation or unknown tag is
// corruption: the manifest is the source of truth and has no room for
// leniency.
func decodeEdit(data []byte) (*VersionEdit, error) {
	edit := NewVersionEdit()
	for len(data) > 0 {
		tag, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad manifest tag", ErrCorruption)
		}
		data = data[n:]

		switch tag {
		case tagLogNumber, tagNextFileNum, tagLastSeq:
			v, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, fmt.Errorf("%w: truncated manifest counter", ErrCorruption)
			}
			data = data[n:]
			switch tag {
			case tagLogNumber:
				edit.SetLogNumber(v)
			case tagNextFileNum:
				edit.SetNextFileNumber(v)
			case tagLastSeq:
				edit.SetLastSequence(v)
			}

		case tagRemoveFile:
			level, key, rest, err := decodeLevelAndNum(data)
			if err != nil {
				return nil, err
			}
			data = rest
			edit.RemoveFile(level, key)

		case tagAddFile:
			level, fileNum, rest, err := decodeLevelAndNum(data)
			if err != nil {
				return nil, err
			}
			data = rest
			meta := &FileMetadata{FileNum: fileNum}
			fields := []*uint64{&meta.Size}
			for _, dst := range fields {
				v, n := binary.Uvarint(data)
				if n <= 0 {
					return nil, fmt.Errorf("%w: truncated file record", ErrCorruption)
				}
				*dst = v
				data = data[n:]
			}
			var err2 error
			if meta.Smallest, data, err2 = decodeKeyField(data); err2 != nil {
				return nil, err2
			}
			if meta.Largest, data, err2 = decodeKeyField(data); err2 != nil {
				return nil, err2
			}
			for _, dst := range []*uint64{&meta.NumEntries, &meta.SmallestSeq, &meta.LargestSeq, &meta.NumTombstones} {
				v, n := binary.Uvarint(data)
				if n <= 0 {
					return nil, fmt.Errorf("%w: truncated file record", ErrCorruption)
				}
				*dst = v
				data = data[n:]
			}
			edit.AddFile(level, meta)

		default:
			return nil, fmt.Errorf("%w: unknown manifest tag %d", ErrCorruption, tag)
		}
	}
	return edit, nil
}

func decodeLevelAndNum(data []byte) (int, uint64, []byte, error) {
	level, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: truncated manifest record", ErrCorruption)
	}
	data = data[n:]
	num, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: truncated manifest record", ErrCorruption)
	}
	return int(level), num, data[n:], nil
}

func decodeKeyField(data []byte) (keys.InternalKey, []byte, error) {
	klen, n := binary.Uvarint(data)
	if n <= 0 || uint64(len(data)-n) < klen {
		return nil, nil, fmt.Errorf("%w: truncated manifest key", ErrCorruption)
	}
	data = data[n:]
	key := append(keys.InternalKey(nil), data[:klen]...)
	return key, data[klen:], nil
}

// manifestWriter appends framed edit records to a manifest file. Every
// record is flushed and synced before WriteEdit returns; an edit the
// caller saw succeed survives a crash.
type manifestWriter struct {
	file    *os.File
	w       *bufio.Writer
	fileNum uint64
	size    int64
}

func newManifestWriter(dir string, fileNum uint64) (*manifestWriter, error) {
	path := manifestFileName(dir, fileNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &manifestWriter{
		file:    f,
		w:       bufio.NewWriter(f),
		fileNum: fileNum,
		size:    info.Size(),
	}, nil
}

func (m *manifestWriter) FileNum() uint64 { return m.fileNum }
func (m *manifestWriter) Size() int64     { return m.size }

func (m *manifestWriter) WriteEdit(edit *VersionEdit) error {
	payload := encodeEdit(edit)

	rec := make([]byte, manifestHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(1+len(payload)))
	rec[8] = recordEdit
	copy(rec[manifestHeaderLen:], payload)
	binary.LittleEndian.PutUint32(rec[4:8], crc32.Checksum(rec[8:], manifestCRC))

	if _, err := m.w.Write(rec); err != nil {
		return fmt.Errorf("write manifest record: %w", err)
	}
	if err := m.w.Flush(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("sync manifest: %w", err)
	}
	m.size += int64(len(rec))
	return nil
}

func (m *manifestWriter) Close() error {
	if m.file == nil {
		return nil
	}
	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return err
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// readManifest replays every edit in a manifest file. A torn final
// record is tolerated: a crash during a manifest append means the edit
// never took effect.
func readManifest(path string, apply func(*VersionEdit) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var header [manifestHeaderLen - 1]byte
	for {
		if _, err := io.ReadFull(r, header[:4]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil // torn length prefix
			}
			return err
		}
		length := binary.LittleEndian.Uint32(header[:4])
		if length == 0 || length > 64*MiB {
			return fmt.Errorf("%w: implausible manifest record length %d", ErrCorruption, length)
		}
		body := make([]byte, 4+length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil // torn record
			}
			return err
		}
		crc := binary.LittleEndian.Uint32(body[:4])
		if crc32.Checksum(body[4:], manifestCRC) != crc {
			return fmt.Errorf("%w: manifest record checksum mismatch", ErrCorruption)
		}
		if body[4] != recordEdit {
			return fmt.Errorf("%w: unknown manifest record type %d", ErrCorruption, body[4])
		}
		edit, err := decodeEdit(body[5:])
		if err != nil {
			return err
		}
		if err := apply(edit); err != nil {
			return err
		}
	}
}

// writeCurrent atomically points CURRENT at the given manifest.
func writeCurrent(dir string, fileNum uint64) error {
	tmp := filepath.Join(dir, currentName+".tmp")
	content := fmt.Sprintf("%06d%s\n", fileNum, manifestExt)
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, currentName)); err != nil {
		os.Remove(tmp)
		return err
	}
	return syncDirBestEffort(dir)
}

// readCurrent returns the manifest file number named by CURRENT.
func readCurrent(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentName))
	if err != nil {
		return 0, err
	}
	name := strings.TrimSpace(string(data))
	numStr := strings.TrimSuffix(name, manifestExt)
	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed CURRENT file %q", ErrCorruption, name)
	}
	return num, nil
}

func syncDirBestEffort(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}

// findManifest locates the live manifest: CURRENT if it resolves to an
// existing file, otherwise the highest-numbered manifest on disk.
func findManifest(dir string) (uint64, bool, error) {
	if num, err := readCurrent(dir); err == nil {
		if _, serr := os.Stat(manifestFileName(dir, num)); serr == nil {
			return num, true, nil
		}
	} else if !os.IsNotExist(err) && !errors.Is(err, ErrCorruption) {
		return 0, false, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*"+manifestExt))
	if err != nil {
		return 0, false, err
	}
	var best uint64
	found := false
	for _, path := range matches {
		numStr := strings.TrimSuffix(filepath.Base(path), manifestExt)
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		if !found || num > best {
			best, found = num, true
		}
	}
	return best, found, nil
}

// Recover loads the tree layout from the manifest and, unless readOnly,
// starts a fresh manifest seeded with a full snapshot. A database
// without a manifest starts empty. In read-only mode nothing is written
// and no manifest writer is opened.
func (vs *VersionSet) Recover(readOnly bool) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	manifestNum, found, err := findManifest(vs.dir)
	if err != nil {
		return err
	}
	if found {
		path := manifestFileName(vs.dir, manifestNum)
		edits := 0
		err := readManifest(path, func(edit *VersionEdit) error {
			vs.applyLocked(edit)
			edits++
			return nil
		})
		if err != nil {
			return fmt.Errorf("recover manifest %s: %w", path, err)
		}
		if manifestNum >= vs.nextFileNum.Load() {
			vs.nextFileNum.Store(manifestNum + 1)
		}
		// Counters in old manifests can predate the files they added.
		for _, level := range vs.levels {
			for _, f := range level {
				if f.FileNum >= vs.nextFileNum.Load() {
					vs.nextFileNum.Store(f.FileNum + 1)
				}
				if f.LargestSeq > vs.lastSeq {
					vs.lastSeq = f.LargestSeq
				}
			}
		}
		vs.logger.Info("recovered manifest", "file", filepath.Base(path), "edits", edits)
	}

	if readOnly {
		return nil
	}
	return vs.rotateManifestLocked()
}

// snapshotEditLocked captures the whole canonical layout in one edit.
func (vs *VersionSet) snapshotEditLocked() *VersionEdit {
	edit := NewVersionEdit()
	edit.SetLogNumber(vs.logNum)
	edit.SetNextFileNumber(vs.nextFileNum.Load())
	edit.SetLastSequence(vs.lastSeq)
	for level, files := range vs.levels {
		for _, f := range files {
			edit.AddFile(level, f)
		}
	}
	return edit
}

// rotateManifestLocked starts a new manifest seeded with a snapshot and
// repoints CURRENT at it. The previous manifest is removed once the
// switch is durable.
func (vs *VersionSet) rotateManifestLocked() error {
	newNum := vs.nextFileNum.Add(1) - 1
	mw, err := newManifestWriter(vs.dir, newNum)
	if err != nil {
		return err
	}
	if err := mw.WriteEdit(vs.snapshotEditLocked()); err != nil {
		mw.Close()
		os.Remove(manifestFileName(vs.dir, newNum))
		return err
	}
	if err := writeCurrent(vs.dir, newNum); err != nil {
		mw.Close()
		os.Remove(manifestFileName(vs.dir, newNum))
		return err
	}

	old := vs.manifest
	vs.manifest = mw
	if old != nil {
		oldNum := old.FileNum()
		if err := old.Close(); err != nil {
			vs.logger.Warn("closing rotated manifest failed", "error", err)
		}
		if err := os.Remove(manifestFileName(vs.dir, oldNum)); err != nil && !os.IsNotExist(err) {
			vs.logger.Warn("removing rotated manifest failed", "error", err)
		}
	}
	return nil
}

// RebuildManifest reconstructs a manifest by scanning the directory for
// tables and reading their footers. All recovered tables land in L0; the
// next compaction sorts them out. A recovery tool for when the manifest
// is lost or corrupt beyond use.
func RebuildManifest(dir string, maxLevels int, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+sstable.Extension))
	if err != nil {
		return 0, err
	}
	sort.Strings(matches)

	vs := NewVersionSet(dir, maxLevels, DefaultMaxManifestSize, nil, logger)
	recovered := 0
	for _, path := range matches {
		numStr := strings.TrimSuffix(filepath.Base(path), sstable.Extension)
		fileNum, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			logger.Warn("skipping table with malformed name", "path", path)
			continue
		}
		r, err := sstable.NewReader(sstable.ReaderOpts{Path: path, FileNum: fileNum, Logger: logger})
		if err != nil {
			logger.Warn("skipping unreadable table", "path", path, "error", err)
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			r.Unref()
			continue
		}
		meta := &FileMetadata{
			FileNum:    fileNum,
			Size:       uint64(info.Size()),
			Smallest:   append(keys.InternalKey(nil), r.Smallest()...),
			Largest:    append(keys.InternalKey(nil), r.Largest()...),
			NumEntries: r.NumEntries(),
		}
		// The true sequence bounds and tombstone count are not in the
		// footer; recover them with a full scan. Tombstone GC depends on
		// SmallestSeq being a real lower bound, so guessing is not an
		// option here.
		meta.SmallestSeq = keys.MaxSequence
		ti := r.NewIterator(sstable.IterOpts{})
		for ti.SeekToFirst(); ti.Valid(); ti.Next() {
			k := ti.Key()
			if seq := k.Seq(); seq < meta.SmallestSeq {
				meta.SmallestSeq = seq
			}
			if seq := k.Seq(); seq > meta.LargestSeq {
				meta.LargestSeq = seq
			}
			if k.Kind() == keys.KindTombstone {
				meta.NumTombstones++
			}
		}
		scanErr := ti.Error()
		ti.Close()
		r.Unref()
		if scanErr != nil {
			logger.Warn("skipping table that failed scan", "path", path, "error", scanErr)
			continue
		}

		vs.mu.Lock()
		vs.levels[0] = append(vs.levels[0], meta)
		sortLevel(0, vs.levels[0])
		if fileNum >= vs.nextFileNum.Load() {
			vs.nextFileNum.Store(fileNum + 1)
		}
		if meta.LargestSeq > vs.lastSeq {
			vs.lastSeq = meta.LargestSeq
		}
		vs.mu.Unlock()
		recovered++
	}

	vs.mu.Lock()
	err = vs.rotateManifestLocked()
	vs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if cerr := vs.Close(); cerr != nil {
		return 0, cerr
	}
	logger.Info("manifest rebuilt", "tables", recovered)
	return recovered, nil
}
