package beardb

import (
	"errors"

	"github.com/mambisi/beardb/keys"
)

// Sentinel errors returned by the engine. Callers match with errors.Is.
var (
	// ErrNotFound is returned when a key is not found.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrAlreadyOpen is returned when the database directory is locked
	// by another process.
	ErrAlreadyOpen = errors.New("database is already open by another process")

	// ErrReadOnly is returned when attempting to write to a read-only database.
	ErrReadOnly = errors.New("database is read-only")

	// ErrInvalidKey is returned when a key is empty or too large.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidValue is returned when a value exceeds the size limit.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidRange is returned when a scan range has start after limit.
	ErrInvalidRange = errors.New("invalid range")

	// ErrCorruption is returned when stored data fails checksum or layout
	// validation. A table that produces it is quarantined from further reads.
	ErrCorruption = keys.ErrCorruption

	// ErrIO wraps filesystem failures that are not corruption.
	ErrIO = errors.New("I/O error")

	// Configuration validation errors.
	ErrInvalidPath                = errors.New("invalid database path")
	ErrInvalidWriteBufferSize     = errors.New("invalid write buffer size")
	ErrInvalidMaxMemtables        = errors.New("invalid max memtables")
	ErrInvalidMaxLevels           = errors.New("invalid max levels")
	ErrInvalidLevelMultiplier     = errors.New("invalid level size multiplier")
	ErrInvalidFileSizeMultiplier  = errors.New("invalid level file size multiplier")
	ErrInvalidL0CompactionTrigger = errors.New("invalid L0 compaction trigger")
	ErrInvalidL0StopWritesTrigger = errors.New("invalid L0 stop writes trigger")
	ErrInvalidBlockSize           = errors.New("invalid block size")
	ErrInvalidRestartInterval     = errors.New("invalid block restart interval")
	ErrInvalidFilterFP            = errors.New("invalid filter false positive rate")
)
