// Package keys defines the internal key encoding shared by the WAL,
// memtable, sorted tables and the merge machinery. An internal key is
// the user key followed by an 8-byte trailer packing a 56-bit sequence
// number and an 8-bit kind. Ordering is user key ascending, then
// sequence descending, so the newest record for a user key always
// sorts first.
package keys

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Kind tags what a record means.
type Kind uint8

const (
	// KindValue is a regular key/value record.
	KindValue Kind = 1

	// KindTombstone marks a deletion.
	KindTombstone Kind = 2

	// KindSeek is used only for lookup keys. It is the largest kind so a
	// seek key sorts before every real record with the same user key and
	// sequence.
	KindSeek Kind = 3
)

const (
	// TrailerLen is the fixed size of the internal key trailer:
	// 56 bits of sequence plus one kind byte, packed little endian.
	TrailerLen = 8

	// MaxSequence is the largest representable sequence number.
	MaxSequence = (uint64(1) << 56) - 1

	// MaxKeyLen bounds user keys. Anything bigger is rejected at the API.
	MaxKeyLen = 1 << 20

	// MaxValueLen bounds values.
	MaxValueLen = 1 << 30
)

// ErrCorruption reports a checksum mismatch or malformed layout. Read
// paths fail closed with this error rather than returning suspect data.
var ErrCorruption = errors.New("beardb: corrupted data")

// UserKey is a raw, application-supplied key.
type UserKey []byte

// Compare orders user keys lexicographically over raw bytes.
func (uk UserKey) Compare(other UserKey) int {
	return bytes.Compare(uk, other)
}

func (uk UserKey) String() string { return string(uk) }

// Valid reports whether a user key may be written.
func ValidUserKey(key []byte) bool {
	return len(key) > 0 && len(key) <= MaxKeyLen
}

// ValidValue reports whether a value may be written. Empty values are
// fine; tombstones carry no value at all.
func ValidValue(value []byte) bool {
	return len(value) <= MaxValueLen
}

// InternalKey is an encoded user key + trailer.
type InternalKey []byte

// MakeInternalKey allocates and encodes an internal key.
func MakeInternalKey(key []byte, seq uint64, kind Kind) InternalKey {
	ik := make(InternalKey, len(key)+TrailerLen)
	ik.EncodeInto(key, seq, kind)
	return ik
}

// MakeSeekKey builds a lookup key that sorts before every record for
// the given user key at or below seq.
func MakeSeekKey(key []byte, seq uint64) InternalKey {
	return MakeInternalKey(key, seq, KindSeek)
}

// EncodeInto encodes into an existing buffer of exactly
// len(key)+TrailerLen bytes.
func (ik InternalKey) EncodeInto(key []byte, seq uint64, kind Kind) {
	copy(ik, key)
	binary.LittleEndian.PutUint64(ik[len(key):], seq<<8|uint64(kind))
}

// UserKey returns the user key portion. The slice aliases ik.
func (ik InternalKey) UserKey() UserKey {
	return UserKey(ik[:len(ik)-TrailerLen])
}

// Seq returns the sequence number from the trailer.
func (ik InternalKey) Seq() uint64 {
	return binary.LittleEndian.Uint64(ik[len(ik)-TrailerLen:]) >> 8
}

// Kind returns the record kind from the trailer.
func (ik InternalKey) Kind() Kind {
	return Kind(binary.LittleEndian.Uint64(ik[len(ik)-TrailerLen:]) & 0xff)
}

// Valid reports whether ik is long enough to carry a trailer.
func (ik InternalKey) Valid() bool {
	return len(ik) > TrailerLen
}

// Compare implements the internal key order: user key ascending, then
// the packed trailer descending. Descending trailer order means higher
// sequences sort first, and at equal sequence a seek key (largest kind)
// sorts before the record it is looking for.
func (ik InternalKey) Compare(other InternalKey) int {
	if c := bytes.Compare(ik.UserKey(), other.UserKey()); c != 0 {
		return c
	}
	a := binary.LittleEndian.Uint64(ik[len(ik)-TrailerLen:])
	b := binary.LittleEndian.Uint64(other[len(other)-TrailerLen:])
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

// Range bounds an iteration: Start inclusive, Limit exclusive. A nil
// bound means unbounded on that side.
type Range struct {
	Start InternalKey
	Limit InternalKey
}

// NewRange encodes user-key bounds as seek keys.
func NewRange(start, limit UserKey) *Range {
	r := &Range{}
	if start != nil {
		r.Start = MakeSeekKey(start, MaxSequence)
	}
	if limit != nil {
		r.Limit = MakeSeekKey(limit, MaxSequence)
	}
	return r
}

// Contains reports whether the internal key falls inside the range.
func (r *Range) Contains(ik InternalKey) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && ik.Compare(r.Start) < 0 {
		return false
	}
	if r.Limit != nil && ik.Compare(r.Limit) >= 0 {
		return false
	}
	return true
}

// PrefixSuccessor returns the smallest key greater than every key with
// the given prefix, or nil when no such key exists (all 0xff).
func PrefixSuccessor(prefix []byte) UserKey {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, prefix[:i+1])
			succ[i]++
			return succ
		}
	}
	return nil
}
