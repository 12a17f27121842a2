package tuple

import (
	"bytes"
)

// BinaryRow is an encoded table row. The coordinator treats Data as opaque and
// only projects keys out of it through a RowCodec.
type BinaryRow struct {
	SchemaVersion int
	Data          []byte
}

// Tombstone reports whether the row represents a deleted value.
func (r *BinaryRow) Tombstone() bool {
	return r == nil || len(r.Data) == 0
}

// EqualValues compares two rows by value bytes, ignoring the schema version.
func EqualValues(a, b *BinaryRow) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Data, b.Data)
}

// BinaryTuple is a memcomparable encoded key (a full index key or a PK).
type BinaryTuple []byte

func (t BinaryTuple) Compare(o BinaryTuple) int {
	return bytes.Compare(t, o)
}

func (t BinaryTuple) Equal(o BinaryTuple) bool {
	return bytes.Equal(t, o)
}

// HasPrefix reports whether the tuple starts with the given prefix. Scan
// bounds are encoded prefixes of full index keys.
func (t BinaryTuple) HasPrefix(prefix BinaryTuple) bool {
	return bytes.HasPrefix(t, prefix)
}
