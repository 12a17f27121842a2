package mvcc

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// RowID is the stable identifier of a physical row slot in partition storage.
type RowID struct {
	PartitionID uint32
	UUID        uuid.UUID
}

func NewRowID(partitionID uint32) RowID {
	return RowID{PartitionID: partitionID, UUID: uuid.New()}
}

// Bytes renders the row id in a fixed, memcomparable layout.
func (r RowID) Bytes() []byte {
	buf := make([]byte, 4+16)
	buf[0] = byte(r.PartitionID >> 24)
	buf[1] = byte(r.PartitionID >> 16)
	buf[2] = byte(r.PartitionID >> 8)
	buf[3] = byte(r.PartitionID)
	copy(buf[4:], r.UUID[:])
	return buf
}

func RowIDFromBytes(b []byte) (RowID, error) {
	if len(b) != 20 {
		return RowID{}, fmt.Errorf("malformed row id of %d bytes", len(b))
	}
	var id RowID
	id.PartitionID = uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	copy(id.UUID[:], b[4:])
	return id, nil
}

func (r RowID) Compare(o RowID) int {
	return bytes.Compare(r.Bytes(), o.Bytes())
}

func (r RowID) IsZero() bool {
	return r == RowID{}
}

func (r RowID) String() string {
	return fmt.Sprintf("%d-%s", r.PartitionID, r.UUID)
}

// ReadResult is what partition storage produces for a single row slot read.
// Either a committed version (WriteIntent false, CommitTS set) or a write
// intent (WriteIntent true, TxID and the commit-partition coordinates set,
// NewestCommitTS pointing at the newest committed version underneath, if any).
type ReadResult struct {
	RowID RowID
	// Row is nil when the slot has no visible version, and has empty Data for
	// a tombstone.
	Row         *tuple.BinaryRow
	WriteIntent bool

	CommitTS hlc.Timestamp

	TxID              uuid.UUID
	CommitTableID     uint32
	CommitPartitionID uint32
	NewestCommitTS    *hlc.Timestamp
}

// Empty reports whether nothing at all was found for the slot.
func (r ReadResult) Empty() bool {
	return r.Row == nil && !r.WriteIntent
}

// IsTombstone reports whether the visible version is a deletion.
func (r ReadResult) IsTombstone() bool {
	return r.Row != nil && r.Row.Tombstone()
}
