package mvcc

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// Storage is multi-version row storage for one partition. A row slot holds at
// most one uncommitted version (the write intent); committed versions are
// ordered by commit timestamp.
//
// The coordinator serializes writers to a slot with the X row lock, so Storage
// implementations only need to be safe for concurrent use, not to arbitrate
// conflicting intents.
type Storage interface {
	PartitionID() uint32

	// Read resolves the slot at ts. If a write intent exists it is returned
	// regardless of ts, with NewestCommitTS filled from the version below it.
	// Otherwise the newest committed version with commitTS <= ts is returned.
	Read(rowID RowID, ts hlc.Timestamp) (ReadResult, error)

	// ReadCommitted is Read that never returns a write intent.
	ReadCommitted(rowID RowID, ts hlc.Timestamp) (ReadResult, error)

	// AddWrite installs a write intent, replacing the transaction's previous
	// intent for the slot if any. The replaced intent's row is returned.
	// An intent of a different transaction fails with ErrTxIDMismatch.
	AddWrite(rowID RowID, row *tuple.BinaryRow, txID uuid.UUID, commitTableID, commitPartitionID uint32) (*tuple.BinaryRow, error)

	// AddWriteCommitted installs a committed version directly, bypassing the
	// intent state. Used by full (one-phase) transaction applies.
	AddWriteCommitted(rowID RowID, row *tuple.BinaryRow, commitTS hlc.Timestamp) error

	// CommitWrite turns the slot's write intent into a committed version.
	// A slot without an intent is a no-op, which makes replays idempotent.
	CommitWrite(rowID RowID, commitTS hlc.Timestamp) error

	// AbortWrite removes the slot's write intent and returns its row.
	AbortWrite(rowID RowID) (*tuple.BinaryRow, error)

	// ScanRowIDs visits every row slot of the partition in row-id order until
	// fn returns false.
	ScanRowIDs(fn func(RowID) bool) error

	Close() error
}

// ErrTxIDMismatch is returned when a write intent of another transaction
// occupies the slot. With correct X row locking this indicates lost cleanup.
type ErrTxIDMismatch struct {
	RowID    RowID
	HeldBy   uuid.UUID
	Intruder uuid.UUID
}

func (e *ErrTxIDMismatch) Error() string {
	return fmt.Sprintf("row %s already carries a write intent of %s, rejecting %s", e.RowID, e.HeldBy, e.Intruder)
}
