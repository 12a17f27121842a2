package index

import (
	"context"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// KeyFunc projects an index key out of a row.
type KeyFunc func(row *tuple.BinaryRow) tuple.BinaryTuple

// Locker takes the index-level locks of the write and lookup paths. Insert
// locks may come back as short-term locks: the write path releases those as
// soon as the command applies locally, instead of at transaction finish.
type Locker interface {
	ID() uint32

	// LocksForLookupByKey takes the locks of an exact-key read.
	LocksForLookupByKey(ctx context.Context, txID uuid.UUID, key tuple.BinaryTuple) error

	// LocksForInsert takes the locks protecting an index entry insert and
	// returns the short-term lock to release after local apply, if any.
	LocksForInsert(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) (*lock.Lock, error)

	// LocksForRemove takes the locks protecting an index entry removal.
	LocksForRemove(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) error
}

// HashLocker locks a hash index: point locks only.
type HashLocker struct {
	id    uint32
	lm    *lock.Manager
	keyOf KeyFunc
}

func NewHashLocker(id uint32, lm *lock.Manager, keyOf KeyFunc) *HashLocker {
	return &HashLocker{id: id, lm: lm, keyOf: keyOf}
}

func (l *HashLocker) ID() uint32 {
	return l.id
}

func (l *HashLocker) LocksForLookupByKey(ctx context.Context, txID uuid.UUID, key tuple.BinaryTuple) error {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IS); err != nil {
		return err
	}
	_, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, key), lock.S)
	return err
}

func (l *HashLocker) LocksForInsert(
	ctx context.Context,
	txID uuid.UUID,
	row *tuple.BinaryRow,
	rowID mvcc.RowID,
) (*lock.Lock, error) {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IX); err != nil {
		return nil, err
	}
	granted, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, l.keyOf(row)), lock.X)
	if err != nil {
		return nil, err
	}
	return &granted, nil
}

func (l *HashLocker) LocksForRemove(
	ctx context.Context,
	txID uuid.UUID,
	row *tuple.BinaryRow,
	rowID mvcc.RowID,
) error {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IX); err != nil {
		return err
	}
	_, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, l.keyOf(row)), lock.X)
	return err
}

// plusInfinity is the lock key guarding the open end of a sorted index: a
// scan that ran off the index and an insert past the last entry meet on it.
func plusInfinity(indexID uint32) lock.Key {
	return lock.NewIndexEntryKey(indexID, nil)
}

// SortedLocker locks a sorted index with next-key locking, which closes the
// phantom window at range edges.
type SortedLocker struct {
	id      uint32
	lm      *lock.Manager
	storage *SortedStorage
	keyOf   KeyFunc
}

func NewSortedLocker(id uint32, lm *lock.Manager, storage *SortedStorage, keyOf KeyFunc) *SortedLocker {
	return &SortedLocker{id: id, lm: lm, storage: storage, keyOf: keyOf}
}

func (l *SortedLocker) ID() uint32 {
	return l.id
}

func (l *SortedLocker) LocksForLookupByKey(ctx context.Context, txID uuid.UUID, key tuple.BinaryTuple) error {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IS); err != nil {
		return err
	}
	_, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, key), lock.S)
	return err
}

func (l *SortedLocker) LocksForInsert(
	ctx context.Context,
	txID uuid.UUID,
	row *tuple.BinaryRow,
	rowID mvcc.RowID,
) (*lock.Lock, error) {
	key := l.keyOf(row)
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IX); err != nil {
		return nil, err
	}
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, key), lock.X); err != nil {
		return nil, err
	}

	// Short-term lock on the next key: a scanner that already passed this
	// position holds it in S and blocks the insert until it finishes.
	nextLockKey := plusInfinity(l.id)
	if next := l.storage.NextKeyAfter(key); next != nil {
		nextLockKey = lock.NewIndexEntryKey(l.id, next)
	}
	granted, err := l.lm.Acquire(ctx, txID, nextLockKey, lock.X)
	if err != nil {
		return nil, err
	}
	return &granted, nil
}

func (l *SortedLocker) LocksForRemove(
	ctx context.Context,
	txID uuid.UUID,
	row *tuple.BinaryRow,
	rowID mvcc.RowID,
) error {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IX); err != nil {
		return err
	}
	_, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, l.keyOf(row)), lock.X)
	return err
}

// NextWithLock advances a scan cursor under range locking: take S on the next
// entry first, test the upper bound only after the lock is granted. When the
// bound is crossed or the index is exhausted, the bounding lock is retained
// and nil is returned.
func (l *SortedLocker) NextWithLock(
	ctx context.Context,
	txID uuid.UUID,
	cursor *Cursor,
	upper *Bound,
) (*Row, error) {
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexKey(l.id), lock.IS); err != nil {
		return nil, err
	}

	row := cursor.Next()
	if row == nil {
		_, err := l.lm.Acquire(ctx, txID, plusInfinity(l.id), lock.S)
		return nil, err
	}
	if _, err := l.lm.Acquire(ctx, txID, lock.NewIndexEntryKey(l.id, row.Key), lock.S); err != nil {
		return nil, err
	}
	if !BoundHolds(row.Key, upper) {
		return nil, nil
	}
	return row, nil
}
