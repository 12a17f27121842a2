package index

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

func key(s string) tuple.BinaryTuple {
	return tuple.BinaryTuple(s)
}

func TestHashStoragePutLookupRemove(t *testing.T) {
	s := NewHashStorage(1)
	r1, r2 := mvcc.NewRowID(0), mvcc.NewRowID(0)

	s.Put(key("a"), r1)
	s.Put(key("a"), r2)
	s.Put(key("a"), r1) // duplicate, ignored

	ids := s.Lookup(key("a"))
	require.Len(t, ids, 2)
	assert.True(t, ids[0].Compare(ids[1]) < 0)

	s.Remove(key("a"), r1)
	assert.Len(t, s.Lookup(key("a")), 1)
	assert.Empty(t, s.Lookup(key("b")))
}

func TestSortedCursorWalksRange(t *testing.T) {
	s := NewSortedStorage(1)
	for _, k := range []string{"1", "2", "3", "4", "5"} {
		s.Put(key(k), mvcc.NewRowID(0))
	}

	cursor := s.NewCursor(&Bound{Key: key("2"), Inclusive: true})
	var keys []string
	for {
		row := cursor.Next()
		if row == nil || !BoundHolds(row.Key, &Bound{Key: key("4"), Inclusive: true}) {
			break
		}
		keys = append(keys, string(row.Key))
	}
	assert.Equal(t, []string{"2", "3", "4"}, keys)
}

func TestSortedCursorExclusiveLower(t *testing.T) {
	s := NewSortedStorage(1)
	for _, k := range []string{"1", "2", "3"} {
		s.Put(key(k), mvcc.NewRowID(0))
	}

	cursor := s.NewCursor(&Bound{Key: key("1"), Inclusive: false})
	row := cursor.Next()
	require.NotNil(t, row)
	assert.Equal(t, "2", string(row.Key))
}

func TestBoundHolds(t *testing.T) {
	assert.True(t, BoundHolds(key("3"), nil))
	assert.True(t, BoundHolds(key("3"), &Bound{Key: key("4")}))
	assert.False(t, BoundHolds(key("4"), &Bound{Key: key("4")}))
	assert.True(t, BoundHolds(key("4"), &Bound{Key: key("4"), Inclusive: true}))
	assert.False(t, BoundHolds(key("5"), &Bound{Key: key("4"), Inclusive: true}))
}

func TestNextKeyAfter(t *testing.T) {
	s := NewSortedStorage(1)
	s.Put(key("b"), mvcc.NewRowID(0))
	s.Put(key("d"), mvcc.NewRowID(0))

	assert.Equal(t, key("b"), s.NextKeyAfter(key("a")))
	assert.Equal(t, key("d"), s.NextKeyAfter(key("b")))
	assert.Nil(t, s.NextKeyAfter(key("d")))
}

func TestNextWithLockTakesEntryLocks(t *testing.T) {
	lm := lock.NewManager()
	s := NewSortedStorage(1)
	locker := NewSortedLocker(1, lm, s, tuple.IdentityCodec{}.PrimaryKey)
	for _, k := range []string{"1", "2", "3"} {
		s.Put(key(k), mvcc.NewRowID(0))
	}

	txID := uuid.New()
	cursor := s.NewCursor(nil)
	row, err := locker.NextWithLock(context.Background(), txID, cursor, &Bound{Key: key("2"), Inclusive: true})
	require.NoError(t, err)
	require.NotNil(t, row)

	mode, held := lm.Held(txID, lock.NewIndexEntryKey(1, key("1")))
	require.True(t, held)
	assert.Equal(t, lock.S, mode)
}

func TestNextWithLockStopsAtBoundButKeepsLock(t *testing.T) {
	lm := lock.NewManager()
	s := NewSortedStorage(1)
	locker := NewSortedLocker(1, lm, s, tuple.IdentityCodec{}.PrimaryKey)
	for _, k := range []string{"1", "2"} {
		s.Put(key(k), mvcc.NewRowID(0))
	}

	txID := uuid.New()
	cursor := s.NewCursor(nil)
	upper := &Bound{Key: key("1"), Inclusive: true}

	row, err := locker.NextWithLock(context.Background(), txID, cursor, upper)
	require.NoError(t, err)
	require.NotNil(t, row)

	// Next entry is beyond the bound: nil result, bounding entry stays locked.
	row, err = locker.NextWithLock(context.Background(), txID, cursor, upper)
	require.NoError(t, err)
	assert.Nil(t, row)
	_, held := lm.Held(txID, lock.NewIndexEntryKey(1, key("2")))
	assert.True(t, held)
}

func TestScanBlocksInsertAtRangeEdge(t *testing.T) {
	lm := lock.NewManager()
	s := NewSortedStorage(1)
	locker := NewSortedLocker(1, lm, s, tuple.IdentityCodec{}.PrimaryKey)
	s.Put(key("1"), mvcc.NewRowID(0))
	s.Put(key("3"), mvcc.NewRowID(0))

	scanTx := uuid.New()
	cursor := s.NewCursor(nil)
	for {
		row, err := locker.NextWithLock(context.Background(), scanTx, cursor, nil)
		require.NoError(t, err)
		if row == nil {
			break
		}
	}

	// An insert of "2" needs an X lock on next key "3", held in S by the scan.
	writeTx := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := locker.LocksForInsert(ctx, writeTx, &tuple.BinaryRow{Data: []byte("2")}, mvcc.NewRowID(0))
	require.Error(t, err)

	// After the scan's locks are gone the insert goes through.
	lm.ReleaseAll(scanTx)
	_, err = locker.LocksForInsert(context.Background(), writeTx, &tuple.BinaryRow{Data: []byte("2")}, mvcc.NewRowID(0))
	require.NoError(t, err)
}
