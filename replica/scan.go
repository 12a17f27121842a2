package replica

import (
	"context"

	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/index"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

// secondaryByID finds a secondary index registered on this partition.
func (l *Listener) secondaryByID(indexID uint32) *SecondaryIndex {
	for i := range l.indexes {
		if l.indexes[i].ID == indexID {
			return &l.indexes[i]
		}
	}
	return nil
}

// buildScanCursor materializes a cursor for one of the three scan shapes:
// full partition scan, exact-key index lookup, sorted range scan.
func (l *Listener) buildScanCursor(
	indexToUse *uint32,
	exactKey tuple.BinaryTuple,
	lower, upper *index.Bound,
) (*scanCursor, error) {
	if indexToUse == nil {
		var rowIDs []mvcc.RowID
		if err := l.storage.ScanRowIDs(func(id mvcc.RowID) bool {
			rowIDs = append(rowIDs, id)
			return true
		}); err != nil {
			return nil, err
		}
		return &scanCursor{rowIDs: rowIDs}, nil
	}

	if exactKey != nil {
		if *indexToUse == l.pkIndex.ID() {
			return &scanCursor{rowIDs: l.pkIndex.Lookup(exactKey)}, nil
		}
		idx := l.secondaryByID(*indexToUse)
		if idx == nil {
			return nil, errors.Errorf("index %d is not registered on group %s", *indexToUse, l.group)
		}
		return &scanCursor{rowIDs: idx.Storage.Lookup(exactKey)}, nil
	}

	idx := l.secondaryByID(*indexToUse)
	if idx == nil {
		return nil, errors.Errorf("index %d is not registered on group %s", *indexToUse, l.group)
	}
	sorted, ok := idx.Storage.(*index.SortedStorage)
	if !ok {
		return nil, errors.Errorf("index %d does not support range scans", *indexToUse)
	}
	return &scanCursor{sorted: sorted.NewCursor(lower), upper: upper}, nil
}

func (l *Listener) processReadOnlyScanBatch(ctx context.Context, r *ROScanRequest, isPrimary *bool) ([]*tuple.BinaryRow, error) {
	if err := l.awaitSafeTime(ctx, r.ReadTS, isPrimary); err != nil {
		return nil, err
	}

	key := cursorKey{txID: r.TxID, scanID: r.ScanID}
	cur, err := l.cursors.getOrCreate(key, func() (*scanCursor, error) {
		l.metrics.OpenCursors.Inc()
		return l.buildScanCursor(r.IndexToUse, r.ExactKey, r.LowerBound, r.UpperBound)
	})
	if err != nil {
		return nil, err
	}

	var rows []*tuple.BinaryRow
	for len(rows) < r.BatchSize {
		var res mvcc.ReadResult
		if cur.sorted != nil {
			entry := cur.sorted.Next()
			if entry == nil || !index.BoundHolds(entry.Key, cur.upper) {
				break
			}
			res, err = l.storage.Read(entry.RowID, r.ReadTS)
		} else {
			rowID, ok := cur.nextRowID()
			if !ok {
				break
			}
			res, err = l.storage.Read(rowID, r.ReadTS)
		}
		if err != nil {
			return nil, err
		}
		if res.Empty() {
			continue
		}
		row, err := l.resolveReadResultAt(ctx, res, r.ReadTS)
		if err != nil {
			return nil, err
		}
		if row != nil && !row.Tombstone() {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (l *Listener) processScanBatch(ctx context.Context, r *RWScanRequest) (*Result, error) {
	l.enlistTx(r.TxID, r.CoordinatorID, r.CommitPartition)

	rows, err := l.runReadOp(r.TxID, func() (interface{}, error) {
		return l.readWriteScanBatch(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	batch := rows.([]*tuple.BinaryRow)
	if r.Full && len(batch) < r.BatchSize {
		// A one-phase scan that fit in a single batch is complete: unlock.
		// An overflowing one downgrades to two-phase and keeps its locks
		// until the explicit finish.
		l.releaseTxLocks(r.TxID)
	}
	return immediate(batch), nil
}

func (l *Listener) readWriteScanBatch(ctx context.Context, r *RWScanRequest) ([]*tuple.BinaryRow, error) {
	if _, err := l.locks.Acquire(ctx, r.TxID, lock.NewTableKey(l.group.TableID), lock.IS); err != nil {
		return nil, err
	}

	key := cursorKey{txID: r.TxID, scanID: r.ScanID}
	cur, err := l.cursors.getOrCreate(key, func() (*scanCursor, error) {
		l.metrics.OpenCursors.Inc()
		if r.IndexToUse == nil {
			// A full read-write scan shares the table with no writer.
			if _, err := l.locks.Acquire(ctx, r.TxID, lock.NewTableKey(l.group.TableID), lock.S); err != nil {
				return nil, err
			}
			return l.buildScanCursor(nil, nil, nil, nil)
		}
		if r.ExactKey != nil {
			locker := l.lockerByID(*r.IndexToUse)
			if locker != nil {
				if err := locker.LocksForLookupByKey(ctx, r.TxID, r.ExactKey); err != nil {
					return nil, err
				}
			}
			return l.buildScanCursor(r.IndexToUse, r.ExactKey, nil, nil)
		}
		return l.buildScanCursor(r.IndexToUse, nil, r.LowerBound, r.UpperBound)
	})
	if err != nil {
		return nil, err
	}

	var sortedLocker *index.SortedLocker
	if cur.sorted != nil {
		idx := l.secondaryByID(*r.IndexToUse)
		var ok bool
		sortedLocker, ok = idx.Locker.(*index.SortedLocker)
		if !ok {
			return nil, errors.Errorf("index %d has no range locker", *r.IndexToUse)
		}
	}

	var rows []*tuple.BinaryRow
	for len(rows) < r.BatchSize {
		var rowID mvcc.RowID
		if cur.sorted != nil {
			entry, err := sortedLocker.NextWithLock(ctx, r.TxID, cur.sorted, cur.upper)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				break
			}
			rowID = entry.RowID
		} else {
			var ok bool
			rowID, ok = cur.nextRowID()
			if !ok {
				break
			}
		}

		if _, err := l.locks.Acquire(ctx, r.TxID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.S); err != nil {
			return nil, err
		}
		row, _, err := l.resolvePlainRead(ctx, rowID, r.TxID)
		if err != nil {
			return nil, err
		}
		if row != nil && !row.Tombstone() {
			rows = append(rows, row)
		}
	}

	// Validate the batch against the transaction's begin schema before it
	// leaves the replica.
	beginTS := txn.BeginTimestamp(r.TxID)
	for _, row := range rows {
		if err := l.validator.CheckRowBackwardCompatible(l.group.TableID, row.SchemaVersion, beginTS); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (l *Listener) lockerByID(indexID uint32) index.Locker {
	if indexID == l.pkIndex.ID() {
		return l.pkLocker
	}
	if idx := l.secondaryByID(indexID); idx != nil {
		return idx.Locker
	}
	return nil
}

func (l *Listener) processScanClose(r *ScanCloseRequest) {
	l.cursors.close(cursorKey{txID: r.TxID, scanID: r.ScanID})
	l.metrics.OpenCursors.Dec()
}
