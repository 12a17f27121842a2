package replica

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

// awaitSafeTime parks a read-only request until the partition's safe time
// covers its read timestamp. The primary skips the wait once its clock passed
// the timestamp: everything at or before it is already ordered through this
// replica.
func (l *Listener) awaitSafeTime(ctx context.Context, readTS hlc.Timestamp, isPrimary *bool) error {
	if isPrimary != nil && *isPrimary && l.clock.Now().After(readTS) {
		return nil
	}
	return l.safeTime.WaitFor(ctx, readTS)
}

func (l *Listener) processReadOnlyGet(ctx context.Context, r *ROGetRequest, isPrimary *bool) (*tuple.BinaryRow, error) {
	if err := l.awaitSafeTime(ctx, r.ReadTS, isPrimary); err != nil {
		return nil, err
	}
	return l.lookupByPkReadOnly(ctx, r.PK, r.ReadTS)
}

func (l *Listener) processReadOnlyGetAll(ctx context.Context, r *ROGetAllRequest, isPrimary *bool) ([]*tuple.BinaryRow, error) {
	if err := l.awaitSafeTime(ctx, r.ReadTS, isPrimary); err != nil {
		return nil, err
	}
	rows := make([]*tuple.BinaryRow, 0, len(r.PKs))
	for _, pk := range r.PKs {
		row, err := l.lookupByPkReadOnly(ctx, pk, r.ReadTS)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (l *Listener) processDirectGet(ctx context.Context, r *RODirectGetRequest, opTS hlc.Timestamp) (*tuple.BinaryRow, error) {
	return l.lookupByPkReadOnly(ctx, r.PK, opTS)
}

func (l *Listener) processDirectGetAll(ctx context.Context, r *RODirectGetAllRequest, opTS hlc.Timestamp) ([]*tuple.BinaryRow, error) {
	rows := make([]*tuple.BinaryRow, 0, len(r.PKs))
	for _, pk := range r.PKs {
		row, err := l.lookupByPkReadOnly(ctx, pk, opTS)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// lookupByPkReadOnly resolves a primary key at a snapshot timestamp. The PK
// index may hold several row ids for a key that was deleted and re-inserted;
// at any single timestamp at most one of them resolves to a live row.
func (l *Listener) lookupByPkReadOnly(ctx context.Context, pk tuple.BinaryTuple, readTS hlc.Timestamp) (*tuple.BinaryRow, error) {
	candidates := l.pkIndex.Lookup(pk)

	var intentTx *uuid.UUID
	for _, rowID := range candidates {
		res, err := l.storage.Read(rowID, readTS)
		if err != nil {
			return nil, err
		}
		if res.Empty() {
			continue
		}
		if res.WriteIntent {
			// Write intents observed under one key must belong to a single
			// transaction; the X row lock guarantees it.
			if intentTx != nil && *intentTx != res.TxID {
				log.Error("write intents of different transactions under one key",
					zap.String("group", l.group.String()),
					zap.String("tx1", intentTx.String()), zap.String("tx2", res.TxID.String()))
			}
			tx := res.TxID
			intentTx = &tx
		}
		row, err := l.resolveReadResultAt(ctx, res, readTS)
		if err != nil {
			return nil, err
		}
		if row != nil && !row.Tombstone() {
			return row, nil
		}
	}
	return nil, nil
}

// resolveReadResultAt applies the snapshot visibility rules to one storage
// read: a committed version passes through, a write intent is readable iff
// its transaction committed at or before the read timestamp; otherwise the
// newest committed version under the intent is consulted.
func (l *Listener) resolveReadResultAt(ctx context.Context, res mvcc.ReadResult, readTS hlc.Timestamp) (*tuple.BinaryRow, error) {
	if !res.WriteIntent {
		return res.Row, nil
	}

	l.metrics.IntentResolutions.Inc()
	meta, err := l.txResolver.ResolveTxState(
		ctx,
		res.TxID,
		replication.GroupID{TableID: res.CommitTableID, PartitionID: res.CommitPartitionID},
		&readTS,
	)
	if err != nil {
		return nil, err
	}

	if meta.State == txn.StateCommitted && meta.CommitTS != nil && meta.CommitTS.Compare(readTS) <= 0 {
		l.scheduleRowCleanup(res.TxID, res.RowID, true, *meta.CommitTS)
		return res.Row, nil
	}

	if res.NewestCommitTS == nil {
		return nil, nil
	}
	committed, err := l.storage.ReadCommitted(res.RowID, readTS)
	if err != nil {
		return nil, err
	}
	return committed.Row, nil
}

// resolvePlainRead is the read-write flavor: the transaction sees its own
// write intent; a foreign intent is readable only once its transaction
// committed. The returned commit timestamp is the newest prior commit time,
// threaded into update commands as a read-amplification hint.
func (l *Listener) resolvePlainRead(ctx context.Context, rowID mvcc.RowID, txID uuid.UUID) (*tuple.BinaryRow, *hlc.Timestamp, error) {
	res, err := l.storage.Read(rowID, hlc.Max)
	if err != nil {
		return nil, nil, err
	}
	if res.Empty() {
		return nil, nil, nil
	}

	if !res.WriteIntent {
		ts := res.CommitTS
		return res.Row, &ts, nil
	}

	if res.TxID == txID {
		return res.Row, res.NewestCommitTS, nil
	}

	meta, err := l.txResolver.ResolveTxState(
		ctx,
		res.TxID,
		replication.GroupID{TableID: res.CommitTableID, PartitionID: res.CommitPartitionID},
		nil,
	)
	if err != nil {
		return nil, nil, err
	}
	if meta.State == txn.StateCommitted && meta.CommitTS != nil {
		l.scheduleRowCleanup(res.TxID, res.RowID, true, *meta.CommitTS)
		return res.Row, meta.CommitTS, nil
	}

	committed, err := l.storage.ReadCommitted(rowID, hlc.Max)
	if err != nil {
		return nil, nil, err
	}
	if committed.Row == nil {
		return nil, nil, nil
	}
	ts := committed.CommitTS
	return committed.Row, &ts, nil
}

// scheduleRowCleanup switches one row's resolved write intent in the
// background. Cleanups deduplicate per row; writers about to touch the slot
// await the in-flight one.
func (l *Listener) scheduleRowCleanup(txID uuid.UUID, rowID mvcc.RowID, commit bool, commitTS hlc.Timestamp) {
	done, claimed := l.rowCleanup.begin(rowID)
	if !claimed {
		return
	}
	l.metrics.RowCleanups.Inc()
	go func() {
		defer done()
		var err error
		if commit {
			err = l.storage.CommitWrite(rowID, commitTS)
		} else {
			_, err = l.storage.AbortWrite(rowID)
		}
		if err != nil {
			log.Warn("async row cleanup failed",
				zap.String("group", l.group.String()),
				zap.String("tx", txID.String()),
				zap.String("row", rowID.String()),
				zap.Error(err))
		}
	}()
}

// resolveRowByPk finds the live row slot of a primary key for a read-write
// transaction: take the PK lookup locks, walk the candidate row ids, hand the
// first resolvable row (or nothing) to action.
//
// Mutations look the key up with the exclusive PK entry lock held from the
// start. That serializes two writers of one key before either decides between
// the insert and update shapes, closing the duplicate-insert window an S-then-
// upgrade protocol would leave open.
func (l *Listener) resolveRowByPk(
	ctx context.Context,
	pk tuple.BinaryTuple,
	txID uuid.UUID,
	forUpdate bool,
	action func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error),
) (*Result, error) {
	if forUpdate {
		if _, err := l.locks.Acquire(ctx, txID, lock.NewIndexKey(l.pkIndex.ID()), lock.IX); err != nil {
			return nil, err
		}
		if _, err := l.locks.Acquire(ctx, txID, lock.NewIndexEntryKey(l.pkIndex.ID(), pk), lock.X); err != nil {
			return nil, err
		}
	} else if err := l.pkLocker.LocksForLookupByKey(ctx, txID, pk); err != nil {
		return nil, err
	}

	for _, rowID := range l.pkIndex.Lookup(pk) {
		row, lastCommitTS, err := l.resolvePlainRead(ctx, rowID, txID)
		if err != nil {
			return nil, err
		}
		if row == nil || row.Tombstone() {
			continue
		}
		if err := l.validator.CheckRowBackwardCompatible(l.group.TableID, row.SchemaVersion, txn.BeginTimestamp(txID)); err != nil {
			return nil, err
		}
		return action(rowID, row, lastCommitTS)
	}
	return action(mvcc.RowID{}, nil, nil)
}
