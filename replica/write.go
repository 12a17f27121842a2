package replica

import (
	"context"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

// validateWriteSchema runs the post-lock schema validation: take now, wait
// for metadata completeness, fail if the table's schema moved since the
// transaction began. Returns the catalog version for stamping the command.
func (l *Listener) validateWriteSchema(ctx context.Context, txID uuid.UUID) (int, error) {
	now := l.clock.Now()
	if err := l.schemaSync.WaitForMetadataCompleteness(ctx, now); err != nil {
		return 0, err
	}
	return l.validator.FailIfSchemaChangedSinceTxStart(l.group.TableID, txn.BeginTimestamp(txID), now)
}

func (l *Listener) releaseShortTermLocks(locks []lock.Lock) {
	for _, st := range locks {
		l.locks.Release(st.TxID, st.Key, st.Mode)
	}
}

// submitUpdate builds an UpdateCommand for one row, validates the schema
// after the locks are down, awaits any in-flight cleanup of the row slot and
// pushes the command through the safe-time dispatcher.
//
// Non-full transactions take the local-apply fast path: storage is mutated
// under the linearization mutex, short-term index locks drop immediately, and
// the returned result carries the pending replication as a delayed ack.
func (l *Listener) submitUpdate(
	ctx context.Context,
	base *rwBase,
	rowID mvcc.RowID,
	row *tuple.BinaryRow,
	lastCommitTS *hlc.Timestamp,
	shortTermLocks []lock.Lock,
	res interface{},
) (*Result, error) {
	catalogVersion, err := l.validateWriteSchema(ctx, base.TxID)
	if err != nil {
		return nil, err
	}
	if err := l.rowCleanup.await(ctx, rowID); err != nil {
		return nil, err
	}

	cmd := &replication.UpdateCommand{
		CommandBase:     replication.CommandBase{GroupID: l.group, CatalogVersion: catalogVersion},
		TxID:            base.TxID,
		CommitPartition: base.CommitPartition,
		Entry:           replication.UpdateEntry{RowID: rowID, Row: row, LastCommitTS: lastCommitTS},
		Full:            base.Full,
		CoordinatorID:   base.CoordinatorID,
	}
	return l.pushCommand(ctx, cmd, !base.Full, shortTermLocks, res)
}

func (l *Listener) submitUpdateAll(
	ctx context.Context,
	base *rwBase,
	entries []replication.UpdateEntry,
	shortTermLocks []lock.Lock,
	res interface{},
) (*Result, error) {
	catalogVersion, err := l.validateWriteSchema(ctx, base.TxID)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if err := l.rowCleanup.await(ctx, entry.RowID); err != nil {
			return nil, err
		}
	}

	cmd := &replication.UpdateAllCommand{
		CommandBase:     replication.CommandBase{GroupID: l.group, CatalogVersion: catalogVersion},
		TxID:            base.TxID,
		CommitPartition: base.CommitPartition,
		Entries:         entries,
		Full:            base.Full,
		CoordinatorID:   base.CoordinatorID,
	}
	return l.pushCommand(ctx, cmd, !base.Full, shortTermLocks, res)
}

// pushCommand runs a stamped command through replication. With preApply the
// command mutates local state synchronously and replication resolves through
// the delayed-ack channel; otherwise the call blocks until the command is
// fully replicated and applied.
func (l *Listener) pushCommand(
	ctx context.Context,
	cmd replication.Command,
	preApply bool,
	shortTermLocks []lock.Lock,
	res interface{},
) (*Result, error) {
	if !preApply {
		stamped, err := l.dispatcher.Stamp(cmd, nil)
		if err != nil {
			return nil, err
		}
		if _, err := l.dispatcher.Replicate(ctx, stamped); err != nil {
			return nil, l.wrapReplicationErr(err)
		}
		l.releaseShortTermLocks(shortTermLocks)
		return immediate(res), nil
	}

	stamped, err := l.dispatcher.Stamp(cmd, func(c replication.Command) error {
		_, applyErr := l.Apply(c)
		return applyErr
	})
	if err != nil {
		return nil, err
	}
	l.releaseShortTermLocks(shortTermLocks)

	repl := make(chan error, 1)
	go func() {
		_, replErr := l.dispatcher.Replicate(context.Background(), stamped)
		repl <- l.wrapReplicationErr(replErr)
		close(repl)
	}()
	return &Result{Res: res, Replication: repl}, nil
}

// Lock acquisition helpers, one per operation shape.

func (l *Listener) takePutLockOnIndexes(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) ([]lock.Lock, error) {
	var shortTerm []lock.Lock
	for _, idx := range l.indexes {
		st, err := idx.Locker.LocksForInsert(ctx, txID, row, rowID)
		if err != nil {
			return nil, err
		}
		if st != nil {
			shortTerm = append(shortTerm, *st)
		}
	}
	return shortTerm, nil
}

func (l *Listener) takeRemoveLockOnIndexes(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) error {
	for _, idx := range l.indexes {
		if err := idx.Locker.LocksForRemove(ctx, txID, row, rowID); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) takeLocksForUpdate(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) ([]lock.Lock, error) {
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IX); err != nil {
		return nil, err
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.X); err != nil {
		return nil, err
	}
	return l.takePutLockOnIndexes(ctx, txID, row, rowID)
}

func (l *Listener) takeLocksForInsert(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) ([]lock.Lock, error) {
	// The row id is freshly generated: nobody can contend on it, the table
	// IX plus index locks suffice.
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IX); err != nil {
		return nil, err
	}
	return l.takePutLockOnIndexes(ctx, txID, row, rowID)
}

func (l *Listener) takeLocksForDelete(ctx context.Context, txID uuid.UUID, row *tuple.BinaryRow, rowID mvcc.RowID) error {
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IX); err != nil {
		return err
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.X); err != nil {
		return err
	}
	return l.takeRemoveLockOnIndexes(ctx, txID, row, rowID)
}

// takeLocksForDeleteExact compares under an S row lock and upgrades to X only
// when the stored row matches the expectation.
func (l *Listener) takeLocksForDeleteExact(
	ctx context.Context,
	txID uuid.UUID,
	expected, actual *tuple.BinaryRow,
	rowID mvcc.RowID,
) (bool, error) {
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IX); err != nil {
		return false, err
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.S); err != nil {
		return false, err
	}
	if !tuple.EqualValues(actual, expected) {
		return false, nil
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.X); err != nil {
		return false, err
	}
	return true, l.takeRemoveLockOnIndexes(ctx, txID, actual, rowID)
}

func (l *Listener) takeLocksForGet(ctx context.Context, txID uuid.UUID, rowID mvcc.RowID) error {
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IS); err != nil {
		return err
	}
	_, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.S)
	return err
}

func (l *Listener) takeLocksForReplace(
	ctx context.Context,
	txID uuid.UUID,
	expected, old, newRow *tuple.BinaryRow,
	rowID mvcc.RowID,
) ([]lock.Lock, bool, error) {
	if _, err := l.locks.Acquire(ctx, txID, lock.NewTableKey(l.group.TableID), lock.IX); err != nil {
		return nil, false, err
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.S); err != nil {
		return nil, false, err
	}
	if old == nil || !tuple.EqualValues(old, expected) {
		return nil, false, nil
	}
	if _, err := l.locks.Acquire(ctx, txID, lock.NewRowKey(l.group.TableID, rowID.Bytes()), lock.X); err != nil {
		return nil, false, err
	}
	shortTerm, err := l.takePutLockOnIndexes(ctx, txID, newRow, rowID)
	return shortTerm, err == nil, err
}

// processSingleRow handles the single-row mutations that carry a whole row.
func (l *Listener) processSingleRow(ctx context.Context, r *RWRowRequest) (*Result, error) {
	return l.runWriteOp(ctx, &r.rwBase, func() (*Result, error) {
		return l.resolveRowByPk(ctx, l.codec.PrimaryKey(r.Row), r.TxID, true,
			func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
				switch r.RequestKind {
				case RWInsert:
					if row != nil {
						return immediate(false), nil
					}
					newRowID := mvcc.NewRowID(l.group.PartitionID)
					shortTerm, err := l.takeLocksForInsert(ctx, r.TxID, r.Row, newRowID)
					if err != nil {
						return nil, err
					}
					return l.submitUpdate(ctx, &r.rwBase, newRowID, r.Row, nil, shortTerm, true)

				case RWUpsert, RWGetAndUpsert:
					var prev interface{}
					if r.RequestKind == RWGetAndUpsert {
						prev = row
					}
					if row == nil {
						newRowID := mvcc.NewRowID(l.group.PartitionID)
						shortTerm, err := l.takeLocksForInsert(ctx, r.TxID, r.Row, newRowID)
						if err != nil {
							return nil, err
						}
						return l.submitUpdate(ctx, &r.rwBase, newRowID, r.Row, nil, shortTerm, prev)
					}
					shortTerm, err := l.takeLocksForUpdate(ctx, r.TxID, r.Row, rowID)
					if err != nil {
						return nil, err
					}
					return l.submitUpdate(ctx, &r.rwBase, rowID, r.Row, lastCommitTS, shortTerm, prev)

				case RWReplaceIfExist, RWGetAndReplace:
					if row == nil {
						if r.RequestKind == RWGetAndReplace {
							return immediate((*tuple.BinaryRow)(nil)), nil
						}
						return immediate(false), nil
					}
					shortTerm, err := l.takeLocksForUpdate(ctx, r.TxID, r.Row, rowID)
					if err != nil {
						return nil, err
					}
					var res interface{} = true
					if r.RequestKind == RWGetAndReplace {
						res = row
					}
					return l.submitUpdate(ctx, &r.rwBase, rowID, r.Row, lastCommitTS, shortTerm, res)

				case RWDeleteExact:
					if row == nil {
						return immediate(false), nil
					}
					matched, err := l.takeLocksForDeleteExact(ctx, r.TxID, r.Row, row, rowID)
					if err != nil {
						return nil, err
					}
					if !matched {
						return immediate(false), nil
					}
					return l.submitUpdate(ctx, &r.rwBase, rowID, nil, lastCommitTS, nil, true)

				default:
					return nil, &ErrUnsupportedRequest{Kind: r.RequestKind}
				}
			})
	})
}

// processSingleRowPk handles the single-row operations addressed by key.
func (l *Listener) processSingleRowPk(ctx context.Context, r *RWRowPkRequest) (*Result, error) {
	if r.RequestKind == RWGet {
		l.enlistTx(r.TxID, r.CoordinatorID, r.CommitPartition)
		row, err := l.runReadOp(r.TxID, func() (interface{}, error) {
			res, err := l.resolveRowByPk(ctx, r.PK, r.TxID, false,
				func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
					if row == nil {
						return immediate((*tuple.BinaryRow)(nil)), nil
					}
					if err := l.takeLocksForGet(ctx, r.TxID, rowID); err != nil {
						return nil, err
					}
					return immediate(row), nil
				})
			if err != nil {
				return nil, err
			}
			return res.Res, nil
		})
		if err != nil {
			return nil, err
		}
		if r.Full {
			l.releaseTxLocks(r.TxID)
		}
		return immediate(row), nil
	}

	return l.runWriteOp(ctx, &r.rwBase, func() (*Result, error) {
		return l.resolveRowByPk(ctx, r.PK, r.TxID, true,
			func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
				switch r.RequestKind {
				case RWDelete, RWGetAndDelete:
					if row == nil {
						if r.RequestKind == RWGetAndDelete {
							return immediate((*tuple.BinaryRow)(nil)), nil
						}
						return immediate(false), nil
					}
					if err := l.takeLocksForDelete(ctx, r.TxID, row, rowID); err != nil {
						return nil, err
					}
					var res interface{} = true
					if r.RequestKind == RWGetAndDelete {
						res = row
					}
					return l.submitUpdate(ctx, &r.rwBase, rowID, nil, lastCommitTS, nil, res)

				default:
					return nil, &ErrUnsupportedRequest{Kind: r.RequestKind}
				}
			})
	})
}

// processMultiRow handles the batch mutations carrying whole rows. The result
// is the list of rows the operation skipped (already-present keys for
// insert-all, mismatched expectations for delete-exact-all).
func (l *Listener) processMultiRow(ctx context.Context, r *RWMultiRowRequest) (*Result, error) {
	return l.runWriteOp(ctx, &r.rwBase, func() (*Result, error) {
		var entries []replication.UpdateEntry
		var shortTerm []lock.Lock
		var skipped []*tuple.BinaryRow

		for _, reqRow := range r.Rows {
			_, err := l.resolveRowByPk(ctx, l.codec.PrimaryKey(reqRow), r.TxID, true,
				func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
					switch r.RequestKind {
					case RWInsertAll:
						if row != nil {
							skipped = append(skipped, reqRow)
							return immediate(nil), nil
						}
						newRowID := mvcc.NewRowID(l.group.PartitionID)
						st, err := l.takeLocksForInsert(ctx, r.TxID, reqRow, newRowID)
						if err != nil {
							return nil, err
						}
						shortTerm = append(shortTerm, st...)
						entries = append(entries, replication.UpdateEntry{RowID: newRowID, Row: reqRow})
						return immediate(nil), nil

					case RWUpsertAll:
						if row == nil {
							newRowID := mvcc.NewRowID(l.group.PartitionID)
							st, err := l.takeLocksForInsert(ctx, r.TxID, reqRow, newRowID)
							if err != nil {
								return nil, err
							}
							shortTerm = append(shortTerm, st...)
							entries = append(entries, replication.UpdateEntry{RowID: newRowID, Row: reqRow})
							return immediate(nil), nil
						}
						st, err := l.takeLocksForUpdate(ctx, r.TxID, reqRow, rowID)
						if err != nil {
							return nil, err
						}
						shortTerm = append(shortTerm, st...)
						entries = append(entries, replication.UpdateEntry{RowID: rowID, Row: reqRow, LastCommitTS: lastCommitTS})
						return immediate(nil), nil

					case RWDeleteExactAll:
						if row == nil {
							skipped = append(skipped, reqRow)
							return immediate(nil), nil
						}
						matched, err := l.takeLocksForDeleteExact(ctx, r.TxID, reqRow, row, rowID)
						if err != nil {
							return nil, err
						}
						if !matched {
							skipped = append(skipped, reqRow)
							return immediate(nil), nil
						}
						entries = append(entries, replication.UpdateEntry{RowID: rowID, LastCommitTS: lastCommitTS})
						return immediate(nil), nil

					default:
						return nil, &ErrUnsupportedRequest{Kind: r.RequestKind}
					}
				})
			if err != nil {
				return nil, err
			}
		}

		if len(entries) == 0 {
			l.releaseShortTermLocks(shortTerm)
			return immediate(skipped), nil
		}
		return l.submitUpdateAll(ctx, &r.rwBase, entries, shortTerm, skipped)
	})
}

// processMultiRowPk handles batch gets and deletes addressed by key.
func (l *Listener) processMultiRowPk(ctx context.Context, r *RWMultiRowPkRequest) (*Result, error) {
	if r.RequestKind == RWGetAll {
		l.enlistTx(r.TxID, r.CoordinatorID, r.CommitPartition)
		rows, err := l.runReadOp(r.TxID, func() (interface{}, error) {
			out := make([]*tuple.BinaryRow, 0, len(r.PKs))
			for _, pk := range r.PKs {
				res, err := l.resolveRowByPk(ctx, pk, r.TxID, false,
					func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
						if row != nil {
							if err := l.takeLocksForGet(ctx, r.TxID, rowID); err != nil {
								return nil, err
							}
						}
						return immediate(row), nil
					})
				if err != nil {
					return nil, err
				}
				out = append(out, res.Res.(*tuple.BinaryRow))
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		if r.Full {
			l.releaseTxLocks(r.TxID)
		}
		return immediate(rows), nil
	}

	return l.runWriteOp(ctx, &r.rwBase, func() (*Result, error) {
		var entries []replication.UpdateEntry
		missed := make([]tuple.BinaryTuple, 0)

		for _, pk := range r.PKs {
			_, err := l.resolveRowByPk(ctx, pk, r.TxID, true,
				func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
					if r.RequestKind != RWDeleteAll {
						return nil, &ErrUnsupportedRequest{Kind: r.RequestKind}
					}
					if row == nil {
						missed = append(missed, pk)
						return immediate(nil), nil
					}
					if err := l.takeLocksForDelete(ctx, r.TxID, row, rowID); err != nil {
						return nil, err
					}
					entries = append(entries, replication.UpdateEntry{RowID: rowID, LastCommitTS: lastCommitTS})
					return immediate(nil), nil
				})
			if err != nil {
				return nil, err
			}
		}

		if len(entries) == 0 {
			return immediate(missed), nil
		}
		return l.submitUpdateAll(ctx, &r.rwBase, entries, nil, missed)
	})
}

// processTwoRows handles the conditional replace carrying both rows.
func (l *Listener) processTwoRows(ctx context.Context, r *RWSwapRowRequest) (*Result, error) {
	return l.runWriteOp(ctx, &r.rwBase, func() (*Result, error) {
		return l.resolveRowByPk(ctx, l.codec.PrimaryKey(r.NewRow), r.TxID, true,
			func(rowID mvcc.RowID, row *tuple.BinaryRow, lastCommitTS *hlc.Timestamp) (*Result, error) {
				if row == nil {
					return immediate(false), nil
				}
				shortTerm, matched, err := l.takeLocksForReplace(ctx, r.TxID, r.OldRow, row, r.NewRow, rowID)
				if err != nil {
					return nil, err
				}
				if !matched {
					return immediate(false), nil
				}
				return l.submitUpdate(ctx, &r.rwBase, rowID, r.NewRow, lastCommitTS, shortTerm, true)
			})
	})
}
