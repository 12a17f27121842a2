package replica

import (
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

// Apply runs one committed command against local state. It is the group's
// state machine: every replica executes the same sequence in log order, so
// everything here must be deterministic.
//
// The safe-time stamp gates application: a command at or below the watermark
// is either a duplicate of a local pre-apply (skipped) or
// evidence of reordering (rejected for the dispatcher to restamp).
func (l *Listener) Apply(cmd replication.Command) (interface{}, error) {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	safeTime := cmd.SafeTime()
	current := l.safeTime.Current()
	if safeTime.Compare(current) <= 0 {
		// A pre-applied command already mutated local state when it was
		// stamped; its late arrival through the log is a duplicate. Anything
		// else at or below the watermark was submitted out of order and must
		// be restamped by the dispatcher.
		if isPreApplied(cmd) {
			return nil, nil
		}
		return nil, &replication.SafeTimeReorderError{
			Group:            l.group,
			StampedSafeTime:  safeTime,
			MaxObservedValue: current,
		}
	}

	var res interface{}
	var err error
	switch c := cmd.(type) {
	case *replication.UpdateCommand:
		err = l.applyUpdateEntry(c.TxID, c.CommitPartition, c.Entry, c.Full, safeTime)
	case *replication.UpdateAllCommand:
		for _, entry := range c.Entries {
			if err = l.applyUpdateEntry(c.TxID, c.CommitPartition, entry, c.Full, safeTime); err != nil {
				break
			}
		}
	case *replication.FinishTxCommand:
		res, err = l.applyFinishTx(c)
	case *replication.WriteIntentSwitchCommand:
		err = l.applyWriteIntentSwitchCmd(c)
	case *replication.MarkLocksReleasedCommand:
		err = l.applyMarkLocksReleased(c)
	case *replication.BuildIndexCommand:
		err = l.applyBuildIndex(c)
	case *replication.SafeTimeSyncCommand:
		// The stamp itself is the payload.
	default:
		log.Error("unknown replicated command", zap.Int("kind", int(cmd.Kind())))
	}
	if err != nil {
		return nil, err
	}

	l.safeTime.Advance(safeTime)
	return res, nil
}

// isPreApplied reports whether the command kind goes through the local
// pre-apply fast path, making its arrival through the log a duplicate.
func isPreApplied(cmd replication.Command) bool {
	switch c := cmd.(type) {
	case *replication.UpdateCommand:
		return !c.Full
	case *replication.UpdateAllCommand:
		return !c.Full
	case *replication.WriteIntentSwitchCommand:
		return true
	}
	return false
}

func (l *Listener) applyUpdateEntry(
	txID uuid.UUID,
	commitPartition replication.GroupID,
	entry replication.UpdateEntry,
	full bool,
	safeTime hlc.Timestamp,
) error {
	if full {
		// One-phase transactions co-apply update and commit: the version
		// lands committed at the command's safe time.
		if err := l.storage.AddWriteCommitted(entry.RowID, entry.Row, safeTime); err != nil {
			return err
		}
	} else {
		if _, err := l.storage.AddWrite(
			entry.RowID, entry.Row, txID, commitPartition.TableID, commitPartition.PartitionID,
		); err != nil {
			return err
		}
		l.pendingRows[txID] = append(l.pendingRows[txID], entry.RowID)
	}
	l.indexRow(entry.Row, entry.RowID)
	return nil
}

// indexRow registers a written row in the PK index and every secondary
// index. Removals leave entries behind: readers filter through MVCC, and
// garbage collection owns the eventual pruning.
func (l *Listener) indexRow(row *tuple.BinaryRow, rowID mvcc.RowID) {
	if row == nil || row.Tombstone() {
		return
	}
	l.pkIndex.Put(l.codec.PrimaryKey(row), rowID)
	for _, idx := range l.indexes {
		idx.Storage.Put(idx.KeyOf(row), rowID)
	}
}

func (l *Listener) applyFinishTx(c *replication.FinishTxCommand) (interface{}, error) {
	existing, err := l.txStateStorage.Get(c.TxID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State.Final() {
		expected := txn.StateAborted
		if c.Commit {
			expected = txn.StateCommitted
		}
		if existing.State != expected {
			// A concurrent recovery got here first with a different outcome.
			return nil, &ErrUnexpectedTransactionState{TxResult: existing.Result()}
		}
		return existing.Result(), nil
	}

	meta := &txn.Meta{
		State:              txn.StateAborted,
		EnlistedPartitions: c.EnlistedPartitions,
	}
	if c.Commit {
		meta.State = txn.StateCommitted
		meta.CommitTS = c.CommitTS
	}
	if err := l.txStateStorage.Put(c.TxID, meta); err != nil {
		return nil, err
	}

	var commitTS *hlc.Timestamp
	if c.Commit {
		ts := c.CommitTS
		commitTS = &ts
	}
	l.volatileTx.MarkFinished(c.TxID, meta.State, commitTS)

	return meta.Result(), nil
}

func (l *Listener) applyWriteIntentSwitchCmd(c *replication.WriteIntentSwitchCommand) error {
	rowIDs := l.pendingRows[c.TxID]
	delete(l.pendingRows, c.TxID)

	for _, rowID := range rowIDs {
		if c.Commit {
			if err := l.storage.CommitWrite(rowID, c.CommitTS); err != nil {
				return err
			}
		} else {
			if _, err := l.storage.AbortWrite(rowID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Listener) applyMarkLocksReleased(c *replication.MarkLocksReleasedCommand) error {
	meta, err := l.txStateStorage.Get(c.TxID)
	if err != nil {
		return err
	}
	if meta == nil || !meta.State.Final() || meta.LocksReleased {
		return nil
	}
	meta.LocksReleased = true
	return l.txStateStorage.Put(c.TxID, meta)
}

func (l *Listener) applyBuildIndex(c *replication.BuildIndexCommand) error {
	var target *SecondaryIndex
	for i := range l.indexes {
		if l.indexes[i].ID == c.IndexID {
			target = &l.indexes[i]
			break
		}
	}
	if target == nil {
		log.Warn("build index command for unknown index",
			zap.String("group", l.group.String()), zap.Uint32("index", c.IndexID))
		return nil
	}

	for _, rowID := range c.RowIDs {
		res, err := l.storage.Read(rowID, hlc.Max)
		if err != nil {
			return err
		}
		if res.Row == nil || res.Row.Tombstone() {
			continue
		}
		target.Storage.Put(target.KeyOf(res.Row), rowID)
	}
	if c.Finish {
		log.Info("index backfill finished",
			zap.String("group", l.group.String()), zap.Uint32("index", c.IndexID))
	}
	return nil
}
