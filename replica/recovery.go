package replica

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

// processTxRecovery handles an orphaned-transaction hint on the commit
// partition primary. A finalized transaction only needs its cleanup replayed;
// anything else is rolled back durably.
func (l *Listener) processTxRecovery(ctx context.Context, r *TxRecoveryRequest) (*Result, error) {
	meta, err := l.txStateStorage.Get(r.TxID)
	if err != nil {
		return nil, l.wrapReplicationErr(err)
	}

	if meta != nil && meta.State.Final() {
		if !meta.LocksReleased {
			l.durableCleanup(ctx, r.TxID, meta)
		}
		return immediate(meta.Result()), nil
	}

	result, err := l.recoverByRollback(ctx, r.TxID)
	if err != nil {
		return nil, err
	}
	return immediate(result), nil
}

// recoverByRollback finishes an abandoned transaction as aborted on the
// commit partition. A losing race against a late coordinator finish is fine:
// the stored outcome wins and is returned.
func (l *Listener) recoverByRollback(ctx context.Context, txID uuid.UUID) (txn.TransactionResult, error) {
	result, err := l.finishAndCleanup(ctx, []replication.GroupID{l.group}, false, hlc.Zero, txID)
	if err != nil {
		if already, ok := err.(*ErrTransactionAlreadyFinished); ok {
			return already.TxResult, nil
		}
		return result, err
	}
	return result, nil
}

// processTxStateCommitPartition serves the durable transaction state to other
// partitions resolving a write intent. When the state is not final and the
// coordinator left the cluster, recovery is initiated right here.
func (l *Listener) processTxStateCommitPartition(ctx context.Context, r *TxStateCommitPartitionRequest) (txn.TransactionResult, error) {
	meta, err := l.txStateStorage.Get(r.TxID)
	if err != nil {
		return txn.TransactionResult{}, l.wrapReplicationErr(err)
	}
	if meta != nil && meta.State.Final() {
		return meta.Result(), nil
	}

	vol := l.volatileTx.Get(r.TxID)
	if vol != nil && vol.State.Final() {
		result := txn.TransactionResult{State: vol.State}
		if vol.CommitTS != nil {
			result.CommitTS = *vol.CommitTS
		}
		return result, nil
	}
	if vol != nil && vol.CoordinatorID != "" && l.topology.NodeAlive(vol.CoordinatorID) {
		return txn.TransactionResult{State: vol.State}, nil
	}

	// Coordinator unknown or gone: the transaction is abandoned, roll it
	// back durably before answering.
	return l.recoverByRollback(ctx, r.TxID)
}

// durableCleanup replays cleanup over the transaction's enlisted partitions
// and flips the durable locksReleased flag. Best effort: failures are logged
// and retried by the next primary's sweep.
func (l *Listener) durableCleanup(ctx context.Context, txID uuid.UUID, meta *txn.Meta) {
	err := l.txManager.Cleanup(ctx, meta.EnlistedPartitions, meta.State == txn.StateCommitted, meta.CommitTS, txID)
	if err != nil {
		log.Warn("durable cleanup failed",
			zap.String("group", l.group.String()),
			zap.String("tx", txID.String()),
			zap.Error(err))
		return
	}
	l.markLocksReleased(txID)
}

// runDurableCleanupSweep scans the transaction state storage for finalized
// transactions whose locks were never durably released and schedules their
// cleanup. Runs when this replica is elected primary; the election event does
// not wait on it.
func (l *Listener) runDurableCleanupSweep(ctx context.Context) {
	if !l.busy.enter() {
		return
	}
	defer l.busy.leave()

	type pending struct {
		txID uuid.UUID
		meta *txn.Meta
	}
	var todo []pending
	err := l.txStateStorage.Scan(func(txID uuid.UUID, meta *txn.Meta) bool {
		if meta.State.Final() && !meta.LocksReleased {
			todo = append(todo, pending{txID: txID, meta: meta})
		}
		return true
	})
	if err != nil {
		log.Warn("transaction state sweep failed",
			zap.String("group", l.group.String()), zap.Error(err))
		return
	}

	for _, p := range todo {
		l.durableCleanup(ctx, p.txID, p.meta)
	}
	if len(todo) > 0 {
		log.Info("scheduled durable cleanup for unfinished transactions",
			zap.String("group", l.group.String()), zap.Int("count", len(todo)))
	}
}

func (l *Listener) processBuildIndex(ctx context.Context, r *BuildIndexRequest) (*Result, error) {
	catalogVersion, err := l.validator.CatalogVersionAt(l.clock.Now())
	if err != nil {
		return nil, err
	}
	cmd := &replication.BuildIndexCommand{
		CommandBase: replication.CommandBase{GroupID: l.group, CatalogVersion: catalogVersion},
		IndexID:     r.IndexID,
		RowIDs:      r.RowIDs,
		Finish:      r.Finish,
	}
	if _, err := l.dispatcher.Submit(ctx, cmd); err != nil {
		return nil, l.wrapReplicationErr(err)
	}
	return immediate(nil), nil
}

func (l *Listener) processSafeTimeSync(ctx context.Context, isPrimary *bool) (*Result, error) {
	if isPrimary != nil && !*isPrimary {
		return immediate(false), nil
	}
	cmd := &replication.SafeTimeSyncCommand{
		CommandBase: replication.CommandBase{GroupID: l.group},
	}
	if _, err := l.dispatcher.Submit(ctx, cmd); err != nil {
		return nil, l.wrapReplicationErr(err)
	}
	return immediate(true), nil
}
