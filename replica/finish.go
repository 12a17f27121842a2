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

// processTxFinish commits or aborts the transaction on its commit partition.
// A commit first runs the forward schema validation over every enlisted
// table; on failure the transaction is finalized as aborted instead and the
// abort reason surfaces after finalization.
func (l *Listener) processTxFinish(ctx context.Context, r *TxFinishRequest) (txn.TransactionResult, error) {
	if r.Commit {
		validationErr := l.validator.CheckForwardAtCommit(
			enlistedTableIDs(r.EnlistedGroups), txn.BeginTimestamp(r.TxID), r.CommitTS,
		)
		if validationErr != nil {
			result, err := l.finishAndCleanup(ctx, r.EnlistedGroups, false, hlc.Zero, r.TxID)
			if err != nil {
				return result, err
			}
			return result, &ErrIncompatibleSchemaAbort{Cause: validationErr}
		}
	}
	commitTS := hlc.Zero
	if r.Commit {
		commitTS = r.CommitTS
	}
	return l.finishAndCleanup(ctx, r.EnlistedGroups, r.Commit, commitTS, r.TxID)
}

func enlistedTableIDs(groups []replication.GroupID) []uint32 {
	seen := make(map[uint32]struct{}, len(groups))
	var ids []uint32
	for _, g := range groups {
		if _, ok := seen[g.TableID]; ok {
			continue
		}
		seen[g.TableID] = struct{}{}
		ids = append(ids, g.TableID)
	}
	return ids
}

func (l *Listener) finishAndCleanup(
	ctx context.Context,
	enlisted []replication.GroupID,
	commit bool,
	commitTS hlc.Timestamp,
	txID uuid.UUID,
) (txn.TransactionResult, error) {
	meta, err := l.txStateStorage.Get(txID)
	if err != nil {
		return txn.TransactionResult{}, l.wrapReplicationErr(err)
	}
	if meta != nil && meta.State.Final() {
		// With locks already released there is nothing left to do; the stored
		// outcome is returned even when it differs from the requested one.
		if meta.LocksReleased {
			return meta.Result(), nil
		}
		// A retry of the finish: the requested outcome must agree with the
		// stored one. Recovery may legally have aborted a late commit.
		if commit != (meta.State == txn.StateCommitted) {
			log.Error("refusing to change the outcome of a finished transaction",
				zap.String("tx", txID.String()), zap.String("stored", meta.State.String()))
			return meta.Result(), &ErrTransactionAlreadyFinished{TxResult: meta.Result()}
		}
	}

	result, err := l.finishTransaction(ctx, enlisted, txID, commit, commitTS)
	if err != nil {
		return result, err
	}

	if cleanupErr := l.txManager.Cleanup(ctx, enlisted, commit, commitTS, txID); cleanupErr != nil {
		log.Warn("transaction cleanup did not reach every enlisted partition",
			zap.String("tx", txID.String()), zap.Error(cleanupErr))
		return result, nil
	}
	l.markLocksReleased(txID)
	return result, nil
}

// finishTransaction replicates the FinishTxCommand. A concurrent recovery
// that already wrote a different outcome surfaces as
// ErrTransactionAlreadyFinished carrying the stored result.
func (l *Listener) finishTransaction(
	ctx context.Context,
	enlisted []replication.GroupID,
	txID uuid.UUID,
	commit bool,
	commitTS hlc.Timestamp,
) (txn.TransactionResult, error) {
	catalogTS := commitTS
	if !commit {
		catalogTS = l.clock.Now()
	}
	catalogVersion, err := l.validator.CatalogVersionAt(catalogTS)
	if err != nil {
		return txn.TransactionResult{}, err
	}

	cmd := &replication.FinishTxCommand{
		CommandBase:        replication.CommandBase{GroupID: l.group, CatalogVersion: catalogVersion},
		TxID:               txID,
		Commit:             commit,
		CommitTS:           commitTS,
		EnlistedPartitions: enlisted,
	}
	res, err := l.dispatcher.Submit(ctx, cmd)
	if err != nil {
		if unexpected, ok := err.(*ErrUnexpectedTransactionState); ok {
			result := unexpected.TxResult
			var resolvedTS *hlc.Timestamp
			if result.State == txn.StateCommitted {
				ts := result.CommitTS
				resolvedTS = &ts
			}
			l.volatileTx.MarkFinished(txID, result.State, resolvedTS)
			return result, &ErrTransactionAlreadyFinished{TxResult: result}
		}
		return txn.TransactionResult{}, l.wrapReplicationErr(err)
	}
	return res.(txn.TransactionResult), nil
}

// markLocksReleased submits the durable locksReleased flip. Best effort: a
// failure leaves the flag clear for the next primary's sweep to retry.
func (l *Listener) markLocksReleased(txID uuid.UUID) {
	go func() {
		cmd := &replication.MarkLocksReleasedCommand{
			CommandBase: replication.CommandBase{GroupID: l.group},
			TxID:        txID,
		}
		if _, err := l.dispatcher.Submit(context.Background(), cmd); err != nil {
			log.Warn("mark-locks-released command failed",
				zap.String("group", l.group.String()),
				zap.String("tx", txID.String()),
				zap.Error(err))
		}
	}()
}

// processWriteIntentSwitch flips the partition's write intents of a finished
// transaction: close the transaction's cursors, finalize the volatile meta,
// drain in-flight operations, then replicate the switch command with local
// application running ahead of replication.
func (l *Listener) processWriteIntentSwitch(ctx context.Context, r *WriteIntentSwitchRequest) (*Result, error) {
	l.cursors.closeAllForTx(r.TxID)

	state := txn.StateAborted
	var commitTS *hlc.Timestamp
	if r.Commit {
		state = txn.StateCommitted
		ts := r.CommitTS
		commitTS = &ts
	}
	l.volatileTx.MarkFinished(r.TxID, state, commitTS)

	reads, updates := l.drainTxOps(r.TxID)
	for _, done := range reads {
		// Read failures of the transaction cannot block its finish.
		<-done
	}
	hadUpdates := len(updates) > 0
	for _, done := range updates {
		if err := <-done; err != nil && r.Commit {
			log.Error("update of a committing transaction failed to replicate",
				zap.String("tx", r.TxID.String()), zap.Error(err))
		}
	}
	l.forgetTxOps(r.TxID)

	if !hadUpdates {
		l.releaseTxLocks(r.TxID)
		return immediate(nil), nil
	}

	catalogVersion, err := l.validator.CatalogVersionAt(l.clock.Now())
	if err != nil {
		return nil, err
	}
	cmd := &replication.WriteIntentSwitchCommand{
		CommandBase: replication.CommandBase{GroupID: l.group, CatalogVersion: catalogVersion},
		TxID:        r.TxID,
		Commit:      r.Commit,
		CommitTS:    r.CommitTS,
	}

	// Local storage flips under the stamp; replication proceeds in parallel
	// and resolves through the delayed ack.
	stamped, err := l.dispatcher.Stamp(cmd, func(c replication.Command) error {
		_, applyErr := l.Apply(c)
		return applyErr
	})
	if err != nil {
		return nil, l.wrapReplicationErr(err)
	}
	l.releaseTxLocks(r.TxID)

	repl := make(chan error, 1)
	go func() {
		_, replErr := l.dispatcher.Replicate(context.Background(), stamped)
		repl <- l.wrapReplicationErr(replErr)
		close(repl)
	}()
	return &Result{Replication: repl}, nil
}

// releaseTxLocks drops every lock the transaction holds on this replica.
func (l *Listener) releaseTxLocks(txID uuid.UUID) {
	l.locks.ReleaseAll(txID)
}
