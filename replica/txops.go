package replica

import (
	"context"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

// enlistTx records the volatile transaction meta on first contact, tying the
// coordinator node and commit partition to the transaction.
func (l *Listener) enlistTx(txID uuid.UUID, coordinatorID string, commitPartition replication.GroupID) {
	l.volatileTx.Update(txID, func(old *txn.StateMeta) *txn.StateMeta {
		if old != nil {
			return old
		}
		cp := commitPartition
		return &txn.StateMeta{
			State:           txn.StatePending,
			CoordinatorID:   coordinatorID,
			CommitPartition: &cp,
		}
	})
}

// appendTxOp registers an in-flight operation of the transaction so that the
// write intent switch can drain it. Fails once the transaction is finalized.
func (l *Listener) appendTxOp(txID uuid.UUID, isUpdate bool, done <-chan error) error {
	l.txOpsMu.Lock()
	defer l.txOpsMu.Unlock()

	ops := l.txOps[txID]
	if ops == nil {
		ops = &txPendingOps{}
		l.txOps[txID] = ops
	}
	meta := l.volatileTx.Get(txID)
	if ops.finalized || (meta != nil && meta.State.Final()) {
		return errors.New("transaction is already finished")
	}
	if isUpdate {
		ops.updates = append(ops.updates, done)
	} else {
		ops.reads = append(ops.reads, done)
	}
	return nil
}

// drainTxOps finalizes the transaction's operation list and hands the
// accumulated futures to the caller. Subsequent operations of the
// transaction are rejected.
func (l *Listener) drainTxOps(txID uuid.UUID) (reads, updates []<-chan error) {
	l.txOpsMu.Lock()
	defer l.txOpsMu.Unlock()

	ops := l.txOps[txID]
	if ops == nil {
		ops = &txPendingOps{}
		l.txOps[txID] = ops
	}
	ops.finalized = true
	reads, updates = ops.reads, ops.updates
	ops.reads, ops.updates = nil, nil
	return reads, updates
}

func (l *Listener) forgetTxOps(txID uuid.UUID) {
	l.txOpsMu.Lock()
	defer l.txOpsMu.Unlock()
	delete(l.txOps, txID)
}

// runWriteOp frames one read-write mutation. Full (one-phase) transactions
// release every lock as soon as the operation — replication included —
// completes. Two-phase operations register their replication future for the
// write intent switch to drain.
func (l *Listener) runWriteOp(
	ctx context.Context,
	req *rwBase,
	op func() (*Result, error),
) (*Result, error) {
	l.enlistTx(req.TxID, req.CoordinatorID, req.CommitPartition)

	if req.Full {
		res, err := op()
		if err != nil {
			l.releaseTxLocks(req.TxID)
			return nil, err
		}
		if waitErr := res.WaitReplicated(); waitErr != nil {
			l.releaseTxLocks(req.TxID)
			return nil, l.wrapReplicationErr(waitErr)
		}
		l.releaseTxLocks(req.TxID)
		return immediate(res.Res), nil
	}

	done := make(chan error, 1)
	if err := l.appendTxOp(req.TxID, true, done); err != nil {
		close(done)
		return nil, err
	}

	res, err := op()
	if err != nil {
		done <- err
		close(done)
		return nil, err
	}
	go func() {
		done <- res.WaitReplicated()
		close(done)
	}()
	return res, nil
}

// runReadOp frames one read-write read so a concurrent intent switch waits
// for it.
func (l *Listener) runReadOp(txID uuid.UUID, op func() (interface{}, error)) (interface{}, error) {
	done := make(chan error, 1)
	if err := l.appendTxOp(txID, false, done); err != nil {
		close(done)
		return nil, err
	}
	res, err := op()
	done <- err
	close(done)
	return res, err
}
