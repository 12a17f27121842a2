package replica

import (
	"fmt"

	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

// ErrPrimaryReplicaMiss rejects a request whose enlistment consistency token
// does not name the current lease, or that reached a non-primary replica.
// Retryable: the client refreshes its primary view and resends.
type ErrPrimaryReplicaMiss struct {
	LocalName     string
	Leaseholder   string
	ExpectedToken uint64
	ActualToken   uint64
}

func (e *ErrPrimaryReplicaMiss) Error() string {
	return fmt.Sprintf("primary replica miss on %s: leaseholder %q, expected token %d, got %d",
		e.LocalName, e.Leaseholder, e.ExpectedToken, e.ActualToken)
}

// ErrTransactionAlreadyFinished rejects a finish retry whose outcome differs
// from the durably stored one. TxResult carries the stored outcome.
type ErrTransactionAlreadyFinished struct {
	TxResult txn.TransactionResult
}

func (e *ErrTransactionAlreadyFinished) Error() string {
	return fmt.Sprintf("transaction already finished with %s", e.TxResult)
}

// ErrIncompatibleSchemaAbort reports a commit turned into an abort by the
// forward schema validation. The transaction is already finalized as aborted
// when this error surfaces.
type ErrIncompatibleSchemaAbort struct {
	Cause error
}

func (e *ErrIncompatibleSchemaAbort) Error() string {
	return fmt.Sprintf("transaction was aborted: %v", e.Cause)
}

// ErrUnexpectedTransactionState is produced by the apply path when a finish
// command collides with an outcome already written by a concurrent recovery.
type ErrUnexpectedTransactionState struct {
	TxResult txn.TransactionResult
}

func (e *ErrUnexpectedTransactionState) Error() string {
	return fmt.Sprintf("unexpected transaction state, stored outcome is %s", e.TxResult)
}

// ErrUnsupportedRequest flags a request kind the dispatch table does not
// know. Programming error.
type ErrUnsupportedRequest struct {
	Kind RequestKind
}

func (e *ErrUnsupportedRequest) Error() string {
	return fmt.Sprintf("unsupported replica request kind %s", e.Kind)
}

// ErrNodeStopping rejects requests arriving after shutdown began.
type ErrNodeStopping struct{}

func (e *ErrNodeStopping) Error() string {
	return "node is stopping"
}

// ErrReplicationTimeout surfaces a replicated command that got no answer
// within the SLA. Retryable by the caller.
type ErrReplicationTimeout struct {
	Group replication.GroupID
}

func (e *ErrReplicationTimeout) Error() string {
	return fmt.Sprintf("group %s: replication timed out", e.Group)
}

// ErrReplicationMaxRetriesExceeded is fatal for the request: the safe-time
// reorder retry budget ran out.
type ErrReplicationMaxRetriesExceeded struct {
	Group    replication.GroupID
	Attempts int
}

func (e *ErrReplicationMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("group %s: replication gave up after %d safe-time reorder retries", e.Group, e.Attempts)
}

// ErrReplication wraps any other replication or storage failure with the
// group id.
type ErrReplication struct {
	Group replication.GroupID
	Cause error
}

func (e *ErrReplication) Error() string {
	return fmt.Sprintf("group %s: replication failed: %v", e.Group, e.Cause)
}
