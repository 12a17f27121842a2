package txn

import (
	"context"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

// Topology answers whether a node is still part of the cluster roster. The
// coordinator uses it to tell a slow transaction from an orphaned one.
type Topology interface {
	NodeAlive(nodeID string) bool
}

// CommitPartitionClient reaches the commit partition of a transaction. The
// commit partition's primary serves the durable meta, initiating recovery
// when the transaction's coordinator is gone and no final state was written.
type CommitPartitionClient interface {
	ResolveTxState(ctx context.Context, group replication.GroupID, txID uuid.UUID) (TransactionResult, error)
}

// StateResolver resolves a transaction's state for write-intent readability
// decisions: volatile meta first, then the commit partition.
type StateResolver struct {
	volatile *StateMap
	topology Topology
	commit   CommitPartitionClient
}

func NewStateResolver(volatile *StateMap, topology Topology, commit CommitPartitionClient) *StateResolver {
	return &StateResolver{volatile: volatile, topology: topology, commit: commit}
}

// ResolveTxState returns the transaction's current state. A pending state is
// only trusted while the coordinator node is alive; otherwise the commit
// partition is consulted, which recovers (aborts) an abandoned transaction.
func (r *StateResolver) ResolveTxState(
	ctx context.Context,
	txID uuid.UUID,
	commitPartition replication.GroupID,
	readTS *hlc.Timestamp,
) (*StateMeta, error) {
	if meta := r.volatile.Get(txID); meta != nil {
		if meta.State.Final() {
			return meta, nil
		}
		if meta.State == StatePending || meta.State == StateFinishing {
			if meta.CoordinatorID == "" || r.topology.NodeAlive(meta.CoordinatorID) {
				return meta, nil
			}
			// Coordinator left the roster: the transaction is abandoned
			// until the commit partition says otherwise.
			r.volatile.Update(txID, func(old *StateMeta) *StateMeta {
				if old == nil || old.State.Final() {
					return old
				}
				cp := *old
				cp.State = StateAbandoned
				return &cp
			})
		}
	}

	result, err := r.commit.ResolveTxState(ctx, commitPartition, txID)
	if err != nil {
		return nil, err
	}

	var commitTS *hlc.Timestamp
	if result.State == StateCommitted {
		ts := result.CommitTS
		commitTS = &ts
	}
	meta := r.volatile.Update(txID, func(old *StateMeta) *StateMeta {
		if !result.State.Final() {
			return old
		}
		updated := &StateMeta{State: result.State, CommitTS: commitTS}
		if old != nil {
			updated.CoordinatorID = old.CoordinatorID
			updated.CommitPartition = old.CommitPartition
		}
		return updated
	})
	if meta == nil {
		meta = &StateMeta{State: result.State, CommitTS: commitTS}
	}
	return meta, nil
}
