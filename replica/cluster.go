package replica

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

// LocalCluster wires co-located partition listeners of one process: it routes
// transaction cleanup and commit-partition state lookups between them and
// tracks the node roster. It implements the TxManager,
// txn.CommitPartitionClient and txn.Topology capabilities the listeners are
// built against.
type LocalCluster struct {
	mu        sync.RWMutex
	listeners map[replication.GroupID]*Listener
	nodes     map[string]struct{}
}

func NewLocalCluster() *LocalCluster {
	return &LocalCluster{
		listeners: make(map[replication.GroupID]*Listener),
		nodes:     make(map[string]struct{}),
	}
}

func (c *LocalCluster) Register(l *Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[l.Group()] = l
}

func (c *LocalCluster) listener(group replication.GroupID) *Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.listeners[group]
}

// AddNode puts a node on the roster.
func (c *LocalCluster) AddNode(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = struct{}{}
}

// RemoveNode drops a node from the roster; its pending transactions become
// recoverable.
func (c *LocalCluster) RemoveNode(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, name)
}

func (c *LocalCluster) NodeAlive(nodeID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[nodeID]
	return ok
}

// Cleanup runs the write intent switch on every enlisted partition and waits
// for the switch commands to replicate, so the caller may durably mark the
// transaction's locks as released afterwards.
func (c *LocalCluster) Cleanup(
	ctx context.Context,
	partitions []replication.GroupID,
	commit bool,
	commitTS hlc.Timestamp,
	txID uuid.UUID,
) error {
	for _, group := range partitions {
		target := c.listener(group)
		if target == nil {
			return errors.Errorf("no listener registered for group %s", group)
		}
		res, err := target.Invoke(ctx, &WriteIntentSwitchRequest{
			TxID:     txID,
			Commit:   commit,
			CommitTS: commitTS,
		})
		if err != nil {
			return err
		}
		if err := res.WaitReplicated(); err != nil {
			return err
		}
	}
	return nil
}

// ResolveTxState asks the commit partition for the transaction's durable
// state, triggering recovery there when the coordinator is gone.
func (c *LocalCluster) ResolveTxState(
	ctx context.Context,
	group replication.GroupID,
	txID uuid.UUID,
) (txn.TransactionResult, error) {
	target := c.listener(group)
	if target == nil {
		return txn.TransactionResult{}, errors.Errorf("no listener registered for group %s", group)
	}
	return target.ResolveTxStateLocally(ctx, txID)
}

// ResolveTxStateLocally serves commit-partition state resolution for
// co-located partitions, bypassing the lease gatekeeper of the public
// request path.
func (l *Listener) ResolveTxStateLocally(ctx context.Context, txID uuid.UUID) (txn.TransactionResult, error) {
	if !l.busy.enter() {
		return txn.TransactionResult{}, &ErrNodeStopping{}
	}
	defer l.busy.leave()
	return l.processTxStateCommitPartition(ctx, &TxStateCommitPartitionRequest{TxID: txID})
}
