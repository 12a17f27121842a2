package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/placement"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

func TestReaderRecoversOrphanedTransaction(t *testing.T) {
	f := newFixture(t)

	// Committed baseline value.
	tx1 := f.begin()
	f.upsert(tx1, "k", "old")
	f.mustCommit(tx1)

	// A transaction coordinated by a node that then leaves the cluster.
	f.cluster.AddNode("coord-2")
	tx2 := f.begin()
	base := f.base(tx2)
	base.CoordinatorID = "coord-2"
	f.mustInvoke(&RWRowRequest{rwBase: base, RequestKind: RWUpsert, Row: testRow("k", "orphan")})
	f.cluster.RemoveNode("coord-2")

	// A snapshot reader trips over the write intent and triggers recovery:
	// the orphan is durably aborted, the prior committed value is returned.
	row := f.roGet("k", f.clock.Now())
	assert.Equal(t, "old", value(row))

	meta, err := f.txStates.Get(tx2)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, txn.StateAborted, meta.State)
}

func TestOrphanWithoutPriorValueReadsNull(t *testing.T) {
	f := newFixture(t)

	f.cluster.AddNode("coord-2")
	txID := f.begin()
	base := f.base(txID)
	base.CoordinatorID = "coord-2"
	f.mustInvoke(&RWRowRequest{rwBase: base, RequestKind: RWInsert, Row: testRow("k", "orphan")})
	f.cluster.RemoveNode("coord-2")

	assert.Nil(t, f.roGet("k", f.clock.Now()))
}

func TestTxRecoveryRequestRollsBackPending(t *testing.T) {
	f := newFixture(t)

	f.cluster.AddNode("coord-2")
	txID := f.begin()
	base := f.base(txID)
	base.CoordinatorID = "coord-2"
	f.mustInvoke(&RWRowRequest{rwBase: base, RequestKind: RWInsert, Row: testRow("k", "v")})
	f.cluster.RemoveNode("coord-2")

	res := f.mustInvoke(&TxRecoveryRequest{TxID: txID, SenderID: "node-9"})
	result := res.Res.(txn.TransactionResult)
	assert.Equal(t, txn.StateAborted, result.State)

	meta, err := f.txStates.Get(txID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, txn.StateAborted, meta.State)
}

func TestTxRecoveryOnFinalizedReplaysCleanup(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	commitTS := f.clock.Now()
	require.NoError(t, f.txStates.Put(txID, &txn.Meta{
		State:              txn.StateCommitted,
		CommitTS:           commitTS,
		EnlistedPartitions: []replication.GroupID{f.group},
	}))

	res := f.mustInvoke(&TxRecoveryRequest{TxID: txID})
	assert.Equal(t, txn.StateCommitted, res.Res.(txn.TransactionResult).State)

	require.Eventually(t, func() bool {
		meta, err := f.txStates.Get(txID)
		return err == nil && meta != nil && meta.LocksReleased
	}, time.Second, 10*time.Millisecond)
}

func TestTxStateCommitPartitionServesFinalState(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()
	f.upsert(txID, "k", "v")
	expected := f.mustCommit(txID)

	res := f.mustInvoke(&TxStateCommitPartitionRequest{TxID: txID, Token: f.token})
	result := res.Res.(txn.TransactionResult)
	assert.Equal(t, expected.State, result.State)
	assert.Equal(t, expected.CommitTS, result.CommitTS)
}

func TestPrimaryElectedSweepReleasesLocks(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	require.NoError(t, f.txStates.Put(txID, &txn.Meta{
		State:              txn.StateAborted,
		EnlistedPartitions: []replication.GroupID{f.group},
	}))

	f.listener.OnLeaseEvent(placement.LeaseEvent{
		Kind:        placement.PrimaryElected,
		Group:       f.group,
		Leaseholder: localNode,
		StartTime:   f.clock.Now(),
	})

	require.Eventually(t, func() bool {
		meta, err := f.txStates.Get(txID)
		return err == nil && meta != nil && meta.LocksReleased
	}, time.Second, 10*time.Millisecond)
}

func TestRecoveryLosesRaceAgainstLateCommit(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	commitTS := f.clock.Now()
	require.NoError(t, f.txStates.Put(txID, &txn.Meta{
		State:              txn.StateCommitted,
		CommitTS:           commitTS,
		EnlistedPartitions: []replication.GroupID{f.group},
	}))

	// Recovery of an already-committed transaction must not flip the
	// outcome: the stored result is surfaced instead.
	result, err := f.listener.ResolveTxStateLocally(context.Background(), txID)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCommitted, result.State)
	assert.Equal(t, commitTS, result.CommitTS)
}

func TestSafeTimeSyncAdvancesWatermark(t *testing.T) {
	f := newFixture(t)

	before := f.listener.SafeTime().Current()
	f.mustInvoke(&SafeTimeSyncRequest{})
	after := f.listener.SafeTime().Current()
	assert.True(t, after.After(before))

	// A snapshot reader below the fresh watermark is served even by a
	// non-primary replica.
	f.driver.SetLease(f.group, placement.ReplicaMeta{
		Leaseholder:    "node-2",
		StartTime:      hlc.Timestamp{Physical: 3},
		ExpirationTime: hlc.Max,
	})
	assert.Nil(t, f.roGet("missing", hlc.Timestamp{Physical: after.Physical - 1}))
}
