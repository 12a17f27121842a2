package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/txn"
)

func TestFinishRetryIdempotent(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()
	f.upsert(txID, "k", "v")

	first := f.mustCommit(txID)
	second, err := f.finish(txID, true)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.CommitTS, second.CommitTS)
}

func TestFinishDifferentOutcomeRejected(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	// A committed meta with locks not yet durably released: a rollback retry
	// must fail with the stored outcome.
	commitTS := f.clock.Now()
	require.NoError(t, f.txStates.Put(txID, &txn.Meta{
		State:              txn.StateCommitted,
		CommitTS:           commitTS,
		EnlistedPartitions: []replication.GroupID{f.group},
	}))

	_, err := f.finish(txID, false)
	already, ok := err.(*ErrTransactionAlreadyFinished)
	require.True(t, ok, "got %T: %v", err, err)
	assert.Equal(t, txn.StateCommitted, already.TxResult.State)
	assert.Equal(t, commitTS, already.TxResult.CommitTS)
}

func TestFinishAfterLocksReleasedReturnsStoredOutcome(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	commitTS := f.clock.Now()
	require.NoError(t, f.txStates.Put(txID, &txn.Meta{
		State:              txn.StateCommitted,
		CommitTS:           commitTS,
		EnlistedPartitions: []replication.GroupID{f.group},
		LocksReleased:      true,
	}))

	// Even a rollback retry succeeds with the stored committed outcome once
	// the locks are durably released.
	result, err := f.finish(txID, false)
	require.NoError(t, err)
	assert.Equal(t, txn.StateCommitted, result.State)
}

func TestCommitEventuallyMarksLocksReleased(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()
	f.upsert(txID, "k", "v")
	f.mustCommit(txID)

	require.Eventually(t, func() bool {
		meta, err := f.txStates.Get(txID)
		return err == nil && meta != nil && meta.LocksReleased
	}, time.Second, 10*time.Millisecond)
}

func TestCommitAbortsOnForwardIncompatibleSchema(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()
	f.upsert(txID, "k", "v")

	// The schema moves forward after the write but before the commit.
	f.catalog.SetVersion(testTableID, f.clock.Now(), 2)

	_, err := f.finish(txID, true)
	aborted, ok := err.(*ErrIncompatibleSchemaAbort)
	require.True(t, ok, "got %T: %v", err, err)
	require.Error(t, aborted.Cause)

	// The transaction is durably aborted and its write is gone.
	meta, err := f.txStates.Get(txID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, txn.StateAborted, meta.State)

	// The read declares the schema version now in force (2).
	readTS := f.clock.Now()
	res := f.mustInvoke(&ROGetRequest{
		RequestKind:   ROGet,
		TxID:          txn.NewTxID(readTS),
		PK:            pk("k"),
		ReadTS:        readTS,
		SchemaVersion: 2,
	})
	assert.Nil(t, res.Res)
}

func TestWriteAfterFinishRejected(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()
	f.upsert(txID, "k", "v")
	f.mustCommit(txID)

	_, err := f.invoke(&RWRowRequest{rwBase: f.base(txID), RequestKind: RWUpsert, Row: testRow("k", "v2")})
	require.Error(t, err)
}

func TestWriteIntentSwitchVisibility(t *testing.T) {
	f := newFixture(t)

	tx1 := f.begin()
	f.upsert(tx1, "k", "v1")
	result := f.mustCommit(tx1)

	// Snapshots at or after the switch timestamp see the committed row;
	// snapshots before it do not.
	assert.Equal(t, "v1", value(f.roGet("k", result.CommitTS)))
	assert.Nil(t, f.roGet("k", hlc.Timestamp{Physical: result.CommitTS.Physical - 1}))
}

func TestSchemaChangeBetweenBeginAndWriteFails(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	f.catalog.SetVersion(testTableID, f.clock.Now(), 2)

	_, err := f.invoke(&RWRowRequest{rwBase: f.base(txID), RequestKind: RWUpsert, Row: testRow("k", "v")})
	require.Error(t, err)
}
