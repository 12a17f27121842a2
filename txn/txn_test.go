package txn

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

func ts(physical int64) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical}
}

func TestTxIDCarriesBeginTimestamp(t *testing.T) {
	begin := hlc.Timestamp{Physical: 123456, Logical: 7}
	txID := NewTxID(begin)
	assert.Equal(t, begin, BeginTimestamp(txID))

	// Ids with the same begin timestamp are still distinct.
	assert.NotEqual(t, txID, NewTxID(begin))
}

func TestStateFinal(t *testing.T) {
	assert.False(t, StatePending.Final())
	assert.False(t, StateFinishing.Final())
	assert.False(t, StateAbandoned.Final())
	assert.True(t, StateCommitted.Final())
	assert.True(t, StateAborted.Final())
}

func TestStateMapFinalStateSticks(t *testing.T) {
	m := NewStateMap()
	txID := uuid.New()

	m.Update(txID, func(old *StateMeta) *StateMeta {
		return &StateMeta{State: StatePending, CoordinatorID: "node-1"}
	})
	commitTS := ts(10)
	m.MarkFinished(txID, StateCommitted, &commitTS)

	// An attempt to regress to pending is discarded.
	meta := m.Update(txID, func(old *StateMeta) *StateMeta {
		return &StateMeta{State: StatePending}
	})
	require.NotNil(t, meta)
	assert.Equal(t, StateCommitted, meta.State)
	assert.Equal(t, "node-1", meta.CoordinatorID)
}

func TestMemStateStorageRoundTrip(t *testing.T) {
	s := NewMemStateStorage()
	txID := uuid.New()

	got, err := s.Get(txID)
	require.NoError(t, err)
	assert.Nil(t, got)

	meta := &Meta{
		State:              StateCommitted,
		CommitTS:           ts(42),
		EnlistedPartitions: []replication.GroupID{{TableID: 5, PartitionID: 0}},
	}
	require.NoError(t, s.Put(txID, meta))

	got, err = s.Get(txID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, meta, got)

	// Stored copy is isolated from later mutation of the argument.
	meta.LocksReleased = true
	got, err = s.Get(txID)
	require.NoError(t, err)
	assert.False(t, got.LocksReleased)
}

func TestMetaCodecRoundTrip(t *testing.T) {
	meta := &Meta{
		State:         StateAborted,
		CommitTS:      ts(77),
		LocksReleased: true,
		EnlistedPartitions: []replication.GroupID{
			{TableID: 5, PartitionID: 0},
			{TableID: 6, PartitionID: 3},
		},
	}
	assert.Equal(t, meta, decodeMeta(encodeMeta(meta)))
}

type fixedTopology map[string]bool

func (t fixedTopology) NodeAlive(nodeID string) bool { return t[nodeID] }

type fixedCommitPartition struct {
	result TransactionResult
	calls  int
}

func (c *fixedCommitPartition) ResolveTxState(
	ctx context.Context,
	group replication.GroupID,
	txID uuid.UUID,
) (TransactionResult, error) {
	c.calls++
	return c.result, nil
}

func TestResolverTrustsPendingWhileCoordinatorAlive(t *testing.T) {
	volatileMap := NewStateMap()
	commit := &fixedCommitPartition{result: TransactionResult{State: StateAborted}}
	r := NewStateResolver(volatileMap, fixedTopology{"node-1": true}, commit)

	txID := uuid.New()
	volatileMap.Update(txID, func(old *StateMeta) *StateMeta {
		return &StateMeta{State: StatePending, CoordinatorID: "node-1"}
	})

	meta, err := r.ResolveTxState(context.Background(), txID, replication.GroupID{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatePending, meta.State)
	assert.Equal(t, 0, commit.calls)
}

func TestResolverRecoversWhenCoordinatorDead(t *testing.T) {
	volatileMap := NewStateMap()
	commit := &fixedCommitPartition{result: TransactionResult{State: StateAborted}}
	r := NewStateResolver(volatileMap, fixedTopology{}, commit)

	txID := uuid.New()
	volatileMap.Update(txID, func(old *StateMeta) *StateMeta {
		return &StateMeta{State: StatePending, CoordinatorID: "gone"}
	})

	meta, err := r.ResolveTxState(context.Background(), txID, replication.GroupID{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAborted, meta.State)
	assert.Equal(t, 1, commit.calls)

	// The outcome is cached in the volatile map.
	assert.Equal(t, StateAborted, volatileMap.Get(txID).State)
}

func TestResolverUsesVolatileFinalState(t *testing.T) {
	volatileMap := NewStateMap()
	commit := &fixedCommitPartition{result: TransactionResult{State: StateAborted}}
	r := NewStateResolver(volatileMap, fixedTopology{}, commit)

	txID := uuid.New()
	commitTS := ts(10)
	volatileMap.MarkFinished(txID, StateCommitted, &commitTS)

	meta, err := r.ResolveTxState(context.Background(), txID, replication.GroupID{}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, meta.State)
	assert.Equal(t, 0, commit.calls)
}
