package replication

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

type recordingRaft struct {
	submitted []Command
	// failures holds one error per leading attempt, returned in order.
	failures []error
}

func (r *recordingRaft) Run(ctx context.Context, cmd Command) (interface{}, error) {
	r.submitted = append(r.submitted, cmd)
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	return nil, nil
}

func groupForTest() GroupID {
	return GroupID{TableID: 5, PartitionID: 0}
}

func TestSubmitStampsMonotoneSafeTime(t *testing.T) {
	raft := &recordingRaft{}
	d := NewDispatcher(groupForTest(), hlc.NewClock(), raft)

	for i := 0; i < 5; i++ {
		_, err := d.Submit(context.Background(), &SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: groupForTest()}})
		require.NoError(t, err)
	}
	require.Len(t, raft.submitted, 5)
	for i := 1; i < 5; i++ {
		assert.True(t, raft.submitted[i-1].SafeTime().Before(raft.submitted[i].SafeTime()))
	}
}

func TestSubmitRetriesOnReorderWithFreshSafeTime(t *testing.T) {
	group := groupForTest()
	raft := &recordingRaft{failures: []error{
		&SafeTimeReorderError{Group: group},
		&SafeTimeReorderError{Group: group},
	}}
	d := NewDispatcher(group, hlc.NewClock(), raft)

	_, err := d.Submit(context.Background(), &SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: group}})
	require.NoError(t, err)
	require.Len(t, raft.submitted, 3)
	assert.True(t, raft.submitted[0].SafeTime().Before(raft.submitted[1].SafeTime()))
	assert.True(t, raft.submitted[1].SafeTime().Before(raft.submitted[2].SafeTime()))
}

func TestSubmitRetryBudgetExhausted(t *testing.T) {
	group := groupForTest()
	raft := &recordingRaft{}
	for i := 0; i < 10; i++ {
		raft.failures = append(raft.failures, &SafeTimeReorderError{Group: group})
	}
	d := NewDispatcher(group, hlc.NewClock(), raft)

	_, err := d.Submit(context.Background(), &SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: group}})
	require.Error(t, err)
	_, ok := err.(*MaxRetriesExceededError)
	require.True(t, ok, "got %T", err)
	assert.Len(t, raft.submitted, MaxRetriesOnSafeTimeReordering+1)
}

func TestSubmitLocalApplyRunsOnce(t *testing.T) {
	group := groupForTest()
	raft := &recordingRaft{failures: []error{&SafeTimeReorderError{Group: group}}}
	d := NewDispatcher(group, hlc.NewClock(), raft)

	applied := 0
	_, err := d.SubmitWithLocalApply(context.Background(),
		&SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: group}},
		func(cmd Command) error {
			applied++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Len(t, raft.submitted, 2)
}

func TestSubmitNonReorderErrorPropagates(t *testing.T) {
	group := groupForTest()
	raft := &recordingRaft{failures: []error{&TimeoutError{Group: group}}}
	d := NewDispatcher(group, hlc.NewClock(), raft)

	_, err := d.Submit(context.Background(), &SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: group}})
	_, ok := err.(*TimeoutError)
	require.True(t, ok)
	assert.Len(t, raft.submitted, 1)
}

func TestCodecRoundTrip(t *testing.T) {
	codec := BinaryCodec{}
	last := hlc.Timestamp{Physical: 33, Logical: 1}
	cmds := []Command{
		&UpdateCommand{
			CommandBase:     CommandBase{GroupID: groupForTest(), Safe: ts(10), CatalogVersion: 3},
			TxID:            uuid.New(),
			CommitPartition: GroupID{TableID: 5, PartitionID: 0},
			Entry: UpdateEntry{
				RowID:        mvcc.NewRowID(0),
				Row:          &tuple.BinaryRow{SchemaVersion: 2, Data: []byte("payload")},
				LastCommitTS: &last,
			},
			Full:          true,
			CoordinatorID: "node-1",
		},
		&UpdateAllCommand{
			CommandBase:     CommandBase{GroupID: groupForTest(), Safe: ts(11), CatalogVersion: 3},
			TxID:            uuid.New(),
			CommitPartition: groupForTest(),
			Entries: []UpdateEntry{
				{RowID: mvcc.NewRowID(0), Row: &tuple.BinaryRow{SchemaVersion: 2, Data: []byte("a")}},
				{RowID: mvcc.NewRowID(0)},
			},
			CoordinatorID: "node-2",
		},
		&FinishTxCommand{
			CommandBase:        CommandBase{GroupID: groupForTest(), Safe: ts(12), CatalogVersion: 4},
			TxID:               uuid.New(),
			Commit:             true,
			CommitTS:           ts(40),
			EnlistedPartitions: []GroupID{groupForTest(), {TableID: 6, PartitionID: 2}},
		},
		&WriteIntentSwitchCommand{
			CommandBase: CommandBase{GroupID: groupForTest(), Safe: ts(13)},
			TxID:        uuid.New(),
			Commit:      false,
			CommitTS:    ts(41),
		},
		&MarkLocksReleasedCommand{CommandBase: CommandBase{GroupID: groupForTest(), Safe: ts(14)}, TxID: uuid.New()},
		&BuildIndexCommand{
			CommandBase: CommandBase{GroupID: groupForTest(), Safe: ts(15), CatalogVersion: 5},
			IndexID:     9,
			RowIDs:      []mvcc.RowID{mvcc.NewRowID(0), mvcc.NewRowID(0)},
			Finish:      true,
		},
		&SafeTimeSyncCommand{CommandBase: CommandBase{GroupID: groupForTest(), Safe: ts(16)}},
	}

	for _, cmd := range cmds {
		data, err := codec.Marshal(cmd)
		require.NoError(t, err)
		decoded, err := codec.Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, cmd, decoded)
	}
}
