package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/placement"
	"github.com/AMashenkov/ignite-3/tuple"
)

func TestStaleEnlistmentTokenRejected(t *testing.T) {
	f := newFixture(t)
	txID := f.begin()

	base := f.base(txID)
	base.Token = f.token + 1
	_, err := f.invoke(&RWRowRequest{rwBase: base, RequestKind: RWUpsert, Row: testRow("k", "v")})

	miss, ok := err.(*ErrPrimaryReplicaMiss)
	require.True(t, ok, "got %T: %v", err, err)
	assert.Equal(t, f.token+1, miss.ExpectedToken)
	assert.Equal(t, f.token, miss.ActualToken)

	// Rejected before any side effect: no locks, no storage rows.
	_, held := f.locks.Held(txID, lock.NewTableKey(testTableID))
	assert.False(t, held)
	count := 0
	require.NoError(t, f.storage.ScanRowIDs(func(mvcc.RowID) bool {
		count++
		return true
	}))
	assert.Zero(t, count)
}

func TestExpiredLeaseRejected(t *testing.T) {
	f := newFixture(t)

	start := hlc.Timestamp{Physical: 2}
	f.driver.SetLease(f.group, placement.ReplicaMeta{
		Leaseholder:    localNode,
		StartTime:      start,
		ExpirationTime: hlc.Timestamp{Physical: 3},
	})

	txID := f.begin()
	base := f.base(txID)
	base.Token = start.Pack()
	_, err := f.invoke(&RWRowRequest{rwBase: base, RequestKind: RWUpsert, Row: testRow("k", "v")})
	_, ok := err.(*ErrPrimaryReplicaMiss)
	require.True(t, ok, "got %T: %v", err, err)
}

func TestNoLeaseRejected(t *testing.T) {
	f := newFixture(t)
	f.driver.DropLease(f.group)

	txID := f.begin()
	_, err := f.invoke(&RWRowRequest{rwBase: f.base(txID), RequestKind: RWUpsert, Row: testRow("k", "v")})
	_, ok := err.(*ErrPrimaryReplicaMiss)
	require.True(t, ok, "got %T: %v", err, err)
}

func TestUnknownTableRejected(t *testing.T) {
	f := newFixture(t)
	f.catalog.DropTable(testTableID, f.clock.Now())

	txID := f.begin()
	_, err := f.invoke(&RWRowRequest{rwBase: f.base(txID), RequestKind: RWUpsert, Row: testRow("k", "v")})
	require.Error(t, err)
}

func TestSchemaVersionMismatchRejected(t *testing.T) {
	f := newFixture(t)

	txID := f.begin()
	base := f.base(txID)
	base.SchemaVersion = 9
	_, err := f.invoke(&RWRowRequest{rwBase: base, RequestKind: RWUpsert, Row: testRow("k", "v")})
	require.Error(t, err)
}

func TestDirectGetReadsLatestCommitted(t *testing.T) {
	f := newFixture(t)
	f.seedCommitted("k", "v")

	res := f.mustInvoke(&RODirectGetRequest{PK: pk("k"), SchemaVersion: 1})
	row := res.Res.(*tuple.BinaryRow)
	assert.Equal(t, "v", value(row))

	res = f.mustInvoke(&RODirectGetAllRequest{
		PKs:           []tuple.BinaryTuple{pk("k"), pk("missing")},
		SchemaVersion: 1,
	})
	rows := res.Res.([]*tuple.BinaryRow)
	require.Len(t, rows, 2)
	assert.Equal(t, "v", value(rows[0]))
	assert.Nil(t, rows[1])
}

func TestReadOnlyGetAll(t *testing.T) {
	f := newFixture(t)
	f.seedCommitted("a", "1", "b", "2")

	readTS := f.clock.Now()
	res := f.mustInvoke(&ROGetAllRequest{
		RequestKind:   ROGetAll,
		PKs:           []tuple.BinaryTuple{pk("a"), pk("c")},
		ReadTS:        readTS,
		SchemaVersion: 1,
	})
	rows := res.Res.([]*tuple.BinaryRow)
	require.Len(t, rows, 2)
	assert.Equal(t, "1", value(rows[0]))
	assert.Nil(t, rows[1])
}
