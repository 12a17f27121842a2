package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AMashenkov/ignite-3/hlc"
)

func ts(physical int64) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical}
}

func TestTableExistence(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.AddTable(1, ts(10), 1)
	catalog.DropTable(1, ts(100))
	v := NewValidator(catalog)

	assert.Error(t, v.CheckTableExists(1, ts(5)))
	assert.NoError(t, v.CheckTableExists(1, ts(50)))
	assert.Error(t, v.CheckTableExists(1, ts(100)))
	assert.Error(t, v.CheckTableExists(2, ts(50)))
}

func TestSchemaMatch(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.AddTable(1, ts(10), 1)
	catalog.SetVersion(1, ts(50), 2)
	v := NewValidator(catalog)

	assert.NoError(t, v.CheckSchemaMatch(1, 1, ts(20)))
	assert.Error(t, v.CheckSchemaMatch(1, 1, ts(60)))
	assert.NoError(t, v.CheckSchemaMatch(1, 2, ts(60)))
}

func TestFailIfSchemaChangedSinceTxStart(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.AddTable(1, ts(10), 1)
	v := NewValidator(catalog)

	_, err := v.FailIfSchemaChangedSinceTxStart(1, ts(20), ts(40))
	require.NoError(t, err)

	catalog.SetVersion(1, ts(30), 2)
	_, err = v.FailIfSchemaChangedSinceTxStart(1, ts(20), ts(40))
	var incompatible *ErrIncompatibleSchema
	require.ErrorAs(t, err, &incompatible)
}

func TestForwardAtCommit(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.AddTable(1, ts(10), 1)
	v := NewValidator(catalog)

	require.NoError(t, v.CheckForwardAtCommit([]uint32{1}, ts(20), ts(40)))

	// Version bump between begin and commit: incompatible by default.
	catalog.SetVersion(1, ts(30), 2)
	require.Error(t, v.CheckForwardAtCommit([]uint32{1}, ts(20), ts(40)))

	// With a permissive compatibility predicate the commit passes.
	catalog.SetCompatibility(func(tableID uint32, from, to int) bool { return to >= from })
	require.NoError(t, v.CheckForwardAtCommit([]uint32{1}, ts(20), ts(40)))

	// A dropped table always fails closed.
	catalog.DropTable(1, ts(35))
	var notFound *ErrTableNotFound
	require.ErrorAs(t, v.CheckForwardAtCommit([]uint32{1}, ts(20), ts(40)), &notFound)
}

func TestBackwardRowCheck(t *testing.T) {
	catalog := NewStaticCatalog()
	catalog.AddTable(1, ts(10), 2)
	v := NewValidator(catalog)

	assert.NoError(t, v.CheckRowBackwardCompatible(1, 2, ts(20)))
	assert.Error(t, v.CheckRowBackwardCompatible(1, 1, ts(20)))

	catalog.SetCompatibility(func(tableID uint32, from, to int) bool { return true })
	assert.NoError(t, v.CheckRowBackwardCompatible(1, 1, ts(20)))
}
