package schema

import (
	"fmt"

	"github.com/AMashenkov/ignite-3/hlc"
)

// Validator runs the schema checks of the request prelude, the post-lock write
// validation, and the commit-time forward validation.
type Validator struct {
	catalog CatalogService
}

func NewValidator(catalog CatalogService) *Validator {
	return &Validator{catalog: catalog}
}

// ErrTableNotFound is raised when a table is missing at the operation
// timestamp.
type ErrTableNotFound struct {
	TableID uint32
	TS      hlc.Timestamp
}

func (e *ErrTableNotFound) Error() string {
	return fmt.Sprintf("table %d does not exist at %s", e.TableID, e.TS)
}

// ErrIncompatibleSchema is raised when a declared or observed schema version
// does not line up with the catalog.
type ErrIncompatibleSchema struct {
	TableID  uint32
	Expected int
	Actual   int
	Reason   string
}

func (e *ErrIncompatibleSchema) Error() string {
	return fmt.Sprintf("incompatible schema for table %d: %s (expected %d, got %d)",
		e.TableID, e.Reason, e.Expected, e.Actual)
}

// CatalogVersionAt exposes the catalog version for command stamping.
func (v *Validator) CatalogVersionAt(ts hlc.Timestamp) (int, error) {
	return v.catalog.CatalogVersionAt(ts)
}

// CheckTableExists validates table existence at the operation timestamp.
func (v *Validator) CheckTableExists(tableID uint32, ts hlc.Timestamp) error {
	ok, err := v.catalog.TableExistsAt(tableID, ts)
	if err != nil {
		return err
	}
	if !ok {
		return &ErrTableNotFound{TableID: tableID, TS: ts}
	}
	return nil
}

// CheckSchemaMatch validates a request-declared schema version against the
// table's version at ts.
func (v *Validator) CheckSchemaMatch(tableID uint32, declared int, ts hlc.Timestamp) error {
	actual, err := v.catalog.TableVersionAt(tableID, ts)
	if err != nil {
		return err
	}
	if declared != actual {
		return &ErrIncompatibleSchema{
			TableID:  tableID,
			Expected: actual,
			Actual:   declared,
			Reason:   "request schema version mismatch",
		}
	}
	return nil
}

// FailIfSchemaChangedSinceTxStart runs the post-lock write validation: the
// table's schema at opTS must equal the one at the transaction's begin
// timestamp. It returns the catalog version at opTS for stamping the command.
func (v *Validator) FailIfSchemaChangedSinceTxStart(tableID uint32, beginTS, opTS hlc.Timestamp) (int, error) {
	beginVersion, err := v.catalog.TableVersionAt(tableID, beginTS)
	if err != nil {
		return 0, err
	}
	opVersion, err := v.catalog.TableVersionAt(tableID, opTS)
	if err != nil {
		return 0, err
	}
	if beginVersion != opVersion {
		return 0, &ErrIncompatibleSchema{
			TableID:  tableID,
			Expected: beginVersion,
			Actual:   opVersion,
			Reason:   "schema changed since transaction start",
		}
	}
	return v.catalog.CatalogVersionAt(opTS)
}

// CheckRowBackwardCompatible validates a read row's schema version against the
// transaction's begin version.
func (v *Validator) CheckRowBackwardCompatible(tableID uint32, rowVersion int, beginTS hlc.Timestamp) error {
	txVersion, err := v.catalog.TableVersionAt(tableID, beginTS)
	if err != nil {
		return err
	}
	if rowVersion == txVersion {
		return nil
	}
	ok, err := v.catalog.CompatibleBackward(tableID, rowVersion, txVersion)
	if err != nil {
		return err
	}
	if !ok {
		return &ErrIncompatibleSchema{
			TableID:  tableID,
			Expected: txVersion,
			Actual:   rowVersion,
			Reason:   "row schema not backward-compatible",
		}
	}
	return nil
}

// CheckForwardAtCommit validates every enlisted table at the commit timestamp:
// the table must still exist and its schema must be forward-compatible with
// the one the transaction began on. Fail-closed on a dropped table.
func (v *Validator) CheckForwardAtCommit(tableIDs []uint32, beginTS, commitTS hlc.Timestamp) error {
	for _, tableID := range tableIDs {
		ok, err := v.catalog.TableExistsAt(tableID, commitTS)
		if err != nil {
			return err
		}
		if !ok {
			return &ErrTableNotFound{TableID: tableID, TS: commitTS}
		}
		beginVersion, err := v.catalog.TableVersionAt(tableID, beginTS)
		if err != nil {
			return err
		}
		commitVersion, err := v.catalog.TableVersionAt(tableID, commitTS)
		if err != nil {
			return err
		}
		if beginVersion == commitVersion {
			continue
		}
		compat, err := v.catalog.CompatibleForward(tableID, beginVersion, commitVersion)
		if err != nil {
			return err
		}
		if !compat {
			return &ErrIncompatibleSchema{
				TableID:  tableID,
				Expected: beginVersion,
				Actual:   commitVersion,
				Reason:   "schema at commit not forward-compatible",
			}
		}
	}
	return nil
}
