package schema

import (
	"context"
	"sort"
	"sync"

	"github.com/AMashenkov/ignite-3/hlc"
)

// CatalogService is the slice of the catalog the coordinator consults: table
// existence and schema versions as of a timestamp. The registry itself lives
// outside this module.
type CatalogService interface {
	// TableExistsAt reports whether the table exists at ts.
	TableExistsAt(tableID uint32, ts hlc.Timestamp) (bool, error)

	// TableVersionAt returns the table's schema version active at ts.
	TableVersionAt(tableID uint32, ts hlc.Timestamp) (int, error)

	// CatalogVersionAt returns the catalog version active at ts.
	CatalogVersionAt(ts hlc.Timestamp) (int, error)

	// CompatibleForward reports whether a transaction that began on fromVersion
	// may commit while toVersion is active.
	CompatibleForward(tableID uint32, fromVersion, toVersion int) (bool, error)

	// CompatibleBackward reports whether a row written under rowVersion may be
	// returned to a transaction that began on txVersion.
	CompatibleBackward(tableID uint32, rowVersion, txVersion int) (bool, error)
}

// SyncService delays operations until locally known metadata covers a
// timestamp, so key extraction never runs against a schema the node has not
// seen yet.
type SyncService interface {
	WaitForMetadataCompleteness(ctx context.Context, ts hlc.Timestamp) error
}

// NopSync is a SyncService for single-node setups and tests where metadata is
// always complete.
type NopSync struct{}

func (NopSync) WaitForMetadataCompleteness(ctx context.Context, ts hlc.Timestamp) error {
	return ctx.Err()
}

// tableHistory is one table's schema versions over time.
type tableHistory struct {
	createdAt hlc.Timestamp
	droppedAt *hlc.Timestamp
	// versions are (since, version) pairs ordered by since.
	versions []versionSince
}

type versionSince struct {
	since   hlc.Timestamp
	version int
}

// StaticCatalog is an in-process CatalogService fed by explicit registration
// calls. Forward/backward compatibility defaults to version equality;
// SetCompatibility installs one catalog-wide predicate, called with the table
// id, to loosen that.
type StaticCatalog struct {
	mu     sync.RWMutex
	tables map[uint32]*tableHistory
	// compatible, when set, overrides the equality default for both directions.
	compatible func(tableID uint32, from, to int) bool
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{tables: make(map[uint32]*tableHistory)}
}

// AddTable registers a table created at ts with an initial schema version.
func (c *StaticCatalog) AddTable(tableID uint32, createdAt hlc.Timestamp, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[tableID] = &tableHistory{
		createdAt: createdAt,
		versions:  []versionSince{{since: createdAt, version: version}},
	}
}

// SetVersion records a schema change taking effect at ts.
func (c *StaticCatalog) SetVersion(tableID uint32, since hlc.Timestamp, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.tables[tableID]
	if h == nil {
		return
	}
	h.versions = append(h.versions, versionSince{since: since, version: version})
	sort.Slice(h.versions, func(i, j int) bool {
		return h.versions[i].since.Before(h.versions[j].since)
	})
}

// DropTable records the table's removal at ts.
func (c *StaticCatalog) DropTable(tableID uint32, at hlc.Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h := c.tables[tableID]; h != nil {
		h.droppedAt = &at
	}
}

// SetCompatibility installs a compatibility predicate used for both forward
// and backward checks.
func (c *StaticCatalog) SetCompatibility(fn func(tableID uint32, from, to int) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compatible = fn
}

func (c *StaticCatalog) TableExistsAt(tableID uint32, ts hlc.Timestamp) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.tables[tableID]
	if h == nil || ts.Before(h.createdAt) {
		return false, nil
	}
	if h.droppedAt != nil && !ts.Before(*h.droppedAt) {
		return false, nil
	}
	return true, nil
}

func (c *StaticCatalog) TableVersionAt(tableID uint32, ts hlc.Timestamp) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.tables[tableID]
	if h == nil {
		return 0, nil
	}
	version := 0
	for _, v := range h.versions {
		if v.since.Compare(ts) <= 0 {
			version = v.version
		}
	}
	return version, nil
}

func (c *StaticCatalog) CatalogVersionAt(ts hlc.Timestamp) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	// The catalog version grows with every recorded schema event at or
	// before ts.
	version := 0
	for _, h := range c.tables {
		for _, v := range h.versions {
			if v.since.Compare(ts) <= 0 {
				version++
			}
		}
		if h.droppedAt != nil && h.droppedAt.Compare(ts) <= 0 {
			version++
		}
	}
	return version, nil
}

func (c *StaticCatalog) CompatibleForward(tableID uint32, from, to int) (bool, error) {
	return c.compat(tableID, from, to), nil
}

func (c *StaticCatalog) CompatibleBackward(tableID uint32, rowVersion, txVersion int) (bool, error) {
	return c.compat(tableID, rowVersion, txVersion), nil
}

func (c *StaticCatalog) compat(tableID uint32, from, to int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.compatible != nil {
		return c.compatible(tableID, from, to)
	}
	return from == to
}
