package replica

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/index"
	"github.com/AMashenkov/ignite-3/mvcc"
)

type cursorKey struct {
	txID   uuid.UUID
	scanID uint64
}

// scanCursor is the memoized position of one scan. Row-id backed shapes
// (full partition scan, hash-index lookup) materialize the id list up front;
// sorted range scans walk the index lazily.
type scanCursor struct {
	mu sync.Mutex

	// Row-id backed shapes.
	rowIDs []mvcc.RowID
	pos    int

	// Sorted range scans.
	sorted *index.Cursor
	upper  *index.Bound
}

func (c *scanCursor) nextRowID() (mvcc.RowID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.rowIDs) {
		return mvcc.RowID{}, false
	}
	id := c.rowIDs[c.pos]
	c.pos++
	return id, true
}

// cursorRegistry keys cursors by (txId, scanId). Cursors die with the scan
// close or the transaction finish.
type cursorRegistry struct {
	mu      sync.Mutex
	cursors map[cursorKey]*scanCursor
}

func newCursorRegistry() *cursorRegistry {
	return &cursorRegistry{cursors: make(map[cursorKey]*scanCursor)}
}

// getOrCreate memoizes the cursor built by create on first use.
func (r *cursorRegistry) getOrCreate(key cursorKey, create func() (*scanCursor, error)) (*scanCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[key]; ok {
		return cur, nil
	}
	cur, err := create()
	if err != nil {
		return nil, err
	}
	r.cursors[key] = cur
	return cur, nil
}

func (r *cursorRegistry) close(key cursorKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, key)
}

// closeAllForTx drops every cursor of the transaction.
func (r *cursorRegistry) closeAllForTx(txID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cursors {
		if key.txID == txID {
			delete(r.cursors, key)
		}
	}
}

// closeAll drops every leftover cursor and reports how many there were.
func (r *cursorRegistry) closeAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.cursors)
	r.cursors = make(map[cursorKey]*scanCursor)
	return n
}
