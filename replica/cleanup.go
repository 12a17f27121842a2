package replica

import (
	"context"
	"sync"

	"github.com/AMashenkov/ignite-3/mvcc"
)

// rowCleanupMap deduplicates per-row async intent cleanups. A reader that
// resolved an intent schedules a switch of just that row; a writer about to
// touch the same slot awaits the in-flight switch first.
type rowCleanupMap struct {
	mu       sync.Mutex
	inFlight map[mvcc.RowID]chan struct{}
}

func newRowCleanupMap() *rowCleanupMap {
	return &rowCleanupMap{inFlight: make(map[mvcc.RowID]chan struct{})}
}

// begin claims the row for cleanup. The second return is false when another
// cleanup is already running; the caller then must not run its own.
func (m *rowCleanupMap) begin(rowID mvcc.RowID) (done func(), claimed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[rowID]; ok {
		return nil, false
	}
	ch := make(chan struct{})
	m.inFlight[rowID] = ch
	return func() {
		m.mu.Lock()
		delete(m.inFlight, rowID)
		m.mu.Unlock()
		close(ch)
	}, true
}

// await blocks while a cleanup of the row is in flight.
func (m *rowCleanupMap) await(ctx context.Context, rowID mvcc.RowID) error {
	m.mu.Lock()
	ch, ok := m.inFlight[rowID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
