package lock

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Manager grants typed locks to transactions. It is the single serialization
// point between transactions: a request blocks while any other transaction
// holds the same key in an incompatible mode.
//
// There is one entry per key, guarded by a manager-wide mutex. A blocked
// request parks on a channel that is closed whenever the key's hold set
// shrinks, then re-checks. Lock waits honor context cancellation.
type Manager struct {
	mu      sync.Mutex
	entries map[Key]*entry
	byTx    map[uuid.UUID]map[Key]Mode
}

type entry struct {
	holders map[uuid.UUID]Mode
	// changed is closed and replaced whenever a holder releases, waking
	// every waiter to re-check compatibility.
	changed chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[Key]*entry),
		byTx:    make(map[uuid.UUID]map[Key]Mode),
	}
}

// Acquire blocks until txID holds key in at least the requested mode.
// Re-acquisition by the same transaction merges modes (S then X upgrades).
func (m *Manager) Acquire(ctx context.Context, txID uuid.UUID, key Key, mode Mode) (Lock, error) {
	for {
		m.mu.Lock()
		e := m.entries[key]
		if e == nil {
			e = &entry{holders: make(map[uuid.UUID]Mode), changed: make(chan struct{})}
			m.entries[key] = e
		}

		want := mode
		if held, ok := e.holders[txID]; ok {
			want = Supremum(held, mode)
			if want == held {
				m.mu.Unlock()
				return Lock{TxID: txID, Key: key, Mode: held}, nil
			}
		}

		conflict := false
		for holder, held := range e.holders {
			if holder == txID {
				continue
			}
			if !Compatible(held, want) {
				conflict = true
				break
			}
		}

		if !conflict {
			e.holders[txID] = want
			txLocks := m.byTx[txID]
			if txLocks == nil {
				txLocks = make(map[Key]Mode)
				m.byTx[txID] = txLocks
			}
			txLocks[key] = want
			m.mu.Unlock()
			return Lock{TxID: txID, Key: key, Mode: want}, nil
		}

		wait := e.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Lock{}, ctx.Err()
		}
	}
}

// Release drops a single lock. Releasing a mode weaker than the held one keeps
// the stronger residue in place, so releasing a short-term S lock does not
// strip a long-term X upgrade.
func (m *Manager) Release(txID uuid.UUID, key Key, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		return
	}
	held, ok := e.holders[txID]
	if !ok {
		return
	}
	if Supremum(held, mode) != mode {
		// Held mode is strictly stronger, keep it.
		return
	}
	m.dropLocked(e, key, txID)
}

// ReleaseAll drops every lock held by the transaction.
func (m *Manager) ReleaseAll(txID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.byTx[txID] {
		if e := m.entries[key]; e != nil {
			m.dropLocked(e, key, txID)
		}
	}
}

// Held reports the mode txID holds on key, if any.
func (m *Manager) Held(txID uuid.UUID, key Key) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		return 0, false
	}
	mode, ok := e.holders[txID]
	return mode, ok
}

func (m *Manager) dropLocked(e *entry, key Key, txID uuid.UUID) {
	delete(e.holders, txID)
	if txLocks := m.byTx[txID]; txLocks != nil {
		delete(txLocks, key)
		if len(txLocks) == 0 {
			delete(m.byTx, txID)
		}
	}
	if len(e.holders) == 0 {
		delete(m.entries, key)
	}
	close(e.changed)
	e.changed = make(chan struct{})
}
