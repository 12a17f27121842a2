package txn

import (
	"sync"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

// StateMeta is the volatile view of a transaction, kept in a process-wide map
// for the lifetime of the transaction on this node.
type StateMeta struct {
	State           State
	CoordinatorID   string
	CommitPartition *replication.GroupID
	CommitTS        *hlc.Timestamp
}

// Meta is the durable transaction record, persisted only on the commit
// partition and restricted to final states.
type Meta struct {
	State              State
	CommitTS           hlc.Timestamp
	EnlistedPartitions []replication.GroupID
	LocksReleased      bool
}

func (m *Meta) Result() TransactionResult {
	return TransactionResult{State: m.State, CommitTS: m.CommitTS}
}

// StateMap holds volatile transaction metas. Updates go through compare-and-
// swap style closures so concurrent observers never clobber a final state.
type StateMap struct {
	mu    sync.Mutex
	metas map[uuid.UUID]*StateMeta
}

func NewStateMap() *StateMap {
	return &StateMap{metas: make(map[uuid.UUID]*StateMeta)}
}

func (m *StateMap) Get(txID uuid.UUID) *StateMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metas[txID]
}

// Update applies fn to the current meta (nil when absent) and stores the
// returned one. Returning nil from fn removes the entry. A final stored state
// is never downgraded: fn's result is discarded if it weakens a final state.
func (m *StateMap) Update(txID uuid.UUID, fn func(old *StateMeta) *StateMeta) *StateMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.metas[txID]
	updated := fn(old)
	if old != nil && old.State.Final() && (updated == nil || !updated.State.Final()) {
		return old
	}
	if updated == nil {
		delete(m.metas, txID)
		return nil
	}
	m.metas[txID] = updated
	return updated
}

func (m *StateMap) Delete(txID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, txID)
}

// MarkFinished records the final outcome in the volatile map.
func (m *StateMap) MarkFinished(txID uuid.UUID, state State, commitTS *hlc.Timestamp) {
	m.Update(txID, func(old *StateMeta) *StateMeta {
		meta := &StateMeta{State: state, CommitTS: commitTS}
		if old != nil {
			meta.CoordinatorID = old.CoordinatorID
			meta.CommitPartition = old.CommitPartition
		}
		return meta
	})
}
