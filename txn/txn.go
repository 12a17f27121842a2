package txn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
)

// State of a transaction. Pending, Finishing and Abandoned are volatile-only;
// durable meta is restricted to the final states.
type State int

const (
	StateNone State = iota
	StatePending
	StateFinishing
	StateCommitted
	StateAborted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StatePending:
		return "PENDING"
	case StateFinishing:
		return "FINISHING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	case StateAbandoned:
		return "ABANDONED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Final reports whether the state can never change again.
func (s State) Final() bool {
	return s == StateCommitted || s == StateAborted
}

// NewTxID derives a transaction id whose high bits carry the begin timestamp.
func NewTxID(beginTS hlc.Timestamp) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], beginTS.Pack())
	if _, err := rand.Read(id[8:]); err != nil {
		panic(err)
	}
	return id
}

// BeginTimestamp extracts the begin timestamp encoded in the id's high bits.
func BeginTimestamp(txID uuid.UUID) hlc.Timestamp {
	return hlc.Unpack(binary.BigEndian.Uint64(txID[:8]))
}

// TransactionResult is the durable outcome of a finished transaction.
type TransactionResult struct {
	State    State
	CommitTS hlc.Timestamp
}

func (r TransactionResult) String() string {
	return fmt.Sprintf("%s@%s", r.State, r.CommitTS)
}
