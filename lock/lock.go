package lock

import (
	"fmt"

	"github.com/google/uuid"
)

// Mode is a two-phase-locking lock mode.
type Mode int

const (
	IS Mode = iota
	IX
	S
	X
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case X:
		return "X"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// compatible is the standard 2PL compatibility matrix.
var compatible = [4][4]bool{
	IS: {IS: true, IX: true, S: true, X: false},
	IX: {IS: true, IX: true, S: false, X: false},
	S:  {IS: true, IX: false, S: true, X: false},
	X:  {IS: false, IX: false, S: false, X: false},
}

// Compatible reports whether a requested mode can coexist with a held one.
func Compatible(held, requested Mode) bool {
	return compatible[held][requested]
}

// Supremum returns the weakest mode at least as strong as both arguments.
// With the four-mode lattice the join of IX and S is X.
func Supremum(a, b Mode) Mode {
	if a == b {
		return a
	}
	if a > b {
		a, b = b, a
	}
	switch {
	case a == IS:
		return b
	case a == IX && b == S:
		return X
	default:
		return b
	}
}

// Space says what kind of object a key locks.
type Space int

const (
	SpaceTable Space = iota
	SpaceRow
	SpaceIndex
	SpaceIndexKey
)

// Key identifies a lockable object: a table, a row slot, an index, or a single
// index key.
type Key struct {
	Space Space
	ID    uint32
	Sub   string
}

func NewTableKey(tableID uint32) Key {
	return Key{Space: SpaceTable, ID: tableID}
}

func NewRowKey(tableID uint32, rowID []byte) Key {
	return Key{Space: SpaceRow, ID: tableID, Sub: string(rowID)}
}

func NewIndexKey(indexID uint32) Key {
	return Key{Space: SpaceIndex, ID: indexID}
}

func NewIndexEntryKey(indexID uint32, keyBytes []byte) Key {
	return Key{Space: SpaceIndexKey, ID: indexID, Sub: string(keyBytes)}
}

// Lock is a granted lock. Write paths collect granted short-term index locks
// and release them once the command applies locally.
type Lock struct {
	TxID uuid.UUID
	Key  Key
	Mode Mode
}
