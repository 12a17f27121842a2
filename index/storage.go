package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// Row is one index entry: an index key pointing at a row slot.
type Row struct {
	Key   tuple.BinaryTuple
	RowID mvcc.RowID
}

// Storage is the partition-local store of one index.
type Storage interface {
	ID() uint32
	Put(key tuple.BinaryTuple, rowID mvcc.RowID)
	Remove(key tuple.BinaryTuple, rowID mvcc.RowID)
	// Lookup returns the row ids filed under exactly key, in row-id order.
	Lookup(key tuple.BinaryTuple) []mvcc.RowID
}

// HashStorage is an exact-match index.
type HashStorage struct {
	id uint32
	mu sync.RWMutex
	m  map[string][]mvcc.RowID
}

func NewHashStorage(id uint32) *HashStorage {
	return &HashStorage{id: id, m: make(map[string][]mvcc.RowID)}
}

func (s *HashStorage) ID() uint32 {
	return s.id
}

func (s *HashStorage) Put(key tuple.BinaryTuple, rowID mvcc.RowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.m[string(key)]
	for _, id := range ids {
		if id == rowID {
			return
		}
	}
	// Keep row-id order so lookups are deterministic.
	pos := len(ids)
	for i, id := range ids {
		if rowID.Compare(id) < 0 {
			pos = i
			break
		}
	}
	ids = append(ids, mvcc.RowID{})
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = rowID
	s.m[string(key)] = ids
}

func (s *HashStorage) Remove(key tuple.BinaryTuple, rowID mvcc.RowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.m[string(key)]
	for i, id := range ids {
		if id == rowID {
			s.m[string(key)] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.m[string(key)]) == 0 {
		delete(s.m, string(key))
	}
}

func (s *HashStorage) Lookup(key tuple.BinaryTuple) []mvcc.RowID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mvcc.RowID{}, s.m[string(key)]...)
}

// SortedStorage is an ordered index over (key, rowID).
type SortedStorage struct {
	id   uint32
	mu   sync.RWMutex
	tree *btree.BTree
}

type sortedEntry struct {
	key   tuple.BinaryTuple
	rowID mvcc.RowID
}

func (e sortedEntry) Less(than btree.Item) bool {
	o := than.(sortedEntry)
	if c := bytes.Compare(e.key, o.key); c != 0 {
		return c < 0
	}
	return e.rowID.Compare(o.rowID) < 0
}

func NewSortedStorage(id uint32) *SortedStorage {
	return &SortedStorage{id: id, tree: btree.New(16)}
}

func (s *SortedStorage) ID() uint32 {
	return s.id
}

func (s *SortedStorage) Put(key tuple.BinaryTuple, rowID mvcc.RowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(sortedEntry{key: key, rowID: rowID})
}

func (s *SortedStorage) Remove(key tuple.BinaryTuple, rowID mvcc.RowID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(sortedEntry{key: key, rowID: rowID})
}

func (s *SortedStorage) Lookup(key tuple.BinaryTuple) []mvcc.RowID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []mvcc.RowID
	s.tree.AscendGreaterOrEqual(sortedEntry{key: key}, func(item btree.Item) bool {
		e := item.(sortedEntry)
		if !bytes.Equal(e.key, key) {
			return false
		}
		ids = append(ids, e.rowID)
		return true
	})
	return ids
}

// NextKeyAfter returns the smallest stored key strictly greater than key, or
// nil when key is the last one.
func (s *SortedStorage) NextKeyAfter(key tuple.BinaryTuple) tuple.BinaryTuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next tuple.BinaryTuple
	s.tree.AscendGreaterOrEqual(sortedEntry{key: key}, func(item btree.Item) bool {
		e := item.(sortedEntry)
		if bytes.Equal(e.key, key) {
			return true
		}
		next = e.key
		return false
	})
	return next
}

// Bound is one end of a sorted scan range.
type Bound struct {
	Key       tuple.BinaryTuple
	Inclusive bool
}

// Cursor walks sorted entries in key order starting at lower. The upper bound
// is deliberately not applied here: read paths check it themselves, after any
// range lock is granted.
type Cursor struct {
	storage *SortedStorage
	started bool
	last    sortedEntry
	lower   *Bound
}

// NewCursor positions a cursor at the lower bound (or the index start).
func (s *SortedStorage) NewCursor(lower *Bound) *Cursor {
	return &Cursor{storage: s, lower: lower}
}

// Next returns the next entry, or nil when the index is exhausted.
func (c *Cursor) Next() *Row {
	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()

	var pivot sortedEntry
	skipEqualKeyOnly := false
	if !c.started {
		if c.lower != nil {
			pivot = sortedEntry{key: c.lower.Key}
			if !c.lower.Inclusive {
				skipEqualKeyOnly = true
			}
		}
	} else {
		pivot = c.last
	}

	var found *Row
	c.storage.tree.AscendGreaterOrEqual(pivot, func(item btree.Item) bool {
		e := item.(sortedEntry)
		if c.started && !sortedEntry.Less(c.last, e) {
			// Skip the entry we already returned.
			return true
		}
		if skipEqualKeyOnly && bytes.Equal(e.key, pivot.key) {
			return true
		}
		found = &Row{Key: e.key, RowID: e.rowID}
		c.last = e
		return false
	})
	if found != nil {
		c.started = true
	}
	return found
}

// BoundHolds tests a key against an upper bound, treating a nil bound as
// unbounded. The inclusive flag is ORed into the comparison, so an equal key
// passes iff the bound carries LESS_OR_EQUAL.
func BoundHolds(key tuple.BinaryTuple, upper *Bound) bool {
	if upper == nil {
		return true
	}
	c := bytes.Compare(key, upper.Key)
	if c < 0 {
		return true
	}
	return c == 0 && upper.Inclusive
}
