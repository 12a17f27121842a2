package mvcc

import (
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/tuple"
)

const memTreeDegree = 16

// MemStorage keeps partition versions in an in-memory btree ordered by row id.
// Data does not survive restarts; it backs tests and volatile tables.
type MemStorage struct {
	mu          sync.RWMutex
	partitionID uint32
	rows        *btree.BTree
}

type committedVersion struct {
	ts  hlc.Timestamp
	row *tuple.BinaryRow
}

type intentVersion struct {
	row               *tuple.BinaryRow
	txID              uuid.UUID
	commitTableID     uint32
	commitPartitionID uint32
}

type rowEntry struct {
	id     RowID
	intent *intentVersion
	// versions are ordered newest first.
	versions []committedVersion
}

func (e *rowEntry) Less(than btree.Item) bool {
	return e.id.Compare(than.(*rowEntry).id) < 0
}

func NewMemStorage(partitionID uint32) *MemStorage {
	return &MemStorage{
		partitionID: partitionID,
		rows:        btree.New(memTreeDegree),
	}
}

func (s *MemStorage) PartitionID() uint32 {
	return s.partitionID
}

func (s *MemStorage) entry(rowID RowID) *rowEntry {
	item := s.rows.Get(&rowEntry{id: rowID})
	if item == nil {
		return nil
	}
	return item.(*rowEntry)
}

func (s *MemStorage) Read(rowID RowID, ts hlc.Timestamp) (ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entry(rowID)
	if e == nil {
		return ReadResult{RowID: rowID}, nil
	}
	if e.intent != nil {
		res := ReadResult{
			RowID:             rowID,
			Row:               e.intent.row,
			WriteIntent:       true,
			TxID:              e.intent.txID,
			CommitTableID:     e.intent.commitTableID,
			CommitPartitionID: e.intent.commitPartitionID,
		}
		if len(e.versions) > 0 {
			newest := e.versions[0].ts
			res.NewestCommitTS = &newest
		}
		return res, nil
	}
	return committedAt(e, rowID, ts), nil
}

func (s *MemStorage) ReadCommitted(rowID RowID, ts hlc.Timestamp) (ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.entry(rowID)
	if e == nil {
		return ReadResult{RowID: rowID}, nil
	}
	return committedAt(e, rowID, ts), nil
}

func committedAt(e *rowEntry, rowID RowID, ts hlc.Timestamp) ReadResult {
	for _, v := range e.versions {
		if v.ts.Compare(ts) <= 0 {
			return ReadResult{RowID: rowID, Row: v.row, CommitTS: v.ts}
		}
	}
	return ReadResult{RowID: rowID}
}

func (s *MemStorage) AddWrite(
	rowID RowID,
	row *tuple.BinaryRow,
	txID uuid.UUID,
	commitTableID, commitPartitionID uint32,
) (*tuple.BinaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(rowID)
	if e == nil {
		e = &rowEntry{id: rowID}
		s.rows.ReplaceOrInsert(e)
	}
	var replaced *tuple.BinaryRow
	if e.intent != nil {
		if e.intent.txID != txID {
			return nil, &ErrTxIDMismatch{RowID: rowID, HeldBy: e.intent.txID, Intruder: txID}
		}
		replaced = e.intent.row
	}
	e.intent = &intentVersion{
		row:               row,
		txID:              txID,
		commitTableID:     commitTableID,
		commitPartitionID: commitPartitionID,
	}
	return replaced, nil
}

func (s *MemStorage) AddWriteCommitted(rowID RowID, row *tuple.BinaryRow, commitTS hlc.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(rowID)
	if e == nil {
		e = &rowEntry{id: rowID}
		s.rows.ReplaceOrInsert(e)
	}
	e.versions = append([]committedVersion{{ts: commitTS, row: row}}, e.versions...)
	return nil
}

func (s *MemStorage) CommitWrite(rowID RowID, commitTS hlc.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(rowID)
	if e == nil || e.intent == nil {
		return nil
	}
	e.versions = append([]committedVersion{{ts: commitTS, row: e.intent.row}}, e.versions...)
	e.intent = nil
	return nil
}

func (s *MemStorage) AbortWrite(rowID RowID) (*tuple.BinaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(rowID)
	if e == nil || e.intent == nil {
		return nil, nil
	}
	row := e.intent.row
	e.intent = nil
	if len(e.versions) == 0 {
		s.rows.Delete(e)
	}
	return row, nil
}

func (s *MemStorage) ScanRowIDs(fn func(RowID) bool) error {
	s.mu.RLock()
	ids := make([]RowID, 0, s.rows.Len())
	s.rows.Ascend(func(item btree.Item) bool {
		ids = append(ids, item.(*rowEntry).id)
		return true
	})
	s.mu.RUnlock()

	for _, id := range ids {
		if !fn(id) {
			break
		}
	}
	return nil
}

func (s *MemStorage) Close() error {
	return nil
}
