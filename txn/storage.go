package txn

import (
	"encoding/binary"
	"sync"

	"github.com/coocood/badger"
	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

// StateStorage persists durable transaction metas on the commit partition.
// Writes happen only from the group's apply path, which is serialized by the
// log; reads may come from any request handler.
type StateStorage interface {
	Get(txID uuid.UUID) (*Meta, error)
	Put(txID uuid.UUID, meta *Meta) error
	// Scan visits all stored metas until fn returns false.
	Scan(fn func(txID uuid.UUID, meta *Meta) bool) error
	Close() error
}

// MemStateStorage keeps metas in a map.
type MemStateStorage struct {
	mu    sync.RWMutex
	metas map[uuid.UUID]*Meta
}

func NewMemStateStorage() *MemStateStorage {
	return &MemStateStorage{metas: make(map[uuid.UUID]*Meta)}
}

func (s *MemStateStorage) Get(txID uuid.UUID) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta := s.metas[txID]
	if meta == nil {
		return nil, nil
	}
	cp := *meta
	return &cp, nil
}

func (s *MemStateStorage) Put(txID uuid.UUID, meta *Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *meta
	s.metas[txID] = &cp
	return nil
}

func (s *MemStateStorage) Scan(fn func(txID uuid.UUID, meta *Meta) bool) error {
	s.mu.RLock()
	snapshot := make(map[uuid.UUID]*Meta, len(s.metas))
	for id, meta := range s.metas {
		cp := *meta
		snapshot[id] = &cp
	}
	s.mu.RUnlock()

	for id, meta := range snapshot {
		if !fn(id, meta) {
			break
		}
	}
	return nil
}

func (s *MemStateStorage) Close() error {
	return nil
}

var txMetaPrefix = []byte("t_")

// BadgerStateStorage persists metas in a badger instance shared with the
// partition data.
type BadgerStateStorage struct {
	db *badger.DB
}

func NewBadgerStateStorage(db *badger.DB) *BadgerStateStorage {
	return &BadgerStateStorage{db: db}
}

func metaKey(txID uuid.UUID) []byte {
	return append(append([]byte{}, txMetaPrefix...), txID[:]...)
}

func encodeMeta(meta *Meta) []byte {
	buf := make([]byte, 0, 2+8+1+len(meta.EnlistedPartitions)*8)
	buf = append(buf, byte(meta.State))
	if meta.LocksReleased {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], meta.CommitTS.Pack())
	buf = append(buf, b8[:]...)
	var b4 [4]byte
	binary.BigEndian.PutUint32(b4[:], uint32(len(meta.EnlistedPartitions)))
	buf = append(buf, b4[:]...)
	for _, g := range meta.EnlistedPartitions {
		binary.BigEndian.PutUint32(b4[:], g.TableID)
		buf = append(buf, b4[:]...)
		binary.BigEndian.PutUint32(b4[:], g.PartitionID)
		buf = append(buf, b4[:]...)
	}
	return buf
}

func decodeMeta(val []byte) *Meta {
	meta := &Meta{
		State:         State(val[0]),
		LocksReleased: val[1] == 1,
		CommitTS:      hlc.Unpack(binary.BigEndian.Uint64(val[2:10])),
	}
	n := int(binary.BigEndian.Uint32(val[10:14]))
	off := 14
	for i := 0; i < n; i++ {
		meta.EnlistedPartitions = append(meta.EnlistedPartitions, replication.GroupID{
			TableID:     binary.BigEndian.Uint32(val[off : off+4]),
			PartitionID: binary.BigEndian.Uint32(val[off+4 : off+8]),
		})
		off += 8
	}
	return meta
}

func (s *BadgerStateStorage) Get(txID uuid.UUID) (*Meta, error) {
	var meta *Meta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(txID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		val, err := item.Value()
		if err != nil {
			return errors.WithStack(err)
		}
		meta = decodeMeta(val)
		return nil
	})
	return meta, err
}

func (s *BadgerStateStorage) Put(txID uuid.UUID, meta *Meta) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return errors.WithStack(txn.Set(metaKey(txID), encodeMeta(meta)))
	})
}

func (s *BadgerStateStorage) Scan(fn func(txID uuid.UUID, meta *Meta) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(txMetaPrefix); it.ValidForPrefix(txMetaPrefix); it.Next() {
			item := it.Item()
			var txID uuid.UUID
			copy(txID[:], item.Key()[len(txMetaPrefix):])
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			if !fn(txID, decodeMeta(val)) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStateStorage) Close() error {
	return nil
}
