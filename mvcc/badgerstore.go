package mvcc

import (
	"encoding/binary"

	"github.com/coocood/badger"
	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// Key layout inside the shared badger instance. Committed versions append the
// bitwise-inverted packed commit timestamp so that iteration visits newer
// versions first.
var (
	prefixVersion = []byte("d_")
	prefixIntent  = []byte("i_")
	prefixRow     = []byte("r_")
)

// BadgerStorage persists partition versions in a badger instance.
type BadgerStorage struct {
	partitionID uint32
	db          *badger.DB
}

func NewBadgerStorage(partitionID uint32, db *badger.DB) *BadgerStorage {
	return &BadgerStorage{partitionID: partitionID, db: db}
}

func (s *BadgerStorage) PartitionID() uint32 {
	return s.partitionID
}

func versionKey(rowID RowID, ts hlc.Timestamp) []byte {
	key := make([]byte, 0, len(prefixVersion)+20+8)
	key = append(key, prefixVersion...)
	key = append(key, rowID.Bytes()...)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], ^ts.Pack())
	return append(key, tsb[:]...)
}

func versionKeyTS(key []byte) hlc.Timestamp {
	return hlc.Unpack(^binary.BigEndian.Uint64(key[len(key)-8:]))
}

func intentKey(rowID RowID) []byte {
	return append(append([]byte{}, prefixIntent...), rowID.Bytes()...)
}

func rowMarkerKey(rowID RowID) []byte {
	return append(append([]byte{}, prefixRow...), rowID.Bytes()...)
}

func encodeRow(row *tuple.BinaryRow) []byte {
	if row == nil {
		row = &tuple.BinaryRow{}
	}
	buf := make([]byte, 2, 2+len(row.Data))
	binary.BigEndian.PutUint16(buf, uint16(row.SchemaVersion))
	return append(buf, row.Data...)
}

func decodeRow(val []byte) *tuple.BinaryRow {
	return &tuple.BinaryRow{
		SchemaVersion: int(binary.BigEndian.Uint16(val)),
		Data:          append([]byte{}, val[2:]...),
	}
}

func encodeIntent(row *tuple.BinaryRow, txID uuid.UUID, commitTableID, commitPartitionID uint32) []byte {
	buf := make([]byte, 0, 24+2+len(row.Data))
	buf = append(buf, txID[:]...)
	var ids [8]byte
	binary.BigEndian.PutUint32(ids[:4], commitTableID)
	binary.BigEndian.PutUint32(ids[4:], commitPartitionID)
	buf = append(buf, ids[:]...)
	return append(buf, encodeRow(row)...)
}

func decodeIntent(val []byte) (row *tuple.BinaryRow, txID uuid.UUID, commitTableID, commitPartitionID uint32) {
	copy(txID[:], val[:16])
	commitTableID = binary.BigEndian.Uint32(val[16:20])
	commitPartitionID = binary.BigEndian.Uint32(val[20:24])
	return decodeRow(val[24:]), txID, commitTableID, commitPartitionID
}

func (s *BadgerStorage) Read(rowID RowID, ts hlc.Timestamp) (ReadResult, error) {
	res := ReadResult{RowID: rowID}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(intentKey(rowID))
		if err == nil {
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			row, txID, tblID, partID := decodeIntent(val)
			res.Row = row
			res.WriteIntent = true
			res.TxID = txID
			res.CommitTableID = tblID
			res.CommitPartitionID = partID
			if newest, ok, err := newestCommitTS(txn, rowID); err != nil {
				return err
			} else if ok {
				res.NewestCommitTS = &newest
			}
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return errors.WithStack(err)
		}
		res, err = committedAtTxn(txn, rowID, ts)
		return err
	})
	return res, err
}

func (s *BadgerStorage) ReadCommitted(rowID RowID, ts hlc.Timestamp) (ReadResult, error) {
	var res ReadResult
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		res, err = committedAtTxn(txn, rowID, ts)
		return err
	})
	return res, err
}

func committedAtTxn(txn *badger.Txn, rowID RowID, ts hlc.Timestamp) (ReadResult, error) {
	res := ReadResult{RowID: rowID}
	prefix := append(append([]byte{}, prefixVersion...), rowID.Bytes()...)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	it.Seek(versionKey(rowID, ts))
	if !it.ValidForPrefix(prefix) {
		return res, nil
	}
	item := it.Item()
	val, err := item.Value()
	if err != nil {
		return res, errors.WithStack(err)
	}
	res.Row = decodeRow(val)
	res.CommitTS = versionKeyTS(item.Key())
	return res, nil
}

func newestCommitTS(txn *badger.Txn, rowID RowID) (hlc.Timestamp, bool, error) {
	prefix := append(append([]byte{}, prefixVersion...), rowID.Bytes()...)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	it.Seek(prefix)
	if !it.ValidForPrefix(prefix) {
		return hlc.Zero, false, nil
	}
	return versionKeyTS(it.Item().Key()), true, nil
}

func (s *BadgerStorage) AddWrite(
	rowID RowID,
	row *tuple.BinaryRow,
	txID uuid.UUID,
	commitTableID, commitPartitionID uint32,
) (*tuple.BinaryRow, error) {
	var replaced *tuple.BinaryRow
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(intentKey(rowID))
		if err == nil {
			val, err := item.Value()
			if err != nil {
				return errors.WithStack(err)
			}
			prevRow, prevTxID, _, _ := decodeIntent(val)
			if prevTxID != txID {
				return &ErrTxIDMismatch{RowID: rowID, HeldBy: prevTxID, Intruder: txID}
			}
			replaced = prevRow
		} else if err != badger.ErrKeyNotFound {
			return errors.WithStack(err)
		}
		if row == nil {
			row = &tuple.BinaryRow{}
		}
		if err := txn.Set(rowMarkerKey(rowID), nil); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(txn.Set(intentKey(rowID), encodeIntent(row, txID, commitTableID, commitPartitionID)))
	})
	return replaced, err
}

func (s *BadgerStorage) AddWriteCommitted(rowID RowID, row *tuple.BinaryRow, commitTS hlc.Timestamp) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(rowMarkerKey(rowID), nil); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(txn.Set(versionKey(rowID, commitTS), encodeRow(row)))
	})
}

func (s *BadgerStorage) CommitWrite(rowID RowID, commitTS hlc.Timestamp) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(intentKey(rowID))
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
		row, _, _, _ := decodeIntent(val)
		if err := txn.Set(versionKey(rowID, commitTS), encodeRow(row)); err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(txn.Delete(intentKey(rowID)))
	})
}

func (s *BadgerStorage) AbortWrite(rowID RowID) (*tuple.BinaryRow, error) {
	var row *tuple.BinaryRow
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(intentKey(rowID))
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
		row, _, _, _ = decodeIntent(val)
		return errors.WithStack(txn.Delete(intentKey(rowID)))
	})
	return row, err
}

func (s *BadgerStorage) ScanRowIDs(fn func(RowID) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefixRow); it.ValidForPrefix(prefixRow); it.Next() {
			key := it.Item().Key()
			rowID, err := RowIDFromBytes(key[len(prefixRow):])
			if err != nil {
				return err
			}
			if !fn(rowID) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStorage) Close() error {
	return nil
}
