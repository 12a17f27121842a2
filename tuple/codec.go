package tuple

// RowCodec projects keys out of encoded rows. An implementation is injected
// into each coordinator instance so that key extraction follows the table's
// schema; the coordinator never inspects row bytes itself.
type RowCodec interface {
	// PrimaryKey extracts the PK tuple of the row.
	PrimaryKey(row *BinaryRow) BinaryTuple

	// IndexKey extracts the key of the given secondary index from the row.
	IndexKey(indexID uint32, row *BinaryRow) BinaryTuple
}

// IdentityCodec treats the whole row payload as its own primary key and, for
// every index, as the index key. Used by key-only tables.
type IdentityCodec struct{}

func (IdentityCodec) PrimaryKey(row *BinaryRow) BinaryTuple {
	if row == nil {
		return nil
	}
	return BinaryTuple(row.Data)
}

func (IdentityCodec) IndexKey(indexID uint32, row *BinaryRow) BinaryTuple {
	if row == nil {
		return nil
	}
	return BinaryTuple(row.Data)
}

// KeyValueCodec reads rows laid out as a one-byte key length followed by the
// key bytes and the value bytes. Index keys equal the value bytes, which makes
// a secondary index over the value column. Used by simple tables and tests.
type KeyValueCodec struct{}

func (KeyValueCodec) PrimaryKey(row *BinaryRow) BinaryTuple {
	if row == nil || len(row.Data) == 0 {
		return nil
	}
	n := int(row.Data[0])
	return BinaryTuple(row.Data[1 : 1+n])
}

func (KeyValueCodec) IndexKey(indexID uint32, row *BinaryRow) BinaryTuple {
	if row == nil || len(row.Data) == 0 {
		return nil
	}
	n := int(row.Data[0])
	return BinaryTuple(row.Data[1+n:])
}

// EncodeKeyValue lays out a row for KeyValueCodec.
func EncodeKeyValue(key, value []byte) []byte {
	data := make([]byte, 0, 1+len(key)+len(value))
	data = append(data, byte(len(key)))
	data = append(data, key...)
	data = append(data, value...)
	return data
}
