package replication

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// Codec serializes commands for the replicated log. Injected per coordinator
// so a group can evolve its wire format independently.
type Codec interface {
	Marshal(cmd Command) ([]byte, error)
	Unmarshal(data []byte) (Command, error)
}

// BinaryCodec is the default fixed-layout binary codec.
type BinaryCodec struct{}

func (BinaryCodec) Marshal(cmd Command) ([]byte, error) {
	w := &cmdWriter{}
	w.byte(byte(cmd.Kind()))
	w.u32(cmd.Group().TableID)
	w.u32(cmd.Group().PartitionID)
	w.u64(cmd.SafeTime().Pack())
	w.u32(uint32(cmd.RequiredCatalogVersion()))

	switch c := cmd.(type) {
	case *UpdateCommand:
		w.uuid(c.TxID)
		w.u32(c.CommitPartition.TableID)
		w.u32(c.CommitPartition.PartitionID)
		w.bool(c.Full)
		w.str(c.CoordinatorID)
		w.entry(c.Entry)
	case *UpdateAllCommand:
		w.uuid(c.TxID)
		w.u32(c.CommitPartition.TableID)
		w.u32(c.CommitPartition.PartitionID)
		w.bool(c.Full)
		w.str(c.CoordinatorID)
		w.u32(uint32(len(c.Entries)))
		for _, e := range c.Entries {
			w.entry(e)
		}
	case *FinishTxCommand:
		w.uuid(c.TxID)
		w.bool(c.Commit)
		w.u64(c.CommitTS.Pack())
		w.u32(uint32(len(c.EnlistedPartitions)))
		for _, g := range c.EnlistedPartitions {
			w.u32(g.TableID)
			w.u32(g.PartitionID)
		}
	case *WriteIntentSwitchCommand:
		w.uuid(c.TxID)
		w.bool(c.Commit)
		w.u64(c.CommitTS.Pack())
	case *MarkLocksReleasedCommand:
		w.uuid(c.TxID)
	case *BuildIndexCommand:
		w.u32(c.IndexID)
		w.bool(c.Finish)
		w.u32(uint32(len(c.RowIDs)))
		for _, id := range c.RowIDs {
			w.bytes(id.Bytes())
		}
	case *SafeTimeSyncCommand:
	default:
		return nil, errors.Errorf("unknown command kind %d", cmd.Kind())
	}
	return w.buf, nil
}

func (BinaryCodec) Unmarshal(data []byte) (Command, error) {
	r := &cmdReader{buf: data}
	kind := CommandKind(r.byte())
	base := CommandBase{
		GroupID:        GroupID{TableID: r.u32(), PartitionID: r.u32()},
		Safe:           hlc.Unpack(r.u64()),
		CatalogVersion: int(r.u32()),
	}

	var cmd Command
	switch kind {
	case KindUpdate:
		c := &UpdateCommand{CommandBase: base}
		c.TxID = r.uuid()
		c.CommitPartition = GroupID{TableID: r.u32(), PartitionID: r.u32()}
		c.Full = r.bool()
		c.CoordinatorID = r.str()
		c.Entry = r.entry()
		cmd = c
	case KindUpdateAll:
		c := &UpdateAllCommand{CommandBase: base}
		c.TxID = r.uuid()
		c.CommitPartition = GroupID{TableID: r.u32(), PartitionID: r.u32()}
		c.Full = r.bool()
		c.CoordinatorID = r.str()
		n := int(r.u32())
		c.Entries = make([]UpdateEntry, 0, n)
		for i := 0; i < n; i++ {
			c.Entries = append(c.Entries, r.entry())
		}
		cmd = c
	case KindFinishTx:
		c := &FinishTxCommand{CommandBase: base}
		c.TxID = r.uuid()
		c.Commit = r.bool()
		c.CommitTS = hlc.Unpack(r.u64())
		n := int(r.u32())
		c.EnlistedPartitions = make([]GroupID, 0, n)
		for i := 0; i < n; i++ {
			c.EnlistedPartitions = append(c.EnlistedPartitions, GroupID{TableID: r.u32(), PartitionID: r.u32()})
		}
		cmd = c
	case KindWriteIntentSwitch:
		c := &WriteIntentSwitchCommand{CommandBase: base}
		c.TxID = r.uuid()
		c.Commit = r.bool()
		c.CommitTS = hlc.Unpack(r.u64())
		cmd = c
	case KindMarkLocksReleased:
		cmd = &MarkLocksReleasedCommand{CommandBase: base, TxID: r.uuid()}
	case KindBuildIndex:
		c := &BuildIndexCommand{CommandBase: base}
		c.IndexID = r.u32()
		c.Finish = r.bool()
		n := int(r.u32())
		c.RowIDs = make([]mvcc.RowID, 0, n)
		for i := 0; i < n; i++ {
			id, err := mvcc.RowIDFromBytes(r.bytes())
			if err != nil {
				return nil, err
			}
			c.RowIDs = append(c.RowIDs, id)
		}
		cmd = c
	case KindSafeTimeSync:
		cmd = &SafeTimeSyncCommand{CommandBase: base}
	default:
		return nil, errors.Errorf("unknown command kind %d", kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cmd, nil
}

type cmdWriter struct {
	buf []byte
}

func (w *cmdWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *cmdWriter) bool(b bool) {
	if b {
		w.byte(1)
	} else {
		w.byte(0)
	}
}

func (w *cmdWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *cmdWriter) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *cmdWriter) uuid(id uuid.UUID) { w.buf = append(w.buf, id[:]...) }

func (w *cmdWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *cmdWriter) str(s string) { w.bytes([]byte(s)) }

func (w *cmdWriter) entry(e UpdateEntry) {
	w.bytes(e.RowID.Bytes())
	if e.Row == nil {
		w.bool(false)
	} else {
		w.bool(true)
		w.u32(uint32(e.Row.SchemaVersion))
		w.bytes(e.Row.Data)
	}
	if e.LastCommitTS == nil {
		w.bool(false)
	} else {
		w.bool(true)
		w.u64(e.LastCommitTS.Pack())
	}
}

type cmdReader struct {
	buf []byte
	err error
}

func (r *cmdReader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.buf) < n {
		r.err = errors.New("command payload truncated")
		return make([]byte, n)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *cmdReader) byte() byte { return r.take(1)[0] }
func (r *cmdReader) bool() bool { return r.byte() == 1 }
func (r *cmdReader) u32() uint32 {
	return binary.BigEndian.Uint32(r.take(4))
}
func (r *cmdReader) u64() uint64 {
	return binary.BigEndian.Uint64(r.take(8))
}
func (r *cmdReader) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}
func (r *cmdReader) bytes() []byte {
	n := int(r.u32())
	return append([]byte{}, r.take(n)...)
}
func (r *cmdReader) str() string { return string(r.bytes()) }

func (r *cmdReader) entry() UpdateEntry {
	var e UpdateEntry
	id, err := mvcc.RowIDFromBytes(r.bytes())
	if err != nil && r.err == nil {
		r.err = err
	}
	e.RowID = id
	if r.bool() {
		e.Row = &tuple.BinaryRow{SchemaVersion: int(r.u32()), Data: r.bytes()}
	}
	if r.bool() {
		ts := hlc.Unpack(r.u64())
		e.LastCommitTS = &ts
	}
	return e
}
