package replication

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/tuple"
)

// GroupID identifies a replication group: one partition of one table.
type GroupID struct {
	TableID     uint32
	PartitionID uint32
}

func (g GroupID) String() string {
	return fmt.Sprintf("%d_part_%d", g.TableID, g.PartitionID)
}

// CommandKind discriminates replicated commands on the wire.
type CommandKind byte

const (
	KindUpdate CommandKind = iota + 1
	KindUpdateAll
	KindFinishTx
	KindWriteIntentSwitch
	KindMarkLocksReleased
	KindBuildIndex
	KindSafeTimeSync
)

// Command is a safe-time propagating replicated command. Every command is
// stamped with the submission-side safe time and the catalog version the
// submitter validated against; replicas refuse to apply a command whose
// safe time is not ahead of the already applied watermark.
type Command interface {
	Kind() CommandKind
	Group() GroupID
	SafeTime() hlc.Timestamp
	RequiredCatalogVersion() int

	// WithSafeTime returns a copy stamped with a new safe time, used by the
	// dispatcher's reorder retry.
	WithSafeTime(ts hlc.Timestamp) Command
}

// CommandBase carries the fields shared by every command.
type CommandBase struct {
	GroupID        GroupID
	Safe           hlc.Timestamp
	CatalogVersion int
}

func (b CommandBase) Group() GroupID              { return b.GroupID }
func (b CommandBase) SafeTime() hlc.Timestamp     { return b.Safe }
func (b CommandBase) RequiredCatalogVersion() int { return b.CatalogVersion }
func (b CommandBase) rebased(ts hlc.Timestamp) CommandBase {
	b.Safe = ts
	return b
}

// UpdateEntry is one row mutation inside an update command. Row is nil for a
// removal. LastCommitTS carries the newest prior commit time observed by the
// submitter, saving the apply path a storage lookup.
type UpdateEntry struct {
	RowID        mvcc.RowID
	Row          *tuple.BinaryRow
	LastCommitTS *hlc.Timestamp
}

// UpdateCommand installs or removes a single write intent.
type UpdateCommand struct {
	CommandBase
	TxID            uuid.UUID
	CommitPartition GroupID
	Entry           UpdateEntry
	Full            bool
	CoordinatorID   string
}

func (*UpdateCommand) Kind() CommandKind { return KindUpdate }
func (c *UpdateCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// UpdateAllCommand installs or removes a batch of write intents.
type UpdateAllCommand struct {
	CommandBase
	TxID            uuid.UUID
	CommitPartition GroupID
	Entries         []UpdateEntry
	Full            bool
	CoordinatorID   string
}

func (*UpdateAllCommand) Kind() CommandKind { return KindUpdateAll }
func (c *UpdateAllCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// FinishTxCommand persists the transaction outcome on the commit partition.
type FinishTxCommand struct {
	CommandBase
	TxID               uuid.UUID
	Commit             bool
	CommitTS           hlc.Timestamp
	EnlistedPartitions []GroupID
}

func (*FinishTxCommand) Kind() CommandKind { return KindFinishTx }
func (c *FinishTxCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// WriteIntentSwitchCommand flips the partition's write intents of a finished
// transaction to committed, or removes them on abort.
type WriteIntentSwitchCommand struct {
	CommandBase
	TxID     uuid.UUID
	Commit   bool
	CommitTS hlc.Timestamp
}

func (*WriteIntentSwitchCommand) Kind() CommandKind { return KindWriteIntentSwitch }
func (c *WriteIntentSwitchCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// MarkLocksReleasedCommand flips the durable locksReleased flag once cleanup
// reached every enlisted partition.
type MarkLocksReleasedCommand struct {
	CommandBase
	TxID uuid.UUID
}

func (*MarkLocksReleasedCommand) Kind() CommandKind { return KindMarkLocksReleased }
func (c *MarkLocksReleasedCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// BuildIndexCommand registers a backfill batch for an index under
// construction.
type BuildIndexCommand struct {
	CommandBase
	IndexID uint32
	RowIDs  []mvcc.RowID
	Finish  bool
}

func (*BuildIndexCommand) Kind() CommandKind { return KindBuildIndex }
func (c *BuildIndexCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}

// SafeTimeSyncCommand carries nothing but the safe time itself; the primary
// submits it periodically so idle partitions keep their watermark moving.
type SafeTimeSyncCommand struct {
	CommandBase
}

func (*SafeTimeSyncCommand) Kind() CommandKind { return KindSafeTimeSync }
func (c *SafeTimeSyncCommand) WithSafeTime(ts hlc.Timestamp) Command {
	cp := *c
	cp.CommandBase = c.rebased(ts)
	return &cp
}
