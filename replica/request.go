package replica

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/index"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/tuple"
)

// RequestKind is the dispatch discriminator of replica requests.
type RequestKind int

const (
	RWGet RequestKind = iota + 1
	RWGetAll
	RWScan
	RWInsert
	RWInsertAll
	RWUpsert
	RWUpsertAll
	RWDelete
	RWDeleteAll
	RWDeleteExact
	RWDeleteExactAll
	RWGetAndDelete
	RWGetAndUpsert
	RWGetAndReplace
	RWReplace
	RWReplaceIfExist
	ROGet
	ROGetAll
	ROScan
	ScanClose
	TxFinish
	WriteIntentSwitch
	TxRecovery
	TxStateCommitPartition
	BuildIndex
	SafeTimeSync
	RODirectGet
	RODirectGetAll
)

var requestKindNames = map[RequestKind]string{
	RWGet:                  "RW_GET",
	RWGetAll:               "RW_GET_ALL",
	RWScan:                 "RW_SCAN",
	RWInsert:               "RW_INSERT",
	RWInsertAll:            "RW_INSERT_ALL",
	RWUpsert:               "RW_UPSERT",
	RWUpsertAll:            "RW_UPSERT_ALL",
	RWDelete:               "RW_DELETE",
	RWDeleteAll:            "RW_DELETE_ALL",
	RWDeleteExact:          "RW_DELETE_EXACT",
	RWDeleteExactAll:       "RW_DELETE_EXACT_ALL",
	RWGetAndDelete:         "RW_GET_AND_DELETE",
	RWGetAndUpsert:         "RW_GET_AND_UPSERT",
	RWGetAndReplace:        "RW_GET_AND_REPLACE",
	RWReplace:              "RW_REPLACE",
	RWReplaceIfExist:       "RW_REPLACE_IF_EXIST",
	ROGet:                  "RO_GET",
	ROGetAll:               "RO_GET_ALL",
	ROScan:                 "RO_SCAN",
	ScanClose:              "SCAN_CLOSE",
	TxFinish:               "TX_FINISH",
	WriteIntentSwitch:      "WRITE_INTENT_SWITCH",
	TxRecovery:             "TX_RECOVERY",
	TxStateCommitPartition: "TX_STATE_COMMIT_PARTITION",
	BuildIndex:             "BUILD_INDEX",
	SafeTimeSync:           "SAFE_TIME_SYNC",
	RODirectGet:            "RO_DIRECT_GET",
	RODirectGetAll:         "RO_DIRECT_GET_ALL",
}

func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// Request is anything the replica listener dispatches on.
type Request interface {
	Kind() RequestKind
}

// PrimaryRequest must land on the primary replica of the lease named by its
// enlistment consistency token.
type PrimaryRequest interface {
	Request
	EnlistmentToken() uint64
}

// ReadOnlyRequest reads a snapshot at an explicit timestamp.
type ReadOnlyRequest interface {
	Request
	ReadTimestamp() hlc.Timestamp
}

// SchemaVersioned requests declare the schema version their rows are encoded
// with.
type SchemaVersioned interface {
	DeclaredSchemaVersion() int
}

// rwBase carries the fields shared by every read-write request.
type rwBase struct {
	TxID            uuid.UUID
	CommitPartition replication.GroupID
	CoordinatorID   string
	Token           uint64
	SchemaVersion   int
	Full            bool
}

func (b rwBase) EnlistmentToken() uint64    { return b.Token }
func (b rwBase) DeclaredSchemaVersion() int { return b.SchemaVersion }

// RWRowRequest is a single-row mutation carrying a whole row: upsert, insert,
// delete-exact, get-and-upsert, get-and-replace and replace-if-exist.
type RWRowRequest struct {
	rwBase
	RequestKind RequestKind
	Row         *tuple.BinaryRow
}

func (r *RWRowRequest) Kind() RequestKind { return r.RequestKind }

// RWRowPkRequest is a single-row operation addressed by primary key: get,
// delete, get-and-delete.
type RWRowPkRequest struct {
	rwBase
	RequestKind RequestKind
	PK          tuple.BinaryTuple
}

func (r *RWRowPkRequest) Kind() RequestKind { return r.RequestKind }

// RWMultiRowRequest is a multi-row mutation carrying whole rows.
type RWMultiRowRequest struct {
	rwBase
	RequestKind RequestKind
	Rows        []*tuple.BinaryRow
}

func (r *RWMultiRowRequest) Kind() RequestKind { return r.RequestKind }

// RWMultiRowPkRequest is a multi-row operation addressed by primary keys.
type RWMultiRowPkRequest struct {
	rwBase
	RequestKind RequestKind
	PKs         []tuple.BinaryTuple
}

func (r *RWMultiRowPkRequest) Kind() RequestKind { return r.RequestKind }

// RWSwapRowRequest carries the two rows of a conditional replace.
type RWSwapRowRequest struct {
	rwBase
	NewRow *tuple.BinaryRow
	OldRow *tuple.BinaryRow
}

func (r *RWSwapRowRequest) Kind() RequestKind { return RWReplace }

// RWScanRequest is a read-write scan batch retrieval.
type RWScanRequest struct {
	rwBase
	ScanID     uint64
	BatchSize  int
	IndexToUse *uint32
	ExactKey   tuple.BinaryTuple
	LowerBound *index.Bound
	UpperBound *index.Bound
}

func (r *RWScanRequest) Kind() RequestKind { return RWScan }

// ScanCloseRequest releases a cursor before the scan is exhausted.
type ScanCloseRequest struct {
	TxID   uuid.UUID
	ScanID uint64
}

func (r *ScanCloseRequest) Kind() RequestKind { return ScanClose }

// ROGetRequest is a read-only point lookup at a snapshot timestamp.
type ROGetRequest struct {
	RequestKind   RequestKind
	TxID          uuid.UUID
	PK            tuple.BinaryTuple
	ReadTS        hlc.Timestamp
	SchemaVersion int
}

func (r *ROGetRequest) Kind() RequestKind            { return r.RequestKind }
func (r *ROGetRequest) ReadTimestamp() hlc.Timestamp { return r.ReadTS }
func (r *ROGetRequest) DeclaredSchemaVersion() int   { return r.SchemaVersion }

// ROGetAllRequest is the multi-key analogue of ROGetRequest.
type ROGetAllRequest struct {
	RequestKind   RequestKind
	TxID          uuid.UUID
	PKs           []tuple.BinaryTuple
	ReadTS        hlc.Timestamp
	SchemaVersion int
}

func (r *ROGetAllRequest) Kind() RequestKind            { return r.RequestKind }
func (r *ROGetAllRequest) ReadTimestamp() hlc.Timestamp { return r.ReadTS }
func (r *ROGetAllRequest) DeclaredSchemaVersion() int   { return r.SchemaVersion }

// ROScanRequest retrieves one batch of a read-only scan: a full partition
// scan, a hash-index lookup (ExactKey) or a sorted-index range scan.
type ROScanRequest struct {
	TxID       uuid.UUID
	ScanID     uint64
	BatchSize  int
	ReadTS     hlc.Timestamp
	IndexToUse *uint32
	ExactKey   tuple.BinaryTuple
	LowerBound *index.Bound
	UpperBound *index.Bound
}

func (r *ROScanRequest) Kind() RequestKind            { return ROScan }
func (r *ROScanRequest) ReadTimestamp() hlc.Timestamp { return r.ReadTS }

// TxFinishRequest commits or aborts a transaction on its commit partition.
type TxFinishRequest struct {
	TxID           uuid.UUID
	Token          uint64
	Commit         bool
	CommitTS       hlc.Timestamp
	EnlistedGroups []replication.GroupID
	CoordinatorID  string
}

func (r *TxFinishRequest) Kind() RequestKind       { return TxFinish }
func (r *TxFinishRequest) EnlistmentToken() uint64 { return r.Token }

// WriteIntentSwitchRequest asks an enlisted partition to flip the
// transaction's write intents after finish.
type WriteIntentSwitchRequest struct {
	TxID     uuid.UUID
	Commit   bool
	CommitTS hlc.Timestamp
}

func (r *WriteIntentSwitchRequest) Kind() RequestKind { return WriteIntentSwitch }

// TxRecoveryRequest initiates recovery of an orphaned transaction on its
// commit partition.
type TxRecoveryRequest struct {
	TxID     uuid.UUID
	SenderID string
}

func (r *TxRecoveryRequest) Kind() RequestKind { return TxRecovery }

// TxStateCommitPartitionRequest reads the durable transaction meta from the
// commit partition, recovering the transaction when its coordinator is gone.
type TxStateCommitPartitionRequest struct {
	TxID  uuid.UUID
	Token uint64
}

func (r *TxStateCommitPartitionRequest) Kind() RequestKind       { return TxStateCommitPartition }
func (r *TxStateCommitPartitionRequest) EnlistmentToken() uint64 { return r.Token }

// BuildIndexRequest replicates an index backfill batch.
type BuildIndexRequest struct {
	Token   uint64
	IndexID uint32
	RowIDs  []mvcc.RowID
	Finish  bool
}

func (r *BuildIndexRequest) Kind() RequestKind       { return BuildIndex }
func (r *BuildIndexRequest) EnlistmentToken() uint64 { return r.Token }

// SafeTimeSyncRequest asks the primary to propagate an empty safe-time
// command so idle partitions keep their watermark moving.
type SafeTimeSyncRequest struct{}

func (r *SafeTimeSyncRequest) Kind() RequestKind { return SafeTimeSync }

// RODirectGetRequest is a read-only point lookup at a server-chosen
// timestamp.
type RODirectGetRequest struct {
	PK            tuple.BinaryTuple
	SchemaVersion int
}

func (r *RODirectGetRequest) Kind() RequestKind          { return RODirectGet }
func (r *RODirectGetRequest) DeclaredSchemaVersion() int { return r.SchemaVersion }

// RODirectGetAllRequest is the multi-key analogue of RODirectGetRequest.
type RODirectGetAllRequest struct {
	PKs           []tuple.BinaryTuple
	SchemaVersion int
}

func (r *RODirectGetAllRequest) Kind() RequestKind          { return RODirectGetAll }
func (r *RODirectGetAllRequest) DeclaredSchemaVersion() int { return r.SchemaVersion }
