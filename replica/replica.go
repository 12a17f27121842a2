package replica

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/index"
	"github.com/AMashenkov/ignite-3/lock"
	"github.com/AMashenkov/ignite-3/mvcc"
	"github.com/AMashenkov/ignite-3/placement"
	"github.com/AMashenkov/ignite-3/replication"
	"github.com/AMashenkov/ignite-3/schema"
	"github.com/AMashenkov/ignite-3/tuple"
	"github.com/AMashenkov/ignite-3/txn"
)

// TxManager drives post-finish cleanup across the transaction's enlisted
// partitions. Injected as a capability: the listener never owns it.
type TxManager interface {
	Cleanup(
		ctx context.Context,
		partitions []replication.GroupID,
		commit bool,
		commitTS hlc.Timestamp,
		txID uuid.UUID,
	) error
}

// SecondaryIndex bundles one secondary index's storage and locker.
type SecondaryIndex struct {
	ID      uint32
	Storage index.Storage
	Locker  index.Locker
	KeyOf   index.KeyFunc
}

// Deps wires a Listener. Cyclic collaborators (transaction manager, placement
// driver) come in as interfaces held by handle.
type Deps struct {
	Group     replication.GroupID
	LocalNode string
	Clock     *hlc.Clock

	Storage        mvcc.Storage
	TxStateStorage txn.StateStorage
	VolatileTx     *txn.StateMap
	TxResolver     *txn.StateResolver

	Locks    *lock.Manager
	Codec    tuple.RowCodec
	PKIndex  *index.HashStorage
	PKLocker index.Locker
	Indexes  []SecondaryIndex

	Validator  *schema.Validator
	SchemaSync schema.SyncService
	Placement  placement.Driver
	Topology   txn.Topology

	// Raft is the group's replication client. When nil the listener runs
	// standalone: commands round-trip the codec and apply locally.
	Raft replication.RaftClient

	TxManager TxManager

	// Metrics may be nil; an unregistered set is created then.
	Metrics *Metrics
}

// Listener is the partition replica coordinator: the single place where
// client reads and writes meet transaction state, locking, schema validation
// and replication for one (table, partition) pair.
type Listener struct {
	group     replication.GroupID
	localNode string
	clock     *hlc.Clock

	storage        mvcc.Storage
	txStateStorage txn.StateStorage
	volatileTx     *txn.StateMap
	txResolver     *txn.StateResolver

	locks    *lock.Manager
	codec    tuple.RowCodec
	pkIndex  *index.HashStorage
	pkLocker index.Locker
	indexes  []SecondaryIndex

	validator  *schema.Validator
	schemaSync schema.SyncService
	placement  placement.Driver
	topology   txn.Topology
	txManager  TxManager

	raft       replication.RaftClient
	dispatcher *replication.Dispatcher
	safeTime   *replication.SafeTimeTracker

	// applyMu serializes command application, standing in for the log's
	// single-threaded apply loop.
	applyMu sync.Mutex
	// pendingRows tracks the row slots carrying a write intent per
	// transaction, consumed by the write intent switch.
	pendingRows map[uuid.UUID][]mvcc.RowID

	cursors    *cursorRegistry
	rowCleanup *rowCleanupMap

	txOpsMu sync.Mutex
	txOps   map[uuid.UUID]*txPendingOps

	busy    busyLock
	metrics *Metrics
}

// txPendingOps tracks the in-flight per-operation futures of one transaction
// on this replica, drained by the write intent switch.
type txPendingOps struct {
	finalized bool
	reads     []<-chan error
	updates   []<-chan error
}

func NewListener(deps Deps) *Listener {
	l := &Listener{
		group:          deps.Group,
		localNode:      deps.LocalNode,
		clock:          deps.Clock,
		storage:        deps.Storage,
		txStateStorage: deps.TxStateStorage,
		volatileTx:     deps.VolatileTx,
		txResolver:     deps.TxResolver,
		locks:          deps.Locks,
		codec:          deps.Codec,
		pkIndex:        deps.PKIndex,
		pkLocker:       deps.PKLocker,
		indexes:        deps.Indexes,
		validator:      deps.Validator,
		schemaSync:     deps.SchemaSync,
		placement:      deps.Placement,
		topology:       deps.Topology,
		txManager:      deps.TxManager,
		safeTime:       replication.NewSafeTimeTracker(),
		pendingRows:    make(map[uuid.UUID][]mvcc.RowID),
		cursors:        newCursorRegistry(),
		rowCleanup:     newRowCleanupMap(),
		txOps:          make(map[uuid.UUID]*txPendingOps),
		metrics:        deps.Metrics,
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(nil, deps.Group)
	}
	l.raft = deps.Raft
	if l.raft == nil {
		l.raft = replication.NewStandalone(replication.BinaryCodec{}, l)
	}
	l.dispatcher = replication.NewDispatcher(deps.Group, deps.Clock, l.raft)
	return l
}

// Group returns the replication group this listener serves.
func (l *Listener) Group() replication.GroupID {
	return l.group
}

// SafeTime exposes the partition's safe-time tracker.
func (l *Listener) SafeTime() *replication.SafeTimeTracker {
	return l.safeTime
}

// Invoke runs one replica request through the shared prelude and the
// per-kind handler.
func (l *Listener) Invoke(ctx context.Context, req Request) (res *Result, err error) {
	if !l.busy.enter() {
		return nil, &ErrNodeStopping{}
	}
	defer l.busy.leave()
	defer func() {
		l.metrics.observe(req.Kind(), err)
	}()

	isPrimary, err := l.ensurePrimary(ctx, req)
	if err != nil {
		return nil, err
	}

	// Direct read-only requests pick their timestamp here and thread it
	// through validation and execution.
	var opTS hlc.Timestamp
	switch req.Kind() {
	case RODirectGet, RODirectGetAll:
		opTS = l.clock.Now()
	}

	if err := l.validateTableExistence(req, opTS); err != nil {
		return nil, err
	}
	if err := l.validateSchemaMatch(req, opTS); err != nil {
		return nil, err
	}
	if err := l.waitSchemaSync(ctx, req, opTS); err != nil {
		return nil, err
	}

	return l.dispatch(ctx, req, isPrimary, opTS)
}

// ensurePrimary is the primary-lease gatekeeper. For primary requests the
// enlistment consistency token must equal the current lease start (strict
// equality) and the lease must not be expired. For read-only and safe-time
// sync requests only the primacy boolean is produced.
func (l *Listener) ensurePrimary(ctx context.Context, req Request) (*bool, error) {
	now := l.clock.Now()

	if primary, ok := req.(PrimaryRequest); ok {
		meta, err := l.placement.GetPrimaryReplica(ctx, l.group, now)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, &ErrPrimaryReplicaMiss{
				LocalName:     l.localNode,
				ExpectedToken: primary.EnlistmentToken(),
			}
		}
		token := meta.StartTime.Pack()
		if primary.EnlistmentToken() != token || meta.ExpirationTime.Before(now) || meta.Leaseholder != l.localNode {
			return nil, &ErrPrimaryReplicaMiss{
				LocalName:     l.localNode,
				Leaseholder:   meta.Leaseholder,
				ExpectedToken: primary.EnlistmentToken(),
				ActualToken:   token,
			}
		}
		return nil, nil
	}

	switch req.Kind() {
	case ROGet, ROGetAll, ROScan, RODirectGet, RODirectGetAll, SafeTimeSync:
		meta, err := l.placement.GetPrimaryReplica(ctx, l.group, now)
		if err != nil {
			return nil, err
		}
		p := meta != nil && meta.Leaseholder == l.localNode && !meta.ExpirationTime.Before(now)
		return &p, nil
	}
	return nil, nil
}

// validateTableExistence checks the table at the operation timestamp: now for
// read-write requests, the read timestamp for timestamped read-only ones, the
// threaded-through timestamp for direct reads.
func (l *Listener) validateTableExistence(req Request, opTS hlc.Timestamp) error {
	var ts hlc.Timestamp
	switch r := req.(type) {
	case ReadOnlyRequest:
		ts = r.ReadTimestamp()
	default:
		switch req.Kind() {
		case RODirectGet, RODirectGetAll:
			ts = opTS
		case RWGet, RWGetAll, RWScan, RWInsert, RWInsertAll, RWUpsert, RWUpsertAll,
			RWDelete, RWDeleteAll, RWDeleteExact, RWDeleteExactAll,
			RWGetAndDelete, RWGetAndUpsert, RWGetAndReplace, RWReplace, RWReplaceIfExist,
			BuildIndex:
			ts = l.clock.Now()
		default:
			return nil
		}
	}
	return l.validator.CheckTableExists(l.group.TableID, ts)
}

// validateSchemaMatch checks a declared schema version against the table
// schema at the transaction begin timestamp (read-write) or read timestamp.
func (l *Listener) validateSchemaMatch(req Request, opTS hlc.Timestamp) error {
	versioned, ok := req.(SchemaVersioned)
	if !ok || versioned.DeclaredSchemaVersion() == 0 {
		return nil
	}

	var ts hlc.Timestamp
	switch r := req.(type) {
	case ReadOnlyRequest:
		ts = r.ReadTimestamp()
	default:
		switch req.Kind() {
		case RODirectGet, RODirectGetAll:
			ts = opTS
		default:
			if tx, ok := transactionOf(req); ok {
				ts = txn.BeginTimestamp(tx)
			} else {
				ts = l.clock.Now()
			}
		}
	}
	return l.validator.CheckSchemaMatch(l.group.TableID, versioned.DeclaredSchemaVersion(), ts)
}

// waitSchemaSync awaits metadata completeness for any request that reads
// rows, so key extraction runs against a locally known schema.
func (l *Listener) waitSchemaSync(ctx context.Context, req Request, opTS hlc.Timestamp) error {
	var ts hlc.Timestamp
	switch r := req.(type) {
	case ReadOnlyRequest:
		ts = r.ReadTimestamp()
	default:
		switch req.Kind() {
		case RODirectGet, RODirectGetAll:
			ts = opTS
		case RWGet, RWGetAll, RWScan, RWInsert, RWInsertAll, RWUpsert, RWUpsertAll,
			RWDelete, RWDeleteAll, RWDeleteExact, RWDeleteExactAll,
			RWGetAndDelete, RWGetAndUpsert, RWGetAndReplace, RWReplace, RWReplaceIfExist:
			ts = l.clock.Now()
		default:
			return nil
		}
	}
	return l.schemaSync.WaitForMetadataCompleteness(ctx, ts)
}

func transactionOf(req Request) (uuid.UUID, bool) {
	switch r := req.(type) {
	case *RWRowRequest:
		return r.TxID, true
	case *RWRowPkRequest:
		return r.TxID, true
	case *RWMultiRowRequest:
		return r.TxID, true
	case *RWMultiRowPkRequest:
		return r.TxID, true
	case *RWSwapRowRequest:
		return r.TxID, true
	case *RWScanRequest:
		return r.TxID, true
	}
	return uuid.UUID{}, false
}

func (l *Listener) dispatch(ctx context.Context, req Request, isPrimary *bool, opTS hlc.Timestamp) (*Result, error) {
	switch r := req.(type) {
	case *RWRowRequest:
		return l.processSingleRow(ctx, r)
	case *RWRowPkRequest:
		return l.processSingleRowPk(ctx, r)
	case *RWMultiRowRequest:
		return l.processMultiRow(ctx, r)
	case *RWMultiRowPkRequest:
		return l.processMultiRowPk(ctx, r)
	case *RWSwapRowRequest:
		return l.processTwoRows(ctx, r)
	case *RWScanRequest:
		return l.processScanBatch(ctx, r)
	case *ScanCloseRequest:
		l.processScanClose(r)
		return immediate(nil), nil
	case *ROGetRequest:
		row, err := l.processReadOnlyGet(ctx, r, isPrimary)
		if err != nil {
			return nil, err
		}
		return immediate(row), nil
	case *ROGetAllRequest:
		rows, err := l.processReadOnlyGetAll(ctx, r, isPrimary)
		if err != nil {
			return nil, err
		}
		return immediate(rows), nil
	case *ROScanRequest:
		rows, err := l.processReadOnlyScanBatch(ctx, r, isPrimary)
		if err != nil {
			return nil, err
		}
		return immediate(rows), nil
	case *RODirectGetRequest:
		row, err := l.processDirectGet(ctx, r, opTS)
		if err != nil {
			return nil, err
		}
		return immediate(row), nil
	case *RODirectGetAllRequest:
		rows, err := l.processDirectGetAll(ctx, r, opTS)
		if err != nil {
			return nil, err
		}
		return immediate(rows), nil
	case *TxFinishRequest:
		result, err := l.processTxFinish(ctx, r)
		if err != nil {
			return nil, err
		}
		return immediate(result), nil
	case *WriteIntentSwitchRequest:
		return l.processWriteIntentSwitch(ctx, r)
	case *TxRecoveryRequest:
		return l.processTxRecovery(ctx, r)
	case *TxStateCommitPartitionRequest:
		result, err := l.processTxStateCommitPartition(ctx, r)
		if err != nil {
			return nil, err
		}
		return immediate(result), nil
	case *BuildIndexRequest:
		return l.processBuildIndex(ctx, r)
	case *SafeTimeSyncRequest:
		return l.processSafeTimeSync(ctx, isPrimary)
	default:
		return nil, &ErrUnsupportedRequest{Kind: req.Kind()}
	}
}

// Stop drains in-flight operations behind the busy lock and closes leftover
// cursors. Local-only cleanup never fails the caller.
func (l *Listener) Stop() {
	if !l.busy.block() {
		return
	}
	if n := l.cursors.closeAll(); n > 0 {
		log.Warn("closed leftover scan cursors on stop",
			zap.String("group", l.group.String()), zap.Int("count", n))
	}
}

// OnLeaseEvent reacts to placement driver lease changes. A local election
// schedules the durable cleanup sweep; the event returns without waiting on
// it.
func (l *Listener) OnLeaseEvent(ev placement.LeaseEvent) {
	if ev.Group != l.group {
		return
	}
	if ev.Kind == placement.PrimaryElected && ev.Leaseholder == l.localNode {
		go l.runDurableCleanupSweep(context.Background())
	}
}

// wrapReplicationErr converts raw replication failures into the replica's
// error kinds, keeping already-typed errors as they are.
func (l *Listener) wrapReplicationErr(err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *replication.TimeoutError:
		return &ErrReplicationTimeout{Group: e.Group}
	case *replication.MaxRetriesExceededError:
		return &ErrReplicationMaxRetriesExceeded{Group: e.Group, Attempts: e.Attempts}
	case *ErrUnexpectedTransactionState, *ErrTransactionAlreadyFinished, *ErrNodeStopping:
		return err
	case *schema.ErrTableNotFound, *schema.ErrIncompatibleSchema:
		return err
	case *mvcc.ErrTxIDMismatch:
		return err
	default:
		if err == context.Canceled || err == context.DeadlineExceeded {
			return err
		}
		return &ErrReplication{Group: l.group, Cause: err}
	}
}
