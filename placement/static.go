package placement

import (
	"context"
	"sync"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

// StaticDriver serves leases from an in-process table. It backs single-node
// deployments and tests; lease changes are pushed in explicitly.
type StaticDriver struct {
	mu     sync.RWMutex
	leases map[replication.GroupID]ReplicaMeta
}

func NewStaticDriver() *StaticDriver {
	return &StaticDriver{leases: make(map[replication.GroupID]ReplicaMeta)}
}

// SetLease installs or replaces the group's lease.
func (d *StaticDriver) SetLease(group replication.GroupID, meta ReplicaMeta) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leases[group] = meta
}

// DropLease removes the group's lease.
func (d *StaticDriver) DropLease(group replication.GroupID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leases, group)
}

func (d *StaticDriver) GetPrimaryReplica(
	ctx context.Context,
	group replication.GroupID,
	ts hlc.Timestamp,
) (*ReplicaMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	meta, ok := d.leases[group]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}
