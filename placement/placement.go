package placement

import (
	"context"

	"github.com/AMashenkov/ignite-3/hlc"
	"github.com/AMashenkov/ignite-3/replication"
)

// ReplicaMeta describes the primary lease of a replication group. StartTime
// doubles as the enlistment consistency token clients bind their primary view
// to.
type ReplicaMeta struct {
	Leaseholder    string
	StartTime      hlc.Timestamp
	ExpirationTime hlc.Timestamp
}

// Driver is the slice of the placement driver the coordinator consults. The
// driver itself lives outside this module.
type Driver interface {
	// GetPrimaryReplica returns the group's primary lease effective at ts,
	// or nil when no lease is held.
	GetPrimaryReplica(ctx context.Context, group replication.GroupID, ts hlc.Timestamp) (*ReplicaMeta, error)
}

// LeaseEventKind discriminates primary lease events.
type LeaseEventKind int

const (
	PrimaryElected LeaseEventKind = iota
	PrimaryExpired
)

// LeaseEvent is delivered to subscribed coordinators on lease changes.
type LeaseEvent struct {
	Kind           LeaseEventKind
	Group          replication.GroupID
	Leaseholder    string
	StartTime      hlc.Timestamp
	ExpirationTime hlc.Timestamp
}
