package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/pingcap/errors"

	"github.com/AMashenkov/ignite-3/hlc"
)

// MaxRetriesOnSafeTimeReordering bounds dispatcher resubmissions after a safe
// time reorder rejection.
const MaxRetriesOnSafeTimeReordering = 3

// MaxRetriesExceededError reports an exhausted reorder-retry budget.
type MaxRetriesExceededError struct {
	Group    GroupID
	Attempts int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("group %s: safe time reordering persisted after %d attempts", e.Group, e.Attempts)
}

// Dispatcher submits safe-time propagating commands. Stamping, and the local
// pre-apply of non-full updates, happen under a single per-group mutex. The
// log submission in Replicate runs after that mutex is released, so commands
// can reach the log out of stamp order; the apply side rejects such a command
// and Replicate restamps and resubmits it within the retry budget.
type Dispatcher struct {
	group GroupID
	clock *hlc.Clock
	raft  RaftClient

	// mu is the command-processing linearization mutex. Local pre-apply of
	// non-full updates runs under it too.
	mu sync.Mutex

	maxRetries int
}

func NewDispatcher(group GroupID, clock *hlc.Clock, raft RaftClient) *Dispatcher {
	return &Dispatcher{
		group:      group,
		clock:      clock,
		raft:       raft,
		maxRetries: MaxRetriesOnSafeTimeReordering,
	}
}

// Stamp assigns cmd a fresh safe time under the linearization mutex and, when
// localApply is given, runs the local pre-apply with the stamp held. The
// stamped command is what must go to Replicate.
func (d *Dispatcher) Stamp(cmd Command, localApply func(Command) error) (Command, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stamped := cmd.WithSafeTime(d.clock.Now())
	if localApply != nil {
		if err := localApply(stamped); err != nil {
			return nil, err
		}
	}
	return stamped, nil
}

// Replicate pushes an already-stamped command through the log. On a safe-time
// reorder rejection the command is restamped with a fresh safe time and
// resubmitted, up to the retry budget.
func (d *Dispatcher) Replicate(ctx context.Context, cmd Command) (interface{}, error) {
	for attempt := 0; ; attempt++ {
		res, err := d.raft.Run(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if _, ok := errors.Cause(err).(*SafeTimeReorderError); !ok {
			return nil, err
		}
		if attempt+1 > d.maxRetries {
			return nil, &MaxRetriesExceededError{Group: d.group, Attempts: attempt + 1}
		}
		d.mu.Lock()
		cmd = cmd.WithSafeTime(d.clock.Now())
		d.mu.Unlock()
	}
}

// Submit stamps cmd and replicates it in one go.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (interface{}, error) {
	stamped, err := d.Stamp(cmd, nil)
	if err != nil {
		return nil, err
	}
	return d.Replicate(ctx, stamped)
}

// SubmitWithLocalApply stamps cmd, runs localApply once under the
// linearization mutex, then replicates with reorder retry.
func (d *Dispatcher) SubmitWithLocalApply(
	ctx context.Context,
	cmd Command,
	localApply func(Command) error,
) (interface{}, error) {
	stamped, err := d.Stamp(cmd, localApply)
	if err != nil {
		return nil, err
	}
	return d.Replicate(ctx, stamped)
}
