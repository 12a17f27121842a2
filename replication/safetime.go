package replication

import (
	"context"
	"sync"

	uatomic "go.uber.org/atomic"

	"github.com/AMashenkov/ignite-3/hlc"
)

// SafeTimeTracker is the partition's monotone safe-time watermark. Readers
// park on it until the watermark reaches their read timestamp; the apply path
// advances it with every applied command.
//
// The watermark itself is an atomic packed timestamp so the hot Current()
// reads never touch the waiter lock.
type SafeTimeTracker struct {
	current uatomic.Uint64

	mu      sync.Mutex
	waiters []safeTimeWaiter
}

type safeTimeWaiter struct {
	ts   hlc.Timestamp
	done chan struct{}
}

func NewSafeTimeTracker() *SafeTimeTracker {
	return &SafeTimeTracker{}
}

func (t *SafeTimeTracker) Current() hlc.Timestamp {
	return hlc.Unpack(t.current.Load())
}

// Advance moves the watermark forward, releasing every waiter at or below the
// new value. Moving backwards is a no-op.
func (t *SafeTimeTracker) Advance(ts hlc.Timestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ts.Pack() <= t.current.Load() {
		return
	}
	t.current.Store(ts.Pack())

	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if w.ts.Compare(ts) <= 0 {
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waiters = remaining
}

// WaitFor blocks until the watermark reaches ts or ctx is done.
func (t *SafeTimeTracker) WaitFor(ctx context.Context, ts hlc.Timestamp) error {
	t.mu.Lock()
	if t.current.Load() >= ts.Pack() {
		t.mu.Unlock()
		return nil
	}
	w := safeTimeWaiter{ts: ts, done: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
