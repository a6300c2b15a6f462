package session

import (
	"context"
	"sync"
	"time"

	"github.com/srg/em1003/internal/protocol"
)

// requestKey identifies an in-flight request. Sequence ids are reused across
// a 256-value space, so the target id is part of the key to disambiguate
// coincidental collisions between independent requests.
type requestKey struct {
	Seq    byte
	Target byte
}

// pendingEntry holds the single-resolution result slot for one request.
// The slot resolves exactly once: with a response, or by cancellation
// (timeout, sweep, connection loss).
type pendingEntry struct {
	key     requestKey
	created time.Time
	ch      chan *protocol.Response // buffered; closed on cancel
	done    bool
}

// waiter is the request side's view of a pending entry.
type waiter struct {
	ch <-chan *protocol.Response
}

// Await blocks for a resolution with a bounded wait. Returns (resp, true) on
// a matched notification, (nil, false) on timeout, cancellation, or context
// expiry.
func (w waiter) Await(ctx context.Context, timeout time.Duration) (*protocol.Response, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp, ok := <-w.ch:
		if !ok {
			return nil, false
		}
		return resp, true
	case <-t.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// pendingTable maps in-flight request keys to result slots. Registration and
// sweeps run on the request-issuing path while resolution arrives from the
// notification-delivery goroutine; one mutex covers both so a resolve racing
// a sweep can never double-resolve a slot or leave it dangling.
type pendingTable struct {
	mu      sync.Mutex
	entries map[requestKey]*pendingEntry
	now     func() time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[requestKey]*pendingEntry),
		now:     time.Now,
	}
}

// Register creates a result slot for key. A leftover entry under the same
// key (possible only after a forced sequence-space clear) is cancelled
// first so its waiter unblocks instead of dangling.
func (t *pendingTable) Register(key requestKey) waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.entries[key]; ok {
		t.cancelLocked(old)
	}
	e := &pendingEntry{
		key:     key,
		created: t.now(),
		ch:      make(chan *protocol.Response, 1),
	}
	t.entries[key] = e
	return waiter{ch: e.ch}
}

// Resolve completes the entry for key with a response. Returns false when no
// matching entry exists; spurious and late notifications make that a normal,
// frequent outcome.
func (t *pendingTable) Resolve(key requestKey, resp *protocol.Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.done {
		return false
	}
	e.done = true
	e.ch <- resp
	delete(t.entries, key)
	return true
}

// Cancel removes and cancels the entry for key, if present.
func (t *pendingTable) Cancel(key requestKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	t.cancelLocked(e)
	return true
}

// SweepExpired removes and cancels entries strictly older than maxAge,
// returning their keys so the caller can release sequence ids. An entry at
// exactly maxAge is retained.
func (t *pendingTable) SweepExpired(maxAge time.Duration) []requestKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []requestKey
	for key, e := range t.entries {
		if now.Sub(e.created) > maxAge {
			expired = append(expired, key)
			t.cancelLocked(e)
		}
	}
	return expired
}

// PurgeAll cancels every entry. Used when the connection drops: no pending
// request can resolve anymore, so all waiters must unblock.
func (t *pendingTable) PurgeAll() []requestKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]requestKey, 0, len(t.entries))
	for key, e := range t.entries {
		keys = append(keys, key)
		t.cancelLocked(e)
	}
	return keys
}

// Len reports the number of live entries.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// cancelLocked resolves an entry by cancellation. Caller holds t.mu.
func (t *pendingTable) cancelLocked(e *pendingEntry) {
	if !e.done {
		e.done = true
		close(e.ch)
	}
	delete(t.entries, e.key)
}
