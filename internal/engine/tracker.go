package engine

import (
	"sync"
)

// maxMessageID is the top of the LDAP message-ID domain, RFC 4511 §4.1.1:
// messageID ::= INTEGER (0 .. maxInt), but 0 is reserved for unsolicited
// notifications, so the client-assignable range is [1, 2^31-1].
const maxMessageID = 1<<31 - 1

// MessageTracker is the Message Tracker of spec.md §4.1: a mapping from
// LDAP message-ID to a pending request record. One mutex guards it, per
// spec.md §5's single logical scheduling context.
type MessageTracker struct {
	mu           sync.Mutex
	pending      map[int32]*PendingRequest
	abandonedIDs map[int32]struct{}
	nextID       int32
}

// NewMessageTracker creates an empty tracker; IDs are assigned starting
// at 1.
func NewMessageTracker() *MessageTracker {
	return &MessageTracker{
		pending:      make(map[int32]*PendingRequest),
		abandonedIDs: make(map[int32]struct{}),
		nextID:       1,
	}
}

// Track assigns the next free message ID, stores the pending request
// under it, and returns the assigned ID. The ID skips any value currently
// pending or abandoned, and wraps from 2^31-1 back to 1.
func (t *MessageTracker) Track(req *PendingRequest) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.allocateLocked()
	req.MessageID = id
	t.pending[id] = req
	return id
}

func (t *MessageTracker) allocateLocked() int32 {
	for {
		id := t.nextID
		if t.nextID >= maxMessageID {
			t.nextID = 1
		} else {
			t.nextID++
		}

		if _, inUse := t.pending[id]; inUse {
			continue
		}
		if _, abandoned := t.abandonedIDs[id]; abandoned {
			continue
		}
		return id
	}
}

// Fetch returns the handler registered for id without removing it, so a
// streaming search can look up the same entry for every intermediate
// response.
func (t *MessageTracker) Fetch(id int32) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[id]
	return req, ok
}

// Remove drops the pending entry for id; used when a terminal response
// arrives.
func (t *MessageTracker) Remove(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// Abandon records id as abandoned and drops its pending entry. Subsequent
// responses for id are silently discarded by the caller (which should
// check Fetch before delivering).
func (t *MessageTracker) Abandon(id int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandonedIDs[id] = struct{}{}
	delete(t.pending, id)
}

// IsAbandoned reports whether id was ever abandoned on this tracker.
// Abandoned IDs are never removed from the set, so allocation never
// reuses them, even after the ID space wraps.
func (t *MessageTracker) IsAbandoned(id int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.abandonedIDs[id]
	return ok
}

// Purge invokes fn for every pending entry so the caller can synthesize a
// final error or result, then clears the map. Idempotent: calling Purge on
// an already-empty tracker invokes fn zero times.
func (t *MessageTracker) Purge(fn func(id int32, req *PendingRequest)) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int32]*PendingRequest)
	t.mu.Unlock()

	for id, req := range pending {
		fn(id, req)
	}
}

// Pending returns the current number of outstanding requests.
func (t *MessageTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
