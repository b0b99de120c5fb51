package reconcile

import (
	"sync"
	"time"
)

// PendingCall is one received incoming-call notification, held briefly so
// that duplicate deliveries collapse and simultaneous callers can be
// detected. Entries survive between message delivery and UI mount within the
// process.
type PendingCall struct {
	CallerID    string
	RoomName    string
	CallType    string
	DisplayName string
	MessageID   string
	ReceivedAt  time.Time
	// Source is the delivery path that produced the entry: push, foreground,
	// or coldstart.
	Source string

	resolved bool
}

func (p PendingCall) key() pendingKey {
	return pendingKey{callerID: p.CallerID, roomName: p.RoomName}
}

type pendingKey struct {
	callerID string
	roomName string
}

// PendingCache is the per-device ephemeral store of recently received call
// notifications. The dedupe key is (callerID, roomName): a later arrival with
// the same key never creates a second entry. Entries are pruned after a fixed
// window to bound memory.
type PendingCache struct {
	mu      sync.Mutex
	entries map[pendingKey]*PendingCall
	window  time.Duration
	clock   func() time.Time
}

func NewPendingCache(window time.Duration, clock func() time.Time) *PendingCache {
	if window <= 0 {
		window = 15 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &PendingCache{
		entries: map[pendingKey]*PendingCall{},
		window:  window,
		clock:   clock,
	}
}

// Add records the notification. It reports false when an entry with the same
// dedupe key is already present (duplicate delivery).
func (c *PendingCache) Add(p PendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	if _, dup := c.entries[p.key()]; dup {
		return false
	}
	cp := p
	c.entries[p.key()] = &cp
	return true
}

// OthersWithin returns unresolved entries from different callers received
// within the lookback window, newest first per caller.
func (c *PendingCache) OthersWithin(callerID string, lookback time.Duration) []PendingCall {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	out := make([]PendingCall, 0)
	for _, e := range c.entries {
		if e.resolved || e.CallerID == callerID {
			continue
		}
		if now.Sub(e.ReceivedAt) > lookback {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Unresolved returns every live entry.
func (c *PendingCache) Unresolved() []PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()

	out := make([]PendingCall, 0)
	for _, e := range c.entries {
		if !e.resolved {
			out = append(out, *e)
		}
	}
	return out
}

// Has reports whether an entry (resolved or not) exists for the key.
func (c *PendingCache) Has(callerID, roomName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[pendingKey{callerID: callerID, roomName: roomName}]
	return ok
}

// Resolve marks the entry handled. The entry stays until pruned so that a
// late duplicate delivery still deduplicates instead of reprocessing.
func (c *PendingCache) Resolve(callerID, roomName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[pendingKey{callerID: callerID, roomName: roomName}]; ok {
		e.resolved = true
	}
}

func (c *PendingCache) pruneLocked() {
	cutoff := c.clock().Add(-c.window)
	for k, e := range c.entries {
		if e.ReceivedAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
