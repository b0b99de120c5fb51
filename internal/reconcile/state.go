package reconcile

import (
	"sync"
	"time"
)

// CallState is the per-call lifecycle on the callee device:
//
//	Received -> Validating -> {Expired, Cancelled, Ringing}
//	Ringing  -> {Answered, Declined, TimedOutBySystem}
//
// Terminal states hand control back to idle and are not re-enterable.
type CallState string

const (
	StateReceived   CallState = "received"
	StateValidating CallState = "validating"
	StateExpired    CallState = "expired"
	StateCancelled  CallState = "cancelled"
	StateRinging    CallState = "ringing"
	StateAnswered   CallState = "answered"
	StateDeclined   CallState = "declined"
	StateTimedOut   CallState = "timed_out_by_system"
)

func (s CallState) terminal() bool {
	switch s {
	case StateExpired, StateCancelled, StateAnswered, StateDeclined, StateTimedOut:
		return true
	}
	return false
}

// A call can terminate straight out of Received: a cancellation push may
// land before validation runs, and a disambiguation decline never validates
// the entries it rejects.
var allowedTransitions = map[CallState][]CallState{
	StateReceived:   {StateValidating, StateExpired, StateCancelled, StateDeclined},
	StateValidating: {StateExpired, StateCancelled, StateRinging},
	StateRinging:    {StateCancelled, StateAnswered, StateDeclined, StateTimedOut},
}

func canTransition(from, to CallState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// stateTable tracks the state machine per (callerID, roomName). Entries age
// out with the pending window; a terminal entry refuses further transitions.
type stateTable struct {
	mu     sync.Mutex
	states map[pendingKey]stateEntry
	window time.Duration
	clock  func() time.Time
}

type stateEntry struct {
	state CallState
	at    time.Time
}

func newStateTable(window time.Duration, clock func() time.Time) *stateTable {
	if window <= 0 {
		window = 15 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &stateTable{states: map[pendingKey]stateEntry{}, window: window, clock: clock}
}

// begin sets Received for a new call, refusing re-entry into a live entry.
func (t *stateTable) begin(k pendingKey) bool {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	if _, exists := t.states[k]; exists {
		return false
	}
	t.states[k] = stateEntry{state: StateReceived, at: now}
	return true
}

// advance moves the call to the next state if the transition is legal.
func (t *stateTable) advance(k pendingKey, to CallState) bool {
	now := t.clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked(now)
	cur, ok := t.states[k]
	if !ok || !canTransition(cur.state, to) {
		return false
	}
	t.states[k] = stateEntry{state: to, at: now}
	return true
}

func (t *stateTable) current(k pendingKey) (CallState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.states[k]
	return e.state, ok
}

func (t *stateTable) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.window)
	// Non-terminal entries are abandoned work the call never resolved. They
	// get a longer grace so an in-flight ring is never evicted, then go too:
	// room names are unique per attempt, so unevicted keys never recur.
	abandoned := now.Add(-4 * t.window)
	for k, e := range t.states {
		if e.state.terminal() {
			if e.at.Before(cutoff) {
				delete(t.states, k)
			}
			continue
		}
		if e.at.Before(abandoned) {
			delete(t.states, k)
		}
	}
}
