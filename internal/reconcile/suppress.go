package reconcile

import (
	"sync"
	"time"
)

// Suppression is the single short-lived flag guarding the race between a
// local cancel action and the original notification callback on the same
// device. When set, the next incoming-call push is silently dropped. Cleared
// on first consumption or after the expiry window, whichever comes first.
//
// Only one suppression window is meaningful at a time because the race it
// guards is a single user action; this is deliberately a flag, not a queue.
type Suppression struct {
	mu     sync.Mutex
	until  time.Time
	window time.Duration
	clock  func() time.Time
}

func NewSuppression(window time.Duration, clock func() time.Time) *Suppression {
	if window <= 0 {
		window = time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &Suppression{window: window, clock: clock}
}

// Arm opens a suppression window starting now.
func (s *Suppression) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until = s.clock().Add(s.window)
}

// Consume reports whether a window was open, and closes it.
func (s *Suppression) Consume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.until.IsZero() || s.clock().After(s.until) {
		s.until = time.Time{}
		return false
	}
	s.until = time.Time{}
	return true
}

// LeftRooms is the short-TTL set of rooms this device just disconnected
// from. Foreground reconciliation filters these out so the user is not
// pulled back into a room they just exited.
type LeftRooms struct {
	mu    sync.Mutex
	rooms map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func NewLeftRooms(ttl time.Duration, clock func() time.Time) *LeftRooms {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &LeftRooms{rooms: map[string]time.Time{}, ttl: ttl, clock: clock}
}

func (l *LeftRooms) Add(roomName string) {
	if roomName == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms[roomName] = l.clock().Add(l.ttl)
}

func (l *LeftRooms) Contains(roomName string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.rooms[roomName]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(l.rooms, roomName)
		return false
	}
	return true
}
