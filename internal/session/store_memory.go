package session

import (
	"context"
	"sync"
	"time"

	"ringlink/internal/usage"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and early development.
// A single mutex serializes all transitions, which satisfies the per-session
// serialization requirement trivially.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]CallSession
	ledger   usage.Appender
}

func NewMemoryStore(ledger usage.Appender) *MemoryStore {
	return &MemoryStore{sessions: map[string]CallSession{}, ledger: ledger}
}

func (s *MemoryStore) Create(ctx context.Context, c CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.RoomName == c.RoomName && existing.Status == StatusActive {
			return ErrConflict
		}
	}
	s.sessions[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetByRoom(ctx context.Context, roomName string) (CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out CallSession
	found := false
	for _, c := range s.sessions {
		if c.RoomName != roomName {
			continue
		}
		if !found || c.StartedAt.After(out.StartedAt) {
			out = c
			found = true
		}
	}
	if !found {
		return CallSession{}, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) End(ctx context.Context, id string, endedAt time.Time, minutes int) (CallSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return CallSession{}, false, ErrNotFound
	}
	if c.Status.Terminal() {
		return c, false, nil
	}

	c.Status = StatusEnded
	c.EndedAt = &endedAt
	c.DurationMinutes = &minutes

	if s.ledger != nil {
		recs := usageFanOut(c, minutes, endedAt)
		if err := s.ledger.Append(ctx, recs); err != nil {
			// No partial state: the transition is not kept if billing fails.
			return s.sessions[id], false, err
		}
	}
	s.sessions[id] = c
	return c, true, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, id string, cancelledAt time.Time) (CallSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[id]
	if !ok {
		return CallSession{}, false, ErrNotFound
	}
	if c.Status.Terminal() {
		return c, false, nil
	}
	c.Status = StatusCancelled
	c.EndedAt = &cancelledAt
	s.sessions[id] = c
	return c, true, nil
}

func (s *MemoryStore) ListActiveToTarget(ctx context.Context, targetID, excludeCallerID string, notBefore, notAfter time.Time) ([]CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CallSession, 0)
	for _, c := range s.sessions {
		if c.Status != StatusActive || c.EndedAt != nil {
			continue
		}
		if excludeCallerID != "" && c.CallerID == excludeCallerID {
			continue
		}
		if c.StartedAt.Before(notBefore) || c.StartedAt.After(notAfter) {
			continue
		}
		if !c.Targets(targetID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// usageFanOut builds one record per participant, caller included.
func usageFanOut(c CallSession, minutes int, at time.Time) []usage.Record {
	ids := make([]string, 0, len(c.ParticipantIDs)+1)
	ids = append(ids, c.CallerID)
	for _, p := range c.ParticipantIDs {
		if p != c.CallerID {
			ids = append(ids, p)
		}
	}
	recs := make([]usage.Record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, usage.Record{
			ID:        uuid.NewString(),
			SessionID: c.ID,
			DeviceID:  id,
			Minutes:   minutes,
			CreatedAt: at,
		})
	}
	return recs
}

// MemoryCancellations is an in-memory CancellationStore.
type MemoryCancellations struct {
	mu    sync.Mutex
	recs  []CancellationRecord
	clock func() time.Time
}

func NewMemoryCancellations() *MemoryCancellations {
	return &MemoryCancellations{clock: time.Now}
}

// SetClock overrides the expiry clock for tests.
func (m *MemoryCancellations) SetClock(clock func() time.Time) { m.clock = clock }

func (m *MemoryCancellations) Put(ctx context.Context, rec CancellationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *MemoryCancellations) Check(ctx context.Context, roomName, callerID, targetID string) (bool, error) {
	now := m.clock().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.RoomName != roomName || r.CallerID != callerID {
			continue
		}
		if r.TargetID != "" && targetID != "" && r.TargetID != targetID {
			continue
		}
		if now.Before(r.ExpiresAt) {
			return true, nil
		}
	}
	return false, nil
}
