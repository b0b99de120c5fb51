package media

import (
	"context"
	"sync"
)

// Provider is the media-transport boundary. The core tells it "join room R"
// and consumes presence events; it never owns connection negotiation, audio
// encoding or device routing.
type Provider interface {
	Name() string
	// Join connects to a room and returns the presence event stream. The
	// stream is closed when the room ends or the context is cancelled.
	Join(ctx context.Context, roomName string, credentials Credentials) (<-chan PresenceEvent, error)
	// Leave disconnects from a room. Safe to call more than once.
	Leave(ctx context.Context, roomName string) error
}

type Credentials struct {
	DeviceID string
	Token    string
}

type PresenceEvent struct {
	Kind          PresenceKind
	RoomName      string
	ParticipantID string
}

type PresenceKind string

const (
	ParticipantJoined PresenceKind = "participant_joined"
	ParticipantLeft   PresenceKind = "participant_left"
	RoomEnded         PresenceKind = "room_ended"
)

// MemoryProvider is a scriptable provider for tests.
type MemoryProvider struct {
	mu     sync.Mutex
	rooms  map[string]chan PresenceEvent
	joined []string
	left   []string
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{rooms: map[string]chan PresenceEvent{}}
}

func (m *MemoryProvider) Name() string { return "memory" }

func (m *MemoryProvider) Join(ctx context.Context, roomName string, _ Credentials) (<-chan PresenceEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.rooms[roomName]
	if !ok {
		ch = make(chan PresenceEvent, 16)
		m.rooms[roomName] = ch
	}
	m.joined = append(m.joined, roomName)
	return ch, nil
}

func (m *MemoryProvider) Leave(ctx context.Context, roomName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.left = append(m.left, roomName)
	return nil
}

// Emit injects a presence event into a room's stream.
func (m *MemoryProvider) Emit(roomName string, ev PresenceEvent) {
	m.mu.Lock()
	ch, ok := m.rooms[roomName]
	m.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// LeftRooms returns the rooms Leave was called for, in order.
func (m *MemoryProvider) LeftRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.left))
	copy(out, m.left)
	return out
}
