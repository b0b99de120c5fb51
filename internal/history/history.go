package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one structured call-history record handed to the history
// collaborator. The core never reads contact nicknames itself; display names
// come from the opaque lookup supplied by that collaborator.
//
// Entries are append-only and best-effort: a failed write must never block
// call setup or teardown.
type Entry struct {
	ID       string    `json:"id"`
	Type     EntryType `json:"type"`
	DeviceID string    `json:"device_id"`

	CallerID    string `json:"caller_id,omitempty"`
	RoomName    string `json:"room_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	DurationMinutes int `json:"duration_minutes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EntryType string

const (
	EntryIncoming  EntryType = "call_incoming"
	EntryMissed    EntryType = "call_missed"
	EntryCancelled EntryType = "call_cancelled"
	EntryTimeout   EntryType = "call_timeout"
	EntryEnded     EntryType = "call_ended"
)

// DisplayNameFunc resolves an opaque device id to a display name. Supplied by
// the contacts collaborator; a nil func leaves names empty.
type DisplayNameFunc func(deviceID string) string

// Recorder is the persistence contract for history entries. Append-only: no
// Update/Delete methods are provided.
type Recorder interface {
	Append(ctx context.Context, e Entry) error
}

var ErrInvalidEntry = errors.New("history: invalid entry")

// Service stamps and forwards entries to a Recorder.
type Service struct {
	rec   Recorder
	names DisplayNameFunc
	clock func() time.Time
}

func NewService(rec Recorder, names DisplayNameFunc) *Service {
	return &Service{rec: rec, names: names, clock: time.Now}
}

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.rec == nil {
		return errors.New("history: recorder not configured")
	}
	if e.Type == "" || e.DeviceID == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.DisplayName == "" && e.CallerID != "" && s.names != nil {
		e.DisplayName = s.names(e.CallerID)
	}
	return s.rec.Append(ctx, e)
}

// MemoryRecorder is a simple in-memory append-only recorder for tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Append(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRecorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByType returns the recorded entries of one type.
func (r *MemoryRecorder) ByType(t EntryType) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
