package history

import (
	"context"
	"testing"
	"time"
)

func TestService_StampsIDTimeAndDisplayName(t *testing.T) {
	rec := NewMemoryRecorder()
	svc := NewService(rec, func(id string) string {
		if id == "caller-1" {
			return "Alice"
		}
		return ""
	})
	svc.clock = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	err := svc.Append(context.Background(), Entry{
		Type:     EntryMissed,
		DeviceID: "dev-1",
		CallerID: "caller-1",
		RoomName: "room-1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got := rec.Entries()
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Fatalf("entry not stamped: %+v", e)
	}
	if e.DisplayName != "Alice" {
		t.Fatalf("expected display name lookup, got %q", e.DisplayName)
	}
}

func TestService_RejectsInvalidEntries(t *testing.T) {
	svc := NewService(NewMemoryRecorder(), nil)

	if err := svc.Append(context.Background(), Entry{DeviceID: "d"}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry for missing type, got %v", err)
	}
	if err := svc.Append(context.Background(), Entry{Type: EntryEnded}); err != ErrInvalidEntry {
		t.Fatalf("expected ErrInvalidEntry for missing device, got %v", err)
	}
}
