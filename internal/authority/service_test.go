package authority

import (
	"context"
	"errors"
	"testing"
	"time"

	"ringlink/internal/config"
	"ringlink/internal/gateway"
	"ringlink/internal/session"
	"ringlink/internal/usage"
)

type fixture struct {
	svc     *Service
	store   *session.MemoryStore
	cancels *session.MemoryCancellations
	ledger  *usage.MemoryLedger
	sender  *gateway.MemorySender
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger:  usage.NewMemoryLedger(),
		cancels: session.NewMemoryCancellations(),
		sender:  gateway.NewMemorySender(),
		now:     time.Unix(1700000000, 0).UTC(),
	}
	f.store = session.NewMemoryStore(f.ledger)
	dispatcher := gateway.NewDispatcher(f.sender, nil, time.Second)
	f.svc = NewService(f.store, f.cancels, NewMemoryRateLimiter(50, time.Hour), dispatcher, config.Defaults(), nil)
	f.svc.SetClock(func() time.Time { return f.now })
	f.cancels.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestStartSession_CreatesActiveSessionAndFansOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	c, err := f.store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Status != session.StatusActive || c.CallType != session.CallTypeDirect {
		t.Fatalf("unexpected session: %+v", c)
	}

	pushes := f.sender.SentTo("target-b")
	if len(pushes) != 1 {
		t.Fatalf("expected 1 push, got %d", len(pushes))
	}
	p := pushes[0]
	if p.Type != gateway.PayloadIncomingCall || p.CallerID != "caller-a" || p.RoomName != c.RoomName {
		t.Fatalf("unexpected push: %+v", p)
	}
}

func TestStartSession_RateLimitsAtConfiguredCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	limiter := NewMemoryRateLimiter(3, time.Hour)
	limiter.SetClock(func() time.Time { return f.now })
	f.svc.limiter = limiter

	for i := 0; i < 3; i++ {
		if _, err := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		f.advance(time.Second)
	}
	if _, err := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Other callers are unaffected.
	if _, err := f.svc.StartSession(ctx, "caller-x", StartRequest{ParticipantIDs: []string{"target-b"}}); err != nil {
		t.Fatalf("unrelated caller blocked: %v", err)
	}
}

func TestEndSession_ComputesCeilingMinutesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.advance(2*time.Minute + 10*time.Second) // ceil -> 3
	minutes, err := f.svc.EndSession(ctx, "caller-a", created.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if minutes != 3 {
		t.Fatalf("expected 3 minutes, got %d", minutes)
	}

	f.advance(time.Hour)
	again, err := f.svc.EndSession(ctx, "caller-a", created.ID)
	if err != nil {
		t.Fatalf("repeat end: %v", err)
	}
	if again != 3 {
		t.Fatalf("idempotent end changed duration: %d", again)
	}

	if got := len(f.ledger.Records()); got != 2 {
		t.Fatalf("expected 2 usage records after retries, got %d", got)
	}
}

func TestEndSession_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})

	if _, err := f.svc.EndSession(ctx, "target-b", created.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.EndSession(ctx, "caller-a", "missing"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelSession_WritesRecordAndPush_ByIDOrRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})
	c, _ := f.store.Get(ctx, created.ID)

	if err := f.svc.CancelSession(ctx, "caller-a", c.RoomName); err != nil {
		t.Fatalf("cancel by room: %v", err)
	}

	if got := f.svc.CheckCancellation(ctx, c.RoomName, "caller-a", "target-b"); !got {
		t.Fatalf("expected cancellation record")
	}

	pushes := f.sender.SentTo("target-b")
	if len(pushes) != 2 {
		t.Fatalf("expected incoming + cancellation pushes, got %d", len(pushes))
	}
	if !pushes[1].IsCancellation {
		t.Fatalf("expected cancellation push, got %+v", pushes[1])
	}

	// Repeat cancel is a no-op, not an error.
	if err := f.svc.CancelSession(ctx, "caller-a", created.ID); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestCancelSession_CalleeMayCancel_StrangerMayNot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})

	if err := f.svc.CancelSession(ctx, "intruder", created.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.CancelSession(ctx, "target-b", created.ID); err != nil {
		t.Fatalf("callee cancel: %v", err)
	}
}

func TestConcurrentEndAndCancel_LoserSeesNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})
	f.advance(30 * time.Second)

	if _, err := f.svc.EndSession(ctx, "caller-a", created.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	// The cancel that raced and lost must not error and must not rewrite status.
	if err := f.svc.CancelSession(ctx, "target-b", created.ID); err != nil {
		t.Fatalf("losing cancel: %v", err)
	}
	c, _ := f.store.Get(ctx, created.ID)
	if c.Status != session.StatusEnded {
		t.Fatalf("terminal status rewritten: %s", c.Status)
	}
}

func TestQueryActiveSessionsToTarget_AppliesFreshnessAndAgeFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})

	// Younger than the 2s construction floor: not yet ringing.
	if got := f.svc.QueryActiveSessionsToTarget(ctx, "target-b", ""); len(got) != 0 {
		t.Fatalf("session younger than min age should be hidden, got %d", len(got))
	}

	f.advance(5 * time.Second)
	got := f.svc.QueryActiveSessionsToTarget(ctx, "target-b", "")
	if len(got) != 1 || got[0].ID != created.ID {
		t.Fatalf("expected the ringing session, got %+v", got)
	}

	// Past the 30s freshness window: a ghost, not a ringing call.
	f.advance(40 * time.Second)
	if got := f.svc.QueryActiveSessionsToTarget(ctx, "target-b", ""); len(got) != 0 {
		t.Fatalf("stale session should be hidden, got %d", len(got))
	}
}

type failingStore struct {
	session.Store
}

func (failingStore) ListActiveToTarget(ctx context.Context, targetID, excludeCallerID string, notBefore, notAfter time.Time) ([]session.CallSession, error) {
	return nil, errors.New("store unavailable")
}

type failingCancels struct{}

func (failingCancels) Put(ctx context.Context, rec session.CancellationRecord) error {
	return errors.New("store unavailable")
}

func (failingCancels) Check(ctx context.Context, roomName, callerID, targetID string) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestReadPathsFailOpen(t *testing.T) {
	f := newFixture(t)
	f.svc.store = failingStore{Store: f.store}
	f.svc.cancels = failingCancels{}
	ctx := context.Background()

	if got := f.svc.QueryActiveSessionsToTarget(ctx, "target-b", ""); got != nil {
		t.Fatalf("expected nil on store outage, got %+v", got)
	}
	if f.svc.CheckCancellation(ctx, "room", "a", "b") {
		t.Fatalf("cancellation check must fail open to false")
	}
}

func TestCheckSessionStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, _ := f.svc.StartSession(ctx, "caller-a", StartRequest{ParticipantIDs: []string{"target-b"}})
	c, _ := f.store.Get(ctx, created.ID)

	st, err := f.svc.CheckSessionStatus(ctx, c.RoomName, "caller-a")
	if err != nil || st != session.StatusActive {
		t.Fatalf("expected active, got %v %v", st, err)
	}
	if _, err := f.svc.CheckSessionStatus(ctx, c.RoomName, "someone-else"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("caller mismatch should read as not found, got %v", err)
	}
}

func TestStartSession_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		caller string
		req    StartRequest
	}{
		{"missing caller", "", StartRequest{ParticipantIDs: []string{"b"}}},
		{"no participants", "a", StartRequest{}},
		{"empty participant", "a", StartRequest{ParticipantIDs: []string{""}}},
		{"self call", "a", StartRequest{ParticipantIDs: []string{"a"}}},
		{"bad call type", "a", StartRequest{ParticipantIDs: []string{"b"}, CallType: "conference"}},
	}
	for _, tc := range cases {
		if _, err := f.svc.StartSession(ctx, tc.caller, tc.req); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", tc.name, err)
		}
	}
}
