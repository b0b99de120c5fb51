package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func validIncoming() Payload {
	return Payload{
		Type:      PayloadIncomingCall,
		CallerID:  "caller-1",
		RoomName:  "room-1",
		MessageID: "m1",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
}

func TestParsePayload_RejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"incoming_call","caller_id":"a","room_name":"r","message_id":"m","timestamp":"2023-11-14T22:13:20Z","data":{"nested":"shape"}}`)
	if _, err := ParsePayload(raw); err != ErrInvalidPayload {
		t.Fatalf("expected rejection of unknown fields, got %v", err)
	}
}

func TestParsePayload_AcceptsCanonicalShape(t *testing.T) {
	raw := []byte(`{"type":"incoming_call","caller_id":"a","room_name":"r","message_id":"m","timestamp":"2023-11-14T22:13:20Z"}`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.CallerID != "a" || p.RoomName != "r" || p.Type != PayloadIncomingCall {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestPayloadValidate_FlagsMustMatchType(t *testing.T) {
	cases := []struct {
		name string
		p    Payload
		ok   bool
	}{
		{"incoming ok", validIncoming(), true},
		{"incoming with cancel flag", func() Payload { p := validIncoming(); p.IsCancellation = true; return p }(), false},
		{"cancellation ok", Payload{Type: PayloadCancellation, CallerID: "a", RoomName: "r", IsCancellation: true, Timestamp: time.Unix(1, 0)}, true},
		{"cancellation missing flag", Payload{Type: PayloadCancellation, CallerID: "a", RoomName: "r", Timestamp: time.Unix(1, 0)}, false},
		{"decline ok", Payload{Type: PayloadDecline, CallerID: "a", RoomName: "r", IsDecline: true, Timestamp: time.Unix(1, 0)}, true},
		{"missing caller", Payload{Type: PayloadIncomingCall, RoomName: "r", Timestamp: time.Unix(1, 0)}, false},
		{"missing timestamp", Payload{Type: PayloadIncomingCall, CallerID: "a", RoomName: "r"}, false},
	}
	for _, tc := range cases {
		err := tc.p.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected err %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDispatcher_FansOutToAllTargets(t *testing.T) {
	sender := NewMemorySender()
	d := NewDispatcher(sender, nil, time.Second)

	failed := d.Dispatch(context.Background(), []string{"b", "c", "d"}, validIncoming())
	if failed != 0 {
		t.Fatalf("expected no failures, got %d", failed)
	}
	if got := len(sender.Sent()); got != 3 {
		t.Fatalf("expected 3 sends, got %d", got)
	}
}

func TestDispatcher_FailuresAreCountedNotPropagated(t *testing.T) {
	sender := NewMemorySender()
	sender.FailWith(func(target string) error {
		if target == "c" {
			return errors.New("device unreachable")
		}
		return nil
	})
	d := NewDispatcher(sender, nil, time.Second)

	failed := d.Dispatch(context.Background(), []string{"b", "c"}, validIncoming())
	if failed != 1 {
		t.Fatalf("expected 1 failure, got %d", failed)
	}
	if got := len(sender.SentTo("b")); got != 1 {
		t.Fatalf("healthy target must still receive the push, got %d", got)
	}
}
