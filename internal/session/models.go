package session

import (
	"fmt"
	"strings"
	"time"
)

// CallSession is the authoritative lifecycle record of one call attempt.
//
// Invariants:
// - Status is write-once-terminal: once ended or cancelled, no further
//   transition is permitted. Repeated End/Cancel calls are idempotent no-ops.
// - RoomName identifies at most one active session at a time.
// - Rows are never deleted by the core; retention is an external concern.

type CallSession struct {
	ID             string   `json:"id" db:"id"`
	CallerID       string   `json:"caller_id" db:"caller_id"`
	RoomName       string   `json:"room_name" db:"room_name"`
	CallType       CallType `json:"call_type" db:"call_type"`
	ParticipantIDs []string `json:"participant_ids" db:"participant_ids"`

	Status Status `json:"status" db:"status"`

	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationMinutes *int       `json:"duration_minutes,omitempty" db:"duration_minutes"`

	MediaProviderVerified bool `json:"media_provider_verified" db:"media_provider_verified"`
}

type CallType string

const (
	CallTypeDirect CallType = "direct"
	CallTypeGroup  CallType = "group"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// Targets reports whether the session rings the given device, either through
// the participant list or through the room name encoding.
func (c CallSession) Targets(deviceID string) bool {
	if deviceID == "" {
		return false
	}
	for _, p := range c.ParticipantIDs {
		if p == deviceID {
			return true
		}
	}
	return strings.Contains(c.RoomName, deviceID)
}

// NewRoomName builds a globally unique room identifier for one call attempt.
// It embeds the caller id, every target id and the creation timestamp so that
// two different callers can never collide on one room.
func NewRoomName(callerID string, participantIDs []string, at time.Time) string {
	parts := make([]string, 0, len(participantIDs)+2)
	parts = append(parts, callerID)
	parts = append(parts, participantIDs...)
	parts = append(parts, fmt.Sprintf("%d", at.UnixMilli()))
	return strings.Join(parts, "-")
}

// CancellationRecord is a short-lived marker letting a callee that is
// mid-validation discover that this exact call was just cancelled, even if
// the cancellation push is lost. It expires by TTL; it is never deleted
// explicitly.
type CancellationRecord struct {
	RoomName    string    `json:"room_name"`
	CallerID    string    `json:"caller_id"`
	TargetID    string    `json:"target_id"`
	CancelledAt time.Time `json:"cancelled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
