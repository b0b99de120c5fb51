package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrConflict = errors.New("session: room already has an active session")
)

// Store is the persistence contract for call sessions. It is the only
// resource genuinely shared across devices, so implementations must
// serialize transitions per session: End and Cancel are compare-and-swap
// against the current status, and the loser of a concurrent end+cancel race
// observes a no-op returning the already-terminal row.
type Store interface {
	Create(ctx context.Context, s CallSession) error
	Get(ctx context.Context, id string) (CallSession, error)
	// GetByRoom returns the newest session bound to the room.
	GetByRoom(ctx context.Context, roomName string) (CallSession, error)

	// End transitions the session to ended iff it is still active, and in
	// the same transaction appends one usage record per participant
	// (caller included). It returns the stored row and whether this call
	// performed the transition.
	End(ctx context.Context, id string, endedAt time.Time, minutes int) (CallSession, bool, error)

	// Cancel transitions the session to cancelled iff it is still active.
	Cancel(ctx context.Context, id string, cancelledAt time.Time) (CallSession, bool, error)

	// ListActiveToTarget returns active sessions ringing targetID whose
	// startedAt falls inside [notBefore, notAfter], excluding rows with a
	// set endedAt even when the status column has not caught up.
	ListActiveToTarget(ctx context.Context, targetID, excludeCallerID string, notBefore, notAfter time.Time) ([]CallSession, error)
}

// CancellationStore holds short-TTL cancellation records. Reads filter by
// expiry; records are never deleted explicitly.
type CancellationStore interface {
	Put(ctx context.Context, rec CancellationRecord) error
	// Check reports whether a matching, non-expired record exists.
	Check(ctx context.Context, roomName, callerID, targetID string) (bool, error)
}
