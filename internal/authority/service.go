package authority

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ringlink/internal/config"
	"ringlink/internal/gateway"
	"ringlink/internal/metrics"
	"ringlink/internal/session"

	"github.com/google/uuid"
)

// Service is the server-side authority over call sessions. It owns every
// CallSession mutation and enforces rate limits and idempotence; clients only
// ever observe session state through it.
//
// Failure policy:
// - Read paths (QueryActiveSessionsToTarget, CheckCancellation) fail open to
//   "no data" so that store trouble never blocks a legitimate call.
// - Write paths surface failures: silently losing a terminal transition
//   would leave a session permanently active.
// - Push fan-out is best-effort and never blocks the caller.
type Service struct {
	store   session.Store
	cancels session.CancellationStore
	limiter RateLimiter
	pushes  *gateway.Dispatcher
	windows config.Windows
	log     *slog.Logger
	clock   func() time.Time
}

func NewService(store session.Store, cancels session.CancellationStore, limiter RateLimiter, pushes *gateway.Dispatcher, windows config.Windows, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:   store,
		cancels: cancels,
		limiter: limiter,
		pushes:  pushes,
		windows: windows,
		log:     log,
		clock:   time.Now,
	}
}

// SetClock overrides the service clock for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

var (
	ErrRateLimited     = errors.New("authority: rate limited")
	ErrForbidden       = errors.New("authority: forbidden")
	ErrInvalidArgument = errors.New("authority: invalid argument")
)

type StartRequest struct {
	RoomName       string           `json:"room_name,omitempty"`
	CallType       session.CallType `json:"call_type,omitempty"`
	ParticipantIDs []string         `json:"participant_ids"`
	// DisplayName is the caller's self-reported name carried in the push;
	// the authority treats it as opaque.
	DisplayName string `json:"display_name,omitempty"`
}

// StartSession creates an active session and fans out an incoming-call push
// to every target.
func (s *Service) StartSession(ctx context.Context, callerID string, req StartRequest) (session.CallSession, error) {
	if callerID == "" || len(req.ParticipantIDs) == 0 {
		return session.CallSession{}, ErrInvalidArgument
	}
	for _, p := range req.ParticipantIDs {
		if p == "" || p == callerID {
			return session.CallSession{}, ErrInvalidArgument
		}
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, callerID)
		if err != nil {
			// Limiter outage must not block calls; count the miss and move on.
			s.log.Warn("rate limiter unavailable", "err", err)
		} else if !allowed {
			metrics.SessionRateLimited()
			return session.CallSession{}, ErrRateLimited
		}
	}

	now := s.clock().UTC()

	callType := req.CallType
	if callType == "" {
		callType = session.CallTypeDirect
		if len(req.ParticipantIDs) > 1 {
			callType = session.CallTypeGroup
		}
	}
	if callType != session.CallTypeDirect && callType != session.CallTypeGroup {
		return session.CallSession{}, ErrInvalidArgument
	}

	roomName := req.RoomName
	if roomName == "" {
		roomName = session.NewRoomName(callerID, req.ParticipantIDs, now)
	}

	c := session.CallSession{
		ID:             uuid.NewString(),
		CallerID:       callerID,
		RoomName:       roomName,
		CallType:       callType,
		ParticipantIDs: req.ParticipantIDs,
		Status:         session.StatusActive,
		StartedAt:      now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return session.CallSession{}, err
	}
	metrics.SessionStarted()

	s.dispatch(ctx, req.ParticipantIDs, gateway.Payload{
		Type:        gateway.PayloadIncomingCall,
		CallerID:    callerID,
		RoomName:    roomName,
		CallType:    string(callType),
		DisplayName: req.DisplayName,
		MessageID:   uuid.NewString(),
		Timestamp:   now,
	})

	return c, nil
}

// EndSession transitions the session to ended and bills every participant
// exactly once. Only the session owner may end it. Already-terminal sessions
// return the stored duration without re-computing.
func (s *Service) EndSession(ctx context.Context, callerID, sessionID string) (int, error) {
	if callerID == "" || sessionID == "" {
		return 0, ErrInvalidArgument
	}
	c, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if c.CallerID != callerID {
		return 0, ErrForbidden
	}
	if c.Status.Terminal() {
		return storedMinutes(c), nil
	}

	now := s.clock().UTC()
	minutes := ceilMinutes(now.Sub(c.StartedAt))
	out, transitioned, err := s.store.End(ctx, sessionID, now, minutes)
	if err != nil {
		return 0, err
	}
	if !transitioned {
		// Lost a concurrent end/cancel race; the stored terminal row wins.
		return storedMinutes(out), nil
	}
	metrics.SessionEnded()
	return minutes, nil
}

// CancelSession transitions the session to cancelled, writes short-TTL
// cancellation records for every target, and fans out a cancellation push.
// ref may be a session id or a room name. Callers and callees may both
// cancel: a decline is a cancel initiated by a target.
func (s *Service) CancelSession(ctx context.Context, deviceID, ref string) error {
	if deviceID == "" || ref == "" {
		return ErrInvalidArgument
	}

	c, err := s.store.Get(ctx, ref)
	if errors.Is(err, session.ErrNotFound) {
		c, err = s.store.GetByRoom(ctx, ref)
	}
	if err != nil {
		return err
	}
	if c.CallerID != deviceID && !c.Targets(deviceID) {
		return ErrForbidden
	}

	now := s.clock().UTC()
	out, transitioned, err := s.store.Cancel(ctx, c.ID, now)
	if err != nil {
		return err
	}
	if !transitioned && out.Status != session.StatusCancelled {
		// Already ended; nothing to announce.
		return nil
	}
	if transitioned {
		metrics.SessionCancelled()
	}

	// The server record must exist even when the realtime push is lost.
	for _, target := range c.ParticipantIDs {
		rec := session.CancellationRecord{
			RoomName:    c.RoomName,
			CallerID:    c.CallerID,
			TargetID:    target,
			CancelledAt: now,
			ExpiresAt:   now.Add(s.windows.CancellationTTL),
		}
		if err := s.cancels.Put(ctx, rec); err != nil {
			s.log.Warn("cancellation record write failed", "room", c.RoomName, "target", target, "err", err)
		}
	}

	s.dispatch(ctx, c.ParticipantIDs, gateway.Payload{
		Type:           gateway.PayloadCancellation,
		CallerID:       c.CallerID,
		RoomName:       c.RoomName,
		CallType:       string(c.CallType),
		MessageID:      uuid.NewString(),
		IsCancellation: true,
		Timestamp:      now,
	})
	return nil
}

// QueryActiveSessionsToTarget lists sessions currently ringing the target:
// active, fresh (startedAt within the freshness window) and past the minimum
// age floor. Fails open to an empty list on store trouble.
func (s *Service) QueryActiveSessionsToTarget(ctx context.Context, targetID, excludeCallerID string) []session.CallSession {
	if targetID == "" {
		return nil
	}
	now := s.clock().UTC()
	notBefore := now.Add(-s.windows.SessionFreshness)
	notAfter := now.Add(-s.windows.MinSessionAge)

	out, err := s.store.ListActiveToTarget(ctx, targetID, excludeCallerID, notBefore, notAfter)
	if err != nil {
		s.log.Warn("active session query failed; returning none", "target", targetID, "err", err)
		return nil
	}
	return out
}

// CheckSessionStatus reports the current status of the call bound to a room,
// optionally constrained to a specific caller.
func (s *Service) CheckSessionStatus(ctx context.Context, roomName, callerID string) (session.Status, error) {
	if roomName == "" {
		return "", ErrInvalidArgument
	}
	c, err := s.store.GetByRoom(ctx, roomName)
	if err != nil {
		return "", err
	}
	if callerID != "" && c.CallerID != callerID {
		return "", session.ErrNotFound
	}
	return c.Status, nil
}

// CheckCancellation reports whether this exact call was just cancelled.
// Fails open to false.
func (s *Service) CheckCancellation(ctx context.Context, roomName, callerID, targetID string) bool {
	ok, err := s.cancels.Check(ctx, roomName, callerID, targetID)
	if err != nil {
		s.log.Warn("cancellation check failed; treating as none", "room", roomName, "err", err)
		return false
	}
	return ok
}

// dispatch fans out a push. The dispatcher sends concurrently with a bounded
// per-send timeout and swallows failures, so the request path is delayed by
// at most one timeout and never sees an error.
func (s *Service) dispatch(ctx context.Context, targets []string, p gateway.Payload) {
	if s.pushes == nil {
		return
	}
	failed := s.pushes.Dispatch(context.WithoutCancel(ctx), targets, p)
	metrics.PushDispatched(len(targets), failed)
}

func storedMinutes(c session.CallSession) int {
	if c.DurationMinutes != nil {
		return *c.DurationMinutes
	}
	return 0
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
