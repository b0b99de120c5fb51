package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"ringlink/internal/config"
	"ringlink/internal/gateway"
	"ringlink/internal/history"
	"ringlink/internal/media"
	"ringlink/internal/session"
)

// AuthorityClient is the slice of the Session Authority the engine consults.
// Unlike the server's own fail-open read paths, these return errors: a
// timeout here means "treat the call as still possibly valid", which is a
// different decision from "the authority says there is no such call".
type AuthorityClient interface {
	ActiveSessions(ctx context.Context, targetID, excludeCallerID string) ([]session.CallSession, error)
	WasCancelled(ctx context.Context, roomName, callerID, targetID string) (bool, error)
	Cancel(ctx context.Context, deviceID, ref string) error
}

// Signaler sends decline/cancellation pushes on behalf of this device.
type Signaler interface {
	SendDecline(ctx context.Context, targetID, roomName string) error
	SendCancellation(ctx context.Context, targetIDs []string, roomName string) error
}

// Decision is what the UI should present for one reconciliation pass.
type Decision struct {
	Outcome Outcome
	Call    *PendingCall
	Choices []PendingCall
	// AutoDismiss is how long a transient state (expired, cancelled) stays
	// on screen before control returns to idle.
	AutoDismiss time.Duration
}

type Outcome string

const (
	OutcomeInvalid      Outcome = "invalid"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeCancelSignal Outcome = "cancellation_signal"
	OutcomeIdle         Outcome = "idle"
	OutcomeExpired      Outcome = "expired"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeRinging      Outcome = "ringing"
	OutcomeMultiCaller  Outcome = "multi_caller"
)

const (
	expiredDismiss   = 1300 * time.Millisecond
	cancelledDismiss = 1500 * time.Millisecond

	// Caller ids shorter than this are system artifacts, not callers.
	minCallerIDLen = 4
)

// Engine decides, for every inbound push and every foreground/cold-start
// event, what the user should see. All of its state is owned and injectable;
// nothing lives at package level, so tests are deterministic.
type Engine struct {
	deviceID  string
	cache     *PendingCache
	suppress  *Suppression
	left      *LeftRooms
	cancels   *cancelSet
	states    *stateTable
	authority AuthorityClient
	signals   Signaler
	media     media.Provider
	hist      *history.Service
	bus       *Bus
	windows   config.Windows
	log       *slog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	outgoing map[string]chan struct{}
}

// Options wires an Engine. Clock is optional and defaults to time.Now.
type Options struct {
	DeviceID  string
	Authority AuthorityClient
	Signals   Signaler
	Media     media.Provider
	History   *history.Service
	Windows   config.Windows
	Log       *slog.Logger
	Clock     func() time.Time
}

func NewEngine(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	w := opts.Windows
	return &Engine{
		deviceID:  opts.DeviceID,
		cache:     NewPendingCache(w.PendingPrune, clock),
		suppress:  NewSuppression(w.Suppression, clock),
		left:      NewLeftRooms(w.LeftRoomTTL, clock),
		cancels:   newCancelSet(w.CancellationTTL, clock),
		states:    newStateTable(w.PendingPrune, clock),
		authority: opts.Authority,
		signals:   opts.Signals,
		media:     opts.Media,
		hist:      opts.History,
		bus:       NewBus(),
		windows:   w,
		log:       log,
		clock:     clock,
		outgoing:  map[string]chan struct{}{},
	}
}

// Bus exposes the typed event stream for call-UI subscriptions.
func (e *Engine) Bus() *Bus { return e.bus }

// SuppressNext arms the suppression window after a local cancel action so
// the cancelled call cannot re-appear as incoming.
func (e *Engine) SuppressNext() { e.suppress.Arm() }

// NoteRoomLeft records that this device just disconnected from a room.
func (e *Engine) NoteRoomLeft(roomName string) { e.left.Add(roomName) }

// HandlePush processes one inbound push message.
func (e *Engine) HandlePush(ctx context.Context, p gateway.Payload) Decision {
	if err := p.Validate(); err != nil {
		e.log.Warn("dropping malformed push", "err", err)
		return Decision{Outcome: OutcomeInvalid}
	}

	if p.Type == gateway.PayloadIncomingCall && e.suppress.Consume() {
		e.log.Debug("push suppressed after local cancel", "room", p.RoomName)
		return Decision{Outcome: OutcomeSuppressed}
	}

	if p.Terminates() {
		return e.handleTermination(ctx, p)
	}

	now := e.clock().UTC()
	call := PendingCall{
		CallerID:    p.CallerID,
		RoomName:    p.RoomName,
		CallType:    p.CallType,
		DisplayName: p.DisplayName,
		MessageID:   p.MessageID,
		ReceivedAt:  now,
		Source:      "push",
	}

	if !e.cache.Add(call) {
		return Decision{Outcome: OutcomeDuplicate}
	}
	e.states.begin(call.key())

	// Record unconditionally so call history stays accurate even for calls
	// the UI never renders.
	e.record(ctx, history.EntryIncoming, call, 0)

	others := e.cache.OthersWithin(call.CallerID, e.windows.MultiCaller)
	if len(others) > 0 {
		return e.presentChoices(ctx, append(others, call), p.Timestamp)
	}
	return e.validateSingle(ctx, call, p.Timestamp)
}

// HandleForeground reconciles on app activation: it asks the Authority what
// is actually ringing and renders the same decision the push path would
// have. This recovers from pushes the OS or network dropped.
func (e *Engine) HandleForeground(ctx context.Context) Decision {
	sessions, err := e.authority.ActiveSessions(ctx, e.deviceID, e.deviceID)
	if err != nil {
		e.log.Warn("foreground reconcile query failed", "err", err)
		return Decision{Outcome: OutcomeIdle}
	}

	now := e.clock().UTC()
	fresh := make([]PendingCall, 0, len(sessions))
	for _, s := range sessions {
		if e.left.Contains(s.RoomName) {
			// Ghost: the device just left this room.
			continue
		}
		call := PendingCall{
			CallerID:   s.CallerID,
			RoomName:   s.RoomName,
			CallType:   string(s.CallType),
			ReceivedAt: now,
			Source:     "foreground",
		}
		if !e.cache.Add(call) {
			continue
		}
		e.states.begin(call.key())
		e.record(ctx, history.EntryIncoming, call, 0)
		fresh = append(fresh, call)
	}
	if len(fresh) == 0 {
		return Decision{Outcome: OutcomeIdle}
	}
	return e.presentChoices(ctx, fresh, now)
}

// handleTermination routes a cancellation/decline signal: remember it, and
// if the call is currently pending or ringing, tear the UI down.
func (e *Engine) handleTermination(ctx context.Context, p gateway.Payload) Decision {
	call := PendingCall{CallerID: p.CallerID, RoomName: p.RoomName}
	e.cancels.add(call.key())

	if e.cache.Has(p.CallerID, p.RoomName) {
		e.cache.Resolve(p.CallerID, p.RoomName)
		e.states.advance(call.key(), StateCancelled)
		e.record(ctx, history.EntryCancelled, call, 0)
		d := Decision{Outcome: OutcomeCancelled, Call: &call, AutoDismiss: cancelledDismiss}
		e.bus.Publish(Event{Kind: EventCancelled, Decision: d})
		return d
	}
	return Decision{Outcome: OutcomeCancelSignal}
}

// presentChoices applies the disambiguation rules to a merged pending set.
func (e *Engine) presentChoices(ctx context.Context, calls []PendingCall, msgTime time.Time) Decision {
	choices := disambiguate(calls)
	switch len(choices) {
	case 0:
		return Decision{Outcome: OutcomeIdle}
	case 1:
		return e.validateSingle(ctx, choices[0], msgTime)
	}
	d := Decision{Outcome: OutcomeMultiCaller, Choices: choices}
	e.bus.Publish(Event{Kind: EventMultiCall, Decision: d})
	return d
}

// validateSingle runs the pre-render checks for one call: staleness, then
// cancellation, then authority presence. Authority unavailability fails open
// toward Ringing.
func (e *Engine) validateSingle(ctx context.Context, call PendingCall, msgTime time.Time) Decision {
	e.states.advance(call.key(), StateValidating)
	now := e.clock().UTC()

	if !msgTime.IsZero() && now.Sub(msgTime) > e.windows.PushStaleness {
		return e.expire(ctx, call)
	}

	if e.cancels.contains(call.key()) {
		return e.cancelAbort(ctx, call)
	}
	if cancelled, err := e.authority.WasCancelled(ctx, call.RoomName, call.CallerID, e.deviceID); err == nil && cancelled {
		return e.cancelAbort(ctx, call)
	}

	sessions, err := e.authority.ActiveSessions(ctx, e.deviceID, "")
	if err == nil {
		live := false
		for _, s := range sessions {
			if s.RoomName == call.RoomName {
				live = true
				break
			}
		}
		if !live {
			return e.expire(ctx, call)
		}
	}
	// err != nil: the authority is unreachable, not authoritative; do not
	// block a possibly legitimate call.

	e.states.advance(call.key(), StateRinging)
	d := Decision{Outcome: OutcomeRinging, Call: &call}
	e.bus.Publish(Event{Kind: EventIncoming, Decision: d})
	return d
}

func (e *Engine) expire(ctx context.Context, call PendingCall) Decision {
	e.cache.Resolve(call.CallerID, call.RoomName)
	e.states.advance(call.key(), StateExpired)
	e.record(ctx, history.EntryMissed, call, 0)
	d := Decision{Outcome: OutcomeExpired, Call: &call, AutoDismiss: expiredDismiss}
	e.bus.Publish(Event{Kind: EventExpired, Decision: d})
	return d
}

func (e *Engine) cancelAbort(ctx context.Context, call PendingCall) Decision {
	e.cache.Resolve(call.CallerID, call.RoomName)
	e.states.advance(call.key(), StateCancelled)
	e.record(ctx, history.EntryCancelled, call, 0)
	d := Decision{Outcome: OutcomeCancelled, Call: &call, AutoDismiss: cancelledDismiss}
	e.bus.Publish(Event{Kind: EventCancelled, Decision: d})
	return d
}

// Answer resolves a ringing call as accepted.
func (e *Engine) Answer(ctx context.Context, callerID, roomName string) bool {
	k := pendingKey{callerID: callerID, roomName: roomName}
	if !e.states.advance(k, StateAnswered) {
		return false
	}
	e.cache.Resolve(callerID, roomName)
	e.bus.Publish(Event{Kind: EventResolved})
	return true
}

// Decline resolves a ringing call as refused and tells the caller.
func (e *Engine) Decline(ctx context.Context, callerID, roomName string) bool {
	k := pendingKey{callerID: callerID, roomName: roomName}
	if !e.states.advance(k, StateDeclined) {
		return false
	}
	e.cache.Resolve(callerID, roomName)
	if e.signals != nil {
		if err := e.signals.SendDecline(ctx, callerID, roomName); err != nil {
			e.log.Warn("decline push failed", "caller", callerID, "err", err)
		}
	}
	e.record(ctx, history.EntryMissed, PendingCall{CallerID: callerID, RoomName: roomName}, 0)
	e.bus.Publish(Event{Kind: EventResolved})
	return true
}

// SelectCall answers one caller from a disambiguation set. Every other
// entry is declined and logged as missed.
func (e *Engine) SelectCall(ctx context.Context, choices []PendingCall, chosenCallerID string) (Decision, bool) {
	var chosen *PendingCall
	for i := range choices {
		if choices[i].CallerID == chosenCallerID {
			chosen = &choices[i]
			continue
		}
		e.declineChoice(ctx, choices[i])
	}
	if chosen == nil {
		return Decision{Outcome: OutcomeIdle}, false
	}
	return e.validateSingle(ctx, *chosen, chosen.ReceivedAt), true
}

// DeclineAll refuses every entry in a disambiguation set.
func (e *Engine) DeclineAll(ctx context.Context, choices []PendingCall) {
	for _, c := range choices {
		e.declineChoice(ctx, c)
	}
	e.bus.Publish(Event{Kind: EventResolved})
}

func (e *Engine) declineChoice(ctx context.Context, c PendingCall) {
	e.states.advance(c.key(), StateDeclined)
	e.cache.Resolve(c.CallerID, c.RoomName)
	if e.signals != nil {
		if err := e.signals.SendDecline(ctx, c.CallerID, c.RoomName); err != nil {
			e.log.Warn("decline push failed", "caller", c.CallerID, "err", err)
		}
	}
	e.record(ctx, history.EntryMissed, c, 0)
}

// WatchOutgoing arms the caller-side ring timeout for an outgoing call. If
// no answer arrives within the window, this device unilaterally tears the
// call down: leaves the room, cancels the session and pushes a cancellation
// to every target. Returns a stop func to disarm on answer or local hangup.
func (e *Engine) WatchOutgoing(ctx context.Context, sessionID, roomName string, targets []string) (stop func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.outgoing[roomName] = ch
	e.mu.Unlock()

	stop = func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cur, ok := e.outgoing[roomName]; ok && cur == ch {
			delete(e.outgoing, roomName)
			close(ch)
		}
	}

	go func() {
		timer := time.NewTimer(e.windows.RingTimeout)
		defer timer.Stop()
		select {
		case <-ch:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		e.timeoutOutgoing(context.WithoutCancel(ctx), sessionID, roomName, targets)
		stop()
	}()
	return stop
}

// ConfirmAnswered disarms the ring timeout for a room.
func (e *Engine) ConfirmAnswered(roomName string) {
	e.mu.Lock()
	ch, ok := e.outgoing[roomName]
	if ok {
		delete(e.outgoing, roomName)
	}
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (e *Engine) timeoutOutgoing(ctx context.Context, sessionID, roomName string, targets []string) {
	if e.media != nil {
		if err := e.media.Leave(ctx, roomName); err != nil {
			e.log.Warn("media leave failed", "room", roomName, "err", err)
		}
	}
	e.left.Add(roomName)

	if err := e.authority.Cancel(ctx, e.deviceID, sessionID); err != nil {
		e.log.Warn("timeout cancel failed", "session", sessionID, "err", err)
	}
	if e.signals != nil {
		if err := e.signals.SendCancellation(ctx, targets, roomName); err != nil {
			e.log.Warn("timeout cancellation push failed", "room", roomName, "err", err)
		}
	}
	e.record(ctx, history.EntryTimeout, PendingCall{RoomName: roomName}, 0)
	e.bus.Publish(Event{Kind: EventRingingOut})
}

func (e *Engine) record(ctx context.Context, t history.EntryType, call PendingCall, minutes int) {
	if e.hist == nil {
		return
	}
	err := e.hist.Append(ctx, history.Entry{
		Type:            t,
		DeviceID:        e.deviceID,
		CallerID:        call.CallerID,
		RoomName:        call.RoomName,
		DisplayName:     call.DisplayName,
		DurationMinutes: minutes,
	})
	if err != nil {
		e.log.Warn("history append failed", "type", t, "err", err)
	}
}

// disambiguate dedupes a pending set by caller (most recent wins) and drops
// system or malformed entries. Result is newest first.
func disambiguate(calls []PendingCall) []PendingCall {
	byCaller := map[string]PendingCall{}
	for _, c := range calls {
		if !plausibleCaller(c) {
			continue
		}
		cur, ok := byCaller[c.CallerID]
		if !ok || c.ReceivedAt.After(cur.ReceivedAt) {
			byCaller[c.CallerID] = c
		}
	}
	out := make([]PendingCall, 0, len(byCaller))
	for _, c := range byCaller {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out
}

func plausibleCaller(c PendingCall) bool {
	if len(c.CallerID) < minCallerIDLen {
		return false
	}
	for _, s := range []string{strings.ToLower(c.CallerID), strings.ToLower(c.DisplayName)} {
		if strings.Contains(s, "cancel") || strings.Contains(s, "decline") {
			return false
		}
	}
	return true
}

// cancelSet remembers (caller, room) pairs reported cancelled, for the exact
// "was this specific call cancelled?" check before rendering Ringing UI.
type cancelSet struct {
	mu    sync.Mutex
	seen  map[pendingKey]time.Time
	ttl   time.Duration
	clock func() time.Time
}

func newCancelSet(ttl time.Duration, clock func() time.Time) *cancelSet {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if clock == nil {
		clock = time.Now
	}
	return &cancelSet{seen: map[pendingKey]time.Time{}, ttl: ttl, clock: clock}
}

func (c *cancelSet) add(k pendingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[k] = c.clock().Add(c.ttl)
}

func (c *cancelSet) contains(k pendingKey) bool {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.seen[k]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(c.seen, k)
		return false
	}
	return true
}
