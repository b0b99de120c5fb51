package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sender delivers one push message to one target device. Delivery is
// best-effort and at-most-once per attempt: no ordering, no duplicates
// suppressed, no acknowledgment guaranteed back to the caller.
//
// Rules:
// - No provider SDK calls outside gateway adapters.
// - A Send failure is logged by the Dispatcher and never blocks teardown.
type Sender interface {
	Name() string
	Send(ctx context.Context, targetID string, p Payload) error
}

// Dispatcher fans a payload out to many targets concurrently. Failures are
// logged and counted but never propagated: the push channel is best-effort
// by contract, and the durable session record remains the source of truth.
type Dispatcher struct {
	sender  Sender
	log     *slog.Logger
	timeout time.Duration
}

func NewDispatcher(sender Sender, log *slog.Logger, timeout time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{sender: sender, log: log, timeout: timeout}
}

// Dispatch sends p to every target. It returns the number of sends that
// failed; callers may use it for metrics but must not treat it as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, targetIDs []string, p Payload) int {
	if d.sender == nil || len(targetIDs) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, target := range targetIDs {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			if err := d.sender.Send(sendCtx, target, p); err != nil {
				d.log.Warn("push send failed",
					"sender", d.sender.Name(),
					"target", target,
					"room", p.RoomName,
					"type", p.Type,
					"err", err,
				)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(target)
	}
	wg.Wait()
	return failed
}

// MemorySender captures sends for tests. It can be primed to fail per target.
type MemorySender struct {
	mu     sync.Mutex
	sent   []Sent
	failFn func(targetID string) error
}

type Sent struct {
	TargetID string
	Payload  Payload
}

func NewMemorySender() *MemorySender { return &MemorySender{} }

func (m *MemorySender) Name() string { return "memory" }

// FailWith makes subsequent sends fail according to fn.
func (m *MemorySender) FailWith(fn func(targetID string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

func (m *MemorySender) Send(ctx context.Context, targetID string, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFn != nil {
		if err := m.failFn(targetID); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, Sent{TargetID: targetID, Payload: p})
	return nil
}

func (m *MemorySender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sent, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns payloads delivered to one target.
func (m *MemorySender) SentTo(targetID string) []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Payload, 0)
	for _, s := range m.sent {
		if s.TargetID == targetID {
			out = append(out, s.Payload)
		}
	}
	return out
}
