package reconcile

import "sync"

// Bus is a typed event bus for call-UI state. Screens subscribe for the
// lifetime of the active call UI and unsubscribe when it unmounts; there is
// no implicit "last screen to register wins" callback slot.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

type Event struct {
	Kind     EventKind
	Decision Decision
}

type EventKind string

const (
	EventIncoming   EventKind = "incoming"
	EventMultiCall  EventKind = "multi_call"
	EventExpired    EventKind = "expired"
	EventCancelled  EventKind = "cancelled"
	EventResolved   EventKind = "resolved"
	EventRingingOut EventKind = "ringing_out_timeout"
)

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns an event channel and a cancel func. The channel is
// buffered; a slow subscriber loses events rather than blocking the engine.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 16)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
