package governor

import (
	"sync"
	"time"

	"github.com/tickerdeck/apigovernor/internal/metrics"
)

// EventType names a governor state transition.
type EventType string

const (
	EventRateLimited   EventType = "rate_limited"
	EventCircuitOpen   EventType = "circuit_open"
	EventCircuitClosed EventType = "circuit_closed"
	EventReset         EventType = "reset"
)

// Event is a state-change notification. Events fire exactly once per
// transition, not once per check.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// ResetAt is when the condition lifts, for rate_limited and
	// circuit_open events. Zero otherwise.
	ResetAt time.Time `json:"reset_at"`

	// Reason describes what caused the transition.
	Reason string `json:"reason,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. Publishing never
// blocks the dispatch worker: a subscriber that falls this far behind loses
// events (counted in metrics).
const subscriberBuffer = 16

// broadcaster fans events out to subscribers without ever blocking the
// publisher.
type broadcaster struct {
	upstream string

	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
}

func newBroadcaster(upstream string) *broadcaster {
	return &broadcaster{
		upstream: upstream,
		subs:     make(map[uint64]chan Event),
	}
}

// subscribe registers a new subscriber. The returned cancel function
// releases it; cancelling twice is harmless. The channel is closed on
// cancel and on broadcaster shutdown.
func (b *broadcaster) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers ev to every subscriber with a non-blocking send.
func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			metrics.EventsDropped.WithLabelValues(b.upstream, string(ev.Type)).Inc()
		}
	}
}

// close shuts the broadcaster down, closing all subscriber channels.
func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
