// Package bridge is the in-sandbox stream broadcast bridge: it accepts user
// messages from the control plane, fans live semantic events out to at most
// one SSE subscriber, and exposes stop and health endpoints. The live path is
// best-effort only; durability always comes from the event log.
package bridge

import (
	"sync"

	"github.com/parleyhq/parley/internal/event"
)

const subscriberBuffer = 256

// Subscriber is one live SSE connection's view of the event stream.
type Subscriber struct {
	ch        chan event.Semantic
	closeOnce sync.Once
	preempted bool
}

// Events yields semantic events until the channel closes.
func (s *Subscriber) Events() <-chan event.Semantic {
	return s.ch
}

// Preempted reports whether a newer subscriber displaced this one. Only
// meaningful after Events is closed.
func (s *Subscriber) Preempted() bool {
	return s.preempted
}

func (s *Subscriber) close(preempted bool) {
	s.closeOnce.Do(func() {
		s.preempted = preempted
		close(s.ch)
	})
}

// Broadcaster delivers live events to a single subscriber. A new Subscribe
// preempts the previous connection (last tab wins), and a publish to a full
// subscriber drops the subscriber rather than block the engine loop.
type Broadcaster struct {
	mu      sync.Mutex
	current *Subscriber
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.current.close(true)
	}
	sub := &Subscriber{ch: make(chan event.Semantic, subscriberBuffer)}
	b.current = sub
	return sub
}

// Unsubscribe detaches sub if it is still the live connection.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if b.current == sub {
		b.current = nil
	}
	b.mu.Unlock()
	sub.close(false)
}

// Publish delivers ev to the live subscriber, if any. It never blocks: a
// subscriber that cannot keep up is disconnected and recovers via the poll
// endpoint.
func (b *Broadcaster) Publish(ev event.Semantic) {
	b.mu.Lock()
	sub := b.current
	b.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		b.mu.Lock()
		if b.current == sub {
			b.current = nil
		}
		b.mu.Unlock()
		sub.close(false)
	}
}

// HasSubscriber reports whether a live connection is attached.
func (b *Broadcaster) HasSubscriber() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}
