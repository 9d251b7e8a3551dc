package tether

import (
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Push Dispatcher
// ============================================================================

// defaultSubscriberBuffer is the per-subscriber delivery buffer. A subscriber
// that falls this far behind starts losing events; it never blocks the
// dispatcher or its siblings.
const defaultSubscriberBuffer = 64

// Dispatcher fans the transport's push stream out to independent subscribers.
// It owns no state beyond the subscriber set. Subscriptions
// survive reconnects: whatever stream the connection manager pumps, matching
// events keep flowing to existing subscribers.
type Dispatcher struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:  log,
		subs: make(map[*Subscription]struct{}),
	}
}

// Subscription is one subscriber's private, buffered event feed.
type Subscription struct {
	d       *Dispatcher
	methods map[string]struct{} // empty means all methods
	ch      chan Event

	once sync.Once
}

// Events returns the subscriber's feed. Within one subscription, events
// arrive in transport-arrival order.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close removes the subscription and closes its feed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.d.mu.Lock()
		delete(s.d.subs, s)
		s.d.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a subscriber for the given push methods; with no
// methods it receives everything.
func (d *Dispatcher) Subscribe(methods ...string) *Subscription {
	return d.SubscribeBuffered(defaultSubscriberBuffer, methods...)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (d *Dispatcher) SubscribeBuffered(buffer int, methods ...string) *Subscription {
	sub := &Subscription{
		d:  d,
		ch: make(chan Event, buffer),
	}
	if len(methods) > 0 {
		sub.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			sub.methods[m] = struct{}{}
		}
	}
	d.mu.Lock()
	d.subs[sub] = struct{}{}
	d.mu.Unlock()
	return sub
}

// Publish decodes one push event and broadcasts it to every matching
// subscriber. Malformed events are dropped here, before any subscriber sees
// them. A full subscriber loses the event; others are unaffected.
func (d *Dispatcher) Publish(ev PushEvent) {
	typed, ok := decodeEvent(ev)
	if !ok {
		d.log.Warn().Str("method", ev.Method).Msg("dropping malformed push event")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for sub := range d.subs {
		if sub.methods != nil {
			if _, want := sub.methods[ev.Method]; !want {
				continue
			}
		}
		select {
		case sub.ch <- typed:
		default:
			d.log.Warn().Str("method", ev.Method).Msg("subscriber buffer full, event dropped")
		}
	}
}
