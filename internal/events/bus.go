// Package events is the in-process fan-out for engine events. Subscribers
// get their own buffered channel; a full subscriber loses events instead of
// blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/xarb/internal/domain"
)

// Publisher is what components emit events through.
type Publisher interface {
	Publish(evt domain.Event)
}

// Subscription receives events of the types it was created with.
type Subscription struct {
	C <-chan domain.Event

	ch      chan domain.Event
	types   map[domain.EventType]bool
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Wants reports whether the subscription takes events of type t.
func (s *Subscription) Wants(t domain.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Dropped is the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus is a typed publish/subscribe hub.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	closed    bool
	published atomic.Uint64
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber. No types means every event.
func (b *Bus) Subscribe(buffer int, types ...domain.EventType) *Subscription {
	ch := make(chan domain.Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.types = make(map[domain.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers evt to every interested subscriber without blocking.
func (b *Bus) Publish(evt domain.Event) {
	b.published.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.Wants(evt.Event) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish(domain.NewEvent(t, data)).
func (b *Bus) Emit(t domain.EventType, data any) {
	b.Publish(domain.NewEvent(t, data))
}

// Stats reports bus counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Subscribers: len(b.subs), Published: b.published.Load()}
	for s := range b.subs {
		st.Dropped += s.Dropped()
	}
	return st
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(domain.Event) {}
