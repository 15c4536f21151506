package identity

import (
	"log/slog"
	"sync"
)

// subscriptionBuffer is the number of undelivered events a subscriber may
// lag behind before the oldest is dropped.
const subscriptionBuffer = 16

// Subscription receives session-change events in emission order.
type Subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
	remove func()
}

// Events returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Unsubscribe stops delivery and closes the channel. It is safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.remove != nil {
		s.remove()
	}
}

// deliver never blocks: when the buffer is full the oldest event is dropped.
func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case old := <-s.ch:
			slog.Warn("session event subscriber lagging, dropped oldest event", "event", string(old.Type))
		default:
		}
	}
}

// Broadcaster fans events out to subscriptions. Emit never blocks.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscription whose first event is initial. Events
// emitted afterwards follow it in order.
func (b *Broadcaster) Subscribe(initial Event) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &Subscription{ch: make(chan Event, subscriptionBuffer)}
	sub.remove = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	sub.deliver(initial)
	b.subs[id] = sub
	return sub
}

// Emit delivers e to every subscription.
func (b *Broadcaster) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.deliver(e)
	}
}

// Len returns the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
