// Package broadcast fans progress events out to per-negotiation subscribers.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/fentz26/simqueue/internal/models"
)

// AllNegotiations subscribes to events of every negotiation.
const AllNegotiations = "*"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub is a subscription registry keyed by negotiation id.
// Publish never blocks: when a subscriber's buffer is full its oldest
// pending event is dropped to make room.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription is one subscriber's event stream.
type Subscription struct {
	hub           *Hub
	negotiationID string

	mu     sync.Mutex
	ch     chan models.Event
	closed bool
}

// Subscribe registers a new subscriber for negotiationID.
func (h *Hub) Subscribe(negotiationID string) *Subscription {
	sub := &Subscription{
		hub:           h,
		negotiationID: negotiationID,
		ch:            make(chan models.Event, h.buffer),
	}

	h.mu.Lock()
	set, ok := h.subs[negotiationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[negotiationID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers e to every subscriber of its negotiation and to wildcard subscribers.
func (h *Hub) Publish(e models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[e.NegotiationID] {
		sub.offer(e)
	}
	if e.NegotiationID != AllNegotiations {
		for sub := range h.subs[AllNegotiations] {
			sub.offer(e)
		}
	}
}

// Subscribers returns the number of live subscribers for negotiationID.
func (h *Hub) Subscribers(negotiationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[negotiationID])
}

// Dropped returns how many events were discarded because a subscriber fell behind.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.negotiationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.negotiationID)
	}
}

// NegotiationID returns the negotiation this subscription follows.
func (s *Subscription) NegotiationID() string {
	return s.negotiationID
}

// Events returns the stream. It is closed by Close.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Close unregisters the subscription and closes its stream. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) offer(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
		return
	default:
	}

	// Full: drop the oldest event and retry once.
	select {
	case <-s.ch:
		s.hub.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.hub.dropped.Add(1)
	}
}
