package gateway

import (
	"sync"

	"github.com/gofrs/uuid/v5"
)

// Subscription is one live output queue in a conversation's broadcast group.
type Subscription struct {
	hub    *Hub
	convID uuid.UUID
	userID uuid.UUID
	send   chan []byte
}

// C yields frames published by other members. It is closed when the
// subscription ends, including when the hub drops a slow consumer.
func (s *Subscription) C() <-chan []byte { return s.send }

// Unsubscribe removes s from its group. Safe to call more than once.
func (s *Subscription) Unsubscribe() { s.hub.remove(s) }

// Hub maps conversation id to the set of joined subscriptions.
type Hub struct {
	mu     sync.Mutex
	groups map[uuid.UUID]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a hub whose subscriptions buffer up to buffer frames each.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{groups: make(map[uuid.UUID]map[*Subscription]struct{}), buffer: buffer}
}

// Subscribe joins convID's group.
func (h *Hub) Subscribe(convID, userID uuid.UUID) *Subscription {
	s := &Subscription{hub: h, convID: convID, userID: userID, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groups[convID]
	if g == nil {
		g = make(map[*Subscription]struct{})
		h.groups[convID] = g
	}
	g[s] = struct{}{}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

// dropLocked closes s only if it is still a member, so each channel is closed once.
func (h *Hub) dropLocked(s *Subscription) bool {
	g, ok := h.groups[s.convID]
	if !ok {
		return false
	}
	if _, ok := g[s]; !ok {
		return false
	}
	delete(g, s)
	if len(g) == 0 {
		delete(h.groups, s.convID)
	}
	close(s.send)
	return true
}

// Publish offers frame to every member of convID except from. It never blocks:
// a member whose buffer is full is dropped from the group.
func (h *Hub) Publish(convID uuid.UUID, from *Subscription, frame []byte) (delivered, dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.groups[convID] {
		if s == from {
			continue
		}
		select {
		case s.send <- frame:
			delivered++
		default:
			if h.dropLocked(s) {
				dropped++
			}
		}
	}
	return delivered, dropped
}

// Members returns the number of live subscriptions for convID.
func (h *Hub) Members(convID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[convID])
}
