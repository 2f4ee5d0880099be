// Package realtime fans workspace change notifications out to connected clients.
// Delivery is best effort: publishers never block and slow subscribers lose events.
package realtime

import (
	"sync"

	"workspace-assistant/internal/telemetry"
)

// Event is one workspace change notification.
type Event struct {
	Type           string   `json:"type"`
	Reason         string   `json:"reason"`
	ConversationID string   `json:"conversationId,omitempty"`
	UserIDs        []string `json:"userIds,omitempty"`
}

// Publisher is the only capability the decision core needs.
type Publisher interface {
	Publish(ev Event)
}

// Subscription receives events on C until Unsubscribe closes it.
type Subscription struct {
	C <-chan Event

	id     uint64
	userID string
	ch     chan Event
}

// Hub is a process-wide pub/sub registry. The zero value is not usable; use NewHub.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscribe registers a listener. An empty userID receives every event;
// otherwise only events addressed to that user or to nobody in particular.
func (h *Hub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, id: h.nextID, userID: userID, ch: ch}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the listener and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			telemetry.RealtimeDropped.Inc()
		}
	}
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Subscription) wants(ev Event) bool {
	if s.userID == "" || len(ev.UserIDs) == 0 {
		return true
	}
	for _, id := range ev.UserIDs {
		if id == s.userID {
			return true
		}
	}
	return false
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
