package coordinator

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const defaultSubscriptionBuffer = 16

// Subscription is one live context listening for pushed envelopes. Origin is
// the page address of a Page Agent, or empty for the control panel.
type Subscription struct {
	ID     string
	Origin string
	C      <-chan Envelope

	ch     chan Envelope
	hub    *Hub
	closed bool
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.unsubscribe(s.ID)
}

// Hub fans envelopes out to live subscriptions in registration order. A full
// or closed subscription loses that envelope; the others still receive it.
type Hub struct {
	mu     sync.Mutex
	order  []string
	subs   map[string]*Subscription
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   map[string]*Subscription{},
		logger: logger,
	}
}

func (h *Hub) Subscribe(origin string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	ch := make(chan Envelope, buffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		Origin: origin,
		C:      ch,
		ch:     ch,
		hub:    h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ID] = sub
	h.order = append(h.order, sub.ID)
	h.logger.Debug("context subscribed", "id", sub.ID, "origin", origin)
	return sub
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	for i, existing := range h.order {
		if existing == id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	h.logger.Debug("context unsubscribed", "id", id, "origin", sub.Origin)
}

// Broadcast delivers env to every subscription whose origin satisfies match
// (all of them when match is nil) and returns the number that accepted it.
func (h *Hub) Broadcast(env Envelope, match func(origin string) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := 0
	for _, id := range h.order {
		sub := h.subs[id]
		if sub == nil || sub.closed {
			continue
		}
		if match != nil && !match(sub.Origin) {
			continue
		}
		select {
		case sub.ch <- env:
			delivered++
		default:
			h.logger.Warn("dropping envelope for busy context", "id", id, "type", env.Type)
		}
	}
	return delivered
}

// Origins lists the origins of live subscriptions in registration order.
func (h *Hub) Origins() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.subs[id].Origin)
	}
	return out
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		sub := h.subs[id]
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	h.subs = map[string]*Subscription{}
	h.order = nil
}
