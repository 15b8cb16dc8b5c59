package channel

import (
	"context"
	"sync"

	"github.com/kimhsiao/rundown/internal/errors"
)

// Hub is an in-process Channel. Delivery is synchronous on the publishing
// goroutine, in subscription order, which keeps tests deterministic.
// Handlers must not hold locks their own Publish calls need.
type Hub struct {
	ReconnectHooks

	mu     sync.RWMutex
	subs   map[string]map[int]Handler
	nextID int
	drop   bool

	published int
	delivered int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]Handler)}
}

type hubSubscription struct {
	hub   *Hub
	docID string
	id    int
	once  sync.Once
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if subs, ok := s.hub.subs[s.docID]; ok {
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(s.hub.subs, s.docID)
			}
		}
	})
	return nil
}

// Subscribe registers onMessage for docID.
func (h *Hub) Subscribe(ctx context.Context, docID string, onMessage Handler) (Subscription, error) {
	if onMessage == nil {
		return nil, errors.New(errors.ErrInvalid, "subscribe requires a handler")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	if h.subs[docID] == nil {
		h.subs[docID] = make(map[int]Handler)
	}
	h.subs[docID][id] = onMessage

	return &hubSubscription{hub: h, docID: docID, id: id}, nil
}

// Publish delivers msg to every subscriber of docID unless dropping is on.
func (h *Hub) Publish(ctx context.Context, docID string, msg Message) error {
	h.mu.Lock()
	h.published++
	if h.drop {
		h.mu.Unlock()
		return nil
	}
	handlers := make([]Handler, 0, len(h.subs[docID]))
	for id := 0; id < h.nextID; id++ {
		if fn, ok := h.subs[docID][id]; ok {
			handlers = append(handlers, fn)
		}
	}
	h.delivered += len(handlers)
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(msg)
	}
	return nil
}

// SetDrop makes the hub silently discard every published message,
// simulating a push transport that stopped delivering.
func (h *Hub) SetDrop(drop bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = drop
}

// Reconnect simulates a transport recovering from an outage: dropping
// stops and the reconnect hooks for docID run.
func (h *Hub) Reconnect(docID string) {
	h.SetDrop(false)
	h.FireReconnect(docID)
}

// Subscribers returns the number of live subscriptions for docID.
func (h *Hub) Subscribers(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[docID])
}

// Stats returns how many messages were published and handler deliveries made.
func (h *Hub) Stats() (published, delivered int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.published, h.delivered
}
