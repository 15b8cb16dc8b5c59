// Package channel defines the best-effort push transport sessions use to
// broadcast commits to each other, and an in-process implementation.
package channel

import (
	"context"
	"sync"

	"github.com/kimhsiao/rundown/internal/models"
)

// Message is one broadcast commit. Exactly one of (ItemID/Field/Value),
// Op or Showcaller carries the change.
type Message struct {
	SessionID  string                  `json:"sessionId"`
	ItemID     string                  `json:"itemId,omitempty"`
	Field      models.Field            `json:"field,omitempty"`
	Value      string                  `json:"value,omitempty"`
	Op         *models.StructuralOp    `json:"op,omitempty"`
	Showcaller *models.ShowcallerState `json:"showcallerState,omitempty"`
	DocVersion int64                   `json:"docVersion"`
	Timestamp  int64                   `json:"timestamp"` // epoch ms
}

// Key returns the field key the message targets.
func (m *Message) Key() models.FieldKey {
	if m.Showcaller != nil {
		return models.Key("", models.FieldShowcaller)
	}
	return models.Key(m.ItemID, m.Field)
}

// IsStructural reports whether the message carries an add/remove/reorder.
func (m *Message) IsStructural() bool {
	return m.Op != nil
}

// Handler receives messages for a subscribed document.
type Handler func(msg Message)

// Subscription is a live subscription. Close releases it; it is safe to
// call more than once.
type Subscription interface {
	Close() error
}

// Channel is a low-latency publish/subscribe transport with no delivery
// guarantee: messages may be dropped, duplicated or reordered.
type Channel interface {
	// Subscribe registers onMessage for docID until the subscription is closed.
	Subscribe(ctx context.Context, docID string, onMessage Handler) (Subscription, error)

	// Publish sends msg to every subscriber of docID. It does not wait for
	// delivery.
	Publish(ctx context.Context, docID string, msg Message) error
}

// Reconnector is implemented by channels that notice when a dropped
// connection comes back. Messages published in between are lost, so
// subscribers should look for missed commits.
type Reconnector interface {
	// OnReconnect registers fn for docID and returns a function that
	// removes it.
	OnReconnect(docID string, fn func()) (remove func())
}

// ReconnectHooks is a registry of reconnect hooks. Embedding it gives a
// channel its OnReconnect method. The zero value is ready to use.
type ReconnectHooks struct {
	mu    sync.Mutex
	next  int
	hooks map[string]map[int]func()
}

// OnReconnect registers fn for docID and returns a function that removes it.
func (h *ReconnectHooks) OnReconnect(docID string, fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hooks == nil {
		h.hooks = make(map[string]map[int]func())
	}
	if h.hooks[docID] == nil {
		h.hooks[docID] = make(map[int]func())
	}
	id := h.next
	h.next++
	h.hooks[docID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.hooks[docID], id)
			if len(h.hooks[docID]) == 0 {
				delete(h.hooks, docID)
			}
		})
	}
}

// FireReconnect runs every hook registered for docID, outside the lock.
func (h *ReconnectHooks) FireReconnect(docID string) {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.hooks[docID]))
	for _, fn := range h.hooks[docID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
