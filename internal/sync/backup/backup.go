// Package backup is the write-ahead backup for field edits that could not
// be committed. Entries are keyed by rundown, item and field; a newer edit
// of the same field replaces the older entry.
package backup

import (
	"context"
	"sort"
	"sync"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
)

// Reason records why an edit ended up in the backup.
type Reason string

const (
	ReasonWriteFailed Reason = "write_failed"
	ReasonClosed      Reason = "session_closed"
	ReasonConflict    Reason = "unresolved_conflict"
)

// Entry is one backed-up field edit.
type Entry struct {
	ID        string       `json:"id"`
	DocID     string       `json:"docId"`
	ItemID    string       `json:"itemId"`
	Field     models.Field `json:"field"`
	Value     string       `json:"value"`
	SessionID string       `json:"sessionId"`
	Reason    Reason       `json:"reason"`
	CreatedAt int64        `json:"createdAt"` // epoch ms
}

// Key returns the field key of the entry.
func (e *Entry) Key() models.FieldKey {
	return models.Key(e.ItemID, e.Field)
}

// Repository persists backup entries.
type Repository interface {
	// Save stores e, replacing any entry for the same rundown and field.
	Save(ctx context.Context, e *Entry) error

	// List returns the entries of docID, oldest first.
	List(ctx context.Context, docID string) ([]*Entry, error)

	// Delete removes the entry for docID and key. Deleting a missing entry
	// is not an error.
	Delete(ctx context.Context, docID string, key models.FieldKey) error
}

// ErrInvalidEntry is returned for entries without a rundown or field.
var ErrInvalidEntry = errors.New(errors.ErrInvalid, "backup entry requires a rundown id and field")

// Validate checks the entry's identity fields.
func (e *Entry) Validate() error {
	if e == nil || e.DocID == "" || e.Field == "" {
		return ErrInvalidEntry
	}
	return nil
}

// Memory is an in-process Repository.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[models.FieldKey]*Entry
}

// NewMemory creates an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]map[models.FieldKey]*Entry)}
}

// Save stores a copy of e.
func (m *Memory) Save(ctx context.Context, e *Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries[e.DocID] == nil {
		m.entries[e.DocID] = make(map[models.FieldKey]*Entry)
	}
	cp := *e
	m.entries[e.DocID][e.Key()] = &cp
	return nil
}

// List returns copies of the entries of docID.
func (m *Memory) List(ctx context.Context, docID string) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Entry, 0, len(m.entries[docID]))
	for _, e := range m.entries[docID] {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].Key() < out[j].Key()
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Delete removes the entry for docID and key.
func (m *Memory) Delete(ctx context.Context, docID string, key models.FieldKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entries, ok := m.entries[docID]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(m.entries, docID)
		}
	}
	return nil
}
