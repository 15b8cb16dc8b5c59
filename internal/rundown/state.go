// Package rundown holds a session's in-memory copy of a rundown and the
// row numbering computed from it.
package rundown

import (
	"sync"

	"github.com/kimhsiao/rundown/internal/models"
)

// State is a session's locally mutable read-through cache of the document.
// Every component of a session reads and writes the document through it.
type State struct {
	mu  sync.RWMutex
	doc *models.Rundown
}

// NewState creates a State holding a copy of doc.
func NewState(doc *models.Rundown) *State {
	if doc == nil {
		doc = &models.Rundown{}
	}
	return &State{doc: doc.Clone()}
}

// Snapshot returns a deep copy of the current document.
func (s *State) Snapshot() *models.Rundown {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Items returns a copy of the item list.
func (s *State) Items() []models.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone().Items
}

// Showcaller returns the current showcaller state.
func (s *State) Showcaller() models.ShowcallerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Showcaller
}

// Version returns the docVersion the local copy was last aligned with.
func (s *State) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DocVersion
}

// Value returns the current value of one field.
func (s *State) Value(itemID string, f models.Field) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if itemID == "" {
		switch f {
		case models.FieldTitle:
			return s.doc.Title, true
		case models.FieldStartTime:
			return s.doc.StartTime, true
		}
		return "", false
	}
	item := s.doc.FindItem(itemID)
	if item == nil {
		return "", false
	}
	v, err := item.Get(f)
	return v, err == nil
}

// ApplyField applies one field change to the local copy.
func (s *State) ApplyField(change models.FieldChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ApplyField(change)
}

// ApplyOp applies one structural operation to the local copy.
func (s *State) ApplyOp(op models.StructuralOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.ApplyOp(op)
}

// SetShowcaller replaces the showcaller state.
func (s *State) SetShowcaller(state models.ShowcallerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Showcaller = state
}

// UpdateShowcaller runs fn against the items and showcaller state under
// the write lock and stores the state fn returns. It lets the timing state
// machine read-modify-write the clock atomically.
func (s *State) UpdateShowcaller(fn func(items []models.Item, current models.ShowcallerState) (models.ShowcallerState, error)) (models.ShowcallerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.doc.Items, s.doc.Showcaller)
	if err != nil {
		return s.doc.Showcaller, err
	}
	s.doc.Showcaller = next
	return next, nil
}

// AdvanceVersion records that the local copy now reflects version v.
// Versions never move backwards.
func (s *State) AdvanceVersion(v int64, updatedAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v > s.doc.DocVersion {
		s.doc.DocVersion = v
		s.doc.UpdatedAt = updatedAt
	}
}

// Replace swaps the whole document for doc, as fetched from the store.
func (s *State) Replace(doc *models.Rundown) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc.Clone()
}

// RowLabel returns the row label for itemID on the current list.
func (s *State) RowLabel(itemID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RowLabel(s.doc.Items, itemID)
}

// RowLabels returns every row label on the current list.
func (s *State) RowLabels() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return RowLabels(s.doc.Items)
}
