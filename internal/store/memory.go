package store

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
)

// Memory is an in-process Store. It serves tests and single-process
// deployments where several sessions share one document.
type Memory struct {
	mu    sync.RWMutex
	docs  map[string]*models.Rundown
	clock clock.Clock
}

// NewMemory creates an empty Memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.New()
	}
	return &Memory{
		docs:  make(map[string]*models.Rundown),
		clock: clk,
	}
}

// Create stores a new rundown at version 1.
func (m *Memory) Create(ctx context.Context, doc *models.Rundown) (*Snapshot, error) {
	if doc == nil || doc.ID == "" {
		return nil, errors.New(errors.ErrInvalid, "rundown requires an id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.docs[doc.ID]; ok {
		return nil, ErrDuplicate
	}
	stored := doc.Clone()
	stored.DocVersion = 1
	stored.UpdatedAt = m.clock.Now().UnixMilli()
	m.docs[doc.ID] = stored

	return snapshotOf(stored), nil
}

// Read returns the full document.
func (m *Memory) Read(ctx context.Context, docID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "read cancelled", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshotOf(doc), nil
}

// Version returns the current version.
func (m *Memory) Version(ctx context.Context, docID string) (*VersionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "version check cancelled", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return &VersionInfo{
		Version:    doc.DocVersion,
		UpdatedAt:  doc.UpdatedAt,
		ServerTime: m.clock.Now().UnixMilli(),
	}, nil
}

// Write applies patch as the next version.
func (m *Memory) Write(ctx context.Context, docID string, patch *models.Patch, expectedVersion *int64) (*WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "write cancelled", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := ApplyWrite(doc, patch, expectedVersion, m.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	m.docs[docID] = next

	return &WriteResult{Version: next.DocVersion, UpdatedAt: next.UpdatedAt}, nil
}

func snapshotOf(doc *models.Rundown) *Snapshot {
	return &Snapshot{
		Document:  doc.Clone(),
		Version:   doc.DocVersion,
		UpdatedAt: doc.UpdatedAt,
	}
}
