// Package store defines the persistent store contract for rundowns and an
// in-memory implementation of it.
package store

import (
	"context"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
)

// Snapshot is a full read of one rundown.
type Snapshot struct {
	Document  *models.Rundown `json:"document"`
	Version   int64           `json:"version"`
	UpdatedAt int64           `json:"updatedAt"` // epoch ms
}

// VersionInfo is the lightweight staleness probe.
type VersionInfo struct {
	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updatedAt"`
	// ServerTime is the store's clock at the time of the probe (epoch ms),
	// used to estimate local clock drift.
	ServerTime int64 `json:"serverTime"`
}

// WriteResult reports the version a write produced.
type WriteResult struct {
	Version   int64 `json:"version"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Store is the authoritative, versioned home of rundowns. The item list and
// the rundown's scalar fields are one versioned record: every successful
// Write bumps the version by exactly one.
type Store interface {
	// Read returns the full document.
	Read(ctx context.Context, docID string) (*Snapshot, error)

	// Version returns the current version without the document.
	Version(ctx context.Context, docID string) (*VersionInfo, error)

	// Write applies patch. When expectedVersion is non-nil and differs
	// from the stored version the write fails with ErrVersionConflict.
	Write(ctx context.Context, docID string, patch *models.Patch, expectedVersion *int64) (*WriteResult, error)

	// Create stores a new rundown at version 1.
	Create(ctx context.Context, doc *models.Rundown) (*Snapshot, error)
}

// Expect returns a pointer to v for use as an expected version.
func Expect(v int64) *int64 {
	return &v
}

// Errors
var (
	ErrNotFound        = errors.New(errors.ErrNotFound, "rundown not found")
	ErrVersionConflict = errors.New(errors.ErrVersionConflict, "expected version is stale")
	ErrEmptyPatch      = errors.New(errors.ErrInvalid, "patch is empty")
	ErrDuplicate       = errors.New(errors.ErrDuplicate, "rundown already exists")
)

// ApplyWrite is the write path shared by store implementations: it checks
// the expected version, applies the patch to a copy of current and stamps
// the next version. current is never modified.
func ApplyWrite(current *models.Rundown, patch *models.Patch, expectedVersion *int64, nowMs int64) (*models.Rundown, error) {
	if patch == nil || patch.IsEmpty() {
		return nil, ErrEmptyPatch
	}
	if expectedVersion != nil && *expectedVersion != current.DocVersion {
		return nil, ErrVersionConflict
	}

	next := current.Clone()
	if err := next.ApplyPatch(patch); err != nil {
		return nil, err
	}
	next.DocVersion = current.DocVersion + 1
	if nowMs <= current.UpdatedAt {
		nowMs = current.UpdatedAt + 1
	}
	next.UpdatedAt = nowMs
	return next, nil
}
