package store

import (
	"context"
	"sync"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/models"
)

// Flaky wraps a Store and fails a configurable number of upcoming calls
// with TRANSIENT_IO. It simulates dropped connections in tests and demos.
type Flaky struct {
	Store

	mu         sync.Mutex
	failWrites int
	failReads  int
	writes     int
}

// NewFlaky wraps s.
func NewFlaky(s Store) *Flaky {
	return &Flaky{Store: s}
}

// FailWrites makes the next n writes fail.
func (f *Flaky) FailWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
}

// FailReads makes the next n reads and version checks fail.
func (f *Flaky) FailReads(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failReads = n
}

// Writes returns the number of write attempts seen, failed ones included.
func (f *Flaky) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *Flaky) takeRead() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads > 0 {
		f.failReads--
		return true
	}
	return false
}

// Read fails while read failures are pending.
func (f *Flaky) Read(ctx context.Context, docID string) (*Snapshot, error) {
	if f.takeRead() {
		return nil, errors.New(errors.ErrTransientIO, "simulated read failure")
	}
	return f.Store.Read(ctx, docID)
}

// Version fails while read failures are pending.
func (f *Flaky) Version(ctx context.Context, docID string) (*VersionInfo, error) {
	if f.takeRead() {
		return nil, errors.New(errors.ErrTransientIO, "simulated version check failure")
	}
	return f.Store.Version(ctx, docID)
}

// Write fails while write failures are pending.
func (f *Flaky) Write(ctx context.Context, docID string, patch *models.Patch, expectedVersion *int64) (*WriteResult, error) {
	f.mu.Lock()
	f.writes++
	fail := f.failWrites > 0
	if fail {
		f.failWrites--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New(errors.ErrTransientIO, "simulated write failure")
	}
	return f.Store.Write(ctx, docID, patch, expectedVersion)
}
