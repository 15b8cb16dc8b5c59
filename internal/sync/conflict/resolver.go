// Package conflict holds edit conflicts: a remote update that arrived for a
// field the local user changed but had not committed yet. Conflicts are
// never resolved automatically.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
)

// Resolution is the user's decision for a conflict.
type Resolution string

const (
	AcceptLocal  Resolution = "accept_local"
	AcceptRemote Resolution = "accept_remote"
)

// Conflict is a local and a remote value competing for one field.
type Conflict struct {
	Key             models.FieldKey `json:"fieldKey"`
	LocalValue      string          `json:"localValue"`
	RemoteValue     string          `json:"remoteValue"`
	RemoteSessionID string          `json:"remoteSessionId"`
	RemoteVersion   int64           `json:"remoteVersion"`
	DetectedAt      time.Time       `json:"detectedAt"`
}

// ResolveResult is the outcome of a resolution.
type ResolveResult struct {
	Conflict   Conflict
	Resolution Resolution
	// Value is the value the field keeps.
	Value string
}

// Listener is notified whenever a conflict is queued.
type Listener func(c Conflict)

// Errors
var (
	ErrNoConflict        = errors.New(errors.ErrNotFound, "no conflict for field")
	ErrInvalidResolution = errors.New(errors.ErrInvalid, "unknown conflict resolution")
)

// Queue keeps at most one open conflict per field. A newer remote value for
// a field already in conflict replaces the remote side.
type Queue struct {
	mu        sync.Mutex
	open      map[models.FieldKey]Conflict
	listeners map[int]Listener
	nextID    int
	logger    *logging.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Get()
	}
	return &Queue{
		open:      make(map[models.FieldKey]Conflict),
		listeners: make(map[int]Listener),
		logger:    logger,
	}
}

// Add queues c and notifies listeners.
func (q *Queue) Add(c Conflict) {
	q.mu.Lock()
	if prev, ok := q.open[c.Key]; ok && prev.RemoteVersion > c.RemoteVersion {
		q.mu.Unlock()
		return
	}
	q.open[c.Key] = c
	listeners := make([]Listener, 0, len(q.listeners))
	for id := 0; id < q.nextID; id++ {
		if fn, ok := q.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	q.mu.Unlock()

	q.logger.Info("Edit conflict detected", map[string]interface{}{
		"field_key":         string(c.Key),
		"remote_session_id": c.RemoteSessionID,
		"remote_version":    c.RemoteVersion,
	})

	for _, fn := range listeners {
		fn(c)
	}
}

// Get returns the open conflict for key.
func (q *Queue) Get(key models.FieldKey) (Conflict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.open[key]
	return c, ok
}

// Has reports whether key has an open conflict.
func (q *Queue) Has(key models.FieldKey) bool {
	_, ok := q.Get(key)
	return ok
}

// UpdateLocal replaces the local side of an open conflict after further
// typing. It reports whether a conflict was open.
func (q *Queue) UpdateLocal(key models.FieldKey, value string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.open[key]
	if ok {
		c.LocalValue = value
		q.open[key] = c
	}
	return ok
}

// Pending returns open conflicts ordered by detection time.
func (q *Queue) Pending() []Conflict {
	q.mu.Lock()
	out := make([]Conflict, 0, len(q.open))
	for _, c := range q.open {
		out = append(out, c)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Resolve closes the conflict for key with the given decision.
func (q *Queue) Resolve(key models.FieldKey, res Resolution) (*ResolveResult, error) {
	if res != AcceptLocal && res != AcceptRemote {
		return nil, ErrInvalidResolution
	}

	q.mu.Lock()
	c, ok := q.open[key]
	if ok {
		delete(q.open, key)
	}
	q.mu.Unlock()

	if !ok {
		return nil, ErrNoConflict
	}

	result := &ResolveResult{Conflict: c, Resolution: res, Value: c.LocalValue}
	if res == AcceptRemote {
		result.Value = c.RemoteValue
	}

	q.logger.Info("Edit conflict resolved", map[string]interface{}{
		"field_key":  string(key),
		"resolution": string(res),
	})
	return result, nil
}

// Drop discards the conflict for key without a decision, for example when
// the item it refers to was removed.
func (q *Queue) Drop(key models.FieldKey) {
	q.mu.Lock()
	delete(q.open, key)
	q.mu.Unlock()
}

// Subscribe registers fn and returns a function that unregisters it.
func (q *Queue) Subscribe(fn Listener) func() {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.listeners, id)
			q.mu.Unlock()
		})
	}
}
