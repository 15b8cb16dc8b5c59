// Package session ties one editor's view of a rundown together: the local
// document, the field broadcast coordinator, the timing state machine and
// the doc version watchdog. A Session is opened per rundown and closed as
// one unit.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/channel"
	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/rundown"
	"github.com/kimhsiao/rundown/internal/showcaller"
	"github.com/kimhsiao/rundown/internal/store"
	syncpkg "github.com/kimhsiao/rundown/internal/sync"
	"github.com/kimhsiao/rundown/internal/sync/backup"
	"github.com/kimhsiao/rundown/internal/sync/conflict"
	"github.com/kimhsiao/rundown/internal/sync/watchdog"
	"github.com/kimhsiao/rundown/internal/uuid"
)

// Options configures a Session. Store and Channel are required.
type Options struct {
	DocID     string
	SessionID string // generated when empty

	Store   store.Store
	Channel channel.Channel
	Backup  backup.Repository // in-memory when nil
	Clock   clock.Clock
	Logger  *logging.Logger

	Debounce         time.Duration
	EditWindow       time.Duration
	WatchdogInterval time.Duration
	PushTimeout      time.Duration
	ActivityWindow   time.Duration
	MaxBackoff       time.Duration
}

// NewOptions returns Options for docID with the timings of cfg. The caller
// still sets Store and Channel.
func NewOptions(docID string, cfg config.SyncConfig) Options {
	return Options{
		DocID:            docID,
		Debounce:         cfg.Debounce,
		EditWindow:       cfg.EditWindow,
		WatchdogInterval: cfg.WatchdogInterval,
		PushTimeout:      cfg.PushTimeout,
		ActivityWindow:   cfg.ActivityWindow,
		MaxBackoff:       cfg.MaxBackoff,
	}
}

// Session is one editor's handle on one rundown.
type Session struct {
	id     string
	docID  string
	logger *logging.Logger

	state    *rundown.State
	coord    *syncpkg.Coordinator
	machine  *showcaller.Machine
	watchdog *watchdog.Watchdog
	backups  backup.Repository
	sub      channel.Subscription
	unhook   func()
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// Open loads the rundown, subscribes to its push channel and starts the
// watchdog.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Store == nil || opts.Channel == nil {
		return nil, errors.New(errors.ErrInvalid, "session requires a store and a channel")
	}
	if opts.DocID == "" {
		return nil, errors.New(errors.ErrInvalid, "session requires a rundown id")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewSessionID()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	if opts.Backup == nil {
		opts.Backup = backup.NewMemory()
	}
	logger := opts.Logger.With(map[string]interface{}{
		"session_id": opts.SessionID,
		"doc_id":     opts.DocID,
	})

	snap, err := opts.Store.Read(ctx, opts.DocID)
	if err != nil {
		return nil, err
	}
	doc := snap.Document.Clone()
	doc.DocVersion = snap.Version
	doc.UpdatedAt = snap.UpdatedAt

	s := &Session{
		id:      opts.SessionID,
		docID:   opts.DocID,
		logger:  logger,
		state:   rundown.NewState(doc),
		backups: opts.Backup,
	}

	s.coord = syncpkg.NewCoordinator(syncpkg.Config{
		DocID:      opts.DocID,
		SessionID:  opts.SessionID,
		State:      s.state,
		Store:      opts.Store,
		Channel:    opts.Channel,
		Backup:     opts.Backup,
		Clock:      opts.Clock,
		Logger:     logger,
		Debounce:   opts.Debounce,
		EditWindow: opts.EditWindow,
	})

	s.machine = showcaller.NewMachine(s.state, opts.Clock, opts.SessionID, s.commitShowcaller, logger)
	s.coord.SetRealigner(s.realign)

	s.watchdog = watchdog.New(watchdog.Config{
		DocID:          opts.DocID,
		Store:          opts.Store,
		Target:         s.coord,
		Clock:          opts.Clock,
		Logger:         logger,
		Interval:       opts.WatchdogInterval,
		PushTimeout:    opts.PushTimeout,
		ActivityWindow: opts.ActivityWindow,
		MaxBackoff:     opts.MaxBackoff,
		InitialVersion: snap.Version,
		OnClockOffset:  s.machine.SetClockOffset,
	})
	s.coord.SetObserver(s.watchdog)

	sub, err := opts.Channel.Subscribe(ctx, opts.DocID, s.onMessage)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "subscribe to push channel", err)
	}
	s.sub = sub
	if rc, ok := opts.Channel.(channel.Reconnector); ok {
		s.unhook = rc.OnReconnect(opts.DocID, s.onReconnect)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.watchdog.Start(runCtx)

	logger.Info("Session opened", map[string]interface{}{"version": snap.Version})
	return s, nil
}

func (s *Session) onMessage(msg channel.Message) {
	if s.isClosed() {
		return
	}
	s.coord.RemoteUpdate(msg)
}

// onReconnect looks for commits missed while the push channel was down.
func (s *Session) onReconnect() {
	if s.isClosed() {
		return
	}
	s.logger.Info("Push channel reconnected, checking for missed commits", nil)
	s.watchdog.CheckNow()
}

// realign moves the clock off a segment that stopped being eligible.
func (s *Session) realign(commit bool) {
	if s.isClosed() {
		return
	}
	s.machine.Realign(commit)
}

func (s *Session) commitShowcaller(state models.ShowcallerState) {
	if err := s.coord.CommitShowcaller(state); err != nil {
		s.logger.Warn("Showcaller commit skipped", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) guard() error {
	if s.isClosed() {
		return errors.New(errors.ErrSessionClosed, "session is closed")
	}
	return nil
}

// Close tears the session down: debounce timers stop, uncommitted edits
// go to the backup, the subscription is released and the watchdog stops.
// Later push messages and timer callbacks are ignored.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.unhook != nil {
		s.unhook()
	}
	err := s.coord.Close(ctx)
	if cerr := s.sub.Close(); cerr != nil && err == nil {
		err = cerr
	}
	s.watchdog.Stop()
	s.cancel()

	s.logger.Info("Session closed", nil)
	return err
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// DocID returns the rundown id.
func (s *Session) DocID() string { return s.docID }

// Document returns a copy of the local document.
func (s *Session) Document() *models.Rundown { return s.state.Snapshot() }

// Version returns the docVersion of the local copy.
func (s *Session) Version() int64 { return s.state.Version() }

// =====================================================
// Timing
// =====================================================

// Elapsed returns the time elapsed in the current segment.
func (s *Session) Elapsed() time.Duration { return s.machine.Elapsed() }

// Remaining returns the time left in the current segment.
func (s *Session) Remaining() time.Duration { return s.machine.Remaining() }

// Timing returns the full clock display.
func (s *Session) Timing() showcaller.Timing { return s.machine.Timing() }

// Status returns whether the clock is running.
func (s *Session) Status() showcaller.Status { return s.machine.Status() }

// Play starts the clock on segmentID, or on the current segment when empty.
func (s *Session) Play(segmentID string) error {
	return s.transition(func() (models.ShowcallerState, error) { return s.machine.Play(segmentID) })
}

// Pause stops the clock.
func (s *Session) Pause() error { return s.transition(s.machine.Pause) }

// Forward moves to the next eligible segment.
func (s *Session) Forward() error { return s.transition(s.machine.Forward) }

// Backward moves to the previous eligible segment.
func (s *Session) Backward() error { return s.transition(s.machine.Backward) }

// Reset stops the clock on the first eligible segment.
func (s *Session) Reset() error { return s.transition(s.machine.Reset) }

// Seek jumps to segmentID keeping the clock running or paused.
func (s *Session) Seek(segmentID string) error {
	return s.transition(func() (models.ShowcallerState, error) { return s.machine.Seek(segmentID) })
}

func (s *Session) transition(fn func() (models.ShowcallerState, error)) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := fn()
	return err
}

// =====================================================
// Editing
// =====================================================

// RowLabel returns the row label of itemID, or "" if unknown.
func (s *Session) RowLabel(itemID string) string { return s.state.RowLabel(itemID) }

// RowLabels returns every row label.
func (s *Session) RowLabels() map[string]string { return s.state.RowLabels() }

// CommitField edits one field. An empty itemID addresses the rundown.
func (s *Session) CommitField(itemID string, field models.Field, value string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.coord.LocalEdit(itemID, field, value)
}

// AddItem inserts item at index; a negative index appends.
func (s *Session) AddItem(item models.Item, index int) (models.Item, error) {
	if err := s.guard(); err != nil {
		return models.Item{}, err
	}
	return s.coord.AddItem(item, index)
}

// RemoveItem removes an item.
func (s *Session) RemoveItem(itemID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.coord.RemoveItem(itemID)
}

// Reorder sets the item order.
func (s *Session) Reorder(order []string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.coord.Reorder(order)
}

// Flush commits debounced edits now and waits for in-flight commits.
func (s *Session) Flush() { s.coord.Flush() }

// CheckNow asks the watchdog for an immediate staleness check, for
// example after the push channel reconnected.
func (s *Session) CheckNow() { s.watchdog.CheckNow() }

// WatchdogState returns the watchdog's current state.
func (s *Session) WatchdogState() watchdog.State { return s.watchdog.State() }

// =====================================================
// Conflicts and notices
// =====================================================

// SubscribeToConflicts registers cb for new conflicts. The returned
// function unregisters it.
func (s *Session) SubscribeToConflicts(cb func(conflict.Conflict)) func() {
	return s.coord.Conflicts().Subscribe(cb)
}

// Conflicts returns the open conflicts.
func (s *Session) Conflicts() []conflict.Conflict {
	return s.coord.Conflicts().Pending()
}

// ResolveConflict applies the user's decision for the conflict on key.
func (s *Session) ResolveConflict(key models.FieldKey, res conflict.Resolution) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.coord.ResolveConflict(key, res)
}

// SubscribeToNotices registers cb for informational notices.
func (s *Session) SubscribeToNotices(cb func(syncpkg.Notice)) func() {
	return s.coord.SubscribeToNotices(cb)
}

// =====================================================
// Backups
// =====================================================

// PendingRestores lists backed-up edits of this rundown.
func (s *Session) PendingRestores(ctx context.Context) ([]*backup.Entry, error) {
	return s.backups.List(ctx, s.docID)
}

// RestoreBackup re-applies the backed-up edit with id.
func (s *Session) RestoreBackup(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	e, err := s.findBackup(ctx, id)
	if err != nil {
		return err
	}
	return s.coord.Restore(ctx, e)
}

// DiscardBackup deletes the backed-up edit with id.
func (s *Session) DiscardBackup(ctx context.Context, id string) error {
	e, err := s.findBackup(ctx, id)
	if err != nil {
		return err
	}
	return s.backups.Delete(ctx, s.docID, e.Key())
}

func (s *Session) findBackup(ctx context.Context, id string) (*backup.Entry, error) {
	entries, err := s.backups.List(ctx, s.docID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.New(errors.ErrNotFound, "backup entry not found")
}
