// Package watchdog detects when a session's copy of a rundown fell behind
// the store, for example because push messages were dropped, and brings
// it back in line with a full read.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/store"
	syncpkg "github.com/kimhsiao/rundown/internal/sync"
)

// State is the watchdog's position in its check cycle.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateUpToDate   State = "up_to_date"
	StateStale      State = "stale"
	StateRefetching State = "refetching"
)

// Defaults
const (
	DefaultInterval       = 5 * time.Second
	DefaultPushTimeout    = 30 * time.Second
	DefaultActivityWindow = 10 * time.Minute
	DefaultMaxBackoff     = time.Minute
	checkTimeout          = 10 * time.Second
)

// Resyncer replaces the local copy with a full read.
type Resyncer interface {
	Resync(snap *store.Snapshot) bool
}

// Config holds watchdog configuration.
type Config struct {
	DocID          string
	Store          store.Store
	Target         Resyncer
	Clock          clock.Clock
	Logger         *logging.Logger
	Interval       time.Duration // how often to probe the version (default: 5s)
	PushTimeout    time.Duration // push silence treated as stale (default: 30s)
	ActivityWindow time.Duration // how recent other activity must be (default: 10m)
	MaxBackoff     time.Duration // cap for failure backoff (default: 1m)

	// InitialVersion is the version the local copy was loaded at.
	InitialVersion int64

	// OnClockOffset receives the estimated store clock minus local clock
	// after every successful probe.
	OnClockOffset func(time.Duration)
}

// Stats counts watchdog activity.
type Stats struct {
	Checks    int
	Refetches int
	Replaced  int
	Failures  int
}

// Watchdog polls the store for versions the session has not seen.
type Watchdog struct {
	docID          string
	store          store.Store
	target         Resyncer
	clock          clock.Clock
	logger         *logging.Logger
	interval       time.Duration
	pushTimeout    time.Duration
	activityWindow time.Duration
	maxBackoff     time.Duration
	onClockOffset  func(time.Duration)

	mu           sync.Mutex
	state        State
	lastSeen     int64
	lastSeenAt   int64
	ahead        map[int64]bool
	lastPushAt   time.Time
	lastActivity time.Time
	rejected     bool
	failures     int
	retryAt      time.Time
	stats        Stats

	checkMu   sync.Mutex
	checkCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// New creates a Watchdog. It does nothing until Start.
func New(cfg Config) *Watchdog {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	return &Watchdog{
		docID:          cfg.DocID,
		store:          cfg.Store,
		target:         cfg.Target,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		interval:       cfg.Interval,
		pushTimeout:    cfg.PushTimeout,
		activityWindow: cfg.ActivityWindow,
		maxBackoff:     cfg.MaxBackoff,
		onClockOffset:  cfg.OnClockOffset,
		state:          StateIdle,
		lastSeen:       cfg.InitialVersion,
		ahead:          make(map[int64]bool),
		lastPushAt:     cfg.Clock.Now(),
		checkCh:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
}

// Start runs the check loop until Stop or ctx is done.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Debug("Watchdog started", map[string]interface{}{
		"doc_id":   w.docID,
		"interval": w.interval.String(),
	})
}

// Stop ends the check loop and waits for a running check to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	w.logger.Debug("Watchdog stopped", map[string]interface{}{"doc_id": w.docID})
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.backingOff() {
				continue
			}
			w.Check(ctx)
		case <-w.checkCh:
			w.Check(ctx)
		}
	}
}

// CheckNow asks the loop for an immediate check, bypassing any backoff.
// It never blocks.
func (w *Watchdog) CheckNow() {
	select {
	case w.checkCh <- struct{}{}:
	default:
	}
}

func (w *Watchdog) backingOff() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.retryAt.IsZero() && w.clock.Now().Before(w.retryAt)
}

// Check runs one check cycle: a version probe and, when the local copy
// is stale, a full refetch. Errors are logged and schedule a backoff.
func (w *Watchdog) Check(ctx context.Context) State {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	w.setState(StateChecking)
	w.mu.Lock()
	w.stats.Checks++
	w.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	info, err := w.store.Version(probeCtx, w.docID)
	cancel()
	if err != nil {
		w.fail("Version check failed", err)
		return StateIdle
	}

	now := w.clock.Now()
	if info.ServerTime > 0 && w.onClockOffset != nil {
		w.onClockOffset(time.UnixMilli(info.ServerTime).Sub(now))
	}

	stale, reason := w.isStale(info, now)
	if !stale {
		w.setState(StateUpToDate)
		w.mu.Lock()
		w.failures = 0
		w.retryAt = time.Time{}
		w.mu.Unlock()
		w.setState(StateIdle)
		return StateUpToDate
	}

	w.setState(StateStale)
	w.logger.Info("Local rundown is stale", map[string]interface{}{
		"doc_id":        w.docID,
		"reason":        reason,
		"store_version": info.Version,
		"last_seen":     w.LastSeen(),
	})

	w.setState(StateRefetching)
	readCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	snap, err := w.store.Read(readCtx, w.docID)
	cancel()
	if err != nil {
		w.fail("Refetch failed", err)
		return StateIdle
	}

	replaced := false
	if w.target != nil {
		replaced = w.target.Resync(snap)
	}

	w.mu.Lock()
	w.advanceTo(snap.Version, snap.UpdatedAt)
	w.rejected = false
	w.lastPushAt = w.clock.Now()
	w.failures = 0
	w.retryAt = time.Time{}
	w.stats.Refetches++
	if replaced {
		w.stats.Replaced++
	}
	w.mu.Unlock()

	w.setState(StateIdle)
	return StateStale
}

func (w *Watchdog) isStale(info *store.VersionInfo, now time.Time) (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if info.Version > w.lastSeen {
		w.lastActivity = now
		return true, "version_ahead"
	}
	if w.rejected {
		return true, "rejected_change"
	}
	silent := now.Sub(w.lastPushAt) >= w.pushTimeout
	active := !w.lastActivity.IsZero() && now.Sub(w.lastActivity) < w.activityWindow
	if silent && active {
		return true, "push_silent"
	}
	return false, ""
}

func (w *Watchdog) fail(message string, err error) {
	w.mu.Lock()
	w.failures++
	w.stats.Failures++
	delay := Backoff(w.failures, w.interval, w.maxBackoff)
	w.retryAt = w.clock.Now().Add(delay)
	failures := w.failures
	w.mu.Unlock()

	w.logger.Warn(message, map[string]interface{}{
		"doc_id":   w.docID,
		"error":    err.Error(),
		"failures": failures,
		"retry_in": delay.String(),
	})
	w.setState(StateIdle)
}

// Backoff returns the wait after the n-th consecutive failure: base,
// doubling per failure, capped at max.
func Backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Observe records a document version seen by the session. Push and commit
// versions only advance the last-seen version when contiguous, so a gap
// left by a dropped message is found by the next check.
func (w *Watchdog) Observe(version, updatedAt int64, source syncpkg.Source) {
	switch source {
	case syncpkg.SourceConflict:
		w.CheckNow()
		return
	case syncpkg.SourceRejected:
		w.mu.Lock()
		w.rejected = true
		w.mu.Unlock()
		w.CheckNow()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch source {
	case syncpkg.SourcePush:
		now := w.clock.Now()
		w.lastPushAt = now
		w.lastActivity = now
		w.noteVersion(version, updatedAt)
	case syncpkg.SourceCommit:
		w.noteVersion(version, updatedAt)
	case syncpkg.SourceResync:
		w.advanceTo(version, updatedAt)
	}
}

// noteVersion records a contiguous version. Caller holds w.mu.
func (w *Watchdog) noteVersion(version, updatedAt int64) {
	if version <= w.lastSeen {
		return
	}
	w.ahead[version] = true
	for w.ahead[w.lastSeen+1] {
		delete(w.ahead, w.lastSeen+1)
		w.lastSeen++
	}
	if w.lastSeen >= version && updatedAt > w.lastSeenAt {
		w.lastSeenAt = updatedAt
	}
}

// advanceTo jumps the last-seen version forward. Caller holds w.mu.
func (w *Watchdog) advanceTo(version, updatedAt int64) {
	if version > w.lastSeen {
		w.lastSeen = version
		w.lastSeenAt = updatedAt
	}
	for v := range w.ahead {
		if v <= w.lastSeen {
			delete(w.ahead, v)
		}
	}
	for w.ahead[w.lastSeen+1] {
		delete(w.ahead, w.lastSeen+1)
		w.lastSeen++
	}
}

func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the current state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastSeen returns the last contiguous version the session has seen.
func (w *Watchdog) LastSeen() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen
}

// LastPushAt returns when the last push message arrived.
func (w *Watchdog) LastPushAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPushAt
}

// Stats returns activity counters.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
