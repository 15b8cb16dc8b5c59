// Package sync keeps a session's copy of a rundown in step with the store
// and with the other sessions editing it.
package sync

import (
	"context"
	"encoding/json"
	"strconv"
	gosync "sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/channel"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/rundown"
	"github.com/kimhsiao/rundown/internal/store"
	"github.com/kimhsiao/rundown/internal/sync/backup"
	"github.com/kimhsiao/rundown/internal/sync/conflict"
	"github.com/kimhsiao/rundown/internal/sync/editcache"
	"github.com/kimhsiao/rundown/internal/uuid"
)

const (
	// DefaultDebounce is the quiet period before a typing field is committed.
	DefaultDebounce = 800 * time.Millisecond

	// DefaultWriteTimeout bounds one store write.
	DefaultWriteTimeout = 10 * time.Second
)

// Source says where an observed document version came from.
type Source string

const (
	SourcePush     Source = "push"
	SourceCommit   Source = "commit"
	SourceResync   Source = "resync"
	SourceConflict Source = "conflict"
	// SourceRejected means the store rejected a change the local copy
	// already shows; the copy must be refetched.
	SourceRejected Source = "rejected"
)

// Observer is told about every document version the coordinator sees.
// The watchdog implements it.
type Observer interface {
	Observe(version, updatedAt int64, source Source)
}

// Config wires a Coordinator to its session.
type Config struct {
	DocID        string
	SessionID    string
	State        *rundown.State
	Store        store.Store
	Channel      channel.Channel
	Backup       backup.Repository
	Clock        clock.Clock
	Logger       *logging.Logger
	Debounce     time.Duration
	EditWindow   time.Duration
	WriteTimeout time.Duration
	// SweepInterval is how often expired recently-edited entries are
	// evicted. Defaults to the edit window.
	SweepInterval time.Duration
}

// pendingEdit is a local change that has not been committed yet. Field
// edits are keyed by field; structural ops get a unique key each.
type pendingEdit struct {
	key        models.FieldKey
	itemID     string
	field      models.Field
	value      string
	showcaller *models.ShowcallerState
	op         *models.StructuralOp
	atomic     bool

	gen      uint64
	attempts int
	inFlight bool
	refire   bool
	timer    *clock.Timer
}

func (p *pendingEdit) patch() *models.Patch {
	switch {
	case p.op != nil:
		return &models.Patch{Ops: []models.StructuralOp{*p.op}}
	case p.showcaller != nil:
		s := *p.showcaller
		return &models.Patch{Showcaller: &s}
	default:
		return &models.Patch{Fields: []models.FieldChange{{ItemID: p.itemID, Field: p.field, Value: p.value}}}
	}
}

// Coordinator applies local edits optimistically, commits them to the store
// and broadcasts them, and merges the broadcasts of other sessions.
type Coordinator struct {
	docID     string
	sessionID string
	state     *rundown.State
	store     store.Store
	channel   channel.Channel
	backups   backup.Repository
	clock     clock.Clock
	logger    *logging.Logger

	debounce     time.Duration
	writeTimeout time.Duration

	edits     *editcache.Cache
	conflicts *conflict.Queue

	// commitMu serializes this session's store writes, so an expected
	// version is read only after the previous commit advanced it.
	commitMu gosync.Mutex

	mu        gosync.Mutex
	idle      *gosync.Cond
	pending   map[models.FieldKey]*pendingEdit
	launching int
	running   int
	ops       []*pendingEdit
	opsBusy   bool
	opsTimer  *clock.Timer
	opSeq     int
	applied   map[models.FieldKey]int64
	floor     int64
	deferred  map[models.FieldKey]*deferredUpdate
	gen       uint64
	closed    bool
	wg        gosync.WaitGroup
	observer  Observer
	realign   func(commit bool)

	noticeMu   gosync.Mutex
	noticeSubs map[int]func(Notice)
	noticeSeq  int
}

type deferredUpdate struct {
	msg   channel.Message
	timer *clock.Timer
}

// NewCoordinator creates a Coordinator. It does not subscribe to the
// channel; the session routes push messages to RemoteUpdate.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Get()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Backup == nil {
		cfg.Backup = backup.NewMemory()
	}

	c := &Coordinator{
		docID:        cfg.DocID,
		sessionID:    cfg.SessionID,
		state:        cfg.State,
		store:        cfg.Store,
		channel:      cfg.Channel,
		backups:      cfg.Backup,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		debounce:     cfg.Debounce,
		writeTimeout: cfg.WriteTimeout,
		edits:        editcache.New(cfg.Clock, cfg.EditWindow),
		conflicts:    conflict.NewQueue(cfg.Logger),
		pending:      make(map[models.FieldKey]*pendingEdit),
		applied:      make(map[models.FieldKey]int64),
		deferred:     make(map[models.FieldKey]*deferredUpdate),
		noticeSubs:   make(map[int]func(Notice)),
	}
	c.idle = gosync.NewCond(&c.mu)
	c.floor = cfg.State.Version()
	c.edits.StartSweeper(cfg.SweepInterval)
	return c
}

// SetObserver registers the component told about observed versions.
func (c *Coordinator) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// SetRealigner registers fn, called after a change that may have taken the
// current showcaller segment out of timing. commit says whether this
// session should commit the corrected clock.
func (c *Coordinator) SetRealigner(fn func(commit bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.realign = fn
}

func (c *Coordinator) realignClock(commit bool) {
	c.mu.Lock()
	fn := c.realign
	closed := c.closed
	c.mu.Unlock()
	if fn != nil && !closed {
		fn(commit)
	}
}

func (c *Coordinator) observe(version, updatedAt int64, source Source) {
	c.mu.Lock()
	o := c.observer
	c.mu.Unlock()
	if o != nil {
		o.Observe(version, updatedAt, source)
	}
}

// Conflicts returns the session's conflict queue.
func (c *Coordinator) Conflicts() *conflict.Queue {
	return c.conflicts
}

// Edits returns the recently-edited cache.
func (c *Coordinator) Edits() *editcache.Cache {
	return c.edits
}

// =====================================================
// Local edits
// =====================================================

// LocalEdit applies a field change to the local copy and schedules its
// commit. Typing fields are debounced; atomic fields commit immediately.
func (c *Coordinator) LocalEdit(itemID string, field models.Field, value string) error {
	if err := field.Validate(); err != nil {
		return err
	}
	if field == models.FieldShowcaller {
		var s models.ShowcallerState
		if err := json.Unmarshal([]byte(value), &s); err != nil {
			return errors.Wrap(errors.ErrInvalid, "malformed showcaller state", err)
		}
		return c.CommitShowcaller(s)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrSessionClosed, "session is closed")
	}
	change := models.FieldChange{ItemID: itemID, Field: field, Value: value}
	if err := c.state.ApplyField(change); err != nil {
		c.mu.Unlock()
		return err
	}

	key := models.Key(itemID, field)
	c.edits.Mark(key, value)
	p := c.upsertPending(key)
	p.itemID, p.field, p.value = itemID, field, value
	p.atomic = field.IsAtomic()

	held := c.conflicts.UpdateLocal(key, value)
	if !held {
		if p.atomic {
			c.schedule(p, 0)
		} else {
			c.schedule(p, c.debounce)
		}
	}
	c.mu.Unlock()

	c.logger.Debug("Local edit", map[string]interface{}{
		"field_key": string(key),
		"held":      held,
	})
	if field.AffectsEligibility() {
		c.realignClock(true)
	}
	return nil
}

// CommitShowcaller commits a new showcaller state. The state is already
// applied to the local copy by the timing state machine.
func (c *Coordinator) CommitShowcaller(s models.ShowcallerState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.ErrSessionClosed, "session is closed")
	}

	c.state.SetShowcaller(s)
	key := models.Key("", models.FieldShowcaller)
	p := c.upsertPending(key)
	p.field = models.FieldShowcaller
	p.showcaller = &s
	p.value = encodeShowcaller(s)
	p.atomic = true
	c.schedule(p, 0)
	return nil
}

// upsertPending returns the pending edit for key with a fresh generation.
// Caller holds c.mu.
func (c *Coordinator) upsertPending(key models.FieldKey) *pendingEdit {
	p := c.pending[key]
	if p == nil {
		p = &pendingEdit{key: key}
		c.pending[key] = p
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	c.gen++
	p.gen = c.gen
	p.attempts = 0
	return p
}

// schedule arms the commit of p after d. Caller holds c.mu.
func (c *Coordinator) schedule(p *pendingEdit, d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	key, gen := p.key, p.gen
	if d <= 0 {
		c.launching++
		go c.fire(key, gen, true)
		return
	}
	p.timer = c.clock.AfterFunc(d, func() { c.fire(key, gen, false) })
}

// fire commits the pending edit for key if it is still generation gen.
func (c *Coordinator) fire(key models.FieldKey, gen uint64, launched bool) {
	c.mu.Lock()
	if launched {
		c.launching--
		defer c.idle.Broadcast()
	}
	p := c.pending[key]
	if c.closed || p == nil || p.gen != gen || c.conflicts.Has(key) {
		c.mu.Unlock()
		return
	}
	if p.inFlight {
		p.refire = true
		c.mu.Unlock()
		return
	}
	p.inFlight = true
	p.timer = nil
	job := *p
	c.running++
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.commitMu.Lock()
	res, err := c.write(&job)
	c.finish(&job, res, err)
	c.commitMu.Unlock()

	// running covers the publish in finish, which happens unlocked.
	c.mu.Lock()
	c.running--
	c.idle.Broadcast()
	c.mu.Unlock()
}

// write commits one pending edit. Atomic edits carry the expected version
// and get one refetch-and-retry on a version conflict.
func (c *Coordinator) write(job *pendingEdit) (*store.WriteResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	var expected *int64
	if job.atomic {
		expected = store.Expect(c.state.Version())
	}
	res, err := c.store.Write(ctx, c.docID, job.patch(), expected)
	if err == nil || !job.atomic || !errors.Is(err, errors.ErrVersionConflict) {
		return res, err
	}

	c.logger.Info("Version conflict, refetching", map[string]interface{}{
		"field_key": string(job.key),
		"expected":  *expected,
	})
	c.observe(*expected, 0, SourceConflict)
	if rerr := c.refetch(ctx); rerr != nil {
		return nil, rerr
	}
	c.mu.Lock()
	job.value = c.currentValue(job)
	c.mu.Unlock()
	return c.store.Write(ctx, c.docID, job.patch(), store.Expect(c.state.Version()))
}

// currentValue refreshes job from the latest pending edit for its key, so a
// retry after refetch commits the newest local value. Caller holds c.mu.
func (c *Coordinator) currentValue(job *pendingEdit) string {
	if p := c.pending[job.key]; p != nil && p.op == nil {
		job.showcaller = p.showcaller
		job.gen = p.gen
		return p.value
	}
	return job.value
}

func (c *Coordinator) refetch(ctx context.Context) error {
	snap, err := c.store.Read(ctx, c.docID)
	if err != nil {
		return err
	}
	c.Resync(snap)
	return nil
}

// finish records the outcome of a field commit.
func (c *Coordinator) finish(job *pendingEdit, res *store.WriteResult, err error) {
	c.mu.Lock()
	p := c.pending[job.key]
	if p != nil {
		p.inFlight = false
	}
	defer c.idle.Broadcast()

	if err == nil {
		if res.Version > c.applied[job.key] {
			c.applied[job.key] = res.Version
		}
		if p != nil {
			if p.gen == job.gen && !p.refire {
				delete(c.pending, job.key)
			} else if p.refire {
				p.refire = false
				c.schedule(p, 0)
			}
		}
		c.mu.Unlock()

		value := job.value
		if job.showcaller != nil {
			value = ""
		}
		c.state.AdvanceVersion(res.Version, res.UpdatedAt)
		c.observe(res.Version, res.UpdatedAt, SourceCommit)
		c.publish(channel.Message{
			SessionID:  c.sessionID,
			ItemID:     job.itemID,
			Field:      job.field,
			Value:      value,
			Showcaller: job.showcaller,
			DocVersion: res.Version,
			Timestamp:  res.UpdatedAt,
		})
		c.logger.Debug("Field committed", map[string]interface{}{
			"field_key": string(job.key),
			"version":   res.Version,
		})
		return
	}

	if p != nil && p.gen != job.gen {
		// A newer edit superseded the failed value; commit that instead.
		if p.refire {
			p.refire = false
			c.schedule(p, 0)
		}
		c.mu.Unlock()
		return
	}

	if p != nil && !c.closed && job.attempts == 0 && errors.IsRetryable(err) {
		p.attempts = 1
		p.refire = false
		c.schedule(p, c.debounce)
		c.mu.Unlock()
		c.logger.Warn("Commit failed, retrying", map[string]interface{}{
			"field_key": string(job.key),
			"error":     err.Error(),
		})
		return
	}

	stale := errors.Is(err, errors.ErrStaleReference)
	conflicted := errors.Is(err, errors.ErrVersionConflict)
	// A closing session backs up whatever is still pending itself.
	keep := c.closed && !stale && !conflicted
	if p != nil && !keep {
		delete(c.pending, job.key)
	}
	c.mu.Unlock()

	switch {
	case stale:
		c.logger.Info("Dropped edit of removed item", map[string]interface{}{"field_key": string(job.key)})
	case conflicted:
		c.notify(Notice{Kind: NoticeVersionConflict, Key: job.key, Message: "change was rejected because the rundown changed; reload to see the latest version"})
		c.dropRejected(job.key)
	case keep:
	default:
		c.logger.ErrorWithCode("Commit failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"field_key": string(job.key),
		})
		c.backupEdit(job, backup.ReasonWriteFailed)
	}
}

// dropRejected brings the local copy back to the store after a change was
// finally rejected. When the read fails the watchdog is asked to refetch.
func (c *Coordinator) dropRejected(key models.FieldKey) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.refetch(ctx); err != nil {
		c.logger.Warn("Refetch after rejected change failed", map[string]interface{}{
			"field_key": string(key),
			"error":     err.Error(),
		})
		c.observe(0, 0, SourceRejected)
	}
}

// backupEdit saves job to the write-ahead backup. Showcaller states are
// not backed up: a stale clock is never worth restoring.
func (c *Coordinator) backupEdit(job *pendingEdit, reason backup.Reason) {
	if job.op != nil || job.showcaller != nil || job.field == models.FieldShowcaller {
		c.notify(Notice{Kind: NoticeCommitFailed, Key: job.key, Message: "change could not be saved"})
		return
	}

	entry := &backup.Entry{
		ID:        uuid.New(),
		DocID:     c.docID,
		ItemID:    job.itemID,
		Field:     job.field,
		Value:     job.value,
		SessionID: c.sessionID,
		Reason:    reason,
		CreatedAt: c.clock.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.backups.Save(ctx, entry); err != nil {
		c.logger.Error("Backup failed, edit lost", err, map[string]interface{}{"field_key": string(job.key)})
		return
	}
	c.notify(Notice{Kind: NoticeBackedUp, Key: job.key, Message: "change saved locally and can be restored"})
}

func (c *Coordinator) publish(msg channel.Message) {
	if c.channel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.channel.Publish(ctx, c.docID, msg); err != nil {
		c.logger.Warn("Broadcast failed", map[string]interface{}{
			"doc_id": c.docID,
			"error":  err.Error(),
		})
	}
}

// =====================================================
// Structural operations
// =====================================================

// AddItem inserts item at index (negative appends). A missing id is
// generated.
func (c *Coordinator) AddItem(item models.Item, index int) (models.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewItemID()
	}
	if item.Type == "" {
		item.Type = models.ItemTypeRegular
	}
	it := item.Clone()
	return item, c.localOp(models.StructuralOp{Op: models.OpAdd, Item: &it, Index: index})
}

// RemoveItem removes the item with id.
func (c *Coordinator) RemoveItem(id string) error {
	if err := c.localOp(models.StructuralOp{Op: models.OpRemove, ItemID: id}); err != nil {
		return err
	}
	c.dropItem(id)
	return nil
}

// Reorder moves items into order.
func (c *Coordinator) Reorder(order []string) error {
	return c.localOp(models.StructuralOp{Op: models.OpReorder, Order: append([]string(nil), order...)})
}

func (c *Coordinator) localOp(op models.StructuralOp) error {
	if err := op.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(errors.ErrSessionClosed, "session is closed")
	}
	if err := c.state.ApplyOp(op); err != nil {
		return err
	}

	c.opSeq++
	c.ops = append(c.ops, &pendingEdit{
		key: models.FieldKey("op/" + strconv.Itoa(c.opSeq)),
		op:  &op,
	})
	c.kickOps()
	return nil
}

// kickOps starts the op worker if it is idle. Ops commit one at a time in
// the order they were made. Caller holds c.mu.
func (c *Coordinator) kickOps() {
	if c.opsBusy || c.opsTimer != nil || len(c.ops) == 0 || c.closed {
		return
	}
	c.opsBusy = true
	c.wg.Add(1)
	go c.drainOps()
}

func (c *Coordinator) drainOps() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if c.closed || len(c.ops) == 0 {
			c.opsBusy = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		job := c.ops[0]
		c.mu.Unlock()

		c.commitMu.Lock()
		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		res, err := c.store.Write(ctx, c.docID, job.patch(), nil)
		cancel()
		if err == nil {
			c.state.AdvanceVersion(res.Version, res.UpdatedAt)
		}
		c.commitMu.Unlock()

		if err != nil && job.attempts == 0 && errors.IsRetryable(err) {
			c.mu.Lock()
			job.attempts++
			c.opsBusy = false
			c.idle.Broadcast()
			if !c.closed {
				c.opsTimer = c.clock.AfterFunc(c.debounce, func() {
					c.mu.Lock()
					c.opsTimer = nil
					c.kickOps()
					c.mu.Unlock()
				})
			}
			c.mu.Unlock()
			c.logger.Warn("Structural commit failed, retrying", map[string]interface{}{
				"op":    string(job.op.Op),
				"error": err.Error(),
			})
			return
		}

		c.mu.Lock()
		if len(c.ops) > 0 && c.ops[0] == job {
			c.ops = c.ops[1:]
		}
		c.mu.Unlock()

		if err != nil {
			c.logger.ErrorWithCode("Structural commit failed", string(errors.CodeOf(err)), err, map[string]interface{}{
				"op": string(job.op.Op),
			})
			c.notify(Notice{Kind: NoticeCommitFailed, Key: job.key, Message: "row change could not be saved"})
			c.observe(0, 0, SourceRejected)
			continue
		}

		c.observe(res.Version, res.UpdatedAt, SourceCommit)
		op := *job.op
		c.publish(channel.Message{
			SessionID:  c.sessionID,
			Op:         &op,
			DocVersion: res.Version,
			Timestamp:  res.UpdatedAt,
		})
	}
}

// dropItem forgets pending edits and conflicts of a removed item.
func (c *Coordinator) dropItem(id string) {
	var dropped []models.FieldKey
	c.mu.Lock()
	for key, p := range c.pending {
		if p.itemID == id && !p.inFlight {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, key)
			dropped = append(dropped, key)
		}
	}
	c.mu.Unlock()

	for _, key := range dropped {
		c.conflicts.Drop(key)
		c.edits.Forget(key)
	}
	for _, cf := range c.conflicts.Pending() {
		if itemID, _ := cf.Key.Split(); itemID == id {
			c.conflicts.Drop(cf.Key)
		}
	}
}

// =====================================================
// Remote updates
// =====================================================

// RemoteUpdate merges a push message from another session.
func (c *Coordinator) RemoteUpdate(msg channel.Message) {
	if msg.SessionID == c.sessionID {
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.observe(msg.DocVersion, msg.Timestamp, SourcePush)

	if msg.IsStructural() {
		c.remoteOp(msg)
		return
	}
	c.remoteField(msg)
}

func (c *Coordinator) remoteOp(msg channel.Message) {
	if err := c.state.ApplyOp(*msg.Op); err != nil {
		c.logger.Warn("Ignored malformed structural op", map[string]interface{}{
			"session_id": msg.SessionID,
			"error":      err.Error(),
		})
		return
	}
	c.state.AdvanceVersion(msg.DocVersion, msg.Timestamp)
	if msg.Op.Op == models.OpRemove {
		c.dropItem(msg.Op.ItemID)
	}
}

func (c *Coordinator) remoteField(msg channel.Message) {
	key := msg.Key()
	value := msg.Value
	if msg.Showcaller != nil {
		value = encodeShowcaller(*msg.Showcaller)
	}

	c.mu.Lock()
	if msg.DocVersion <= c.applied[key] || msg.DocVersion <= c.floor {
		c.mu.Unlock()
		c.logger.Debug("Ignored stale remote update", map[string]interface{}{
			"field_key": string(key),
			"version":   msg.DocVersion,
		})
		return
	}

	if msg.Showcaller != nil {
		c.applied[key] = msg.DocVersion
		c.mu.Unlock()
		c.state.SetShowcaller(*msg.Showcaller)
		c.state.AdvanceVersion(msg.DocVersion, msg.Timestamp)
		return
	}

	if p := c.pending[key]; p != nil && p.value != value {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		local := p.value
		c.mu.Unlock()
		c.conflicts.Add(conflict.Conflict{
			Key:             key,
			LocalValue:      local,
			RemoteValue:     value,
			RemoteSessionID: msg.SessionID,
			RemoteVersion:   msg.DocVersion,
			DetectedAt:      c.clock.Now(),
		})
		return
	}

	if e, ok := c.edits.Active(key); ok {
		c.deferRemote(msg, e.ExpiresAt)
		c.mu.Unlock()
		return
	}

	c.applied[key] = msg.DocVersion
	c.mu.Unlock()

	if err := c.state.ApplyField(models.FieldChange{ItemID: msg.ItemID, Field: msg.Field, Value: value}); err != nil {
		c.logger.Debug("Ignored remote update", map[string]interface{}{
			"field_key": string(key),
			"error":     err.Error(),
		})
		return
	}
	c.state.AdvanceVersion(msg.DocVersion, msg.Timestamp)
	if msg.Field.AffectsEligibility() {
		// The editing session commits the corrected clock.
		c.realignClock(false)
	}
}

// deferRemote holds msg until the field's recently-edited window closes
// and then replays it. Caller holds c.mu.
func (c *Coordinator) deferRemote(msg channel.Message, until time.Time) {
	key := msg.Key()
	d := c.deferred[key]
	if d != nil && d.msg.DocVersion >= msg.DocVersion {
		return
	}
	if d != nil && d.timer != nil {
		d.timer.Stop()
	}
	wait := until.Sub(c.clock.Now())
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	d = &deferredUpdate{msg: msg}
	d.timer = c.clock.AfterFunc(wait, func() { c.replay(key, msg.DocVersion) })
	c.deferred[key] = d
}

func (c *Coordinator) replay(key models.FieldKey, version int64) {
	c.mu.Lock()
	d := c.deferred[key]
	if c.closed || d == nil || d.msg.DocVersion != version {
		c.mu.Unlock()
		return
	}
	delete(c.deferred, key)
	c.mu.Unlock()

	c.remoteField(d.msg)
}

// =====================================================
// Conflicts
// =====================================================

// ResolveConflict applies the user's decision for the conflict on key.
// AcceptLocal commits the local value; AcceptRemote adopts the remote one.
func (c *Coordinator) ResolveConflict(key models.FieldKey, res conflict.Resolution) error {
	result, err := c.conflicts.Resolve(key, res)
	if err != nil {
		return err
	}
	if err := c.resolve(key, result.Conflict, res); err != nil {
		return err
	}
	if _, field := key.Split(); res == conflict.AcceptRemote && field.AffectsEligibility() {
		c.realignClock(false)
	}
	return nil
}

func (c *Coordinator) resolve(key models.FieldKey, cf conflict.Conflict, res conflict.Resolution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending[key]
	switch res {
	case conflict.AcceptLocal:
		if p == nil {
			return nil
		}
		if cf.RemoteVersion > c.applied[key] {
			c.applied[key] = cf.RemoteVersion
		}
		c.schedule(p, 0)
	case conflict.AcceptRemote:
		if p != nil && !p.inFlight {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, key)
		}
		c.edits.Forget(key)
		if cf.RemoteVersion > c.applied[key] {
			c.applied[key] = cf.RemoteVersion
		}
		itemID, field := key.Split()
		if err := c.state.ApplyField(models.FieldChange{ItemID: itemID, Field: field, Value: cf.RemoteValue}); err != nil {
			return err
		}
	}
	return nil
}

// =====================================================
// Resync
// =====================================================

// Resync aligns the local copy with a full read: the document is replaced
// wholesale and every pending local edit is re-applied on top. When the
// read matches the local content the replacement is skipped. It reports
// whether the document was replaced.
func (c *Coordinator) Resync(snap *store.Snapshot) bool {
	if snap == nil || snap.Document == nil {
		return false
	}
	doc := snap.Document.Clone()
	doc.DocVersion = snap.Version
	doc.UpdatedAt = snap.UpdatedAt

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	replaced := doc.Fingerprint() != c.state.Snapshot().Fingerprint()
	if replaced {
		c.state.Replace(doc)
		c.reapplyLocked()
	} else {
		c.state.AdvanceVersion(snap.Version, snap.UpdatedAt)
	}
	if snap.Version > c.floor {
		c.floor = snap.Version
	}
	c.mu.Unlock()

	c.observe(snap.Version, snap.UpdatedAt, SourceResync)
	if replaced {
		// The session that drives the clock repairs it in the store too.
		c.realignClock(c.state.Showcaller().LastUpdatedBy == c.sessionID)
	}
	return replaced
}

// ReapplyPending re-applies pending local edits to the local copy.
func (c *Coordinator) ReapplyPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapplyLocked()
}

func (c *Coordinator) reapplyLocked() {
	for _, job := range c.ops {
		_ = c.state.ApplyOp(*job.op)
	}
	for key, p := range c.pending {
		if p.showcaller != nil {
			c.state.SetShowcaller(*p.showcaller)
			continue
		}
		err := c.state.ApplyField(models.FieldChange{ItemID: p.itemID, Field: p.field, Value: p.value})
		if errors.Is(err, errors.ErrStaleReference) && !p.inFlight {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(c.pending, key)
		}
	}
}

// =====================================================
// Lifecycle
// =====================================================

// PendingCount returns the number of uncommitted local changes.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.ops)
}

// Flush commits every debounced edit now and waits until no commit is in
// flight. Held (conflicted) edits stay pending.
func (c *Coordinator) Flush() {
	c.mu.Lock()
	var due []*pendingEdit
	for key, p := range c.pending {
		if p.timer != nil && !c.conflicts.Has(key) {
			p.timer.Stop()
			p.timer = nil
			due = append(due, p)
		}
	}
	type fireArgs struct {
		key models.FieldKey
		gen uint64
	}
	args := make([]fireArgs, 0, len(due))
	for _, p := range due {
		args = append(args, fireArgs{p.key, p.gen})
	}
	c.mu.Unlock()

	for _, a := range args {
		c.fire(a.key, a.gen, false)
	}

	c.mu.Lock()
	for !c.closed && c.busy() {
		c.idle.Wait()
	}
	c.mu.Unlock()
}

// busy reports whether any commit is running. Caller holds c.mu.
func (c *Coordinator) busy() bool {
	if c.opsBusy || c.launching > 0 || c.running > 0 {
		return true
	}
	for _, p := range c.pending {
		if p.inFlight {
			return true
		}
	}
	return false
}

// Close stops every timer, waits for in-flight commits and moves edits
// that were never committed into the backup.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, p := range c.pending {
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	for _, d := range c.deferred {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	c.deferred = make(map[models.FieldKey]*deferredUpdate)
	if c.opsTimer != nil {
		c.opsTimer.Stop()
		c.opsTimer = nil
	}
	c.idle.Broadcast()
	c.mu.Unlock()
	c.edits.Stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Close timed out waiting for commits", map[string]interface{}{"doc_id": c.docID})
	}

	c.mu.Lock()
	leftover := make([]*pendingEdit, 0, len(c.pending))
	for _, p := range c.pending {
		leftover = append(leftover, p)
	}
	c.pending = make(map[models.FieldKey]*pendingEdit)
	ops := len(c.ops)
	c.ops = nil
	c.mu.Unlock()

	for _, p := range leftover {
		if p.showcaller != nil {
			continue
		}
		reason := backup.ReasonClosed
		if c.conflicts.Has(p.key) {
			reason = backup.ReasonConflict
		}
		c.backupEdit(p, reason)
	}
	if ops > 0 {
		c.logger.Warn("Uncommitted structural changes discarded on close", map[string]interface{}{
			"doc_id": c.docID,
			"count":  ops,
		})
	}
	return nil
}

// Restore re-applies a backed-up edit as a fresh local edit and removes
// it from the backup.
func (c *Coordinator) Restore(ctx context.Context, e *backup.Entry) error {
	if err := c.LocalEdit(e.ItemID, e.Field, e.Value); err != nil {
		if !errors.Is(err, errors.ErrStaleReference) {
			return err
		}
		c.logger.Info("Backup refers to a removed item, discarding", map[string]interface{}{"field_key": string(e.Key())})
	}
	if err := c.backups.Delete(ctx, e.DocID, e.Key()); err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete restored backup", err)
	}
	c.notify(Notice{Kind: NoticeRestored, Key: e.Key(), Message: "backed-up change restored"})
	return nil
}

func encodeShowcaller(s models.ShowcallerState) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}
