package sync

import (
	"context"
	"fmt"
	"io"
	gosync "sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/rundown/internal/channel"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/rundown"
	"github.com/kimhsiao/rundown/internal/store"
	"github.com/kimhsiao/rundown/internal/sync/backup"
	"github.com/kimhsiao/rundown/internal/sync/conflict"
)

const (
	testDoc      = "rd"
	testDebounce = 800 * time.Millisecond
	testWindow   = 2 * time.Second
	waitFor      = 2 * time.Second
	tick         = 5 * time.Millisecond
)

var testLogger = logging.New(io.Discard, logging.LevelError)

type harness struct {
	t       *testing.T
	clock   *clock.Mock
	memory  *store.Memory
	store   store.Store
	hub     *channel.Hub
	backups *backup.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC))
	mem := store.NewMemory(mock)
	_, err := mem.Create(context.Background(), &models.Rundown{
		ID:    testDoc,
		Title: "Evening News",
		Items: models.ItemList{
			{ID: "h1", Type: models.ItemTypeHeader, Name: "Open"},
			{ID: "i1", Type: models.ItemTypeRegular, Name: "Cold open", Duration: "01:00"},
			{ID: "i2", Type: models.ItemTypeRegular, Name: "Headlines", Duration: "02:00"},
		},
	})
	require.NoError(t, err)
	return &harness{t: t, clock: mock, memory: mem, store: mem, hub: channel.NewHub(), backups: backup.NewMemory()}
}

// session opens a coordinator subscribed to the hub.
func (h *harness) session(id string) (*Coordinator, *rundown.State) {
	h.t.Helper()
	snap, err := h.store.Read(context.Background(), testDoc)
	require.NoError(h.t, err)

	doc := snap.Document.Clone()
	doc.DocVersion = snap.Version
	state := rundown.NewState(doc)
	c := NewCoordinator(Config{
		DocID:      testDoc,
		SessionID:  id,
		State:      state,
		Store:      h.store,
		Channel:    h.hub,
		Backup:     h.backups,
		Clock:      h.clock,
		Logger:     testLogger,
		Debounce:   testDebounce,
		EditWindow: testWindow,
	})
	sub, err := h.hub.Subscribe(context.Background(), testDoc, c.RemoteUpdate)
	require.NoError(h.t, err)
	h.t.Cleanup(func() {
		sub.Close()
		c.Close(context.Background())
	})
	return c, state
}

func (h *harness) stored(itemID string, f models.Field) string {
	h.t.Helper()
	snap, err := h.memory.Read(context.Background(), testDoc)
	require.NoError(h.t, err)
	item := snap.Document.FindItem(itemID)
	require.NotNil(h.t, item)
	v, err := item.Get(f)
	require.NoError(h.t, err)
	return v
}

func localValue(state *rundown.State, itemID string, f models.Field) string {
	v, _ := state.Value(itemID, f)
	return v
}

type noticeLog struct {
	mu      gosync.Mutex
	notices []Notice
}

func (l *noticeLog) add(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *noticeLog) kinds() []NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NoticeKind, 0, len(l.notices))
	for _, n := range l.notices {
		out = append(out, n.Kind)
	}
	return out
}

// =====================================================
// Local Edit Tests
// =====================================================

// TestCoordinator_debouncedCommit verifies typing fields commit only after
// the debounce window and reach the other session.
func TestCoordinator_debouncedCommit(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	_, stateB := h.session("sess-b")

	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "Good"))
	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "Good evening"))
	assert.Equal(t, "Good evening", localValue(stateA, "i1", models.FieldScript))

	h.clock.Add(testDebounce - time.Millisecond)
	assert.Equal(t, "", h.stored("i1", models.FieldScript))

	h.clock.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		return h.stored("i1", models.FieldScript) == "Good evening"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return localValue(stateB, "i1", models.FieldScript) == "Good evening"
	}, waitFor, tick)

	published, _ := h.hub.Stats()
	assert.Equal(t, 1, published, "one commit for the whole burst")
	assert.Equal(t, int64(2), stateB.Version())
}

// TestCoordinator_atomicCommit verifies atomic fields commit without waiting.
func TestCoordinator_atomicCommit(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")

	require.NoError(t, a.LocalEdit("i2", models.FieldColor, "#ff0000"))
	a.Flush()

	assert.Equal(t, "#ff0000", h.stored("i2", models.FieldColor))
	assert.Equal(t, int64(2), stateA.Version())
	assert.Equal(t, 0, a.PendingCount())
}

// TestCoordinator_localEditErrors verifies invalid and stale edits are rejected.
func TestCoordinator_localEditErrors(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	err := a.LocalEdit("i1", models.Field("bogus"), "x")
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	err = a.LocalEdit("missing", models.FieldScript, "x")
	assert.True(t, errors.Is(err, errors.ErrStaleReference))
	assert.Equal(t, 0, a.PendingCount())
}

// TestCoordinator_documentField verifies rundown-level fields sync too.
func TestCoordinator_documentField(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")
	_, stateB := h.session("sess-b")

	require.NoError(t, a.LocalEdit("", models.FieldTitle, "Late News"))
	a.Flush()

	snap, err := h.store.Read(context.Background(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, "Late News", snap.Document.Title)
	assert.Equal(t, "Late News", localValue(stateB, "", models.FieldTitle))
}

// =====================================================
// Remote Update Tests
// =====================================================

// TestCoordinator_ownEchoIgnored verifies a session ignores its own broadcasts.
func TestCoordinator_ownEchoIgnored(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")

	a.RemoteUpdate(channel.Message{SessionID: "sess-a", ItemID: "i1", Field: models.FieldName, Value: "echo", DocVersion: 9})
	assert.Equal(t, "Cold open", localValue(stateA, "i1", models.FieldName))
}

// TestCoordinator_outOfOrder verifies N+2 arriving before N+1 leaves the
// newer value in place.
func TestCoordinator_outOfOrder(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")

	a.RemoteUpdate(channel.Message{SessionID: "sess-b", ItemID: "i1", Field: models.FieldTalent, Value: "third", DocVersion: 4})
	a.RemoteUpdate(channel.Message{SessionID: "sess-b", ItemID: "i1", Field: models.FieldTalent, Value: "second", DocVersion: 3})

	assert.Equal(t, "third", localValue(stateA, "i1", models.FieldTalent))
	assert.Equal(t, int64(4), stateA.Version())
}

// TestCoordinator_outOfOrderConverges verifies out-of-order delivery ends at
// the store's latest value.
func TestCoordinator_outOfOrderConverges(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	ctx := context.Background()

	var msgs []channel.Message
	for _, v := range []string{"one", "two"} {
		res, err := h.store.Write(ctx, testDoc, &models.Patch{Fields: []models.FieldChange{{ItemID: "i2", Field: models.FieldNotes, Value: v}}}, nil)
		require.NoError(t, err)
		msgs = append(msgs, channel.Message{SessionID: "sess-b", ItemID: "i2", Field: models.FieldNotes, Value: v, DocVersion: res.Version})
	}

	a.RemoteUpdate(msgs[1])
	a.RemoteUpdate(msgs[0])

	assert.Equal(t, h.stored("i2", models.FieldNotes), localValue(stateA, "i2", models.FieldNotes))
}

// TestCoordinator_recentlyEditedWindow verifies a field being typed is not
// overwritten, and that both sessions converge once the window closes.
func TestCoordinator_recentlyEditedWindow(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	b, stateB := h.session("sess-b")

	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "from A"))
	a.Flush()
	require.Equal(t, "from A", localValue(stateB, "i1", models.FieldScript))

	require.NoError(t, b.LocalEdit("i1", models.FieldScript, "from B"))
	b.Flush()
	require.Equal(t, "from B", h.stored("i1", models.FieldScript))

	assert.Equal(t, "from A", localValue(stateA, "i1", models.FieldScript), "A is still inside its window")
	assert.False(t, a.Conflicts().Has(models.Key("i1", models.FieldScript)))

	h.clock.Add(testWindow)
	require.Eventually(t, func() bool {
		return localValue(stateA, "i1", models.FieldScript) == "from B"
	}, waitFor, tick)
	assert.Equal(t, localValue(stateB, "i1", models.FieldScript), localValue(stateA, "i1", models.FieldScript))
}

// TestCoordinator_remoteAppliedWhenIdle verifies other fields apply at once.
func TestCoordinator_remoteAppliedWhenIdle(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")
	_, stateB := h.session("sess-b")

	require.NoError(t, a.LocalEdit("i2", models.FieldDuration, "02:30"))
	a.Flush()

	assert.Equal(t, "02:30", localValue(stateB, "i2", models.FieldDuration))
}

// =====================================================
// Conflict Tests
// =====================================================

func conflictSetup(t *testing.T) (*harness, *Coordinator, *rundown.State, *[]conflict.Conflict) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	b, _ := h.session("sess-b")

	var seen []conflict.Conflict
	a.Conflicts().Subscribe(func(c conflict.Conflict) { seen = append(seen, c) })

	require.NoError(t, a.LocalEdit("i1", models.FieldNotes, "local draft"))
	require.NoError(t, b.LocalEdit("i1", models.FieldNotes, "remote text"))
	b.Flush()
	return h, a, stateA, &seen
}

// TestCoordinator_conflictHeld verifies a differing remote value on a
// pending field is queued and holds the local commit.
func TestCoordinator_conflictHeld(t *testing.T) {
	h, a, stateA, seen := conflictSetup(t)
	key := models.Key("i1", models.FieldNotes)

	require.Len(t, *seen, 1)
	assert.Equal(t, "local draft", (*seen)[0].LocalValue)
	assert.Equal(t, "remote text", (*seen)[0].RemoteValue)
	assert.Equal(t, "sess-b", (*seen)[0].RemoteSessionID)
	assert.Equal(t, "local draft", localValue(stateA, "i1", models.FieldNotes))

	a.Flush()
	h.clock.Add(testDebounce * 2)
	assert.Equal(t, "remote text", h.stored("i1", models.FieldNotes), "held edit is not committed")
	assert.True(t, a.Conflicts().Has(key))

	// Further typing updates the held value without committing.
	require.NoError(t, a.LocalEdit("i1", models.FieldNotes, "local draft 2"))
	c, _ := a.Conflicts().Get(key)
	assert.Equal(t, "local draft 2", c.LocalValue)
}

// TestCoordinator_resolveAcceptLocal verifies the local value is committed.
func TestCoordinator_resolveAcceptLocal(t *testing.T) {
	h, a, _, _ := conflictSetup(t)
	key := models.Key("i1", models.FieldNotes)

	require.NoError(t, a.ResolveConflict(key, conflict.AcceptLocal))
	a.Flush()

	assert.Equal(t, "local draft", h.stored("i1", models.FieldNotes))
	assert.False(t, a.Conflicts().Has(key))
}

// TestCoordinator_resolveAcceptRemote verifies the remote value is adopted.
func TestCoordinator_resolveAcceptRemote(t *testing.T) {
	h, a, stateA, _ := conflictSetup(t)
	key := models.Key("i1", models.FieldNotes)

	require.NoError(t, a.ResolveConflict(key, conflict.AcceptRemote))
	a.Flush()

	assert.Equal(t, "remote text", localValue(stateA, "i1", models.FieldNotes))
	assert.Equal(t, "remote text", h.stored("i1", models.FieldNotes))
	assert.Equal(t, 0, a.PendingCount())

	err := a.ResolveConflict(key, conflict.AcceptRemote)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// =====================================================
// Failure Tests
// =====================================================

// TestCoordinator_retryOnce verifies one transient failure is retried.
func TestCoordinator_retryOnce(t *testing.T) {
	h := newHarness(t)
	flaky := store.NewFlaky(h.memory)
	h.store = flaky
	a, _ := h.session("sess-a")

	flaky.FailWrites(1)
	require.NoError(t, a.LocalEdit("i1", models.FieldTalent, "Ana"))
	a.Flush()
	assert.Equal(t, "", h.stored("i1", models.FieldTalent))

	h.clock.Add(testDebounce)
	require.Eventually(t, func() bool {
		return h.stored("i1", models.FieldTalent) == "Ana"
	}, waitFor, tick)
	assert.Equal(t, 2, flaky.Writes())
}

// TestCoordinator_backupAfterSecondFailure verifies the edit lands in the
// backup when the retry fails too.
func TestCoordinator_backupAfterSecondFailure(t *testing.T) {
	h := newHarness(t)
	flaky := store.NewFlaky(h.memory)
	h.store = flaky
	a, _ := h.session("sess-a")

	var notices noticeLog
	a.SubscribeToNotices(notices.add)

	flaky.FailWrites(2)
	require.NoError(t, a.LocalEdit("i1", models.FieldTalent, "Ana"))
	a.Flush()
	h.clock.Add(testDebounce)

	require.Eventually(t, func() bool {
		entries, _ := h.backups.List(context.Background(), testDoc)
		return len(entries) == 1
	}, waitFor, tick)

	entries, _ := h.backups.List(context.Background(), testDoc)
	assert.Equal(t, "Ana", entries[0].Value)
	assert.Equal(t, backup.ReasonWriteFailed, entries[0].Reason)
	assert.Equal(t, "sess-a", entries[0].SessionID)
	assert.Contains(t, notices.kinds(), NoticeBackedUp)
	assert.Equal(t, 0, a.PendingCount())
}

// TestCoordinator_versionConflictRefetch verifies an atomic commit against a
// stale version refetches, re-applies and retries.
func TestCoordinator_versionConflictRefetch(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	ctx := context.Background()

	_, err := h.store.Write(ctx, testDoc, &models.Patch{Fields: []models.FieldChange{{ItemID: "i2", Field: models.FieldName, Value: "Weather"}}}, nil)
	require.NoError(t, err)

	require.NoError(t, a.LocalEdit("i1", models.FieldDuration, "01:30"))
	a.Flush()

	assert.Equal(t, "01:30", h.stored("i1", models.FieldDuration))
	assert.Equal(t, "Weather", localValue(stateA, "i2", models.FieldName), "refetch brought in the other change")
	assert.Equal(t, "01:30", localValue(stateA, "i1", models.FieldDuration), "pending edit re-applied")
	assert.Equal(t, int64(3), stateA.Version())
}

// slowStore delays every write so concurrent commits overlap.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) Write(ctx context.Context, docID string, patch *models.Patch, expected *int64) (*store.WriteResult, error) {
	time.Sleep(s.delay)
	return s.Store.Write(ctx, docID, patch, expected)
}

// racingStore lands another writer's change just before each of the first
// n atomic writes.
type racingStore struct {
	store.Store
	mu gosync.Mutex
	n  int
}

func (s *racingStore) Write(ctx context.Context, docID string, patch *models.Patch, expected *int64) (*store.WriteResult, error) {
	s.mu.Lock()
	if expected != nil && s.n > 0 {
		s.n--
		name := fmt.Sprintf("Other %d", s.n)
		if _, err := s.Store.Write(ctx, docID, &models.Patch{Fields: []models.FieldChange{{ItemID: "i2", Field: models.FieldName, Value: name}}}, nil); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	return s.Store.Write(ctx, docID, patch, expected)
}

// TestCoordinator_atomicCommitsSerialized verifies a burst of atomic edits
// from one session commits in order instead of conflicting with itself.
func TestCoordinator_atomicCommitsSerialized(t *testing.T) {
	h := newHarness(t)
	h.store = slowStore{Store: h.memory, delay: 5 * time.Millisecond}
	a, stateA := h.session("sess-a")
	notices := &noticeLog{}
	a.SubscribeToNotices(notices.add)

	require.NoError(t, a.LocalEdit("i1", models.FieldDuration, "03:00"))
	require.NoError(t, a.LocalEdit("i1", models.FieldColor, "red"))
	require.NoError(t, a.LocalEdit("i2", models.FieldDuration, "04:00"))
	a.Flush()

	assert.Equal(t, "03:00", h.stored("i1", models.FieldDuration))
	assert.Equal(t, "red", h.stored("i1", models.FieldColor))
	assert.Equal(t, "04:00", h.stored("i2", models.FieldDuration))
	assert.Empty(t, notices.kinds())
	assert.Equal(t, int64(4), stateA.Version())
	assert.Equal(t, 0, a.PendingCount())
}

// TestCoordinator_rejectedChangeRefetched verifies a change rejected after
// its retry is replaced locally by the stored value.
func TestCoordinator_rejectedChangeRefetched(t *testing.T) {
	h := newHarness(t)
	h.store = &racingStore{Store: h.memory, n: 2}
	a, stateA := h.session("sess-a")
	notices := &noticeLog{}
	a.SubscribeToNotices(notices.add)

	require.NoError(t, a.LocalEdit("i1", models.FieldDuration, "01:30"))
	a.Flush()

	assert.Equal(t, []NoticeKind{NoticeVersionConflict}, notices.kinds())
	assert.Equal(t, "01:00", h.stored("i1", models.FieldDuration))
	assert.Equal(t, "01:00", localValue(stateA, "i1", models.FieldDuration), "rejected value rolled back")
	assert.Equal(t, "Other 0", localValue(stateA, "i2", models.FieldName))
	assert.Equal(t, int64(3), stateA.Version())
	assert.Equal(t, 0, a.PendingCount())
}

// TestCoordinator_realigner verifies float changes ask the clock to realign,
// committing only for local edits.
func TestCoordinator_realigner(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")
	b, _ := h.session("sess-b")

	var mu gosync.Mutex
	var calls []bool
	a.SetRealigner(func(commit bool) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, commit)
	})
	recorded := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), calls...)
	}

	require.NoError(t, a.LocalEdit("i1", models.FieldName, "Cold"))
	assert.Empty(t, recorded(), "name edits leave the clock alone")

	require.NoError(t, a.LocalEdit("i1", models.FieldIsFloated, "true"))
	a.Flush()
	assert.Equal(t, []bool{true}, recorded())

	require.NoError(t, b.LocalEdit("i2", models.FieldIsFloating, "true"))
	b.Flush()
	assert.Equal(t, []bool{true, false}, recorded())
}

// TestCoordinator_sweepsEditCache verifies expired recently-edited entries
// are swept on a timer rather than only on lookup.
func TestCoordinator_sweepsEditCache(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "draft"))
	a.Flush()
	require.Equal(t, 1, a.edits.Len())

	h.clock.Add(2 * testWindow)
	require.Eventually(t, func() bool { return a.edits.Len() == 0 }, waitFor, tick)
}

// TestCoordinator_closedSession verifies edits after Close are rejected.
func TestCoordinator_closedSession(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	err := a.LocalEdit("i1", models.FieldScript, "late")
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
	_, err = a.AddItem(models.Item{}, -1)
	assert.True(t, errors.Is(err, errors.ErrSessionClosed))
}

// TestCoordinator_closeFlushesToBackup verifies buffered edits are not lost.
func TestCoordinator_closeFlushesToBackup(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "unsaved"))
	require.NoError(t, a.Close(context.Background()))

	h.clock.Add(testDebounce * 2)
	assert.Equal(t, "", h.stored("i1", models.FieldScript), "timer stopped on close")

	entries, err := h.backups.List(context.Background(), testDoc)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "unsaved", entries[0].Value)
	assert.Equal(t, backup.ReasonClosed, entries[0].Reason)
}

// TestCoordinator_restore verifies a backed-up edit is re-applied and removed.
func TestCoordinator_restore(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")
	ctx := context.Background()

	entry := &backup.Entry{ID: "b1", DocID: testDoc, ItemID: "i2", Field: models.FieldScript, Value: "recovered"}
	require.NoError(t, h.backups.Save(ctx, entry))

	var notices noticeLog
	a.SubscribeToNotices(notices.add)
	require.NoError(t, a.Restore(ctx, entry))
	a.Flush()

	assert.Equal(t, "recovered", h.stored("i2", models.FieldScript))
	entries, _ := h.backups.List(ctx, testDoc)
	assert.Empty(t, entries)
	assert.Contains(t, notices.kinds(), NoticeRestored)
}

// =====================================================
// Structural Operation Tests
// =====================================================

// TestCoordinator_structuralOps verifies add, reorder and remove apply
// locally, commit and replay by identity on the other session.
func TestCoordinator_structuralOps(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	_, stateB := h.session("sess-b")

	added, err := a.AddItem(models.Item{Name: "Sports", Duration: "03:00"}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, added.ID)
	require.NoError(t, a.Reorder([]string{"h1", "i2", added.ID, "i1"}))
	a.Flush()

	ids := func(items []models.Item) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, it.ID)
		}
		return out
	}
	want := []string{"h1", "i2", added.ID, "i1"}
	assert.Equal(t, want, ids(stateA.Items()))
	assert.Equal(t, want, ids(stateB.Items()))

	snap, err := h.store.Read(context.Background(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, want, ids(snap.Document.Items))

	require.NoError(t, a.RemoveItem("i2"))
	a.Flush()
	assert.Equal(t, []string{"h1", added.ID, "i1"}, ids(stateB.Items()))
	assert.Equal(t, "A2", stateB.RowLabel("i1"))
}

// TestCoordinator_removeDropsPending verifies edits of a removed item are
// discarded rather than backed up.
func TestCoordinator_removeDropsPending(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	require.NoError(t, a.LocalEdit("i2", models.FieldScript, "doomed"))
	require.NoError(t, a.RemoveItem("i2"))
	a.Flush()
	require.NoError(t, a.Close(context.Background()))

	entries, _ := h.backups.List(context.Background(), testDoc)
	assert.Empty(t, entries)
}

// =====================================================
// Showcaller Tests
// =====================================================

// TestCoordinator_showcallerCommit verifies clock state reaches every session.
func TestCoordinator_showcallerCommit(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")
	_, stateB := h.session("sess-b")

	state := models.ShowcallerState{
		IsPlaying:         true,
		CurrentSegmentID:  "i1",
		PlaybackStartTime: h.clock.Now().UnixMilli(),
		TimeRemaining:     60000,
		LastUpdatedBy:     "sess-a",
	}
	require.NoError(t, a.CommitShowcaller(state))
	a.Flush()

	snap, err := h.store.Read(context.Background(), testDoc)
	require.NoError(t, err)
	assert.Equal(t, state, snap.Document.Showcaller)
	assert.Equal(t, state, stateB.Showcaller())
}

// =====================================================
// Resync Tests
// =====================================================

type recordingObserver struct {
	mu      gosync.Mutex
	sources []Source
}

func (o *recordingObserver) Observe(version, updatedAt int64, source Source) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources = append(o.sources, source)
}

// TestCoordinator_resync verifies wholesale replacement keeps pending edits.
func TestCoordinator_resync(t *testing.T) {
	h := newHarness(t)
	a, stateA := h.session("sess-a")
	obs := &recordingObserver{}
	a.SetObserver(obs)
	ctx := context.Background()

	require.NoError(t, a.LocalEdit("i1", models.FieldScript, "typing"))
	_, err := h.store.Write(ctx, testDoc, &models.Patch{Fields: []models.FieldChange{{ItemID: "i2", Field: models.FieldTalent, Value: "Bo"}}}, nil)
	require.NoError(t, err)

	snap, err := h.store.Read(ctx, testDoc)
	require.NoError(t, err)
	assert.True(t, a.Resync(snap))

	assert.Equal(t, "Bo", localValue(stateA, "i2", models.FieldTalent))
	assert.Equal(t, "typing", localValue(stateA, "i1", models.FieldScript))
	assert.Equal(t, int64(2), stateA.Version())
	assert.Contains(t, obs.sources, SourceResync)

	// A stale push below the resynced version is ignored.
	a.RemoteUpdate(channel.Message{SessionID: "sess-b", ItemID: "i2", Field: models.FieldTalent, Value: "old", DocVersion: 2})
	assert.Equal(t, "Bo", localValue(stateA, "i2", models.FieldTalent))
}

// TestCoordinator_resyncIdentical verifies identical content is not replaced.
func TestCoordinator_resyncIdentical(t *testing.T) {
	h := newHarness(t)
	a, _ := h.session("sess-a")

	snap, err := h.store.Read(context.Background(), testDoc)
	require.NoError(t, err)
	assert.False(t, a.Resync(snap))
}
