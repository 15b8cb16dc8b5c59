package showcaller

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/rundown"
)

// Status is the state of the clock.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusPlaying Status = "playing"
)

// CommitFunc publishes a new showcaller state to the store and the other
// sessions. It must not block on the network.
type CommitFunc func(state models.ShowcallerState)

// Machine is the timing state machine of one session. Transitions mutate
// the session's document and hand the new state to the commit function.
type Machine struct {
	doc       *rundown.State
	clock     clock.Clock
	sessionID string
	commit    CommitFunc
	logger    *logging.Logger

	mu     sync.RWMutex
	offset time.Duration
}

// NewMachine creates a Machine over doc. commit may be nil.
func NewMachine(doc *rundown.State, clk clock.Clock, sessionID string, commit CommitFunc, logger *logging.Logger) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &Machine{
		doc:       doc,
		clock:     clk,
		sessionID: sessionID,
		commit:    commit,
		logger:    logger,
	}
}

// SetClockOffset sets the estimated difference between the authoritative
// clock and the local one. Playback start times written by other sessions
// are on the authoritative clock, so local reads are shifted by it.
func (m *Machine) SetClockOffset(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = d
}

// ClockOffset returns the current clock offset estimate.
func (m *Machine) ClockOffset() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offset
}

func (m *Machine) now() time.Time {
	return m.clock.Now().Add(m.ClockOffset())
}

// Status returns Playing or Stopped.
func (m *Machine) Status() Status {
	if m.doc.Showcaller().IsPlaying {
		return StatusPlaying
	}
	return StatusStopped
}

// Timing computes the current clock display.
func (m *Machine) Timing() Timing {
	snap := m.doc.Snapshot()
	return Compute(snap.Items, snap.Showcaller, m.now())
}

// Elapsed returns the elapsed time in the current segment.
func (m *Machine) Elapsed() time.Duration {
	return m.Timing().ElapsedInCurrent
}

// Remaining returns the remaining time in the current segment.
func (m *Machine) Remaining() time.Duration {
	return m.Timing().Remaining
}

// Play starts the clock on segmentID. An empty id plays the current
// segment, or the first eligible one. Playing the segment that was paused
// resumes from its remaining-time snapshot.
func (m *Machine) Play(segmentID string) (models.ShowcallerState, error) {
	return m.transition("play", func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error) {
		idx, err := m.resolveTarget(items, cur, segmentID)
		if err != nil {
			return cur, false, err
		}
		target := items[idx]
		if cur.IsPlaying && cur.CurrentSegmentID == target.ID {
			return cur, false, nil
		}

		dur := target.DurationValue()
		start := now
		if target.ID == cur.CurrentSegmentID && !cur.IsPlaying {
			start = now.Add(-elapsedIn(dur, cur, now))
		}

		next := cur
		next.IsPlaying = true
		next.CurrentSegmentID = target.ID
		next.PlaybackStartTime = start.UnixMilli()
		next.TimeRemaining = (dur - clamp(now.Sub(start), 0, dur)).Milliseconds()
		return next, true, nil
	})
}

// Pause stops the clock and snapshots the remaining time.
func (m *Machine) Pause() (models.ShowcallerState, error) {
	return m.transition("pause", func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error) {
		if !cur.IsPlaying {
			return cur, false, nil
		}
		t := Compute(items, cur, now)
		next := cur
		next.IsPlaying = false
		next.TimeRemaining = t.Remaining.Milliseconds()
		return next, true, nil
	})
}

// Forward moves to the next eligible segment. It is a no-op on the last one.
func (m *Machine) Forward() (models.ShowcallerState, error) {
	return m.step("forward", 1)
}

// Backward moves to the previous eligible segment. It is a no-op on the
// first one.
func (m *Machine) Backward() (models.ShowcallerState, error) {
	return m.step("backward", -1)
}

// Reset stops the clock on the first eligible segment.
func (m *Machine) Reset() (models.ShowcallerState, error) {
	return m.transition("reset", func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error) {
		next := cur
		next.IsPlaying = false
		next.PlaybackStartTime = now.UnixMilli()
		next.CurrentSegmentID = ""
		next.TimeRemaining = 0
		if idx := firstEligible(items); idx >= 0 {
			next.CurrentSegmentID = items[idx].ID
			next.TimeRemaining = items[idx].DurationValue().Milliseconds()
		}
		return next, true, nil
	})
}

// Seek jumps to segmentID, keeping the play/pause state.
func (m *Machine) Seek(segmentID string) (models.ShowcallerState, error) {
	return m.transition("seek", func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error) {
		if segmentID == "" {
			return cur, false, errors.New(errors.ErrInvalid, "seek requires a segment id")
		}
		idx, err := m.resolveTarget(items, cur, segmentID)
		if err != nil {
			return cur, false, err
		}
		return moveTo(cur, items[idx], now), true, nil
	})
}

// Realign moves the clock off a current segment that stopped being
// eligible. With commit false the correction stays local: the session that
// made the change commits its own.
func (m *Machine) Realign(commit bool) (models.ShowcallerState, bool) {
	now := m.now()
	changed := false
	next, _ := m.doc.UpdateShowcaller(func(items []models.Item, cur models.ShowcallerState) (models.ShowcallerState, error) {
		next, ok := Realign(items, cur, now)
		if ok && commit {
			next.LastUpdatedBy = m.sessionID
		}
		changed = ok
		return next, nil
	})
	if !changed {
		return next, false
	}

	m.logger.Debug("Showcaller realigned", map[string]interface{}{
		"segment_id": next.CurrentSegmentID,
		"is_playing": next.IsPlaying,
		"commit":     commit,
	})
	if commit && m.commit != nil {
		m.commit(next)
	}
	return next, true
}

func (m *Machine) step(name string, dir int) (models.ShowcallerState, error) {
	return m.transition(name, func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error) {
		idx := indexOf(items, cur.CurrentSegmentID)
		var next int
		if idx < 0 {
			// Current segment was removed: restart from the top.
			next = firstEligible(items)
		} else {
			next = nextEligible(items, idx, dir)
		}
		if next < 0 {
			return cur, false, nil
		}
		return moveTo(cur, items[next], now), true, nil
	})
}

// moveTo makes item current, restarting its clock.
func moveTo(cur models.ShowcallerState, item models.Item, now time.Time) models.ShowcallerState {
	next := cur
	next.CurrentSegmentID = item.ID
	next.PlaybackStartTime = now.UnixMilli()
	next.TimeRemaining = item.DurationValue().Milliseconds()
	return next
}

func (m *Machine) resolveTarget(items []models.Item, cur models.ShowcallerState, segmentID string) (int, error) {
	if segmentID == "" {
		if idx := indexOf(items, cur.CurrentSegmentID); idx >= 0 && items[idx].IsEligible() {
			return idx, nil
		}
		if idx := firstEligible(items); idx >= 0 {
			return idx, nil
		}
		return -1, errors.New(errors.ErrInvalid, "rundown has no playable segment")
	}

	idx := indexOf(items, segmentID)
	if idx < 0 {
		return -1, errors.New(errors.ErrNotFound, fmt.Sprintf("segment %s not found", segmentID))
	}
	if !items[idx].IsEligible() {
		return -1, errors.New(errors.ErrInvalid, fmt.Sprintf("segment %s is a header or floated", segmentID))
	}
	return idx, nil
}

type transitionFunc func(items []models.Item, cur models.ShowcallerState, now time.Time) (models.ShowcallerState, bool, error)

// transition runs fn atomically against the document and commits the
// result when it changed anything.
func (m *Machine) transition(name string, fn transitionFunc) (models.ShowcallerState, error) {
	now := m.now()
	changed := false

	next, err := m.doc.UpdateShowcaller(func(items []models.Item, cur models.ShowcallerState) (models.ShowcallerState, error) {
		next, ok, err := fn(items, cur, now)
		if err != nil {
			return cur, err
		}
		changed = ok
		if ok {
			next.LastUpdatedBy = m.sessionID
		}
		return next, nil
	})
	if err != nil {
		m.logger.Warn("Showcaller transition rejected", map[string]interface{}{
			"transition": name,
			"error":      err.Error(),
		})
		return next, err
	}

	if changed {
		m.logger.Debug("Showcaller transition", map[string]interface{}{
			"transition": name,
			"segment_id": next.CurrentSegmentID,
			"is_playing": next.IsPlaying,
		})
		if m.commit != nil {
			m.commit(next)
		}
	}
	return next, nil
}
