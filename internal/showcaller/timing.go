// Package showcaller implements the shared on-air clock: a play/pause state
// machine over the rundown's eligible segments and the elapsed/remaining
// arithmetic every viewer surface derives from it.
package showcaller

import (
	"time"

	"github.com/kimhsiao/rundown/internal/models"
)

// Timing is everything a viewer surface displays about the clock.
type Timing struct {
	CurrentSegmentID string
	IsPlaying        bool

	SegmentDuration  time.Duration
	ElapsedInCurrent time.Duration
	Remaining        time.Duration

	ShowElapsed   time.Duration
	ShowRemaining time.Duration
	TotalRuntime  time.Duration

	// Stale is set when the current segment id no longer resolves to an
	// eligible item. All derived values are then zero, TotalRuntime
	// included.
	Stale bool
}

// TotalRuntime sums the durations of all eligible items.
func TotalRuntime(items []models.Item) time.Duration {
	var total time.Duration
	for i := range items {
		if items[i].IsEligible() {
			total += items[i].DurationValue()
		}
	}
	return total
}

// Compute derives the clock display from items and state at now.
func Compute(items []models.Item, state models.ShowcallerState, now time.Time) Timing {
	t := Timing{
		CurrentSegmentID: state.CurrentSegmentID,
		IsPlaying:        state.IsPlaying,
		TotalRuntime:     TotalRuntime(items),
	}

	idx := indexOf(items, state.CurrentSegmentID)
	if idx < 0 || !items[idx].IsEligible() {
		if state.CurrentSegmentID != "" {
			t.Stale = true
			t.TotalRuntime = 0
		}
		return t
	}

	dur := items[idx].DurationValue()
	t.SegmentDuration = dur
	t.ElapsedInCurrent = elapsedIn(dur, state, now)
	t.Remaining = dur - t.ElapsedInCurrent

	var before time.Duration
	for i := 0; i < idx; i++ {
		if items[i].IsEligible() {
			before += items[i].DurationValue()
		}
	}
	t.ShowElapsed = before + t.ElapsedInCurrent
	t.ShowRemaining = clamp(t.TotalRuntime-t.ShowElapsed, 0, t.TotalRuntime)
	return t
}

// Realign moves a clock whose current segment is no longer eligible, for
// example because it was floated, to the next eligible segment, keeping the
// play state. Past the last eligible segment the clock stops on the closest
// one before it, or on none. A current id that no longer resolves is left
// alone. It reports whether state changed.
func Realign(items []models.Item, state models.ShowcallerState, now time.Time) (models.ShowcallerState, bool) {
	idx := indexOf(items, state.CurrentSegmentID)
	if idx < 0 || items[idx].IsEligible() {
		return state, false
	}
	if next := nextEligible(items, idx, 1); next >= 0 {
		return moveTo(state, items[next], now), true
	}

	next := state
	next.IsPlaying = false
	if prev := nextEligible(items, idx, -1); prev >= 0 {
		return moveTo(next, items[prev], now), true
	}
	next.CurrentSegmentID = ""
	next.PlaybackStartTime = now.UnixMilli()
	next.TimeRemaining = 0
	return next, true
}

// elapsedIn returns the elapsed part of a segment of length dur, in [0, dur].
// While playing it runs from PlaybackStartTime; while stopped it is frozen
// at the TimeRemaining snapshot.
func elapsedIn(dur time.Duration, state models.ShowcallerState, now time.Time) time.Duration {
	if state.IsPlaying {
		return clamp(now.Sub(state.StartTime()), 0, dur)
	}
	return clamp(dur-state.Remaining(), 0, dur)
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func indexOf(items []models.Item, id string) int {
	if id == "" {
		return -1
	}
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// firstEligible returns the index of the first eligible item, or -1.
func firstEligible(items []models.Item) int {
	return nextEligible(items, -1, 1)
}

// nextEligible walks from idx in direction step (+1 or -1) and returns the
// index of the next eligible item, or -1.
func nextEligible(items []models.Item, idx, step int) int {
	for i := idx + step; i >= 0 && i < len(items); i += step {
		if items[i].IsEligible() {
			return i
		}
	}
	return -1
}
