package showcaller

import (
	"testing"
	"time"

	"github.com/kimhsiao/rundown/internal/models"
)

// TestCompute verifies show-level sums skip headers and floats.
func TestCompute(t *testing.T) {
	items := scenarioItems()
	start := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)

	state := models.ShowcallerState{
		IsPlaying:         true,
		CurrentSegmentID:  "3",
		PlaybackStartTime: start.UnixMilli(),
	}
	timing := Compute(items, state, start.Add(30*time.Second))

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"total runtime", timing.TotalRuntime, 210 * time.Second},
		{"elapsed in current", timing.ElapsedInCurrent, 30 * time.Second},
		{"remaining", timing.Remaining, 60 * time.Second},
		{"show elapsed", timing.ShowElapsed, 150 * time.Second},
		{"show remaining", timing.ShowRemaining, 60 * time.Second},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

// TestCompute_clockBehindStart verifies a start time in the future reads as zero.
func TestCompute_clockBehindStart(t *testing.T) {
	start := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	state := models.ShowcallerState{IsPlaying: true, CurrentSegmentID: "1", PlaybackStartTime: start.UnixMilli()}

	timing := Compute(scenarioItems(), state, start.Add(-5*time.Second))
	if timing.ElapsedInCurrent != 0 {
		t.Errorf("ElapsedInCurrent = %v, want 0", timing.ElapsedInCurrent)
	}
	if timing.Remaining != 2*time.Minute {
		t.Errorf("Remaining = %v, want 2m", timing.Remaining)
	}
}

// TestCompute_noCurrent verifies an unset clock is zero but not stale.
func TestCompute_noCurrent(t *testing.T) {
	timing := Compute(scenarioItems(), models.ShowcallerState{}, time.Now())
	if timing.Stale {
		t.Error("Stale should be false with no current segment")
	}
	if timing.ShowElapsed != 0 || timing.Remaining != 0 {
		t.Errorf("timing = %+v, want zero values", timing)
	}
}

// TestCompute_staleSnapshot verifies a snapshot larger than the duration is clamped.
func TestCompute_staleSnapshot(t *testing.T) {
	state := models.ShowcallerState{CurrentSegmentID: "3", TimeRemaining: (10 * time.Minute).Milliseconds()}

	timing := Compute(scenarioItems(), state, time.Now())
	if timing.Remaining != 90*time.Second {
		t.Errorf("Remaining = %v, want 1m30s", timing.Remaining)
	}
}

// TestCompute_staleZeroesTotal verifies a dangling current id zeroes every
// derived value.
func TestCompute_staleZeroesTotal(t *testing.T) {
	state := models.ShowcallerState{IsPlaying: true, CurrentSegmentID: "gone", PlaybackStartTime: time.Now().UnixMilli()}

	timing := Compute(scenarioItems(), state, time.Now())
	if !timing.Stale {
		t.Error("Stale should be true for an unknown segment")
	}
	if timing.TotalRuntime != 0 || timing.ShowElapsed != 0 || timing.ShowRemaining != 0 {
		t.Errorf("timing = %+v, want zero values", timing)
	}
}

// TestRealign verifies the clock leaves a segment that stopped being
// eligible.
func TestRealign(t *testing.T) {
	now := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	playing := func(id string) models.ShowcallerState {
		return models.ShowcallerState{IsPlaying: true, CurrentSegmentID: id, PlaybackStartTime: now.Add(-time.Minute).UnixMilli()}
	}
	floated := func(ids ...string) models.ItemList {
		items := scenarioItems()
		for _, id := range ids {
			items[indexOf(items, id)].IsFloated = true
		}
		return items
	}

	tests := []struct {
		name        string
		items       models.ItemList
		state       models.ShowcallerState
		wantChanged bool
		wantCurrent string
		wantPlaying bool
	}{
		{"eligible current", scenarioItems(), playing("1"), false, "1", true},
		{"unknown current", scenarioItems(), playing("gone"), false, "gone", true},
		{"floated moves forward", floated("1"), playing("1"), true, "3", true},
		{"last floated stops on previous", floated("3"), playing("3"), true, "1", false},
		{"nothing eligible", floated("1", "3"), playing("1"), true, "", false},
	}

	for _, tt := range tests {
		got, changed := Realign(tt.items, tt.state, now)
		if changed != tt.wantChanged {
			t.Errorf("%s: changed = %v, want %v", tt.name, changed, tt.wantChanged)
		}
		if got.CurrentSegmentID != tt.wantCurrent {
			t.Errorf("%s: CurrentSegmentID = %q, want %q", tt.name, got.CurrentSegmentID, tt.wantCurrent)
		}
		if got.IsPlaying != tt.wantPlaying {
			t.Errorf("%s: IsPlaying = %v, want %v", tt.name, got.IsPlaying, tt.wantPlaying)
		}
		if changed && got.IsPlaying {
			timing := Compute(tt.items, got, now)
			if timing.ShowElapsed+timing.ShowRemaining != timing.TotalRuntime {
				t.Errorf("%s: show elapsed + remaining = %v, want %v", tt.name, timing.ShowElapsed+timing.ShowRemaining, timing.TotalRuntime)
			}
		}
	}
}
