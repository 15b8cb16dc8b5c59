package rundown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/rundown/internal/models"
)

func newTestState() *State {
	return NewState(&models.Rundown{
		ID:         "rd",
		Title:      "Show",
		DocVersion: 3,
		Items:      models.ItemList{header("h1"), row("a"), row("b")},
	})
}

// TestState_SnapshotIsolation verifies snapshots are copies.
func TestState_SnapshotIsolation(t *testing.T) {
	s := newTestState()
	snap := s.Snapshot()
	snap.Items[1].Name = "mutated"

	v, ok := s.Value("a", models.FieldName)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

// TestState_ApplyField verifies local writes.
func TestState_ApplyField(t *testing.T) {
	s := newTestState()

	require.NoError(t, s.ApplyField(models.FieldChange{ItemID: "a", Field: models.FieldScript, Value: "hi"}))
	v, _ := s.Value("a", models.FieldScript)
	assert.Equal(t, "hi", v)

	require.NoError(t, s.ApplyField(models.FieldChange{Field: models.FieldTitle, Value: "Late"}))
	v, ok := s.Value("", models.FieldTitle)
	assert.True(t, ok)
	assert.Equal(t, "Late", v)

	_, ok = s.Value("missing", models.FieldScript)
	assert.False(t, ok)
}

// TestState_AdvanceVersion verifies versions never decrease.
func TestState_AdvanceVersion(t *testing.T) {
	s := newTestState()

	s.AdvanceVersion(5, 100)
	assert.Equal(t, int64(5), s.Version())

	s.AdvanceVersion(4, 200)
	assert.Equal(t, int64(5), s.Version())
}

// TestState_Replace verifies wholesale replacement.
func TestState_Replace(t *testing.T) {
	s := newTestState()
	doc := &models.Rundown{ID: "rd", DocVersion: 9, Items: models.ItemList{row("z")}}

	s.Replace(doc)
	doc.Items[0].Name = "after replace"

	assert.Equal(t, int64(9), s.Version())
	assert.Equal(t, "1", s.RowLabel("z"))
	assert.Equal(t, "", s.Items()[0].Name)
}

// TestState_UpdateShowcaller verifies errors leave the state untouched.
func TestState_UpdateShowcaller(t *testing.T) {
	s := newTestState()

	_, err := s.UpdateShowcaller(func(items []models.Item, cur models.ShowcallerState) (models.ShowcallerState, error) {
		cur.CurrentSegmentID = "a"
		return cur, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a", s.Showcaller().CurrentSegmentID)

	_, err = s.UpdateShowcaller(func(items []models.Item, cur models.ShowcallerState) (models.ShowcallerState, error) {
		return models.ShowcallerState{}, assert.AnError
	})
	assert.Error(t, err)
	assert.Equal(t, "a", s.Showcaller().CurrentSegmentID)
}
