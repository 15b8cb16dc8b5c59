package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/rundown/internal/channel/ws"
	"github.com/kimhsiao/rundown/internal/config"
	"github.com/kimhsiao/rundown/internal/models"
	"github.com/kimhsiao/rundown/internal/session"
	"github.com/kimhsiao/rundown/internal/store"
)

// TestEndToEnd_twoSessions runs two sessions against a real server: the
// store over HTTP and the push channel over websockets.
func TestEndToEnd_twoSessions(t *testing.T) {
	mem := store.NewMemory(nil)
	_, err := mem.Create(context.Background(), &models.Rundown{
		ID: "rd",
		Items: models.ItemList{
			{ID: "1", Type: models.ItemTypeRegular, Name: "Lead", Duration: "02:00"},
			{ID: "2", Type: models.ItemTypeRegular, Name: "Close", Duration: "01:00"},
		},
	})
	require.NoError(t, err)

	hub := ws.NewHub(nil, testLogger)
	syncCfg := config.Default().Sync
	syncCfg.Debounce = 20 * time.Millisecond
	syncCfg.EditWindow = 50 * time.Millisecond
	srv := httptest.NewServer(NewServer(Options{Store: mem, Push: hub, Sync: syncCfg, Logger: testLogger}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	open := func(id string) *session.Session {
		client := NewClient(srv.URL, nil)
		served, err := client.SyncConfig(context.Background())
		require.NoError(t, err)
		require.Equal(t, syncCfg, *served)

		opts := session.NewOptions("rd", *served)
		opts.SessionID = id
		opts.Store = client
		opts.Channel = ws.NewClient(wsURL, id, testLogger)
		opts.Logger = testLogger
		s, err := session.Open(context.Background(), opts)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close(context.Background()) })
		return s
	}
	a := open("sess-a")
	b := open("sess-b")

	require.Eventually(t, func() bool { return hub.RoomSize("rd") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.CommitField("2", models.FieldScript, "Goodnight"))
	a.Flush()
	require.Eventually(t, func() bool {
		item := b.Document().FindItem("2")
		return item != nil && item.Script == "Goodnight"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Play("1"))
	b.Flush()
	require.Eventually(t, func() bool {
		return a.Timing().CurrentSegmentID == "1" && a.Timing().IsPlaying
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := mem.Read(context.Background(), "rd")
	require.NoError(t, err)
	assert.Equal(t, "Goodnight", snap.Document.FindItem("2").Script)
	assert.Equal(t, "sess-b", snap.Document.Showcaller.LastUpdatedBy)
	assert.Eventually(t, func() bool { return a.Version() == snap.Version }, 2*time.Second, 10*time.Millisecond)
}
