package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// setupHub starts a server that adds every upgraded connection to the hub
// under the user named in the query string.
func setupHub(t *testing.T) (*Hub, string, chan *Session) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), time.Second)
	added := make(chan *Session, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		added <- hub.Add(r.URL.Query().Get("user"), models.RoleRider, conn)
	}))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), added
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) models.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestHubNotify(t *testing.T) {
	hub, url, added := setupHub(t)
	c := dial(t, url+"?user=u1")
	<-added

	require.NoError(t, hub.Notify("u1", models.EventRideVerified, models.RideStatusChange{RideID: "r1", Status: models.StatusVerified}))
	env := readEnvelope(t, c)
	assert.Equal(t, models.EventRideVerified, env.Event)
	var got models.RideStatusChange
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "r1", got.RideID)

	assert.True(t, errors.Is(hub.Notify("nobody", models.EventRideVerified, nil), ErrNoSession))
}

func TestSessionSendError(t *testing.T) {
	_, url, added := setupHub(t)
	c := dial(t, url+"?user=u1")
	s := <-added

	require.NoError(t, s.SendError(apperr.Validation("bad lat")))
	env := readEnvelope(t, c)
	assert.Equal(t, models.EventError, env.Event)
	var msg models.ErrorMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "VALIDATION_ERROR", msg.Code)
}

func TestHubReplaceAndRemoveIsConnectionScoped(t *testing.T) {
	hub, url, added := setupHub(t)
	dial(t, url+"?user=d1")
	first := <-added
	dial(t, url+"?user=d1")
	second := <-added

	assert.Equal(t, 1, hub.Count())
	assert.False(t, hub.Remove("d1", first.ConnID), "stale connection must not remove the newer session")
	got, ok := hub.Get("d1")
	require.True(t, ok)
	assert.Equal(t, second.ConnID, got.ConnID)

	assert.True(t, hub.Remove("d1", second.ConnID))
	assert.Equal(t, 0, hub.Count())
}
