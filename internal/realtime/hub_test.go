package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sync-service/internal/domain"
	"sync-service/internal/notify"
)

type access struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (a *access) authorize(_, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revoked[userID] {
		return domain.ErrNotAuthorized
	}
	return nil
}

func (a *access) revoke(userID string) {
	a.mu.Lock()
	a.revoked[userID] = true
	a.mu.Unlock()
}

type harness struct {
	hub    *Hub
	bus    *notify.Bus
	access *access
	url    string
}

func newHarness(t *testing.T, origin string) harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	acc := &access{revoked: map[string]bool{}}
	bus := notify.NewBus()
	hub := NewHub(Options{Authorize: acc.authorize, AllowedOrigin: origin})
	go hub.Run(ctx)
	hub.Bridge(ctx, bus)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("collection"), r.URL.Query().Get("user"))
	}))
	t.Cleanup(server.Close)
	return harness{hub: hub, bus: bus, access: acc, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

func (h harness) dial(t *testing.T, collection, user string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?collection="+collection+"&user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	msg := read(t, ws)
	require.Equal(t, "welcome", msg["type"])
	return ws
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHubRoutesByCollection(t *testing.T) {
	h := newHarness(t, "")
	alice := h.dial(t, "c1", "alice")
	bob := h.dial(t, "c2", "bob")
	require.Eventually(t, func() bool { return h.hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	h.bus.Publish(notify.Notification{Type: notify.TypeLock, CollectionID: "c1", EntityID: "e1"})
	h.bus.Publish(notify.Notification{Type: notify.TypeHealth})

	msg := read(t, alice)
	assert.Equal(t, notify.TypeLock, msg["type"])
	assert.Equal(t, "e1", msg["entityId"])
	assert.Equal(t, notify.TypeHealth, read(t, alice)["type"])

	assert.Equal(t, notify.TypeHealth, read(t, bob)["type"], "bob only sees global notifications")
}

func TestHubDropsClientsWithoutAccess(t *testing.T) {
	h := newHarness(t, "")
	ws := h.dial(t, "c1", "mallory")
	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.access.revoke("mallory")
	h.bus.Publish(notify.Notification{Type: notify.TypeMembers, CollectionID: "c1"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return h.hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h := newHarness(t, "")
	ws := h.dial(t, "c1", "alice")
	require.Eventually(t, func() bool { return h.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return h.hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, "http://localhost:3000")

	header := http.Header{}
	header.Set("Origin", "http://evil.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url+"?collection=c1&user=alice", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "http://localhost:3000")
	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?collection=c1&user=alice", header)
	require.NoError(t, err)
	_ = ws.Close()
}
