package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, server *httptest.Server, tenantID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?tenant=" + tenantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForRoomSize(t *testing.T, hub *Hub, tenantID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize(tenantID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %q size = %d, want %d", tenantID, hub.RoomSize(tenantID), want)
}

func TestHubRejectsMissingTenant(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubBroadcastReachesTenantRoom(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "tenant-a")
	waitForRoomSize(t, hub, "tenant-a", 1)

	hub.Broadcast("tenant-a", map[string]any{"type": "TaskCreated", "taskId": "task-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	require.Equal(t, "TaskCreated", msg["type"])
	require.Equal(t, "task-1", msg["taskId"])
}

func TestHubIsolatesTenants(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	connA := dialHub(t, server, "tenant-a")
	connB := dialHub(t, server, "tenant-b")
	waitForRoomSize(t, hub, "tenant-a", 1)
	waitForRoomSize(t, hub, "tenant-b", 1)

	hub.Broadcast("tenant-a", map[string]string{"for": "a"})
	hub.Broadcast("tenant-b", map[string]string{"for": "b"})

	// Each room sees only its own message, so the first frame on each
	// connection must already be the right one.
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, rawA, err := connA.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"for":"a"}`, string(rawA))

	require.NoError(t, connB.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, rawB, err := connB.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"for":"b"}`, string(rawB))
}

func TestHubTenantFromHeader(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{TenantHeader: []string{"tenant-h"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	waitForRoomSize(t, hub, "tenant-h", 1)
}

func TestHubRemovesDisconnectedClients(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server, "tenant-a")
	waitForRoomSize(t, hub, "tenant-a", 1)

	require.NoError(t, conn.Close())
	waitForRoomSize(t, hub, "tenant-a", 0)

	// Broadcasting into an empty room is a no-op, not a panic.
	hub.Broadcast("tenant-a", map[string]string{"ping": "pong"})
}

func TestHubCloseDropsAllRooms(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	connA := dialHub(t, server, "tenant-a")
	dialHub(t, server, "tenant-b")
	waitForRoomSize(t, hub, "tenant-a", 1)
	waitForRoomSize(t, hub, "tenant-b", 1)

	hub.Close()
	waitForRoomSize(t, hub, "tenant-a", 0)
	waitForRoomSize(t, hub, "tenant-b", 0)

	// The peer observes the close.
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := connA.ReadMessage()
	require.Error(t, err)
}
