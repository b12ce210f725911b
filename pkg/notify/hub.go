// Package notify pushes read-model updates to connected clients over
// WebSocket. Connections join a per-tenant room at upgrade time; the
// projection service broadcasts into a room whenever it applies an event
// for that tenant. Messages never carry decrypted payload bodies, only
// the projected state a UI needs to refresh.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second

	// sendBuffer bounds the per-connection queue. A client that cannot
	// drain this many messages is evicted rather than allowed to stall
	// the broadcaster.
	sendBuffer = 32
)

// TenantHeader carries the tenant id when the query parameter is absent.
const TenantHeader = "X-Tenant-ID"

type client struct {
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub fans projected-state notifications out to per-tenant rooms.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and parks the connection in its tenant
// room until the peer goes away. The tenant id comes from the ?tenant
// query parameter or the X-Tenant-ID header.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	if tenantID == "" {
		tenantID = r.Header.Get(TenantHeader)
	}
	if tenantID == "" {
		http.Error(w, "missing tenant id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "tenant", tenantID, "err", err)
		return
	}

	c := &client{tenantID: tenantID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(c)
	h.log.Debug("notification client connected", "tenant", tenantID)

	go c.writeLoop(h)
	c.readLoop(h)
}

// Broadcast queues payload to every connection in the tenant's room.
// Slow clients are evicted instead of blocking the caller; the caller is
// the projection consumer loop and must never stall on a bad socket.
func (h *Hub) Broadcast(tenantID string, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("notification marshal failed", "tenant", tenantID, "err", err)
		return
	}

	h.mu.RLock()
	room := h.rooms[tenantID]
	stale := make([]*client, 0)
	for c := range room {
		select {
		case c.send <- value:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.log.Warn("evicting slow notification client", "tenant", tenantID)
		h.leave(c)
	}
}

// RoomSize reports the number of live connections for a tenant.
func (h *Hub) RoomSize(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[tenantID])
}

// Close drops every connection. Used during shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0)
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.leave(c)
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.tenantID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[c.tenantID] = room
	}
	room[c] = struct{}{}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	room, ok := h.rooms[c.tenantID]
	if ok {
		if _, member := room[c]; member {
			delete(room, c)
			close(c.send)
			if len(room) == 0 {
				delete(h.rooms, c.tenantID)
			}
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// readLoop discards inbound frames; the stream is push-only. It exists to
// notice the peer closing and to answer control frames.
func (c *client) readLoop(h *Hub) {
	defer h.leave(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			return
		}
	}
}

func (c *client) writeLoop(h *Hub) {
	for value := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, value); err != nil {
			h.log.Debug("notification write failed", "tenant", c.tenantID, "err", err)
			h.leave(c)
			return
		}
	}
}
