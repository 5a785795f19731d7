package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/sibyl-dev/sibyl/internal/middleware"
)

// hubConn wraps a single dashboard WebSocket connection.
type hubConn struct {
	ws     *websocket.Conn
	orgID  string
	cancel context.CancelFunc
}

// Hub manages dashboard connections and broadcasts events scoped to one
// organization. It implements broadcast.Broadcaster.
type Hub struct {
	mu    sync.RWMutex
	conns map[*hubConn]struct{}
}

// NewHub creates a new dashboard hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*hubConn]struct{}),
	}
}

// HandleWS upgrades a dashboard connection. The caller's organization
// comes from the identity middleware; events of other organizations are
// never delivered.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &hubConn{ws: ws, orgID: p.OrganizationID, cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("dashboard connected", "org_id", p.OrganizationID, "remote", r.RemoteAddr)

	// Read loop (to detect disconnects and consume pings)
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent marshals a typed event and sends it to every dashboard
// connection of the organization.
func (h *Hub) BroadcastEvent(ctx context.Context, orgID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(Envelope{Type: eventType, Payload: data})
	if err != nil {
		slog.Error("marshal ws envelope", "type", eventType, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if c.orgID != orgID {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active dashboard connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("dashboard disconnected", "org_id", c.orgID)
	}
}
