package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cswenor/conductor-sub003/internal/db"
	"github.com/cswenor/conductor-sub003/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024
)

// WSHandler upgrades authenticated requests to a WebSocket and delivers the
// same event envelopes the SSE stream carries, one JSON message per event.
// There is no replay; reconnecting clients that need catch-up use the SSE
// endpoint's Last-Event-ID instead.
type WSHandler struct {
	store    *db.Store
	bus      events.Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler wires the WebSocket endpoint.
func NewWSHandler(store *db.Store, bus events.Bus, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		store: store,
		bus:   bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		logger: logger,
	}
}

// wsConn tracks a single WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	sub  *events.Subscription
}

// close tears the connection down. Safe to call from both pumps.
func (c *wsConn) close() {
	c.once.Do(func() {
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	projects, err := h.store.ListProjectsForUser(user.ID)
	if err != nil {
		HandleError(w, err)
		return
	}
	projectIDs := make([]string, len(projects))
	for i, p := range projects {
		projectIDs[i] = p.ID
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}

	if len(projectIDs) > 0 {
		c.sub, err = h.bus.Subscribe(r.Context(), projectIDs, func(env events.Envelope) {
			msg, err := json.Marshal(env)
			if err != nil {
				h.logger.Error("marshal websocket event", "sequence", env.Sequence, "error", err)
				return
			}
			select {
			case c.send <- msg:
			default:
				h.logger.Warn("websocket send buffer full, dropping event",
					"user_id", user.ID, "sequence", env.Sequence)
			}
		})
		if err != nil {
			h.logger.Error("websocket subscribe failed", "user_id", user.ID, "error", err)
			_ = conn.Close()
			return
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump consumes the connection until the peer goes away. Inbound
// payloads are ignored; the read loop exists for close and pong handling.
func (h *WSHandler) readPump(c *wsConn) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes events and pings to the WebSocket connection.
func (h *WSHandler) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

			// Drain queued messages as separate frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
