package hub

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proliferate-ai/gateway/internal/metrics"
	"github.com/proliferate-ai/gateway/internal/protocol"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message

	// sendBuffer bounds per-client queueing; a full buffer drops frames
	// for that client only so slow sockets never backpressure fast ones.
	sendBuffer = 256

	// closeGoingAway is sent on self-termination and hub eviction.
	closeGoingAway = websocket.CloseGoingAway
)

// upgrader validates origins in production against GATEWAY_ALLOWED_ORIGINS;
// dev and staging accept all origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("GATEWAY_ENV")
	allowedRaw := os.Getenv("GATEWAY_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Warn("rejected websocket origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("GATEWAY_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool {
		return true
	}
}

// clientConn is one client socket attached to a hub.
type clientConn struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

func newClientConn(conn *websocket.Conn, userID string) *clientConn {
	return &clientConn{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue queues a frame without blocking; a full buffer drops it.
func (c *clientConn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close tears the socket down with a close code.
func (c *clientConn) close(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// ServeWS upgrades the HTTP request and attaches the socket to the hub.
// userID comes from the authenticated request context; an empty id is a
// read-only viewer.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClientConn(conn, userID)
	h.AddClient(client)

	go h.writePump(client)
	go h.readPump(client)
}

// readPump owns the socket reads, ping deadlines, and dispatch.
func (h *Hub) readPump(c *clientConn) {
	defer func() {
		h.RemoveClient(c)
		close(c.done)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", "connection_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.ParseClientMessage(payload)
		if err != nil {
			// Protocol errors answer with one error frame; the socket
			// stays open.
			c.enqueue(protocol.ErrorMessage(err.Error()).Encode())
			continue
		}
		h.handleClientMessage(c, msg)
	}
}

// writePump serializes one socket's outbound traffic; send order equals
// enqueue order.
func (h *Hub) writePump(c *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendTo delivers one frame to one client.
func (h *Hub) sendTo(c *clientConn, msg protocol.ServerMessage) {
	if !c.enqueue(msg.Encode()) {
		h.logger.Warn("dropping frame for slow client", "connection_id", c.id, "frame_type", msg.Type)
	}
}

// Broadcast fans a frame out to every connected client. Slow sockets drop;
// they never block the others.
func (h *Hub) Broadcast(msg protocol.ServerMessage) {
	payload := msg.Encode()
	h.mu.Lock()
	clients := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(payload) {
			h.logger.Warn("dropping broadcast for slow client", "connection_id", c.id, "frame_type", msg.Type)
		}
	}
}

// BroadcastStatus is the runtime's status callback.
func (h *Hub) BroadcastStatus(status, detail string) {
	h.Broadcast(protocol.StatusMessage(status, detail))
}

func trackClientGauge(delta float64) {
	metrics.ConnectedClients.Add(delta)
}
