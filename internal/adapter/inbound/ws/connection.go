package ws

import (
	"context"
	gohttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/basilisk-labs/mcpcore/internal/domain/execution"
)

// wsConn wraps one upgraded socket and the MCP session it carries,
// pairing a readPump (inbound frames -> service.Server) with a writePump
// (outbound frames + ping heartbeat) in a readPump/writePump split.
type wsConn struct {
	transport *Transport
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
}

func (t *Transport) handleUpgrade(w gohttp.ResponseWriter, r *gohttp.Request) {
	if t.rateLimiter != nil {
		result, err := t.rateLimiter.Allow(r.Context(), t.rateLimitKey(r), t.rateLimit)
		if err != nil {
			gohttp.Error(w, "internal error", gohttp.StatusInternalServerError)
			return
		}
		if !result.Allowed {
			gohttp.Error(w, "rate limit exceeded", gohttp.StatusTooManyRequests)
			return
		}
	}

	socket, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("ws: upgrade failed", "error", err)
		return
	}
	socket.SetReadLimit(t.maxMessageSize)

	sess, err := t.server.Connect(r.Context(), nil, connectionIDFromRequest(r))
	if err != nil {
		t.logger.Error("ws: connect failed", "error", err)
		_ = socket.Close()
		return
	}

	c := &wsConn{
		transport: t,
		conn:      socket,
		sessionID: sess.ID,
		send:      make(chan []byte, 32),
	}
	t.conns.Store(sess.ID, c)
	if t.metrics != nil {
		t.metrics.ConnectionsTotal.Inc()
		t.metrics.ActiveConnections.Inc()
	}

	go c.writePump()
	c.readPump()
}

// readPump reads inbound frames until the socket errors or is closed,
// dispatching each one through the shared service.Server and queuing any
// response onto the writePump's send channel.
func (c *wsConn) readPump() {
	t := c.transport
	defer func() {
		t.conns.Delete(c.sessionID)
		if t.metrics != nil {
			t.metrics.ActiveConnections.Dec()
		}
		t.server.Disconnect(c.sessionID, execution.ReasonShutdown)
		close(c.send)
	}()

	interval := t.pingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	wait := 2 * interval

	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	peerKey := c.conn.RemoteAddr().String()

	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if t.metrics != nil {
			t.metrics.MessagesTotal.WithLabelValues("in").Inc()
		}

		resp, err := t.server.HandleFrame(context.Background(), c.sessionID, peerKey, raw)
		if err != nil {
			t.logger.Error("ws: dispatch error", "error", err, "session_id", c.sessionID)
			continue
		}
		if resp == nil {
			continue
		}
		select {
		case c.send <- resp:
		default:
			t.logger.Warn("ws: send buffer full, dropping response", "session_id", c.sessionID)
		}
	}
}

// writePump owns the socket's write side: queued responses, plus the
// periodic ping that keeps readPump's deadline alive.
func (c *wsConn) writePump() {
	t := c.transport
	interval := t.pingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if t.metrics != nil {
				t.metrics.MessagesTotal.WithLabelValues("out").Inc()
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close forces the socket shut, which unblocks readPump's ReadMessage and
// drives the normal teardown path through its deferred cleanup.
func (c *wsConn) close() {
	_ = c.conn.Close()
}
