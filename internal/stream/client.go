package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mtbridge/pkg/telemetry"
)

const (
	// writeWait bounds a single frame write to the socket.
	writeWait = 10 * time.Second

	// maxFrameSize caps inbound client frames. Client actions are tiny;
	// anything bigger is a misbehaving peer.
	maxFrameSize = 4096
)

// Client is one connected streaming session. The send channel is the
// client's bounded outbound mailbox; writePump is its only consumer.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// Session state, guarded by hub.mu.
	authenticated bool
	login         int64
	symbols       map[string]struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.New().String(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.cfg.ClientMailbox),
		symbols: make(map[string]struct{}),
	}
}

// trySend enqueues an encoded frame without blocking. A false return means
// the mailbox is full; the caller should disconnect the client. Frames
// offered to an already closed client are discarded and report success so
// racing broadcasters do not double-disconnect.
func (c *Client) trySend(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close marks the client closed and closes the mailbox, waking writePump.
// Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads client frames until the connection dies. It owns the read
// deadline: each pong extends it by ping interval plus pong deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	pongWait := c.hub.cfg.PingInterval + c.hub.cfg.PongDeadline
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Client read failed", "client_id", c.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.handleFrame(c, raw)
	}
}

// writePump drains the mailbox onto the socket and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if m := telemetry.GetGlobalMetrics(); m.FramesSentTotal != nil {
				m.FramesSentTotal.Add(context.Background(), 1)
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
