package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/roomclaw/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
	maxReadBytes   = 4096
)

// Client is one WebSocket subscriber to a single room's events.
type Client struct {
	id     string
	room   string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	seq    atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, room, userID string) *Client {
	return &Client{
		id:     "ws-" + uuid.NewString(),
		room:   room,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// SendEvent queues frame for delivery. Frames are dropped when the client
// falls behind; clients recover by reloading history.
func (c *Client) SendEvent(frame protocol.EventFrame) {
	frame.Seq = c.seq.Add(1)
	b, err := json.Marshal(frame)
	if err != nil {
		slog.Error("ws.encode_failed", "client", c.id, "event", frame.Event, "error", err)
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
		slog.Warn("ws.send_buffer_full", "client", c.id, "room", c.room, "event", frame.Event)
	}
}

// Run sends the hello frame and pumps until the peer disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	hello, _ := json.Marshal(protocol.EventFrame{Type: protocol.FrameTypeHello, Room: c.room,
		Payload: mustJSON(protocol.Hello{Protocol: protocol.ProtocolVersion, Room: c.room, UserID: c.userID})})
	c.send <- hello

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	c.readPump()
}

// readPump discards inbound frames; it exists to process control frames and
// notice disconnects.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws.read_failed", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			c.conn.Close()
			return
		case <-c.done:
			return
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// Close stops the write pump and closes the connection. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
