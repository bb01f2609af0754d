package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PongWait is the time allowed between pongs from the peer. The relay sets
// its read deadlines from this constant so it always outlasts pingPeriod.
const PongWait = 60 * time.Second

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. Must stay well inside PongWait.
	pingPeriod = 10 * time.Second

	// Outbound queue per connection. Slow consumers that fall this far
	// behind get dropped messages, not a blocked dispatcher.
	sendQueue = 256
)

// Client is one live websocket connection. UserID stays empty until the
// connection authenticates.
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection. conn may be nil in tests; the send
// queue still works and can be drained with Outbox.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Conn:   conn,
		send:   make(chan []byte, sendQueue),
		closed: make(chan struct{}),
	}
}

// Enqueue queues a marshaled message for delivery. Returns false when the
// queue is full or the client is closed; the message is dropped.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Outbox exposes the send queue for draining in tests.
func (c *Client) Outbox() <-chan []byte {
	return c.send
}

// Close shuts the send queue down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}

// WritePump is the single writer for the connection. It drains the send queue
// and keeps the peer alive with pings; the read side refreshes its deadline
// from the matching pongs.
func (c *Client) WritePump(logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Error writing to client", zap.String("clientID", c.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error("Error sending ping", zap.String("clientID", c.ID), zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}
