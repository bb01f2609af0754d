// Package netplay is the client side of the protocol: the connection with
// request/response correlation, multi-subscriber event streams, and the
// frame-synchronized lockstep engine that keeps two emulator instances
// deterministic across a network.
package netplay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cartserver/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// callTimeout is the fixed window a correlated request may stay outstanding.
const callTimeout = 10 * time.Second

var ErrClosed = errors.New("netplay: connection closed")

// inbound is the union of the two server→client envelope shapes.
type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Event     string          `json:"event"`
}

// EventMessage is what subscribers receive.
type EventMessage struct {
	Name    string
	Payload json.RawMessage
}

// Client is one authenticated connection to the relay server.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan inbound
	subs    map[string][]chan EventMessage
	closed  bool
	done    chan struct{}
}

// Dial connects to the relay server at url (a ws:// or wss:// endpoint).
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("netplay: dialing %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan inbound),
		subs:    make(map[string][]chan EventMessage),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a correlated request and waits for its response. A failure
// response surfaces as an error carrying the server's display string.
func (c *Client) Call(ctx context.Context, reqType string, payload interface{}) (json.RawMessage, error) {
	requestID := uuid.New().String()
	ch := make(chan inbound, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	if err := c.write(models.Request{Type: reqType, RequestID: requestID, Payload: mustRaw(payload)}); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, errors.New(resp.Error)
		}
		return resp.Payload, nil
	case <-timer.C:
		c.dropPending(requestID)
		return nil, fmt.Errorf("netplay: %s timed out", reqType)
	case <-ctx.Done():
		c.dropPending(requestID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a fire-and-forget request: no requestId, no response. Used for
// per-frame traffic.
func (c *Client) Notify(reqType string, payload interface{}) error {
	return c.write(models.Request{Type: reqType, Payload: mustRaw(payload)})
}

// Subscribe registers for an event type. Several subscribers may watch the
// same event; each gets its own buffered channel. The returned cancel
// function detaches and closes the channel.
func (c *Client) Subscribe(event string, buffer int) (<-chan EventMessage, func()) {
	ch := make(chan EventMessage, buffer)

	c.mu.Lock()
	c.subs[event] = append(c.subs[event], ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[event]
		for i, sub := range list {
			if sub == ch {
				c.subs[event] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// SendInput transmits a local input bitmask for one frame.
func (c *Client) SendInput(roomID string, frame uint32, mask uint16) error {
	return c.Notify(models.ReqNetplayInput, map[string]interface{}{
		"roomId": roomID,
		"frame":  frame,
		"mask":   mask,
	})
}

// Close tears the connection down. Every outstanding Call is rejected and
// every subscriber channel is closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	// Pending calls observe done; their channels stay open so a racing
	// deliverResponse cannot panic.
	close(c.done)
	for id := range c.pending {
		delete(c.pending, id)
	}
	for event, list := range c.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(c.subs, event)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Error("Connection lost", zap.Error(err))
			}
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("Unparseable server message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case "response":
			c.deliverResponse(msg)
		case "event":
			c.deliverEvent(msg)
		default:
			c.logger.Warn("Unknown server message type", zap.String("type", msg.Type))
		}
	}
}

func (c *Client) deliverResponse(msg inbound) {
	if msg.RequestID == "" {
		// The server's malformed-envelope diagnostic; nothing to correlate.
		c.logger.Warn("Uncorrelated server response", zap.String("error", msg.Error))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (c *Client) deliverEvent(msg inbound) {
	// Sends happen under the same lock that closes subscriber channels in
	// cancel and Close, so a racing detach can never close a channel with a
	// send in flight. The send is non-blocking, so the lock is never held up
	// by a stalled subscriber.
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[msg.Event] {
		select {
		case ch <- EventMessage{Name: msg.Event, Payload: msg.Payload}:
		default:
			// A stalled subscriber loses events rather than stalling the
			// read loop.
			c.logger.Warn("Dropped event for slow subscriber", zap.String("event", msg.Event))
		}
	}
}

func (c *Client) dropPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

func (c *Client) write(req models.Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.conn.WriteJSON(req)
}

func mustRaw(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
