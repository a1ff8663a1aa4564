// Package client provides a WebSocket load test client for the chatrelay
// server. It connects with gobwas/ws (the same library the server uses) as a
// given user id, dispatches server events to registered handlers, and tracks
// per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server event types.
const (
	TypeMessage     = "message"
	TypeReadReceipt = "read_receipt"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeDeliveryReceipt  = "delivery_receipt"
	TypeMessageModerated = "message_moderated"
	TypeError            = "error"
	TypePong             = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connected to the relay.
type Client struct {
	userID string
	conn   net.Conn

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client before its read loop starts.
type Option func(*Client)

// WithHandler registers a handler before the first frame is read, so events
// the relay sends right after the upgrade (the offline backlog) are not
// missed.
func WithHandler(msgType string, handler func(json.RawMessage)) Option {
	return func(c *Client) {
		c.handlers[msgType] = handler
	}
}

// New connects userID to the relay at baseURL (e.g. ws://localhost:8080)
// and starts reading in the background.
func New(ctx context.Context, baseURL, userID string, opts ...Option) (*Client, error) {
	url := strings.TrimRight(baseURL, "/") + "/ws/chat/" + userID

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", userID, err)
	}

	c := &Client{
		userID:         userID,
		conn:           conn,
		handlers:       make(map[string]func(json.RawMessage)),
		connectLatency: time.Since(start),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c, nil
}

// UserID returns the user this client is connected as.
func (c *Client) UserID() string {
	return c.userID
}

// Send writes one JSON event. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// SendChat sends a text message to receiverID.
func (c *Client) SendChat(receiverID, content string) error {
	return c.Send(map[string]string{
		"type":        TypeMessage,
		"receiver_id": receiverID,
		"content":     content,
	})
}

// MarkRead sends a read receipt for the given message ids.
func (c *Client) MarkRead(ids ...string) error {
	return c.Send(map[string]interface{}{
		"type":        TypeReadReceipt,
		"message_ids": ids,
	})
}

// On registers the handler for a server event type, replacing any previous
// one. Handlers run on the read goroutine and must not block.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// readLoop reads server frames until the connection ends. wsutil answers
// the server's heartbeat pings for us.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose; not an error.
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		if envelope.Type == TypeError {
			c.errors.Add(1)
		}

		c.handlersMu.RLock()
		handler := c.handlers[envelope.Type]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
