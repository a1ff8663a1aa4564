// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the relay and its companion services. It handles connection
// lifecycle, subject-based subscriptions, and helpers for the presence and
// moderation channels.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the relay.
const (
	SubjectPresence         = "chat.presence"
	SubjectModerationResult = "moderation.result"
)

// Presence states published on SubjectPresence.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceEvent announces a user's connection state on a relay node.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Status string `json:"status"` // online | offline
	Server string `json:"server"`
	Ts     int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	name string
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also used as presence server id
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatrelay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		name: config.Name,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for the given subject. When queue is not
// empty the subscription joins that queue group, so each message reaches
// one member only.
func (c *NATSClient) Subscribe(subject, queue string, handler func(data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishPresence announces that userID went online or offline on this node.
func (c *NATSClient) PublishPresence(userID, status string) error {
	data, err := json.Marshal(PresenceEvent{
		UserID: userID,
		Status: status,
		Server: c.name,
		Ts:     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("messaging: marshal presence: %w", err)
	}
	return c.Publish(SubjectPresence, data)
}

// SubscribePresence delivers decoded presence events to handler.
func (c *NATSClient) SubscribePresence(handler func(PresenceEvent)) error {
	return c.Subscribe(SubjectPresence, "", func(data []byte) {
		var ev PresenceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[nats] bad presence payload: %v", err)
			return
		}
		handler(ev)
	})
}

// PublishModerationResult publishes an encoded moderation result.
func (c *NATSClient) PublishModerationResult(data []byte) error {
	return c.Publish(SubjectModerationResult, data)
}

// SubscribeModerationResult consumes moderation results as part of queue.
func (c *NATSClient) SubscribeModerationResult(queue string, handler func(data []byte)) error {
	return c.Subscribe(SubjectModerationResult, queue, handler)
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed all buffered publishes.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
