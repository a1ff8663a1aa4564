// Package delivery implements the per-connection chat protocol: it flushes a
// user's offline backlog when they connect, handles inbound events in
// arrival order, and cleans up when the connection ends.
//
// Durable state is always written before delivery is attempted, so a crash
// between the two can re-deliver a message but never lose one.
package delivery

import (
	"context"
	"time"

	"github.com/cosmicmatch/chatrelay/internal/ai"
	"github.com/cosmicmatch/chatrelay/internal/ban"
	"github.com/cosmicmatch/chatrelay/internal/media"
	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/moderation"
	"github.com/cosmicmatch/chatrelay/internal/ratelimit"
	"github.com/cosmicmatch/chatrelay/internal/registry"
)

// Conn is the transport endpoint a session writes to.
type Conn = registry.Handle

// Router is the subset of the connection registry sessions rely on.
type Router interface {
	Connect(userID string, h registry.Handle)
	Disconnect(userID string, h registry.Handle) bool
	Send(userID string, data []byte) bool
}

// Moderator accepts messages for asynchronous review.
type Moderator interface {
	Submit(job moderation.Job) error
}

// BanChecker reports whether a user may currently send.
type BanChecker interface {
	Check(ctx context.Context, userID string) (ban.Status, error)
}

// RateLimiter throttles sends per user.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// SessionRecorder keeps an external record of live connections.
type SessionRecorder interface {
	Create(ctx context.Context, connID, userID string) error
	UpdateStatus(ctx context.Context, connID, status string) error
	Delete(ctx context.Context, connID string) error
}

// PresencePublisher announces users going online and offline.
type PresencePublisher interface {
	PublishPresence(userID, status string) error
}

// Config wires a Service to its collaborators. Registry and Messages are
// required; every other field is optional. A zero MessageRule means
// ratelimit.RuleMessage; a rule whose Limit is zero or negative turns send
// throttling off.
type Config struct {
	Registry    Router
	Messages    message.Store
	Media       media.Lookup
	AI          ai.Suggester
	Moderation  Moderator
	Bans        BanChecker
	Limiter     RateLimiter
	MessageRule ratelimit.Rule
	Sessions    SessionRecorder
	Presence    PresencePublisher

	// CleanupTimeout bounds store calls made after the connection is gone.
	CleanupTimeout time.Duration
}

// Service creates sessions that share one set of collaborators.
type Service struct {
	cfg Config
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.AI == nil {
		cfg.AI = ai.Disabled{}
	}
	switch {
	case cfg.MessageRule == (ratelimit.Rule{}):
		cfg.MessageRule = ratelimit.RuleMessage
	case cfg.MessageRule.Limit <= 0:
		cfg.Limiter = nil
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 3 * time.Second
	}
	return &Service{cfg: cfg}
}

// NewSession creates the protocol handler for one accepted connection.
func (s *Service) NewSession(userID string, conn Conn) *Session {
	return &Session{
		svc:    s,
		userID: userID,
		conn:   conn,
		state:  StateConnecting,
	}
}
