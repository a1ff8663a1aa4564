package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. The
	// heartbeat refreshes it while the connection is alive.
	SessionTTL = 1 * time.Hour

	// Status values follow the connection state machine.
	StatusConnecting = "connecting"
	StatusActive     = "active"
)

// Session is one live connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`          // connection id
	UserID     string `redis:"user_id"`     // authenticated user
	Status     string `redis:"status"`      // connecting | active
	Server     string `redis:"server"`      // which relay instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a new session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new session in connecting state with a 1h TTL.
func (s *Store) Create(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"status":      StatusConnecting,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+connID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// UpdateStatus sets the session status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, connID string, status string) error {
	key := SessionPrefix + connID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update status: %w", err)
	}
	return nil
}

// Touch records activity on the connection and extends the TTL.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if err := s.client.Del(ctx, SessionPrefix+connID).Err(); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
