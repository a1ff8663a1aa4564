// Package ban restricts users whose messages were removed by moderation.
// Restrictions are Redis keys with a TTL:
//
//	Key:   ban:user:<user_id>
//	Value: <reason>
//	TTL:   restriction length
//
// Offense counters live under offenses:user:<user_id> and reset 24 hours
// after the first offense.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for active restrictions.
	BanPrefix = "ban:user:"

	// OffensePrefix is the Redis key prefix for offense counters.
	OffensePrefix = "offenses:user:"

	// Escalating restriction lengths.
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// OffenseTTL is how long the offense counter lives after the first
	// offense in a window.
	OffenseTTL = 24 * time.Hour
)

// Status describes a user's current restriction.
type Status struct {
	Banned    bool
	Remaining time.Duration
	Reason    string
}

// Store manages restrictions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Check returns the user's restriction status. Redis errors are returned so
// callers can decide how to handle them; the session handler fails open.
func (s *Store) Check(ctx context.Context, userID string) (Status, error) {
	key := BanPrefix + userID

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("ban: check: %w", err)
	}

	st := Status{Banned: true, Reason: reason}
	// A ban without a readable TTL is still a ban.
	if ttl, err := s.client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		st.Remaining = ttl
	}
	return st, nil
}

// Ban restricts a user for the given duration.
func (s *Store) Ban(ctx context.Context, userID string, duration time.Duration, reason string) error {
	return s.client.Set(ctx, BanPrefix+userID, reason, duration).Err()
}

// Unban lifts a restriction immediately.
func (s *Store) Unban(ctx context.Context, userID string) error {
	return s.client.Del(ctx, BanPrefix+userID).Err()
}

// escalationDuration returns the restriction length for an offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// OffenseCount returns the user's offense counter, or 0 when none is live.
func (s *Store) OffenseCount(ctx context.Context, userID string) (int, error) {
	val, err := s.client.Get(ctx, OffensePrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count: %w", err)
	}
	return val, nil
}

// Escalate records an offense and restricts the user for a duration that
// grows with the number of offenses in the current window:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
//
// It returns the applied duration.
func (s *Store) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	key := OffensePrefix + userID

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, OffenseTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ban: escalate count: %w", err)
	}

	duration := escalationDuration(int(incr.Val()))
	if err := s.Ban(ctx, userID, duration, reason); err != nil {
		return 0, fmt.Errorf("ban: escalate ban: %w", err)
	}
	return duration, nil
}
