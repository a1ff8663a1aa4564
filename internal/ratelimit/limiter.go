// Package ratelimit provides Redis-backed fixed-window counters. The relay
// uses them to throttle chat sends per user and to enforce the daily AI
// suggestion quota.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix, e.g. "rl:msg:"
	Limit  int           // max count in the window
	Window time.Duration // window length, starting at the first hit
}

// Default rules. cmd/wsserver overrides limits from the environment.
var (
	// RuleMessage allows 30 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 30, Window: 10 * time.Second}

	// RuleAISuggest allows 20 AI suggestion requests per 24 hours per user.
	RuleAISuggest = Rule{Key: "rl:ai:", Limit: 20, Window: 24 * time.Hour}
)

// Result is the outcome of one counted request.
type Result struct {
	Allowed   bool
	Remaining int // requests left in the current window after this one
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Take counts one request for identifier under rule. INCR and the
// first-hit EXPIRE run in one transaction so a crash between them cannot
// leave a counter without a TTL.
//
// On Redis errors the request is allowed (fail open) and the error is
// returned for logging.
func (l *Limiter) Take(ctx context.Context, identifier string, rule Rule) (Result, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		log.Printf("[ratelimit] redis error key=%s: %v (failing open)", key, err)
		return Result{Allowed: true, Remaining: rule.Limit}, fmt.Errorf("ratelimit: take: %w", err)
	}

	count := int(incr.Val())
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count <= rule.Limit, Remaining: remaining}, nil
}

// Allow reports whether the request is within the limit. See Take.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	res, err := l.Take(ctx, identifier, rule)
	return res.Allowed, err
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule without counting one. Returns the full
// limit if the key does not exist yet or Redis fails.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, fmt.Errorf("ratelimit: remaining: %w", err)
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the identifier's counter for rule.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}
