// Package audit persists moderation decisions to PostgreSQL for later
// review. Each event records which message was acted on, who sent it, the
// score and reasons, and whether the content was removed or only flagged.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cosmicmatch/chatrelay/internal/moderation"
)

// Store manages moderation events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Event is one moderation decision.
type Event struct {
	MessageID  string
	SenderID   string
	ReceiverID string
	Score      int
	Deleted    bool
	Flagged    bool
	Reasons    []string
	DecidedAt  time.Time
}

// EventFromResult converts a published moderation result.
func EventFromResult(r moderation.ModerationResult) Event {
	decided := time.Unix(r.Ts, 0).UTC()
	if r.Ts == 0 {
		decided = time.Now().UTC()
	}
	return Event{
		MessageID:  r.MessageID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Score:      r.Score,
		Deleted:    r.Deleted,
		Flagged:    r.Flagged,
		Reasons:    r.Reasons,
		DecidedAt:  decided,
	}
}

// NewStore creates a new audit store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Validate checks the fields the moderation_events table requires.
func (e *Event) Validate() error {
	if _, err := uuid.Parse(e.MessageID); err != nil {
		return fmt.Errorf("audit: invalid message id %q", e.MessageID)
	}
	if e.SenderID == "" || e.ReceiverID == "" {
		return fmt.Errorf("audit: sender and receiver are required")
	}
	if !e.Deleted && !e.Flagged {
		return fmt.Errorf("audit: event for message %s has no action", e.MessageID)
	}
	return nil
}

// Record inserts a moderation event.
func (s *Store) Record(ctx context.Context, e *Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	reasons := e.Reasons
	if reasons == nil {
		reasons = []string{}
	}

	const query = `
		INSERT INTO moderation_events (message_id, sender_id, receiver_id, score, deleted, flagged, reasons, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		e.MessageID,
		e.SenderID,
		e.ReceiverID,
		e.Score,
		e.Deleted,
		e.Flagged,
		pq.Array(reasons),
		e.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// CountRecent returns how many decisions were recorded against a sender
// within the given window.
func (s *Store) CountRecent(ctx context.Context, senderID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM moderation_events
		WHERE sender_id = $1
		  AND decided_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, senderID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("audit: count recent: %w", err)
	}
	return count, nil
}

// Writer is the persistence side of the Consumer. *Store satisfies it.
type Writer interface {
	Record(ctx context.Context, e *Event) error
	CountRecent(ctx context.Context, senderID string, window time.Duration) (int, error)
}

// Consumer turns moderation.result payloads into stored events.
type Consumer struct {
	store   Writer
	timeout time.Duration
	window  time.Duration
}

// NewConsumer creates a Consumer. Each payload is handled within timeout.
func NewConsumer(store Writer, timeout time.Duration) *Consumer {
	return &Consumer{store: store, timeout: timeout, window: 24 * time.Hour}
}

// Handle decodes and stores one payload. Failures are logged; NATS handlers
// have no caller to return them to.
func (c *Consumer) Handle(data []byte) {
	var result moderation.ModerationResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("[audit] failed to unmarshal result: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	ev := EventFromResult(result)
	if err := c.store.Record(ctx, &ev); err != nil {
		log.Printf("[audit] record message=%s: %v", result.MessageID, err)
		return
	}

	count, err := c.store.CountRecent(ctx, ev.SenderID, c.window)
	if err != nil {
		log.Printf("[audit] count sender=%s: %v", ev.SenderID, err)
		return
	}
	log.Printf("[audit] recorded message=%s sender=%s deleted=%v score=%d (sender_24h=%d)",
		ev.MessageID, ev.SenderID, ev.Deleted, ev.Score, count)
}
