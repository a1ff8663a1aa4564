package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore manages messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const messageColumns = `id, sender_id, receiver_id, COALESCE(content, ''), message_type,
	COALESCE(media_id::text, ''), created_at, is_delivered, is_read, is_flagged,
	COALESCE(flagged_reason, '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	if err := row.Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.Type,
		&m.MediaID, &m.CreatedAt, &m.Delivered, &m.Read, &m.Flagged,
		&m.FlaggedReason,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a message with is_delivered=false.
func (s *PostgresStore) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Type == "" {
		m.Type = TypeText
	}

	media := sql.NullString{String: m.MediaID, Valid: m.MediaID != ""}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, content, message_type, media_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.SenderID, m.ReceiverID, m.Content, m.Type, media,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	return nil
}

// Get returns a message by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

// MarkDelivered sets is_delivered. It never clears it.
func (s *PostgresStore) MarkDelivered(ctx context.Context, id string) error {
	const query = `UPDATE messages SET is_delivered = TRUE WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("message: mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRead flips is_read for the caller's unread messages among ids in a
// single statement and returns the rows it changed, in the order of ids.
func (s *PostgresStore) MarkRead(ctx context.Context, receiverID string, ids []string) ([]Message, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return nil, nil
	}

	query := `
		UPDATE messages SET is_read = TRUE
		WHERE id = ANY($1::uuid[]) AND receiver_id = $2 AND is_read = FALSE
		RETURNING ` + messageColumns

	rows, err := s.db.QueryContext(ctx, query, pq.Array(valid), receiverID)
	if err != nil {
		return nil, fmt.Errorf("message: mark read: %w", err)
	}
	defer rows.Close()

	changed := make(map[string]Message, len(valid))
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: mark read scan: %w", err)
		}
		changed[m.ID] = *m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: mark read rows: %w", err)
	}

	out := make([]Message, 0, len(changed))
	for _, id := range valid {
		if m, ok := changed[id]; ok {
			out = append(out, m)
			delete(changed, id)
		}
	}
	return out, nil
}

// ApplyModeration writes only the moderation columns.
func (s *PostgresStore) ApplyModeration(ctx context.Context, id string, u ModerationUpdate) error {
	var (
		res sql.Result
		err error
	)
	if u.Content != nil {
		const query = `
			UPDATE messages SET content = $2, is_flagged = TRUE, flagged_reason = $3
			WHERE id = $1`
		res, err = s.db.ExecContext(ctx, query, id, *u.Content, u.Reason)
	} else {
		const query = `
			UPDATE messages SET is_flagged = TRUE, flagged_reason = $2
			WHERE id = $1`
		res, err = s.db.ExecContext(ctx, query, id, u.Reason)
	}
	if err != nil {
		return fmt.Errorf("message: apply moderation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUndelivered returns the receiver's backlog, oldest first.
func (s *PostgresStore) ListUndelivered(ctx context.Context, receiverID string) ([]Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE receiver_id = $1 AND is_delivered = FALSE
		ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, receiverID)
	if err != nil {
		return nil, fmt.Errorf("message: list undelivered: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("message: list undelivered scan: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list undelivered rows: %w", err)
	}
	return out, nil
}

// LastBetween returns the newest message between two users.
func (s *PostgresStore) LastBetween(ctx context.Context, userA, userB string) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC, seq DESC
		LIMIT 1`

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: last between: %w", err)
	}
	return m, nil
}
