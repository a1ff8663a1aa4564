// Package media resolves attachment ids to their storage and thumbnail URLs.
// Uploading and storing the files themselves happens elsewhere; the relay
// only reads the chat_media table.
package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a media id does not exist.
var ErrNotFound = errors.New("media: not found")

// Media is one uploaded attachment.
type Media struct {
	ID        string
	MessageID string // empty until the attachment is sent
	URL       string
	ThumbURL  string // empty when no thumbnail was generated
}

// Lookup resolves media ids.
type Lookup interface {
	Get(ctx context.Context, id string) (*Media, error)
}

// PostgresStore reads media rows from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a lookup backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the media row for id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Media, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	const query = `
		SELECT id, COALESCE(message_id::text, ''), file_path, COALESCE(thumb_path, '')
		FROM chat_media
		WHERE id = $1`

	var m Media
	err := s.db.QueryRowContext(ctx, query, id).Scan(&m.ID, &m.MessageID, &m.URL, &m.ThumbURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("media: get: %w", err)
	}
	return &m, nil
}

// MemoryStore is an in-process Lookup for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Media
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Media)}
}

// Put adds or replaces a media entry.
func (s *MemoryStore) Put(m Media) {
	s.mu.Lock()
	s.items[m.ID] = m
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Media, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	m, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}
