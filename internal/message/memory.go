package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a goroutine-safe in-process Store. It backs the
// STORE_DRIVER=memory development mode and the tests of packages built on
// top of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*entry
	seq  int64
	now  func() time.Time
}

type entry struct {
	msg Message
	seq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*entry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.Type == "" {
		m.Type = TypeText
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.byID[m.ID] = &entry{msg: *m, seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	m := e.msg
	return &m, nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.msg.Delivered = true
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, receiverID string, ids []string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Message
	for _, id := range ids {
		e, ok := s.byID[id]
		if !ok || e.msg.ReceiverID != receiverID || e.msg.Read {
			continue
		}
		e.msg.Read = true
		changed = append(changed, e.msg)
	}
	return changed, nil
}

func (s *MemoryStore) ApplyModeration(ctx context.Context, id string, u ModerationUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if u.Content != nil {
		e.msg.Content = *u.Content
	}
	e.msg.Flagged = true
	e.msg.FlaggedReason = u.Reason
	return nil
}

func (s *MemoryStore) ListUndelivered(ctx context.Context, receiverID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var pending []*entry
	for _, e := range s.byID {
		if e.msg.ReceiverID == receiverID && !e.msg.Delivered {
			pending = append(pending, e)
		}
	}
	s.mu.RUnlock()

	sortEntries(pending)
	out := make([]Message, len(pending))
	for i, e := range pending {
		out[i] = e.msg
	}
	return out, nil
}

func (s *MemoryStore) LastBetween(ctx context.Context, userA, userB string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var last *entry
	for _, e := range s.byID {
		m := e.msg
		if !(m.SenderID == userA && m.ReceiverID == userB) && !(m.SenderID == userB && m.ReceiverID == userA) {
			continue
		}
		if last == nil || newer(e, last) {
			last = e
		}
	}
	s.mu.RUnlock()

	if last == nil {
		return nil, ErrNotFound
	}
	m := last.msg
	return &m, nil
}

// sortEntries orders by creation time, then insertion order.
func sortEntries(entries []*entry) {
	sort.Slice(entries, func(i, j int) bool {
		return newer(entries[j], entries[i])
	})
}

func newer(a, b *entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.After(b.msg.CreatedAt)
	}
	return a.seq > b.seq
}
