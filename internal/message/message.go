// Package message holds the durable record of chat messages: who sent what to
// whom, whether it reached the receiver's transport, whether it was read, and
// what moderation decided about it.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Message kinds.
const (
	TypeText  = "text"
	TypeMedia = "media"
)

const (
	MaxContentBytes = 4096 // 4KB max frame payload for content
	MaxContentChars = 2000 // max character count
)

// ErrNotFound is returned when a message id does not exist.
var ErrNotFound = errors.New("message: not found")

// Message is one stored chat message. Delivered never goes back to false
// once set; Content is only rewritten by moderation.
type Message struct {
	ID            string
	SenderID      string
	ReceiverID    string
	Content       string
	Type          string
	MediaID       string // empty when the message has no attachment
	CreatedAt     time.Time
	Delivered     bool
	Read          bool
	Flagged       bool
	FlaggedReason string
}

// IsParty reports whether userID sent or received the message.
func (m *Message) IsParty(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// ModerationUpdate is the moderation side of a message. Applying it always
// sets is_flagged; Content is only replaced when non-nil.
type ModerationUpdate struct {
	Content *string
	Reason  string
}

// Store is the persistence contract shared by the session handler and the
// moderation pipeline. Delivery fields and moderation fields are written by
// separate methods so concurrent writers never overwrite each other's
// columns.
type Store interface {
	// Create inserts a new undelivered message. ID and CreatedAt are filled
	// in when empty.
	Create(ctx context.Context, m *Message) error

	// Get returns a message by id or ErrNotFound.
	Get(ctx context.Context, id string) (*Message, error)

	// MarkDelivered sets is_delivered for the given id.
	MarkDelivered(ctx context.Context, id string) error

	// MarkRead marks, in one transaction, every listed message whose
	// receiver is receiverID and which is not yet read. It returns the
	// messages it changed.
	MarkRead(ctx context.Context, receiverID string, ids []string) ([]Message, error)

	// ApplyModeration writes the moderation columns of one message.
	ApplyModeration(ctx context.Context, id string, u ModerationUpdate) error

	// ListUndelivered returns the receiver's undelivered messages, oldest
	// first.
	ListUndelivered(ctx context.Context, receiverID string) ([]Message, error)

	// LastBetween returns the newest message exchanged between two users in
	// either direction, or ErrNotFound.
	LastBetween(ctx context.Context, userA, userB string) (*Message, error)
}

// ValidateType checks a message kind, defaulting the empty kind to text.
func ValidateType(kind string) (string, error) {
	switch kind {
	case "":
		return TypeText, nil
	case TypeText, TypeMedia:
		return kind, nil
	default:
		return "", fmt.Errorf("unsupported message_type %q", kind)
	}
}

// ValidateContent checks that message content meets size requirements.
// Empty content is allowed; media messages often carry none.
func ValidateContent(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
