// Package protocol defines the WebSocket event types and structures used for
// communication between chat clients and the relay. All events are serialized
// as JSON objects carrying a "type" discriminator; unknown fields are ignored.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeMessage     = "message"
	TypeAIRequest   = "ai_request"
	TypeAISelected  = "ai_selected"
	TypeReadReceipt = "read_receipt"
	TypeTyping      = "typing"
	TypeStopTyping  = "stop_typing"
	TypePing        = "ping"
)

// Server -> Client event types. TypeMessage, TypeReadReceipt, TypeTyping and
// TypeStopTyping are shared with the client direction.
const (
	TypeDeliveryReceipt  = "delivery_receipt"
	TypeMessageModerated = "message_moderated"
	TypeAISuggestions    = "ai_suggestions"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Parse errors
// ---------------------------------------------------------------------------

var (
	// ErrMalformed is returned for payloads that are not a JSON object. The
	// session skips these without replying.
	ErrMalformed = errors.New("protocol: payload is not a JSON object")

	// ErrMissingType is returned for objects without a usable "type" field.
	ErrMissingType = errors.New("protocol: missing or empty \"type\" field")
)

// UnknownTypeError reports an object whose discriminator names no known
// client event.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown client event type %q", e.Type)
}

// ---------------------------------------------------------------------------
// Envelope: first-pass decode that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return ErrMalformed
	}

	e.Raw = make(json.RawMessage, len(trimmed))
	copy(e.Raw, trimmed)

	var partial struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &partial); err != nil {
		return ErrMalformed
	}
	var typ string
	if err := json.Unmarshal(partial.Type, &typ); err != nil || typ == "" {
		return ErrMissingType
	}
	e.Type = typ
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ClientEvent is the closed set of events a client may send. Handlers switch
// over the concrete types below.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

// SendMessage asks the relay to persist and deliver a chat message.
// Content is a pointer so that an absent field can be told apart from an
// empty string.
type SendMessage struct {
	ReceiverID  string  `json:"receiver_id"`
	Content     *string `json:"content"`
	MessageType string  `json:"message_type"`
	MediaID     string  `json:"media_id"`
}

// AIRequest asks for reply suggestions to a previously received message.
type AIRequest struct {
	OriginalMessageID string `json:"original_message_id"`
	Tone              string `json:"tone"`
}

// AISelected sends one of the AI suggestions as a regular text message.
type AISelected struct {
	ReceiverID string  `json:"receiver_id"`
	Content    *string `json:"content"`
}

// ReadReceipt acknowledges that the client has displayed the listed messages.
type ReadReceipt struct {
	MessageIDs []string `json:"message_ids"`
}

// Typing signals that the client started typing to ReceiverID.
type Typing struct {
	ReceiverID string `json:"receiver_id"`
}

// StopTyping signals that the client stopped typing to ReceiverID.
type StopTyping struct {
	ReceiverID string `json:"receiver_id"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (SendMessage) EventType() string { return TypeMessage }
func (AIRequest) EventType() string   { return TypeAIRequest }
func (AISelected) EventType() string  { return TypeAISelected }
func (ReadReceipt) EventType() string { return TypeReadReceipt }
func (Typing) EventType() string      { return TypeTyping }
func (StopTyping) EventType() string  { return TypeStopTyping }
func (Ping) EventType() string        { return TypePing }

func (SendMessage) clientEvent() {}
func (AIRequest) clientEvent()   {}
func (AISelected) clientEvent()  {}
func (ReadReceipt) clientEvent() {}
func (Typing) clientEvent()      {}
func (StopTyping) clientEvent()  {}
func (Ping) clientEvent()        {}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ChatMessage carries a stored message to its receiver.
type ChatMessage struct {
	Type        string  `json:"type"`
	MessageID   string  `json:"message_id"`
	SenderID    string  `json:"sender_id"`
	ReceiverID  string  `json:"receiver_id"`
	Content     string  `json:"content"`
	MessageType string  `json:"message_type"`
	MediaID     *string `json:"media_id,omitempty"`
	MediaURL    *string `json:"media_url,omitempty"`
	ThumbURL    *string `json:"thumb_url,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// DeliveryReceiptMsg tells a sender that the receiver's transport accepted
// the message.
type DeliveryReceiptMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ReadReceiptMsg tells a sender that the receiver has read the messages.
type ReadReceiptMsg struct {
	Type       string   `json:"type"`
	MessageIDs []string `json:"message_ids"`
}

// TypingMsg relays a typing or stop_typing indicator.
type TypingMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// MessageModeratedMsg tells both parties that a message was redacted.
type MessageModeratedMsg struct {
	Type        string `json:"type"`
	MessageID   string `json:"message_id"`
	Placeholder string `json:"placeholder"`
	SenderID    string `json:"sender_id"`
	ReceiverID  string `json:"receiver_id"`
	MessageType string `json:"message_type"`
}

// AISuggestionsMsg carries candidate replies and the caller's remaining
// daily quota.
type AISuggestionsMsg struct {
	Type              string   `json:"type"`
	OriginalMessageID string   `json:"original_message_id"`
	Replies           []string `json:"replies"`
	RemainingToday    int      `json:"remaining_today"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// Non-object payloads yield ErrMalformed, objects without a type yield
// ErrMissingType and unknown kinds yield *UnknownTypeError.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		switch {
		case errors.Is(err, ErrMissingType):
			return nil, ErrMissingType
		default:
			return nil, ErrMalformed
		}
	}

	var (
		ev  ClientEvent
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m SendMessage
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeAIRequest:
		var m AIRequest
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeAISelected:
		var m AISelected
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeReadReceipt:
		var m ReadReceipt
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeTyping:
		var m Typing
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypeStopTyping:
		var m StopTyping
		err = json.Unmarshal(env.Raw, &m)
		ev = m
	case TypePing:
		ev = Ping{}
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return ev, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError builds an error event with a human-readable message.
func NewError(message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Message: message})
	if err != nil {
		// ErrorMsg always marshals; keep the signature simple for callers.
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}
