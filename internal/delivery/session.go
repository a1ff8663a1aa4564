package delivery

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cosmicmatch/chatrelay/internal/ai"
	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/messaging"
	"github.com/cosmicmatch/chatrelay/internal/metrics"
	"github.com/cosmicmatch/chatrelay/internal/moderation"
	"github.com/cosmicmatch/chatrelay/internal/protocol"
	"github.com/cosmicmatch/chatrelay/internal/session"
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error texts sent to clients.
const (
	errMissingType        = "Missing type"
	errMissingReceiver    = "Missing receiver_id field"
	errMissingContent     = "Missing content field"
	errMissingOriginal    = "Missing original_message_id field"
	errOriginalNotFound   = "Original message not found"
	errInvalidMessageType = "Invalid message_type"
	errInvalidMediaID     = "Invalid media_id"
	errInvalidPayload     = "Invalid payload"
	errRestricted         = "You are temporarily restricted from sending messages"
	errRateLimited        = "Rate limit exceeded"
	errSendFailed         = "Failed to send message"
	errReadFailed         = "Failed to update read receipts"
	errAIQuota            = "Daily AI suggestion limit reached"
	errAIUnavailable      = "AI suggestions are unavailable"
	errAIFailed           = "Failed to generate suggestions"
	errInternal           = "Internal server error"
)

// Session is the protocol state machine of one connection. Handle must be
// called from a single goroutine; Close may be called from any goroutine
// and is idempotent.
type Session struct {
	svc    *Service
	userID string
	conn   Conn

	mu    sync.Mutex
	state State

	closeOnce sync.Once
}

// UserID returns the authenticated user of the session.
func (s *Session) UserID() string {
	return s.userID
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = st
	return true
}

// Open registers the connection as the user's route and flushes the offline
// backlog. ctx is the connection's context; it is cancelled when the
// connection goes away, which stops the flush.
func (s *Session) Open(ctx context.Context) error {
	cfg := s.svc.cfg
	connID := s.conn.ID()

	if cfg.Sessions != nil {
		if err := cfg.Sessions.Create(ctx, connID, s.userID); err != nil {
			log.Printf("[delivery] session record create conn=%s: %v", connID, err)
		}
	}

	cfg.Registry.Connect(s.userID, s.conn)
	if !s.setState(StateActive) {
		cfg.Registry.Disconnect(s.userID, s.conn)
		return errors.New("delivery: session closed during open")
	}

	if cfg.Sessions != nil {
		if err := cfg.Sessions.UpdateStatus(ctx, connID, session.StatusActive); err != nil {
			log.Printf("[delivery] session record activate conn=%s: %v", connID, err)
		}
	}
	if cfg.Presence != nil {
		if err := cfg.Presence.PublishPresence(s.userID, messaging.PresenceOnline); err != nil {
			log.Printf("[delivery] presence online user=%s: %v", s.userID, err)
		}
	}

	log.Printf("[delivery] user=%s conn=%s active", s.userID, connID)

	s.flushBacklog(ctx)
	return ctx.Err()
}

// flushBacklog delivers undelivered messages oldest first. Each message is
// marked delivered right after its successful send; a failed send stops the
// flush and leaves the rest queued.
func (s *Session) flushBacklog(ctx context.Context) {
	cfg := s.svc.cfg

	pending, err := cfg.Messages.ListUndelivered(ctx, s.userID)
	if err != nil {
		log.Printf("[delivery] backlog list user=%s: %v", s.userID, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	delivered := 0
	for i := range pending {
		if ctx.Err() != nil {
			break
		}
		m := &pending[i]

		data, err := s.chatPayload(ctx, m)
		if err != nil {
			log.Printf("[delivery] backlog encode message=%s: %v", m.ID, err)
			continue
		}
		if err := s.conn.WriteMessage(data); err != nil {
			log.Printf("[delivery] backlog send user=%s stopped: %v", s.userID, err)
			break
		}

		if err := cfg.Messages.MarkDelivered(ctx, m.ID); err != nil {
			log.Printf("[delivery] backlog mark delivered message=%s: %v", m.ID, err)
		}
		delivered++
		metrics.BacklogDelivered.Inc()

		if receipt, err := protocol.NewServerMessage(protocol.TypeDeliveryReceipt, protocol.DeliveryReceiptMsg{MessageID: m.ID}); err == nil {
			cfg.Registry.Send(m.SenderID, receipt)
		}
	}

	log.Printf("[delivery] backlog user=%s delivered=%d/%d", s.userID, delivered, len(pending))
}

// Handle processes one inbound frame. Every failure is reported to the
// client as an error event and the session stays open.
func (s *Session) Handle(ctx context.Context, data []byte) {
	if s.State() != StateActive {
		return
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[delivery] panic handling event user=%s: %v", s.userID, r)
			s.replyError(errInternal)
		}
	}()

	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		switch {
		case errors.Is(err, protocol.ErrMalformed):
			// Not an object: skipped without a reply.
		case errors.Is(err, protocol.ErrMissingType):
			s.replyError(errMissingType)
		case errors.As(err, &unknown):
			s.replyError("Unknown event type: " + unknown.Type)
		default:
			log.Printf("[delivery] decode user=%s: %v", s.userID, err)
			s.replyError(errInvalidPayload)
		}
		return
	}

	switch e := ev.(type) {
	case protocol.SendMessage:
		s.handleMessage(ctx, e)
	case protocol.AIRequest:
		s.handleAIRequest(ctx, e)
	case protocol.AISelected:
		s.handleAISelected(ctx, e)
	case protocol.ReadReceipt:
		s.handleReadReceipt(ctx, e)
	case protocol.Typing:
		s.relayTyping(protocol.TypeTyping, e.ReceiverID)
	case protocol.StopTyping:
		s.relayTyping(protocol.TypeStopTyping, e.ReceiverID)
	case protocol.Ping:
		if data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{}); err == nil {
			s.reply(data)
		}
	}

	metrics.EventLatency.WithLabelValues(ev.EventType()).Observe(time.Since(start).Seconds())
}

func (s *Session) handleMessage(ctx context.Context, e protocol.SendMessage) {
	if e.ReceiverID == "" {
		s.replyError(errMissingReceiver)
		return
	}
	if e.Content == nil {
		s.replyError(errMissingContent)
		return
	}
	kind, err := message.ValidateType(e.MessageType)
	if err != nil {
		s.replyError(errInvalidMessageType)
		return
	}
	if e.MediaID != "" {
		if _, err := uuid.Parse(e.MediaID); err != nil {
			s.replyError(errInvalidMediaID)
			return
		}
	}
	if err := message.ValidateContent(*e.Content); err != nil {
		s.replyError(err.Error())
		return
	}
	if !s.maySend(ctx) {
		return
	}

	m := &message.Message{
		SenderID:   s.userID,
		ReceiverID: e.ReceiverID,
		Content:    *e.Content,
		Type:       kind,
		MediaID:    e.MediaID,
	}
	if err := s.persistAndDeliver(ctx, m); err != nil {
		log.Printf("[delivery] message from=%s to=%s: %v", s.userID, e.ReceiverID, err)
		s.replyError(errSendFailed)
		return
	}

	if m.Type == message.TypeText && m.Content != "" && s.svc.cfg.Moderation != nil {
		// Submit never blocks; a dropped job is logged by the pipeline.
		_ = s.svc.cfg.Moderation.Submit(moderation.Job{
			MessageID:   m.ID,
			Content:     m.Content,
			SenderID:    m.SenderID,
			ReceiverID:  m.ReceiverID,
			MessageType: m.Type,
		})
	}
}

func (s *Session) handleAISelected(ctx context.Context, e protocol.AISelected) {
	if e.ReceiverID == "" {
		s.replyError(errMissingReceiver)
		return
	}
	if e.Content == nil {
		s.replyError(errMissingContent)
		return
	}
	if err := message.ValidateContent(*e.Content); err != nil {
		s.replyError(err.Error())
		return
	}
	if !s.maySend(ctx) {
		return
	}

	m := &message.Message{
		SenderID:   s.userID,
		ReceiverID: e.ReceiverID,
		Content:    *e.Content,
		Type:       message.TypeText,
	}
	if err := s.persistAndDeliver(ctx, m); err != nil {
		log.Printf("[delivery] ai_selected from=%s to=%s: %v", s.userID, e.ReceiverID, err)
		s.replyError(errSendFailed)
	}
}

// maySend applies the ban and rate checks. Both fail open on backend errors.
func (s *Session) maySend(ctx context.Context) bool {
	cfg := s.svc.cfg

	if cfg.Bans != nil {
		st, err := cfg.Bans.Check(ctx, s.userID)
		if err != nil {
			log.Printf("[delivery] ban check user=%s: %v (failing open)", s.userID, err)
		} else if st.Banned {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			s.replyError(errRestricted)
			return false
		}
	}

	if cfg.Limiter != nil {
		ok, _ := cfg.Limiter.Allow(ctx, s.userID, cfg.MessageRule)
		if !ok {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			s.replyError(errRateLimited)
			return false
		}
	}
	return true
}

// persistAndDeliver stores m, then tries to hand it to the receiver. On
// success the message is marked delivered and the sender gets a receipt; on
// failure it stays queued for the receiver's next backlog flush.
func (s *Session) persistAndDeliver(ctx context.Context, m *message.Message) error {
	cfg := s.svc.cfg

	if err := cfg.Messages.Create(ctx, m); err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return err
	}

	data, err := s.chatPayload(ctx, m)
	if err != nil {
		return err
	}

	if !cfg.Registry.Send(m.ReceiverID, data) {
		metrics.MessagesTotal.WithLabelValues("queued").Inc()
		return nil
	}

	if err := cfg.Messages.MarkDelivered(ctx, m.ID); err != nil {
		log.Printf("[delivery] mark delivered message=%s: %v", m.ID, err)
	}
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	receipt, err := protocol.NewServerMessage(protocol.TypeDeliveryReceipt, protocol.DeliveryReceiptMsg{MessageID: m.ID})
	if err == nil {
		s.reply(receipt)
	}
	return nil
}

func (s *Session) handleAIRequest(ctx context.Context, e protocol.AIRequest) {
	if e.OriginalMessageID == "" {
		s.replyError(errMissingOriginal)
		return
	}

	original, err := s.svc.cfg.Messages.Get(ctx, e.OriginalMessageID)
	if errors.Is(err, message.ErrNotFound) || (err == nil && !original.IsParty(s.userID)) {
		s.replyError(errOriginalNotFound)
		return
	}
	if err != nil {
		log.Printf("[delivery] ai_request load message=%s: %v", e.OriginalMessageID, err)
		s.replyError(errAIFailed)
		return
	}

	tone := e.Tone
	if tone == "" {
		tone = ai.DefaultTone
	}

	sugg, err := s.svc.cfg.AI.Suggest(ctx, s.userID, original, tone)
	switch {
	case errors.Is(err, ai.ErrQuotaExceeded):
		s.replyError(errAIQuota)
		return
	case errors.Is(err, ai.ErrDisabled):
		s.replyError(errAIUnavailable)
		return
	case err != nil:
		log.Printf("[delivery] ai_request user=%s: %v", s.userID, err)
		s.replyError(errAIFailed)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeAISuggestions, protocol.AISuggestionsMsg{
		OriginalMessageID: e.OriginalMessageID,
		Replies:           sugg.Replies,
		RemainingToday:    sugg.RemainingToday,
	})
	if err != nil {
		log.Printf("[delivery] encode ai_suggestions: %v", err)
		return
	}
	s.reply(data)
}

// handleReadReceipt marks the batch read in one store call, then tells each
// original sender which of their messages were read.
func (s *Session) handleReadReceipt(ctx context.Context, e protocol.ReadReceipt) {
	if len(e.MessageIDs) == 0 {
		return
	}

	changed, err := s.svc.cfg.Messages.MarkRead(ctx, s.userID, e.MessageIDs)
	if err != nil {
		log.Printf("[delivery] read_receipt user=%s: %v", s.userID, err)
		s.replyError(errReadFailed)
		return
	}

	var senders []string
	bySender := make(map[string][]string)
	for _, m := range changed {
		if _, seen := bySender[m.SenderID]; !seen {
			senders = append(senders, m.SenderID)
		}
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}

	for _, sender := range senders {
		data, err := protocol.NewServerMessage(protocol.TypeReadReceipt, protocol.ReadReceiptMsg{
			MessageIDs: bySender[sender],
		})
		if err != nil {
			continue
		}
		s.svc.cfg.Registry.Send(sender, data)
	}
}

func (s *Session) relayTyping(kind, receiverID string) {
	if receiverID == "" {
		return
	}
	data, err := protocol.NewServerMessage(kind, protocol.TypingMsg{From: s.userID})
	if err != nil {
		return
	}
	s.svc.cfg.Registry.Send(receiverID, data)
}

// chatPayload renders m as an outbound message event, resolving its media
// attachment when there is one. A failed lookup sends the message without
// URLs.
func (s *Session) chatPayload(ctx context.Context, m *message.Message) ([]byte, error) {
	out := protocol.ChatMessage{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		MessageType: m.Type,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	if m.MediaID != "" {
		mediaID := m.MediaID
		out.MediaID = &mediaID

		if s.svc.cfg.Media != nil {
			md, err := s.svc.cfg.Media.Get(ctx, m.MediaID)
			if err != nil {
				log.Printf("[delivery] media lookup id=%s: %v", m.MediaID, err)
			} else {
				url := md.URL
				out.MediaURL = &url
				if md.ThumbURL != "" {
					thumb := md.ThumbURL
					out.ThumbURL = &thumb
				}
			}
		}
	}

	return protocol.NewServerMessage(protocol.TypeMessage, out)
}

func (s *Session) reply(data []byte) {
	if err := s.conn.WriteMessage(data); err != nil {
		log.Printf("[delivery] reply to user=%s conn=%s: %v", s.userID, s.conn.ID(), err)
	}
}

func (s *Session) replyError(text string) {
	s.reply(protocol.NewError(text))
}

// Close deregisters the connection and removes its session record. Only
// the connection that is still the user's route announces them offline.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.state == StateActive
		s.state = StateClosed
		s.mu.Unlock()

		cfg := s.svc.cfg
		connID := s.conn.ID()

		removed := cfg.Registry.Disconnect(s.userID, s.conn)

		if cfg.Sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.CleanupTimeout)
			if err := cfg.Sessions.Delete(ctx, connID); err != nil {
				log.Printf("[delivery] session record delete conn=%s: %v", connID, err)
			}
			cancel()
		}

		if removed && wasActive && cfg.Presence != nil {
			if err := cfg.Presence.PublishPresence(s.userID, messaging.PresenceOffline); err != nil {
				log.Printf("[delivery] presence offline user=%s: %v", s.userID, err)
			}
		}

		log.Printf("[delivery] user=%s conn=%s closed (route_removed=%v)", s.userID, connID, removed)
	})
}
