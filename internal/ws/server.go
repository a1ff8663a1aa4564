// Package ws is the WebSocket transport of the relay. It upgrades HTTP
// requests on /ws/chat/{user_id}, runs one read goroutine per connection so
// a client's frames are handled strictly in order, answers control frames,
// and evicts connections the heartbeat finds dead.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr      string        // address to listen on, e.g. ":8080"
	MaxConnections  int           // hard cap on total connections
	WriteTimeout    time.Duration // deadline for each outbound frame
	MaxMessageBytes int64         // largest accepted inbound frame payload
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8080",
		MaxConnections:  100000,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 64 << 10,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Session is the protocol handler bound to one connection. Open runs once
// before any frame is read, Handle once per inbound data frame in arrival
// order, and Close once when the connection goes away.
type Session interface {
	Open(ctx context.Context) error
	Handle(ctx context.Context, data []byte)
	Close()
}

// SessionFactory creates the Session for a freshly upgraded connection.
type SessionFactory func(userID string, conn *Connection) Session

// ConversationLookup answers the internal last-message query.
type ConversationLookup interface {
	LastBetween(ctx context.Context, userA, userB string) (*message.Message, error)
}

// Server accepts WebSocket clients and drives their sessions.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	newSession SessionFactory

	conversations ConversationLookup
	online        func() int
	onHeartbeat   func(c *Connection)

	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	startedAt  time.Time
}

// NewServer creates a Server. newSession is called for every accepted
// connection.
func NewServer(config ServerConfig, newSession SessionFactory) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		newSession: newSession,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetConversations enables /internal/conversations/last.
func (s *Server) SetConversations(l ConversationLookup) {
	s.conversations = l
}

// SetOnlineCounter reports the number of routed users in /health and the
// online users gauge.
func (s *Server) SetOnlineCounter(fn func() int) {
	s.online = fn
}

// SetOnHeartbeat registers a callback run for every live connection on each
// heartbeat tick.
func (s *Server) SetOnHeartbeat(fn func(c *Connection)) {
	s.onHeartbeat = fn
}

// Handler returns the HTTP routes served by the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{user_id}", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /internal/conversations/last", s.handleLastMessage)
	return mux
}

// Start starts the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d, max_message=%dB)",
		s.config.ListenAddr, s.config.MaxConnections, s.config.MaxMessageBytes)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request with the gobwas zero-copy upgrader and
// hands the connection to its own read goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if userID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	select {
	case <-s.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	c := newConnection(uuid.New().String(), userID, conn, s.config.WriteTimeout)
	c.session = s.newSession(userID, c)

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.id, userID, s.conns.Count())

	s.wg.Add(1)
	go s.serve(c)
}

// serve owns the connection for its whole life: open the session, read
// frames until the client leaves, then clean up.
func (s *Server) serve(c *Connection) {
	defer s.wg.Done()
	defer s.RemoveConnection(c)

	if err := c.session.Open(c.ctx); err != nil {
		log.Printf("ws: session open conn=%s user=%s: %v", c.id, c.UserID, err)
		return
	}
	s.readLoop(c)
}

// readLoop reads frames with wsutil.NextReader. Control frames are answered
// inline; each data frame is passed to the session before the next one is
// read.
func (s *Server) readLoop(c *Connection) {
	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("ws: read conn=%s: %v", c.id, err)
			}
			return
		}

		// Any frame proves the connection is alive.
		c.touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
				return
			case ws.OpPing:
				if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
					return
				}
			}
			continue
		}

		limit := s.config.MaxMessageBytes
		if limit > 0 && header.Length > limit {
			s.rejectTooBig(c, header.Length)
			return
		}

		// The reader follows continuation frames, so data is the whole
		// message even when the client fragments it.
		var src io.Reader = reader
		if limit > 0 {
			src = io.LimitReader(reader, limit+1)
		}
		data, err := io.ReadAll(src)
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("ws: read payload conn=%s: %v", c.id, err)
			}
			return
		}
		if limit > 0 && int64(len(data)) > limit {
			s.rejectTooBig(c, int64(len(data)))
			return
		}
		if len(data) == 0 {
			continue
		}

		c.session.Handle(c.ctx, data)
	}
}

func (s *Server) rejectTooBig(c *Connection, size int64) {
	log.Printf("ws: message too large conn=%s size=%d", c.id, size)
	_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
}

// RemoveConnection unregisters and closes a connection and closes its
// session. Concurrent callers (read error and heartbeat timeout) clean up
// once.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	c.session.Close()

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.id, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	Uptime      string `json:"uptime"`
}

// handleHealth is used by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.online != nil {
		resp.Online = s.online()
	}
	writeJSON(w, http.StatusOK, resp)
}

type lastMessageResponse struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	ReceiverID  string `json:"receiver_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Timestamp   string `json:"timestamp"`
	IsRead      bool   `json:"is_read"`
	IsFlagged   bool   `json:"is_flagged"`
}

// handleLastMessage returns the newest message between user_a and user_b.
func (s *Server) handleLastMessage(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not available"})
		return
	}

	userA := r.URL.Query().Get("user_a")
	userB := r.URL.Query().Get("user_b")
	if userA == "" || userB == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_a and user_b are required"})
		return
	}

	m, err := s.conversations.LastBetween(r.Context(), userA, userB)
	if errors.Is(err, message.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no messages"})
		return
	}
	if err != nil {
		log.Printf("ws: last message lookup %s/%s: %v", userA, userB, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, lastMessageResponse{
		MessageID:   m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		MessageType: m.Type,
		Timestamp:   m.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsRead:      m.Read,
		IsFlagged:   m.Flagged,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Shutdown stops the HTTP listener and the heartbeat, closes every
// connection and waits for their sessions to finish cleanup or ctx to
// expire.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
		s.RemoveConnection(c)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("ws: server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

// isClosedErr reports errors that just mean the peer or we closed the
// socket.
func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
