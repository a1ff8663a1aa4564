package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/cosmicmatch/chatrelay/internal/message"
)

// echoSession records lifecycle calls and echoes every frame back.
type echoSession struct {
	conn *Connection

	opened    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	frames []string
}

func newEchoSession(conn *Connection) *echoSession {
	return &echoSession{
		conn:   conn,
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *echoSession) Open(ctx context.Context) error {
	close(s.opened)
	return nil
}

func (s *echoSession) Handle(ctx context.Context, data []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, string(data))
	s.mu.Unlock()
	_ = s.conn.WriteMessage(data)
}

func (s *echoSession) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type testServer struct {
	*Server
	http *httptest.Server

	mu       sync.Mutex
	sessions map[string]*echoSession
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	config := DefaultServerConfig()
	config.Heartbeat.Interval = 0
	if mutate != nil {
		mutate(&config)
	}

	ts := &testServer{sessions: make(map[string]*echoSession)}
	ts.Server = NewServer(config, func(userID string, c *Connection) Session {
		s := newEchoSession(c)
		ts.mu.Lock()
		ts.sessions[userID] = s
		ts.mu.Unlock()
		return s
	})
	ts.http = httptest.NewServer(ts.Handler())
	t.Cleanup(ts.http.Close)
	return ts
}

func (ts *testServer) session(t *testing.T, userID string) *echoSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		s := ts.sessions[userID]
		ts.mu.Unlock()
		if s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no session for %s", userID)
	return nil
}

func (ts *testServer) dial(t *testing.T, userID string) net.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws/chat/" + userID
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session close")
	}
}

// ---- Test: frames reach the session in order and replies reach the client ----

func TestServer_RoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "alice")
	sess := ts.session(t, "alice")
	<-sess.opened

	for _, msg := range []string{`{"type":"ping"}`, `{"type":"typing"}`, `{"type":"stop_typing"}`} {
		if err := wsutil.WriteClientText(conn, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != msg {
			t.Errorf("echo = %s, want %s", got, msg)
		}
	}

	sess.mu.Lock()
	n := len(sess.frames)
	sess.mu.Unlock()
	if n != 3 {
		t.Errorf("session handled %d frames, want 3", n)
	}
	if ts.Connections().Count() != 1 {
		t.Errorf("connections = %d, want 1", ts.Connections().Count())
	}
}

func TestServer_PingAnsweredWithPong(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "alice")
	<-ts.session(t, "alice").opened

	if err := ws.WriteFrame(conn, ws.MaskFrame(ws.NewPingFrame([]byte("hb")))); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := ws.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Header.OpCode != ws.OpPong {
		t.Fatalf("opcode = %v, want pong", frame.Header.OpCode)
	}
	if string(frame.Payload) != "hb" {
		t.Errorf("pong payload = %q, want %q", frame.Payload, "hb")
	}
}

func TestServer_ClientCloseClosesSession(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "alice")
	sess := ts.session(t, "alice")
	<-sess.opened

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	if err := ws.WriteFrame(conn, ws.MaskFrame(ws.NewCloseFrame(body))); err != nil {
		t.Fatalf("write close: %v", err)
	}

	waitClosed(t, sess.closed)
	if n := ts.Connections().Count(); n != 0 {
		t.Errorf("connections = %d after close, want 0", n)
	}
}

func TestServer_OversizedFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) { c.MaxMessageBytes = 16 })
	conn := ts.dial(t, "alice")
	sess := ts.session(t, "alice")
	<-sess.opened

	if err := wsutil.WriteClientText(conn, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitClosed(t, sess.closed)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.frames) != 0 {
		t.Errorf("oversized frame reached the session")
	}
}

func writeFragments(t *testing.T, conn net.Conn, parts ...string) {
	t.Helper()
	for i, p := range parts {
		op := ws.OpContinuation
		if i == 0 {
			op = ws.OpText
		}
		frame := ws.NewFrame(op, i == len(parts)-1, []byte(p))
		if err := ws.WriteFrame(conn, ws.MaskFrame(frame)); err != nil {
			t.Fatalf("write fragment %d: %v", i, err)
		}
	}
}

func TestServer_FragmentedMessageReassembled(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "alice")
	sess := ts.session(t, "alice")
	<-sess.opened

	writeFragments(t, conn, `{"type":`, `"message","content":`, `"hello"}`)
	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{`{"type":"message","content":"hello"}`, `{"type":"ping"}`} {
		got, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Errorf("echo = %s, want %s", got, want)
		}
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.frames) != 2 {
		t.Errorf("session handled %d messages, want 2: %q", len(sess.frames), sess.frames)
	}
}

func TestServer_OversizedFragmentedMessageClosesConnection(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) { c.MaxMessageBytes = 16 })
	conn := ts.dial(t, "alice")
	sess := ts.session(t, "alice")
	<-sess.opened

	writeFragments(t, conn, strings.Repeat("x", 10), strings.Repeat("y", 10))
	waitClosed(t, sess.closed)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.frames) != 0 {
		t.Errorf("oversized message reached the session")
	}
}

func TestServer_Shutdown(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.dial(t, "alice")
	ts.dial(t, "bob")
	alice := ts.session(t, "alice")
	bob := ts.session(t, "bob")
	<-alice.opened
	<-bob.opened

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	waitClosed(t, alice.closed)
	waitClosed(t, bob.closed)
	if n := ts.Connections().Count(); n != 0 {
		t.Errorf("connections = %d after shutdown", n)
	}
}

// ---- Test: HTTP endpoints ----

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.SetOnlineCounter(func() int { return 7 })

	resp, err := http.Get(ts.http.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Online != 7 || body.Connections != 0 {
		t.Errorf("unexpected health: %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "chatrelay_") {
		t.Error("metrics output has no chatrelay_ series")
	}
}

func TestLastMessageEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	store := message.NewMemoryStore()
	ts.SetConversations(store)

	get := func(query string) (*http.Response, lastMessageResponse) {
		t.Helper()
		resp, err := http.Get(ts.http.URL + "/internal/conversations/last" + query)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()
		var body lastMessageResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	if resp, _ := get("?user_a=alice"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing user_b: status = %d, want 400", resp.StatusCode)
	}
	if resp, _ := get("?user_a=alice&user_b=bob"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("no messages: status = %d, want 404", resp.StatusCode)
	}

	ctx := context.Background()
	_ = store.Create(ctx, &message.Message{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	last := &message.Message{SenderID: "bob", ReceiverID: "alice", Content: "hey"}
	_ = store.Create(ctx, last)

	resp, body := get("?user_a=alice&user_b=bob")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body.MessageID != last.ID || body.Content != "hey" || body.SenderID != "bob" {
		t.Errorf("unexpected body: %+v", body)
	}
}

// ---- Test: heartbeat ----

func TestCheckConnections(t *testing.T) {
	server := NewServer(DefaultServerConfig(), nil)
	config := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}

	newPipeConn := func(id string) (*Connection, *echoSession) {
		local, remote := net.Pipe()
		go io.Copy(io.Discard, remote)
		t.Cleanup(func() { remote.Close() })

		c := newConnection(id, "user-"+id, local, time.Second)
		s := newEchoSession(c)
		c.session = s
		server.conns.Add(c)
		return c, s
	}

	fresh, freshSess := newPipeConn("fresh")
	stale, staleSess := newPipeConn("stale")
	stale.lastActive.Store(time.Now().Add(-time.Minute).UnixNano())

	var touched []string
	server.SetOnHeartbeat(func(c *Connection) { touched = append(touched, c.ID()) })

	checkConnections(server, config, time.Now())

	waitClosed(t, staleSess.closed)
	if server.conns.Get(stale.ID()) != nil {
		t.Error("stale connection still registered")
	}
	if server.conns.Get(fresh.ID()) == nil {
		t.Error("fresh connection was evicted")
	}
	select {
	case <-freshSess.closed:
		t.Error("fresh session closed")
	default:
	}
	if len(touched) != 1 || touched[0] != "fresh" {
		t.Errorf("heartbeat callback ran for %v, want [fresh]", touched)
	}
}
