package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cosmicmatch/chatrelay/internal/ai"
	"github.com/cosmicmatch/chatrelay/internal/ban"
	"github.com/cosmicmatch/chatrelay/internal/media"
	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/moderation"
	"github.com/cosmicmatch/chatrelay/internal/ratelimit"
	"github.com/cosmicmatch/chatrelay/internal/registry"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	failing bool
	closed  bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing || c.closed {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) setFailing(v bool) {
	c.mu.Lock()
	c.failing = v
	c.mu.Unlock()
}

type event map[string]any

func (e event) str(key string) string {
	s, _ := e[key].(string)
	return s
}

func (c *fakeConn) events(t *testing.T) []event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event, 0, len(c.frames))
	for _, f := range c.frames {
		var e event
		if err := json.Unmarshal(f, &e); err != nil {
			t.Fatalf("frame is not JSON: %s", f)
		}
		out = append(out, e)
	}
	return out
}

func (c *fakeConn) ofType(t *testing.T, typ string) []event {
	t.Helper()
	var out []event
	for _, e := range c.events(t) {
		if e.str("type") == typ {
			out = append(out, e)
		}
	}
	return out
}

type fakeSuggester struct {
	gotTone string
	err     error
}

func (f *fakeSuggester) Suggest(_ context.Context, _ string, _ *message.Message, tone string) (*ai.Suggestions, error) {
	f.gotTone = tone
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Suggestions{Replies: []string{"hey you", "sounds fun"}, RemainingToday: 4}, nil
}

type fakeBans map[string]bool

func (f fakeBans) Check(_ context.Context, userID string) (ban.Status, error) {
	return ban.Status{Banned: f[userID], Reason: "threat"}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

// failingStore fails Create and MarkRead once the matching error is set.
type failingStore struct {
	*message.MemoryStore
	createErr   error
	markReadErr error
}

func (f *failingStore) Create(ctx context.Context, m *message.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.MemoryStore.Create(ctx, m)
}

func (f *failingStore) MarkRead(ctx context.Context, receiverID string, ids []string) ([]message.Message, error) {
	if f.markReadErr != nil {
		return nil, f.markReadErr
	}
	return f.MemoryStore.MarkRead(ctx, receiverID, ids)
}

type panicSuggester struct{}

func (panicSuggester) Suggest(context.Context, string, *message.Message, string) (*ai.Suggestions, error) {
	panic("suggester exploded")
}

type recordingPresence struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPresence) PublishPresence(userID, status string) error {
	p.mu.Lock()
	p.events = append(p.events, userID+":"+status)
	p.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t     *testing.T
	reg   *registry.Registry
	store *message.MemoryStore
	svc   *Service
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		reg:   registry.New(),
		store: message.NewMemoryStore(),
	}
	cfg := Config{Registry: h.reg, Messages: h.store}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = NewService(cfg)
	return h
}

func (h *harness) open(userID, connID string) (*Session, *fakeConn) {
	h.t.Helper()
	conn := newFakeConn(connID)
	s := h.svc.NewSession(userID, conn)
	if err := s.Open(context.Background()); err != nil {
		h.t.Fatalf("Open(%s) error: %v", userID, err)
	}
	return s, conn
}

func send(s *Session, raw string) {
	s.Handle(context.Background(), []byte(raw))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMessage_OnlineReceiverGetsItAndSenderGetsReceipt(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"hi bob"}`)

	msgs := bobConn.ofType(t, "message")
	if len(msgs) != 1 {
		t.Fatalf("bob got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.str("content") != "hi bob" || got.str("sender_id") != "alice" || got.str("message_type") != "text" {
		t.Errorf("unexpected message: %v", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.str("timestamp")); err != nil {
		t.Errorf("timestamp %q is not RFC 3339: %v", got.str("timestamp"), err)
	}
	if _, ok := got["media_url"]; ok {
		t.Error("text message must not carry media_url")
	}

	receipts := aliceConn.ofType(t, "delivery_receipt")
	if len(receipts) != 1 || receipts[0].str("message_id") != got.str("message_id") {
		t.Fatalf("alice receipts = %v", receipts)
	}

	stored, err := h.store.Get(context.Background(), got.str("message_id"))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !stored.Delivered {
		t.Error("delivered message not marked delivered")
	}
}

func TestMessage_OfflineReceiverGetsBacklogOnConnect(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.open("alice", "c-alice")

	send(alice, `{"type":"message","receiver_id":"bob","content":"first"}`)
	send(alice, `{"type":"message","receiver_id":"bob","content":"second"}`)

	if n := len(aliceConn.ofType(t, "delivery_receipt")); n != 0 {
		t.Fatalf("alice got %d receipts while bob offline", n)
	}
	pending, _ := h.store.ListUndelivered(context.Background(), "bob")
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	_, bobConn := h.open("bob", "c-bob")

	msgs := bobConn.ofType(t, "message")
	if len(msgs) != 2 || msgs[0].str("content") != "first" || msgs[1].str("content") != "second" {
		t.Fatalf("backlog = %v", msgs)
	}

	receipts := aliceConn.ofType(t, "delivery_receipt")
	if len(receipts) != 2 ||
		receipts[0].str("message_id") != pending[0].ID ||
		receipts[1].str("message_id") != pending[1].ID {
		t.Errorf("receipts = %v", receipts)
	}

	pending, _ = h.store.ListUndelivered(context.Background(), "bob")
	if len(pending) != 0 {
		t.Errorf("%d messages still undelivered after flush", len(pending))
	}
}

func TestMessage_BackToBackKeepOrder(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"one"}`)
	send(alice, `{"type":"message","receiver_id":"bob","content":"two"}`)

	msgs := bobConn.ofType(t, "message")
	receipts := aliceConn.ofType(t, "delivery_receipt")
	if len(msgs) != 2 || len(receipts) != 2 {
		t.Fatalf("messages=%d receipts=%d, want 2 and 2", len(msgs), len(receipts))
	}
	if msgs[0].str("content") != "one" || msgs[1].str("content") != "two" {
		t.Errorf("order = %s, %s", msgs[0].str("content"), msgs[1].str("content"))
	}
	for i := range msgs {
		if receipts[i].str("message_id") != msgs[i].str("message_id") {
			t.Errorf("receipt %d for %s, want %s", i, receipts[i].str("message_id"), msgs[i].str("message_id"))
		}
	}
}

func TestFlush_StopsWhenSendFails(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.open("alice", "c-alice")
	send(alice, `{"type":"message","receiver_id":"bob","content":"queued"}`)

	conn := newFakeConn("c-bob")
	conn.setFailing(true)
	bob := h.svc.NewSession("bob", conn)
	if err := bob.Open(context.Background()); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	pending, _ := h.store.ListUndelivered(context.Background(), "bob")
	if len(pending) != 1 {
		t.Errorf("pending = %d, want message to stay queued", len(pending))
	}
}

func TestFlush_CancelledContextDeliversNothing(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.open("alice", "c-alice")
	send(alice, `{"type":"message","receiver_id":"bob","content":"queued"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := newFakeConn("c-bob")
	bob := h.svc.NewSession("bob", conn)
	if err := bob.Open(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Open() error = %v, want context.Canceled", err)
	}
	if n := len(conn.ofType(t, "message")); n != 0 {
		t.Errorf("delivered %d messages on a cancelled connection", n)
	}
}

func TestEndToEnd_ThreatRedactedForOfflineReceiver(t *testing.T) {
	h := newHarness(t, nil)
	pipeline := moderation.NewPipeline(moderation.DefaultPipelineConfig(), h.store, h.reg)
	pipeline.Start()
	h.svc.cfg.Moderation = pipeline

	alice, aliceConn := h.open("alice", "c-alice")
	send(alice, `{"type":"message","receiver_id":"bob","content":"I will find you and hurt you"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pipeline.Close(ctx); err != nil {
		t.Fatalf("pipeline Close() error: %v", err)
	}

	moderated := aliceConn.ofType(t, "message_moderated")
	if len(moderated) != 1 {
		t.Fatalf("alice got %d message_moderated events, want 1", len(moderated))
	}
	if moderated[0].str("placeholder") != moderation.Placeholder {
		t.Errorf("placeholder = %q", moderated[0].str("placeholder"))
	}

	_, bobConn := h.open("bob", "c-bob")
	msgs := bobConn.ofType(t, "message")
	if len(msgs) != 1 {
		t.Fatalf("bob backlog = %d messages, want 1", len(msgs))
	}
	if msgs[0].str("content") != moderation.Placeholder {
		t.Errorf("bob received %q, want the placeholder", msgs[0].str("content"))
	}

	stored, _ := h.store.Get(context.Background(), msgs[0].str("message_id"))
	if !stored.Flagged || stored.FlaggedReason != moderation.ReasonThreat {
		t.Errorf("stored flagged=%v reason=%q", stored.Flagged, stored.FlaggedReason)
	}
}

func TestModeration_SkipsMediaAndEmptyText(t *testing.T) {
	h := newHarness(t, nil)
	pipeline := moderation.NewPipeline(moderation.PipelineConfig{Workers: 1, QueueSize: 1}, h.store, h.reg)
	h.svc.cfg.Moderation = pipeline

	alice, _ := h.open("alice", "c-alice")
	send(alice, `{"type":"message","receiver_id":"bob","content":""}`)
	send(alice, `{"type":"message","receiver_id":"bob","content":"idiot","message_type":"media","media_id":"8f14e45f-ceea-467f-a0e6-7a3c2b1d9e10"}`)

	// With one queue slot and no workers, a submitted job would fill the
	// queue; the next submit must therefore still succeed.
	if err := pipeline.Submit(moderation.Job{MessageID: "sentinel"}); err != nil {
		t.Errorf("queue already had a job: %v", err)
	}
}

func TestReadReceipt_OnlyReceiverCanMarkRead(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceConn := h.open("alice", "c-alice")
	bob, bobConn := h.open("bob", "c-bob")
	carol, _ := h.open("carol", "c-carol")

	send(alice, `{"type":"message","receiver_id":"bob","content":"a1"}`)
	send(alice, `{"type":"message","receiver_id":"bob","content":"a2"}`)
	send(carol, `{"type":"message","receiver_id":"alice","content":"c1"}`)

	toBob := bobConn.ofType(t, "message")
	toAlice := aliceConn.ofType(t, "message")
	ids := []string{toBob[0].str("message_id"), toBob[1].str("message_id"), toAlice[0].str("message_id")}

	raw, _ := json.Marshal(map[string]any{"type": "read_receipt", "message_ids": ids})
	bob.Handle(context.Background(), raw)

	receipts := aliceConn.ofType(t, "read_receipt")
	if len(receipts) != 1 {
		t.Fatalf("alice got %d read receipts, want 1", len(receipts))
	}
	got, _ := receipts[0]["message_ids"].([]any)
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("read receipt ids = %v, want %v", got, ids[:2])
	}

	foreign, _ := h.store.Get(context.Background(), ids[2])
	if foreign.Read {
		t.Error("bob marked a message addressed to alice as read")
	}

	// Repeating the receipt changes nothing and notifies nobody.
	bob.Handle(context.Background(), raw)
	if n := len(aliceConn.ofType(t, "read_receipt")); n != 1 {
		t.Errorf("duplicate read receipt sent: %d", n)
	}
}

func TestTypingRelay(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"typing","receiver_id":"bob"}`)
	send(alice, `{"type":"stop_typing","receiver_id":"bob"}`)
	send(alice, `{"type":"typing"}`)

	evs := bobConn.events(t)
	if len(evs) != 2 {
		t.Fatalf("bob got %d events, want 2", len(evs))
	}
	if evs[0].str("type") != "typing" || evs[0].str("from") != "alice" {
		t.Errorf("first event = %v", evs[0])
	}
	if evs[1].str("type") != "stop_typing" || evs[1].str("from") != "alice" {
		t.Errorf("second event = %v", evs[1])
	}

	if pending, _ := h.store.ListUndelivered(context.Background(), "bob"); len(pending) != 0 {
		t.Errorf("typing persisted %d messages", len(pending))
	}
}

func TestProtocolErrorsKeepSessionOpen(t *testing.T) {
	h := newHarness(t, nil)
	alice, conn := h.open("alice", "c-alice")

	inputs := []string{
		`[1,2,3]`,
		`not json`,
		`{"receiver_id":"bob"}`,
		`{"type":"dance"}`,
		`{"type":"message","receiver_id":"bob"}`,
		`{"type":"message","content":"hi"}`,
		`{"type":"message","receiver_id":"bob","content":"hi","message_type":"video"}`,
		`{"type":"message","receiver_id":"bob","content":"hi","media_id":"not-a-uuid"}`,
		`{"type":"message","receiver_id":"bob","content":42}`,
		`{"type":"ai_request"}`,
		`{"type":"ping"}`,
	}
	for _, in := range inputs {
		send(alice, in)
	}

	want := []string{
		"Missing type",
		"Unknown event type: dance",
		errMissingContent,
		errMissingReceiver,
		errInvalidMessageType,
		errInvalidMediaID,
		errInvalidPayload,
		errMissingOriginal,
	}

	evs := conn.events(t)
	if len(evs) != len(want)+1 {
		t.Fatalf("got %d events, want %d: %v", len(evs), len(want)+1, evs)
	}
	for i, w := range want {
		if evs[i].str("type") != "error" || evs[i].str("message") != w {
			t.Errorf("event %d = %v, want error %q", i, evs[i], w)
		}
	}
	if evs[len(evs)-1].str("type") != "pong" {
		t.Errorf("last event = %v, want pong", evs[len(evs)-1])
	}
	if alice.State() != StateActive {
		t.Errorf("state = %v, want active", alice.State())
	}
}

func TestStoreFailureKeepsSessionOpen(t *testing.T) {
	store := &failingStore{MemoryStore: message.NewMemoryStore()}
	h := newHarness(t, func(c *Config) { c.Messages = store })
	alice, aliceConn := h.open("alice", "c-alice")
	bob, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"before"}`)
	delivered := bobConn.ofType(t, "message")
	if len(delivered) != 1 {
		t.Fatalf("bob got %d messages, want 1", len(delivered))
	}
	id := delivered[0].str("message_id")

	store.createErr = errors.New("db down")
	store.markReadErr = errors.New("db down")

	t.Run("send", func(t *testing.T) {
		send(alice, `{"type":"message","receiver_id":"bob","content":"lost"}`)
		send(alice, `{"type":"ai_selected","receiver_id":"bob","content":"lost too"}`)
		send(alice, `{"type":"ping"}`)

		evs := aliceConn.events(t)
		want := []string{"delivery_receipt", "error", "error", "pong"}
		if len(evs) != len(want) {
			t.Fatalf("alice events = %v, want types %v", evs, want)
		}
		for i, typ := range want {
			if evs[i].str("type") != typ {
				t.Errorf("event %d = %v, want %s", i, evs[i], typ)
			}
		}
		for _, e := range evs[1:3] {
			if e.str("message") != errSendFailed {
				t.Errorf("error = %q, want %q", e.str("message"), errSendFailed)
			}
		}

		if n := len(bobConn.ofType(t, "message")); n != 1 {
			t.Errorf("bob got %d messages, want 1", n)
		}
		last, err := store.LastBetween(context.Background(), "alice", "bob")
		if err != nil || last.Content != "before" {
			t.Errorf("LastBetween() = %v, %v; failed sends must not be stored", last, err)
		}
	})

	t.Run("read receipt", func(t *testing.T) {
		send(bob, `{"type":"read_receipt","message_ids":["`+id+`"]}`)
		send(bob, `{"type":"ping"}`)

		errs := bobConn.ofType(t, "error")
		if len(errs) != 1 || errs[0].str("message") != errReadFailed {
			t.Errorf("bob errors = %v", errs)
		}
		if n := len(bobConn.ofType(t, "pong")); n != 1 {
			t.Errorf("bob got %d pongs, want 1", n)
		}
		if n := len(aliceConn.ofType(t, "read_receipt")); n != 0 {
			t.Errorf("alice got %d read receipts for a failed update", n)
		}
		m, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if m.Read {
			t.Error("message marked read although the update failed")
		}
	})

	if alice.State() != StateActive || bob.State() != StateActive {
		t.Errorf("states = %v/%v, want active", alice.State(), bob.State())
	}
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AI = panicSuggester{} })
	alice, _ := h.open("alice", "c-alice")
	bob, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"dinner?"}`)
	id := bobConn.ofType(t, "message")[0].str("message_id")

	send(bob, `{"type":"ai_request","original_message_id":"`+id+`"}`)
	send(bob, `{"type":"ping"}`)

	errs := bobConn.ofType(t, "error")
	if len(errs) != 1 || errs[0].str("message") != errInternal {
		t.Errorf("errors = %v", errs)
	}
	if n := len(bobConn.ofType(t, "pong")); n != 1 {
		t.Errorf("bob got %d pongs after the panic, want 1", n)
	}
	if bob.State() != StateActive {
		t.Errorf("state = %v, want active", bob.State())
	}
}

func TestRateLimitZeroDisablesThrottling(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Limiter = denyLimiter{}
		c.MessageRule = ratelimit.Rule{Key: ratelimit.RuleMessage.Key, Limit: 0, Window: time.Second}
	})
	alice, aliceConn := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"hi"}`)

	if errs := aliceConn.ofType(t, "error"); len(errs) != 0 {
		t.Errorf("errors = %v", errs)
	}
	if n := len(bobConn.ofType(t, "message")); n != 1 {
		t.Errorf("bob got %d messages, want 1", n)
	}
}

func TestAIRequest(t *testing.T) {
	suggester := &fakeSuggester{}
	h := newHarness(t, func(c *Config) { c.AI = suggester })
	alice, _ := h.open("alice", "c-alice")
	bob, bobConn := h.open("bob", "c-bob")
	carol, carolConn := h.open("carol", "c-carol")

	send(alice, `{"type":"message","receiver_id":"bob","content":"dinner?"}`)
	id := bobConn.ofType(t, "message")[0].str("message_id")

	send(bob, `{"type":"ai_request","original_message_id":"`+id+`"}`)
	sugg := bobConn.ofType(t, "ai_suggestions")
	if len(sugg) != 1 {
		t.Fatalf("bob got %d ai_suggestions, want 1", len(sugg))
	}
	if sugg[0].str("original_message_id") != id || sugg[0]["remaining_today"] != float64(4) {
		t.Errorf("unexpected suggestions: %v", sugg[0])
	}
	if suggester.gotTone != ai.DefaultTone {
		t.Errorf("tone = %q, want default %q", suggester.gotTone, ai.DefaultTone)
	}

	send(bob, `{"type":"ai_request","original_message_id":"missing"}`)
	send(carol, `{"type":"ai_request","original_message_id":"`+id+`"}`)
	for _, c := range []*fakeConn{bobConn, carolConn} {
		errs := c.ofType(t, "error")
		if len(errs) != 1 || errs[0].str("message") != errOriginalNotFound {
			t.Errorf("%s errors = %v", c.id, errs)
		}
	}

	suggester.err = ai.ErrQuotaExceeded
	send(bob, `{"type":"ai_request","original_message_id":"`+id+`","tone":"funny"}`)
	errs := bobConn.ofType(t, "error")
	if errs[len(errs)-1].str("message") != errAIQuota {
		t.Errorf("quota error = %v", errs[len(errs)-1])
	}
}

func TestAIRequest_Disabled(t *testing.T) {
	h := newHarness(t, nil)
	alice, _ := h.open("alice", "c-alice")
	bob, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"hey"}`)
	id := bobConn.ofType(t, "message")[0].str("message_id")

	send(bob, `{"type":"ai_request","original_message_id":"`+id+`"}`)
	errs := bobConn.ofType(t, "error")
	if len(errs) != 1 || errs[0].str("message") != errAIUnavailable {
		t.Errorf("errors = %v", errs)
	}
}

func TestAISelected_DeliveredWithoutModeration(t *testing.T) {
	h := newHarness(t, nil)
	pipeline := moderation.NewPipeline(moderation.PipelineConfig{Workers: 1, QueueSize: 1}, h.store, h.reg)
	h.svc.cfg.Moderation = pipeline

	alice, aliceConn := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"ai_selected","receiver_id":"bob","content":"you idiot, come here"}`)

	msgs := bobConn.ofType(t, "message")
	if len(msgs) != 1 || msgs[0].str("message_type") != "text" {
		t.Fatalf("bob messages = %v", msgs)
	}
	if n := len(aliceConn.ofType(t, "delivery_receipt")); n != 1 {
		t.Errorf("alice receipts = %d, want 1", n)
	}
	if err := pipeline.Submit(moderation.Job{MessageID: "sentinel"}); err != nil {
		t.Errorf("ai_selected was submitted for moderation: %v", err)
	}

	send(alice, `{"type":"ai_selected","receiver_id":"bob"}`)
	errs := aliceConn.ofType(t, "error")
	if len(errs) != 1 || errs[0].str("message") != errMissingContent {
		t.Errorf("errors = %v", errs)
	}
}

func TestMediaResolved(t *testing.T) {
	lookup := media.NewMemoryStore()
	mediaID := "8f14e45f-ceea-467f-a0e6-7a3c2b1d9e10"
	lookup.Put(media.Media{ID: mediaID, URL: "https://cdn.example/p.jpg", ThumbURL: "https://cdn.example/p_t.jpg"})

	h := newHarness(t, func(c *Config) { c.Media = lookup })
	alice, _ := h.open("alice", "c-alice")
	_, bobConn := h.open("bob", "c-bob")

	send(alice, `{"type":"message","receiver_id":"bob","content":"","message_type":"media","media_id":"`+mediaID+`"}`)

	msgs := bobConn.ofType(t, "message")
	if len(msgs) != 1 {
		t.Fatalf("bob messages = %d", len(msgs))
	}
	m := msgs[0]
	if m.str("media_id") != mediaID || m.str("media_url") != "https://cdn.example/p.jpg" || m.str("thumb_url") != "https://cdn.example/p_t.jpg" {
		t.Errorf("media fields = %v", m)
	}
	if m.str("message_type") != "media" {
		t.Errorf("message_type = %q", m.str("message_type"))
	}
}

func TestRestrictions(t *testing.T) {
	t.Run("banned sender", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Bans = fakeBans{"alice": true} })
		alice, conn := h.open("alice", "c-alice")
		send(alice, `{"type":"message","receiver_id":"bob","content":"hi"}`)

		errs := conn.ofType(t, "error")
		if len(errs) != 1 || errs[0].str("message") != errRestricted {
			t.Errorf("errors = %v", errs)
		}
		if pending, _ := h.store.ListUndelivered(context.Background(), "bob"); len(pending) != 0 {
			t.Error("restricted message was stored")
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		h := newHarness(t, func(c *Config) { c.Limiter = denyLimiter{} })
		alice, conn := h.open("alice", "c-alice")
		send(alice, `{"type":"message","receiver_id":"bob","content":"hi"}`)

		errs := conn.ofType(t, "error")
		if len(errs) != 1 || errs[0].str("message") != errRateLimited {
			t.Errorf("errors = %v", errs)
		}
	})
}

func TestClose(t *testing.T) {
	presence := &recordingPresence{}
	h := newHarness(t, func(c *Config) { c.Presence = presence })

	first, _ := h.open("alice", "c-1")
	second, secondConn := h.open("alice", "c-2")

	// The first connection was evicted; closing it must not drop the route.
	first.Close()
	if !h.reg.IsOnline("alice") {
		t.Fatal("stale close removed the current route")
	}
	if !h.reg.Send("alice", []byte(`{"type":"pong"}`)) || len(secondConn.events(t)) != 1 {
		t.Error("route does not point at the newest connection")
	}

	second.Close()
	second.Close()
	if h.reg.IsOnline("alice") {
		t.Error("alice still online after closing her last connection")
	}
	if second.State() != StateClosed {
		t.Errorf("state = %v, want closed", second.State())
	}

	second.Handle(context.Background(), []byte(`{"type":"ping"}`))
	if n := len(secondConn.events(t)); n != 1 {
		t.Errorf("closed session still replied (%d events)", n)
	}

	want := []string{"alice:online", "alice:online", "alice:offline"}
	presence.mu.Lock()
	defer presence.mu.Unlock()
	if len(presence.events) != len(want) {
		t.Fatalf("presence = %v, want %v", presence.events, want)
	}
	for i := range want {
		if presence.events[i] != want[i] {
			t.Errorf("presence[%d] = %q, want %q", i, presence.events[i], want[i])
		}
	}
}
