package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cosmicmatch/chatrelay/loadtest/client"
	"github.com/cosmicmatch/chatrelay/loadtest/stats"
)

// peer is one side of a chatting pair. The relay sends delivery receipts in
// send order, so pending send times form a FIFO.
type peer struct {
	mu      sync.Mutex
	c       *client.Client
	unread  []string // ids seen before the dial returned
	pending []time.Time
	skip    int // receipts not timed (backlog sends)
}

// attach sets the dialed client and acknowledges messages that arrived
// during the dial (the offline backlog).
func (p *peer) attach(c *client.Client) {
	p.mu.Lock()
	p.c = c
	ids := p.unread
	p.unread = nil
	p.mu.Unlock()

	if len(ids) > 0 {
		_ = c.MarkRead(ids...)
	}
}

// markRead acknowledges id now, or defers it until attach.
func (p *peer) markRead(id string) {
	p.mu.Lock()
	c := p.c
	if c == nil {
		p.unread = append(p.unread, id)
	}
	p.mu.Unlock()

	if c != nil {
		_ = c.MarkRead(id)
	}
}

// chatRun holds the counters shared by every peer of one chat test.
type chatRun struct {
	collector *stats.Collector
	received  atomic.Int64
	moderated atomic.Int64
}

// handlers returns the client options that route server events to p. They
// are installed before the read loop starts so the backlog flushed right
// after the upgrade is observed.
func (r *chatRun) handlers(p *peer) []client.Option {
	return []client.Option{
		client.WithHandler(client.TypeMessage, func(raw json.RawMessage) { r.onMessage(p, raw) }),
		client.WithHandler(client.TypeDeliveryReceipt, func(json.RawMessage) { r.onReceipt(p) }),
		client.WithHandler(client.TypeMessageModerated, func(json.RawMessage) {
			r.moderated.Add(1)
			r.collector.AddModerated()
		}),
	}
}

// send stamps the content with the send time so the receiver can measure
// delivery latency.
func (r *chatRun) send(p *peer, to, payload string) error {
	now := time.Now()
	content := strconv.FormatInt(now.UnixNano(), 10) + "|" + payload

	p.mu.Lock()
	p.pending = append(p.pending, now)
	p.mu.Unlock()

	if err := p.c.SendChat(to, content); err != nil {
		p.mu.Lock()
		p.pending = p.pending[:len(p.pending)-1]
		p.mu.Unlock()
		return err
	}
	r.collector.AddSent()
	return nil
}

func (r *chatRun) onReceipt(p *peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	sent := p.pending[0]
	p.pending = p.pending[1:]
	if p.skip > 0 {
		p.skip--
		return
	}
	r.collector.AddReceipt(time.Since(sent))
}

// onMessage records delivery latency from the stamped content and answers
// with a read receipt.
func (r *chatRun) onMessage(p *peer, raw json.RawMessage) {
	var msg struct {
		MessageID string `json:"message_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	r.received.Add(1)

	if ts, _, ok := strings.Cut(msg.Content, "|"); ok {
		if n, err := strconv.ParseInt(ts, 10, 64); err == nil {
			r.collector.AddDelivery(time.Since(time.Unix(0, n)))
		}
	}
	if msg.MessageID != "" {
		p.markRead(msg.MessageID)
	}
}

// connectSide dials one side of every pair. Failed dials leave a nil peer.
func (r *chatRun) connectSide(ctx context.Context, label, url string, cfg rampConfig, name func(int) string) ([]*peer, bool) {
	peers := make([]*peer, cfg.N)
	start := time.Now()

	completed := ramp(ctx, cfg, func(i int) {
		p := &peer{}
		c, err := dialUser(ctx, url, name(i), r.collector, r.handlers(p)...)
		if err != nil {
			return
		}
		p.attach(c)
		peers[i] = p
	})

	live := 0
	for _, p := range peers {
		if p != nil {
			live++
		}
	}
	fmt.Printf("  [%s] %d/%d connected in %s (%d errors)\n",
		label, live, cfg.N, time.Since(start).Round(time.Millisecond), r.collector.ErrorCount())
	return peers, completed
}

// runChat drives pairs of users through the relay. First one side of each
// pair queues a backlog for its offline partner, who then connects and must
// receive it. Then both sides chat at a fixed interval while delivery and
// receipt latencies are measured.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Relay base URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for each side")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	backlog := fs.Int("backlog", 5, "Messages queued for each offline partner before it connects")
	backlogTimeout := fs.Duration("backlog-timeout", 10*time.Second, "Time allowed for backlogs to arrive")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, backlog=%d)\n",
		*pairs, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *backlog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := &chatRun{collector: stats.NewCollector()}
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	r.collector.SetScraper(scraper)
	scraper.Start(ctx)

	run := strconv.FormatInt(time.Now().UnixNano(), 36)
	userA := func(i int) string { return fmt.Sprintf("lt-%s-%d-a", run, i) }
	userB := func(i int) string { return fmt.Sprintf("lt-%s-%d-b", run, i) }
	payload := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]
	rcfg := rampConfig{N: *pairs, Over: *rampUp, Concurrency: *concurrency}

	var senders, receivers []*peer
	defer func() {
		var all []*client.Client
		for _, p := range append(senders, receivers...) {
			if p != nil {
				all = append(all, p.c)
			}
		}
		fmt.Printf("\n--- Cleanup ---\nClosed %d connections.\n", closeClients(all))
		scraper.Stop()
		r.collector.Report()
	}()

	fmt.Println("\n--- Phase 1: Offline backlog ---")
	var ok bool
	if senders, ok = r.connectSide(ctx, "senders", *url, rcfg, userA); !ok {
		return
	}

	queued := 0
	for i, s := range senders {
		if s == nil {
			continue
		}
		s.mu.Lock()
		s.skip = *backlog
		s.mu.Unlock()
		for n := 0; n < *backlog; n++ {
			if err := r.send(s, userB(i), payload); err != nil {
				r.collector.AddError()
				break
			}
			queued++
		}
	}

	if receivers, ok = r.connectSide(ctx, "receivers", *url, rcfg, userB); !ok {
		return
	}

	deadline := time.Now().Add(*backlogTimeout)
	for r.received.Load() < int64(queued) && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Printf("  [backlog] received %d/%d queued messages\n", r.received.Load(), queued)

	fmt.Printf("\n--- Phase 2: Chatting for %s ---\n", *chatDuration)
	chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()

	stopProgress := every(5*time.Second, func() {
		fmt.Printf("  [chat] recv: %d  moderated: %d  errors: %d\n",
			r.received.Load(), r.moderated.Load(), r.collector.ErrorCount())
	})

	var wg sync.WaitGroup
	talk := func(from *peer, to string) {
		defer wg.Done()
		ticker := time.NewTicker(*msgInterval)
		defer ticker.Stop()
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-from.c.Done():
				r.collector.AddError()
				return
			case <-ticker.C:
				if err := r.send(from, to, payload); err != nil {
					r.collector.AddError()
					return
				}
			}
		}
	}
	for i := range senders {
		a, b := senders[i], receivers[i]
		if a == nil || b == nil {
			continue
		}
		wg.Add(2)
		go talk(a, userB(i))
		go talk(b, userA(i))
	}
	wg.Wait()
	stopProgress()

	// Let the last receipts arrive before the report.
	time.Sleep(500 * time.Millisecond)
}
