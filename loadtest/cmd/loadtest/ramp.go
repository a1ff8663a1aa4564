package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cosmicmatch/chatrelay/loadtest/client"
	"github.com/cosmicmatch/chatrelay/loadtest/stats"
)

const dialTimeout = 10 * time.Second

// rampConfig spreads n connection attempts evenly over a duration with a cap
// on how many may be in flight.
type rampConfig struct {
	N           int
	Over        time.Duration
	Concurrency int
}

// ramp calls launch(i) for every i in [0, N) on its own goroutine, pacing
// the launches and bounding concurrency. It waits for all launched calls and
// reports false if ctx ended before every index was launched.
func ramp(ctx context.Context, cfg rampConfig, launch func(i int)) bool {
	if cfg.N <= 0 {
		return true
	}
	interval := cfg.Over / time.Duration(cfg.N)
	if interval <= 0 {
		interval = time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < cfg.N; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		select {
		case <-ctx.Done():
			return false
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			launch(i)
		}(i)
	}
	return true
}

// every runs fn at the given interval until the returned stop is called.
func every(interval time.Duration, fn func()) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// dialUser connects as userID and waits for the session to answer a ping,
// which proves the backlog flush has finished and the session is active.
// Successful connects are recorded; failures count as errors.
func dialUser(ctx context.Context, baseURL, userID string, collector *stats.Collector, opts ...client.Option) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, err := client.New(ctx, baseURL, userID, opts...)
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := awaitPong(ctx, c); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)
	return c, nil
}

// awaitPong sends a ping event and waits for the pong.
func awaitPong(ctx context.Context, c *client.Client) error {
	pong := make(chan struct{}, 1)
	c.On(client.TypePong, func(json.RawMessage) {
		select {
		case pong <- struct{}{}:
		default:
		}
	})
	if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
		return err
	}
	select {
	case <-pong:
		return nil
	case <-c.Done():
		return fmt.Errorf("%s: connection closed before pong", c.UserID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeClients closes every non-nil client and returns how many it closed.
func closeClients(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	return n
}

// alive counts clients whose connection is still open.
func alive(clients []*client.Client) int {
	n := 0
	for _, c := range clients {
		if c == nil {
			continue
		}
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}
