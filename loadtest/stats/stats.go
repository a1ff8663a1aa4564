// Package stats aggregates load test measurements from many clients and
// prints a summary with percentile distributions, optionally alongside the
// relay's own Prometheus metrics.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// Summary describes one latency distribution.
type Summary struct {
	N             int
	Avg, P50, P95 time.Duration
	P99, Max      time.Duration
}

// summarize sorts samples in place and computes its distribution.
func summarize(samples []time.Duration) Summary {
	n := len(samples)
	if n == 0 {
		return Summary{}
	}
	slices.Sort(samples)

	rank := func(q float64) time.Duration {
		return samples[int(math.Ceil(float64(n)*q))-1]
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: samples[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: samples[n-1],
	}
}

func (s Summary) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(s.Avg), r(s.P50), r(s.P95), r(s.P99), r(s.Max), s.N)
}

// Collector aggregates results from many client goroutines. All methods are
// safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	scraper   *Scraper
	connect   []time.Duration
	delivery  []time.Duration // send -> receiver
	receipt   []time.Duration // send -> delivery_receipt
	sent      int
	moderated int
	errors    int
}

// NewCollector creates a Collector whose clock starts now.
func NewCollector() *Collector {
	return &Collector{started: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) record(dst *[]time.Duration, d time.Duration) {
	c.mu.Lock()
	*dst = append(*dst, d)
	c.mu.Unlock()
}

func (c *Collector) count(dst *int) {
	c.mu.Lock()
	*dst++
	c.mu.Unlock()
}

// AddConnect records one successful connection and how long it took.
func (c *Collector) AddConnect(d time.Duration) { c.record(&c.connect, d) }

// AddDelivery records the time from send until the receiver got the message.
func (c *Collector) AddDelivery(d time.Duration) { c.record(&c.delivery, d) }

// AddReceipt records the time from send until the sender got the delivery
// receipt.
func (c *Collector) AddReceipt(d time.Duration) { c.record(&c.receipt, d) }

// AddSent counts one chat message sent.
func (c *Collector) AddSent() { c.count(&c.sent) }

// AddModerated counts one message_moderated event.
func (c *Collector) AddModerated() { c.count(&c.moderated) }

// AddError counts one failure.
func (c *Collector) AddError() { c.count(&c.errors) }

// ConnectionCount returns the number of successful connections so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connect)
}

// ErrorCount returns the number of failures so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := len(c.connect)
	fmt.Println("\n=== chatrelay Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", conns)
	fmt.Printf("Errors:       %d\n", c.errors)
	if conns > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(conns)*100)
	}
	if c.sent > 0 {
		delivered := len(c.delivery)
		fmt.Printf("Messages:     %d sent, %d delivered (%.2f%%), %d moderated\n",
			c.sent, delivered, float64(delivered)/float64(c.sent)*100, c.moderated)
	}

	sections := []struct {
		title   string
		samples []time.Duration
	}{
		{"Connect Latency", c.connect},
		{"Delivery Latency (send -> receiver)", c.delivery},
		{"Receipt Latency (send -> delivery_receipt)", c.receipt},
	}
	for _, sec := range sections {
		if len(sec.samples) == 0 {
			continue
		}
		fmt.Printf("\n--- %s ---\n  %s\n", sec.title, summarize(sec.samples))
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}
