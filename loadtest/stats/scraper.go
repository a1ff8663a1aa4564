package stats

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Relay series summarised in the report. Labelled series are summed.
const (
	seriesConnections  = "chatrelay_connections_total"
	seriesOnline       = "chatrelay_online_users"
	seriesMessages     = "chatrelay_messages_total"
	seriesBacklog      = "chatrelay_backlog_delivered_total"
	seriesQueueDepth   = "chatrelay_moderation_queue_depth"
	seriesQueueDropped = "chatrelay_moderation_dropped_total"
	seriesEventLatency = "chatrelay_event_latency_seconds"
)

var reportRows = []struct {
	label  string
	series string
}{
	{"Connections", seriesConnections},
	{"Online Users", seriesOnline},
	{"Messages Total", seriesMessages},
	{"Backlog Sent", seriesBacklog},
	{"Mod Queue", seriesQueueDepth},
	{"Mod Dropped", seriesQueueDropped},
}

// snapshot is one scrape: series name to value, plus the event latency
// histogram's running sum and count.
type snapshot struct {
	at           time.Time
	values       map[string]float64
	latencySum   float64
	latencyCount uint64
}

// Scraper periodically fetches the relay's Prometheus metrics so the report
// can show server-side numbers next to client-side ones.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start scrapes once immediately and then every interval until ctx ends or
// Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop ends background scraping after a final scrape. Safe to call twice.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return // relay not up yet
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

// parseSnapshot decodes the text exposition format and keeps the relay
// series the report uses.
func parseSnapshot(r io.Reader) (snapshot, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return snapshot{}, fmt.Errorf("parse metrics: %w", err)
	}

	snap := snapshot{values: make(map[string]float64)}
	for _, row := range reportRows {
		if mf, ok := families[row.series]; ok {
			snap.values[row.series] = sumFamily(mf)
		}
	}
	if mf, ok := families[seriesEventLatency]; ok {
		for _, m := range mf.GetMetric() {
			h := m.GetHistogram()
			snap.latencySum += h.GetSampleSum()
			snap.latencyCount += h.GetSampleCount()
		}
	}
	return snap, nil
}

func sumFamily(mf *dto.MetricFamily) float64 {
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Untyped != nil:
			total += m.GetUntyped().GetValue()
		}
	}
	return total
}

// Report prints initial, final, delta and peak for each tracked series and
// the average event handling time over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, row := range reportRows {
		peak := math.Inf(-1)
		for _, sn := range snaps {
			peak = math.Max(peak, sn.values[row.series])
		}
		initial, final := first.values[row.series], last.values[row.series]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", row.label, initial, final, final-initial, peak)
	}

	fmt.Println()
	if n := last.latencyCount - first.latencyCount; n > 0 {
		avg := (last.latencySum - first.latencySum) / float64(n)
		fmt.Printf("  %-16s avg: %.4fs  (%d observations)\n", "Event Handling", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Event Handling")
	}
}
