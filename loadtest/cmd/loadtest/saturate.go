package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cosmicmatch/chatrelay/loadtest/client"
	"github.com/cosmicmatch/chatrelay/loadtest/stats"
)

// runSaturate opens one connection per generated user, then holds them idle
// while the relay's heartbeat keeps them alive. It shows the connection count
// at which the relay starts refusing or dropping clients.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Relay base URL")
	prefix := fs.String("user-prefix", "sat", "Prefix for generated user ids")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "", "Prometheus metrics endpoint URL (empty disables scraping)")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *metricsURL != "" {
		scraper = stats.NewScraper(*metricsURL, *scrapeInterval)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	run := strconv.FormatInt(time.Now().Unix(), 36)
	clients := make([]*client.Client, *connections)

	fmt.Println("\n--- Ramp-up ---")
	start := time.Now()
	last, lastAt := 0, start
	stopProgress := every(time.Second, func() {
		now, n := time.Now(), collector.ConnectionCount()
		rate := float64(n-last) / now.Sub(lastAt).Seconds()
		fmt.Printf("  [ramp] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
			n, *connections, collector.ErrorCount(), rate)
		last, lastAt = n, now
	})

	completed := ramp(ctx, rampConfig{N: *connections, Over: *rampUp, Concurrency: *concurrency}, func(i int) {
		userID := fmt.Sprintf("%s-%s-%d", *prefix, run, i)
		c, err := dialUser(ctx, *url, userID, collector)
		if err != nil {
			return
		}
		clients[i] = c
	})
	stopProgress()

	outcome := "complete"
	if !completed {
		outcome = "interrupted"
	}
	opened := collector.ConnectionCount()
	fmt.Printf("\nRamp-up %s: %d/%d connections in %s (%d errors)\n",
		outcome, opened, *connections, time.Since(start).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if completed {
		fmt.Printf("\n--- Holding %d connections for %s ---\n", opened, *hold)

		stopStatus := every(5*time.Second, func() {
			n := alive(clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", n, opened, opened-n)
		})
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold.")
		case <-time.After(*hold):
		}
		stopStatus()
		dropped = opened - alive(clients)
	}

	fmt.Printf("\n--- Cleanup ---\nClosed %d connections.\n", closeClients(clients))
	if dropped > 0 {
		fmt.Printf("Connections dropped during hold: %d\n", dropped)
	}
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}
