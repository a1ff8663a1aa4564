package main

import (
	"context"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cosmicmatch/chatrelay"
	"github.com/cosmicmatch/chatrelay/internal/audit"
	"github.com/cosmicmatch/chatrelay/internal/config"
	"github.com/cosmicmatch/chatrelay/internal/database"
	"github.com/cosmicmatch/chatrelay/internal/messaging"
)

// auditQueue load-balances results across moderator replicas.
const auditQueue = "moderation-audit"

func main() {
	log.Println("Starting chatrelay moderation audit service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatalf("DATABASE_URL is required")
	}
	if cfg.NATSURL == "" {
		log.Fatalf("NATS_URL is required")
	}

	// PostgreSQL setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	cancel()
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	if cfg.RunMigrations {
		migrations, err := fs.Sub(chatrelay.MigrationsFS, "migrations")
		if err != nil {
			log.Fatalf("failed to open migrations: %v", err)
		}
		if err := database.RunMigrations(cfg.DatabaseURL, migrations); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chatrelay-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	consumer := audit.NewConsumer(audit.NewStore(db), 5*time.Second)
	if err := natsClient.SubscribeModerationResult(auditQueue, consumer.Handle); err != nil {
		log.Fatalf("failed to subscribe to moderation results: %v", err)
	}

	log.Printf("chatrelay moderation audit service running")
	log.Printf("  nats_url: %s", natsConfig.URL)
	log.Printf("  queue:    %s", auditQueue)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	db.Close()
}
