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
	"github.com/cosmicmatch/chatrelay/internal/ai"
	"github.com/cosmicmatch/chatrelay/internal/ban"
	"github.com/cosmicmatch/chatrelay/internal/config"
	"github.com/cosmicmatch/chatrelay/internal/database"
	"github.com/cosmicmatch/chatrelay/internal/delivery"
	"github.com/cosmicmatch/chatrelay/internal/media"
	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/messaging"
	"github.com/cosmicmatch/chatrelay/internal/moderation"
	"github.com/cosmicmatch/chatrelay/internal/ratelimit"
	"github.com/cosmicmatch/chatrelay/internal/registry"
	"github.com/cosmicmatch/chatrelay/internal/session"
	"github.com/cosmicmatch/chatrelay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if n, err := ws.RaiseFileLimit(); err != nil {
		log.Printf("failed to raise open file limit: %v", err)
	} else if n > 0 {
		log.Printf("open file limit: %d", n)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	// --- Storage ---
	var (
		messages message.Store
		lookup   media.Lookup
		closeDB  = func() {}
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
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
		messages = message.NewPostgresStore(db)
		lookup = media.NewPostgresStore(db)
		closeDB = func() { db.Close() }
	case config.DriverMemory:
		log.Printf("using in-memory message store; messages are lost on restart")
		messages = message.NewMemoryStore()
		lookup = media.NewMemoryStore()
	}

	reg := registry.New()

	svcConfig := delivery.Config{
		Registry: reg,
		Messages: messages,
		Media:    lookup,
		MessageRule: ratelimit.Rule{
			Key:    ratelimit.RuleMessage.Key,
			Limit:  cfg.MessageRateLimit,
			Window: cfg.MessageRateWindow,
		},
	}

	pipeline := moderation.NewPipeline(moderation.PipelineConfig{
		Workers:    cfg.ModerationWorkers,
		QueueSize:  cfg.ModerationQueueSize,
		JobTimeout: cfg.ModerationJobTimeout,
	}, messages, reg)

	// --- Redis ---
	var (
		sessionStore *session.Store
		limiter      *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		sessionStore, err = session.NewStore(cfg.RedisAddr, serverName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessionStore.Client())
		bans := ban.NewStore(sessionStore.Client())

		svcConfig.Sessions = sessionStore
		svcConfig.Limiter = limiter
		svcConfig.Bans = bans
		pipeline.SetOffenses(bans)
	} else {
		log.Printf("REDIS_ADDR not set: session records, rate limits and bans disabled")
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = serverName

		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		svcConfig.Presence = natsClient
		pipeline.SetPublisher(natsClient)

		if err := natsClient.SubscribePresence(func(ev messaging.PresenceEvent) {
			if ev.Server == serverName {
				return
			}
			log.Printf("[presence] user=%s %s on %s", ev.UserID, ev.Status, ev.Server)
		}); err != nil {
			log.Printf("failed to subscribe to presence: %v", err)
		}
	} else {
		log.Printf("NATS_URL not set: presence and moderation results are not published")
	}

	// --- AI suggestions ---
	if cfg.OpenRouterKey != "" {
		aiConfig := ai.DefaultOpenRouterConfig()
		aiConfig.APIKey = cfg.OpenRouterKey
		aiConfig.Model = cfg.OpenRouterModel
		aiConfig.BaseURL = cfg.OpenRouterURL
		aiConfig.Quota.Limit = cfg.AIDailyQuota

		var quota ai.Counter
		if limiter != nil {
			quota = limiter
		}
		svcConfig.AI = ai.NewOpenRouter(aiConfig, quota)
	}

	pipeline.Start()
	svcConfig.Moderation = pipeline
	svc := delivery.NewService(svcConfig)

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.MaxMessageBytes = cfg.MaxMessageBytes
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
	}

	server := ws.NewServer(serverConfig, func(userID string, c *ws.Connection) ws.Session {
		return svc.NewSession(userID, c)
	})
	server.SetConversations(messages)
	server.SetOnlineCounter(reg.Online)
	if sessionStore != nil {
		server.SetOnHeartbeat(func(c *ws.Connection) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := sessionStore.Touch(ctx, c.ID()); err != nil {
				log.Printf("[session] touch conn=%s: %v", c.ID(), err)
			}
		})
	}

	log.Printf("chatrelay WebSocket server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  store_driver:    %s", cfg.StoreDriver)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  moderation:      workers=%d queue=%d", cfg.ModerationWorkers, cfg.ModerationQueueSize)
	log.Printf("  ai_suggestions:  %v", cfg.OpenRouterKey != "")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal %v, shutting down...", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("server error: %v", err)
		}
	}

	// Connections go first so no new moderation jobs arrive while the
	// pipeline drains.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := pipeline.Close(shutdownCtx); err != nil {
		log.Printf("moderation drain: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if sessionStore != nil {
		sessionStore.Close()
	}
	closeDB()

	log.Println("shutdown complete")
}
