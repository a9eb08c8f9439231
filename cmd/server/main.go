package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/losocloud/losocloud/internal/api"
	"github.com/losocloud/losocloud/internal/auth"
	"github.com/losocloud/losocloud/internal/config"
	"github.com/losocloud/losocloud/internal/db"
	"github.com/losocloud/losocloud/internal/events"
	"github.com/losocloud/losocloud/internal/metrics"
	"github.com/losocloud/losocloud/internal/vps"
	"github.com/losocloud/losocloud/internal/workerapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("losocloud: LOSOCLOUD_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("losocloud: LOSOCLOUD_JWT_SECRET is required")
	}

	ctx := context.Background()

	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("losocloud: running database migrations...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("losocloud: database migrations complete")

	// Session event bus: NATS when configured, in-process otherwise.
	var bus events.Bus
	if cfg.NATSURL != "" {
		natsBus, err := events.NewNATSBus(cfg.NATSURL)
		if err != nil {
			log.Printf("losocloud: NATS not available: %v (falling back to in-process bus)", err)
			bus = events.NewMemoryBus()
		} else {
			bus = natsBus
			log.Printf("losocloud: NATS event bus connected (%s)", cfg.NATSURL)
		}
	} else {
		bus = events.NewMemoryBus()
	}
	defer bus.Close()

	// Redis availability cache (optional).
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("losocloud: invalid Redis URL: %v (availability cache disabled)", err)
		} else {
			rdb = redis.NewClient(redisOpts)
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Printf("losocloud: Redis not responding: %v (availability cache disabled)", err)
				rdb = nil
			} else {
				defer rdb.Close()
				log.Println("losocloud: Redis availability cache configured")
			}
		}
	}

	transport := workerapi.New(workerapi.Options{
		CreateTimeout: cfg.WorkerCreateTimeout,
		ProbeTimeout:  cfg.WorkerProbeTimeout,
	})

	broker := vps.New(store, transport, bus, vps.Config{
		SessionTTL:             cfg.SessionTTL,
		MaxWorkerRetries:       cfg.MaxWorkerRetries,
		UnreachableRefundCoins: cfg.UnreachableRefundCoins,
		CleanupMaxAge:          cfg.CleanupMaxAge,
	})

	jwtIssuer := auth.NewJWTIssuer(cfg.JWTSecret)
	discord := auth.NewDiscordAuthenticator(auth.DiscordConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURI:  cfg.DiscordRedirectURI,
		CookieDomain: cfg.CookieDomain,
		FrontendURL:  cfg.FrontendURL,
	}, store)
	if discord.Enabled() {
		log.Println("losocloud: Discord authentication configured")
	} else {
		log.Println("losocloud: Discord credentials not set, login disabled")
	}
	if cfg.AdminAPIKey == "" {
		log.Println("losocloud: no admin API key configured, admin surface is open (dev mode)")
	}

	server := api.NewServer(api.Deps{
		Store:     store,
		Broker:    broker,
		Transport: transport,
		Bus:       bus,
		Redis:     rdb,
		JWTIssuer: jwtIssuer,
		Discord:   discord,
		AdminKey:  cfg.AdminAPIKey,
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		log.Printf("losocloud: metrics listener on %s", cfg.MetricsAddr)
	}

	// Cleanup janitor: sweep stale sessions on an interval.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go runJanitor(janitorCtx, broker, cfg.CleanupInterval, cfg.CleanupMaxAge)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("losocloud: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("losocloud: shutting down...")
	stopJanitor()
	if err := server.Close(); err != nil {
		log.Printf("error closing server: %v", err)
	}
}

func runJanitor(ctx context.Context, broker *vps.Broker, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := broker.CleanupExpiredSessions(ctx, maxAge)
			if err != nil {
				log.Printf("janitor: cleanup failed: %v", err)
				continue
			}
			if cleaned > 0 {
				metrics.SessionsCleanedTotal.Add(float64(cleaned))
				log.Printf("janitor: cleaned %d stale sessions", cleaned)
			}
		}
	}
}
