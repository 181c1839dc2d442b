package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/consoleops/realtime/internal/chatsvc"
	"github.com/consoleops/realtime/internal/feed"
	"github.com/consoleops/realtime/internal/hub"
	"github.com/consoleops/realtime/internal/metrics"
	"github.com/consoleops/realtime/internal/protocol"
	"github.com/consoleops/realtime/internal/ratelimit"
	"github.com/consoleops/realtime/internal/store"
)

// sweepInterval is how often the gateway prunes idle chat sessions that key
// expiry has not yet reclaimed.
const sweepInterval = 5 * time.Minute

func main() {
	config := hub.DefaultServerConfig()

	listenAddr := ":8080"
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		listenAddr = addr
	}
	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}

	// --- NATS ---
	feedConfig := feed.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		feedConfig.URL = natsURL
	}
	eventFeed, err := feed.Connect(feedConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionStore, err := store.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	log.Printf("Console realtime gateway starting")
	log.Printf("  listen_addr:     %s", listenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  nats_url:        %s", feedConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := hub.NewServer(config)
	if err := server.Start(mux); err != nil {
		log.Fatalf("failed to start websocket hub: %v", err)
	}

	limiter := ratelimit.NewLimiter(sessionStore.Client())
	chatService := chatsvc.New(sessionStore, eventFeed).WithRateLimit(limiter)
	chatService.Routes(mux)

	// Fan NATS traffic out to the websocket channels. Broadcast frames reach
	// every events connection; targeted frames reach one identity; chat
	// frames reach the shared chat channel.
	if err := eventFeed.SubscribeEvents(func(data []byte) {
		countPublished(data)
		server.BroadcastEvents(data)
	}); err != nil {
		log.Fatalf("failed to subscribe to event feed: %v", err)
	}
	if err := eventFeed.SubscribeEventsIdentity(func(identity string, data []byte) {
		countPublished(data)
		server.SendToIdentity(identity, data)
	}); err != nil {
		log.Fatalf("failed to subscribe to targeted event feed: %v", err)
	}
	if err := eventFeed.SubscribeChat(func(data []byte) {
		countPublished(data)
		server.BroadcastChat(data)
	}); err != nil {
		log.Fatalf("failed to subscribe to chat feed: %v", err)
	}

	// Idle session sweeper. Redis key TTLs reclaim the data on their own;
	// the sweep keeps the activity indexes and the gauge honest.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n, err := sessionStore.SweepIdle(ctx); err != nil {
					log.Printf("idle sweep: %v", err)
				} else if n > 0 {
					log.Printf("idle sweep removed %d session(s)", n)
				}
				if n, err := sessionStore.CountActive(ctx); err == nil {
					metrics.ActiveSessions.Set(float64(n))
				}
				cancel()
			case <-sweepDone:
				return
			}
		}
	}()

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		close(sweepDone)
		eventFeed.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("hub shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// countPublished bumps the per-type publish counter. Frames that do not
// parse as envelopes are still forwarded but counted under "unknown".
func countPublished(data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("unknown").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues(env.Type).Inc()
}
