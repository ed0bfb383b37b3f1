package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agentloom/agentloom/server/execution"
	"github.com/agentloom/agentloom/server/idempotency"
	"github.com/agentloom/agentloom/server/middleware"
	"github.com/agentloom/agentloom/server/schedule"
	"github.com/agentloom/agentloom/server/store"
	"github.com/agentloom/agentloom/server/streaming"
	"github.com/agentloom/agentloom/server/version"
	"github.com/agentloom/agentloom/server/webhook"
)

func envOr(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store selection: Postgres when DATABASE_URL is set, otherwise the
	// in-memory store for single-node and dev operation.
	var s store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := store.NewPostgresStore(ctx, dsn)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("Connected to Postgres")
	} else {
		s = store.NewMemoryStore()
		log.Println("Using in-memory store (ephemeral)")
	}

	// Rate limit window: Redis-backed when REDIS_ADDR is set so the sliding
	// window survives restarts and is shared across replicas.
	var window webhook.Window
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		defer client.Close()
		window = webhook.NewRedisWindow(client)
		log.Printf("Connected to Redis at %s for rate limiting", redisAddr)
	} else {
		window = webhook.NewMemoryWindow()
		log.Println("Using in-memory rate limit window")
	}

	// Event streaming: every lifecycle event goes to the log sink and to
	// connected websocket clients.
	hub := NewExecutionHub()
	go hub.Run(ctx)
	publisher := streaming.NewFanout(streaming.NewLogPublisher(), hub)
	defer publisher.Close()

	orchestratorURL := envOr("ORCHESTRATOR_URL", "http://localhost:3001")
	dispatcher := execution.NewHTTPDispatcher(orchestratorURL, publisher)

	publicURL := envOr("PUBLIC_URL", "http://localhost:8080")
	webhooks := webhook.NewManager(s, dispatcher, window, publisher, publicURL)
	versions := version.NewManager(s)

	registry := schedule.NewRegistry(s, dispatcher, publisher)
	if err := registry.Start(); err != nil {
		log.Fatalf("Failed to start schedule registry: %v", err)
	}

	api := NewAPI(s, webhooks, versions, registry, hub, idempotency.NewStore())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/webhooks/trigger/", api.withIdempotency(api.handleTrigger))
	mux.HandleFunc("/api/webhooks/", api.handleWebhookSubresource)
	mux.HandleFunc("/api/workflows/", api.handleWorkflowSubresource)
	mux.HandleFunc("/api/versions/", api.handleVersionSubresource)
	mux.HandleFunc("/api/schedules/", api.handleScheduleSubresource)
	mux.HandleFunc("/ws", api.handleExecutionStream)

	// Metrics Endpoint
	mux.Handle("/metrics", promhttp.Handler())

	addr := envOr("LISTEN_ADDR", ":8080")
	srv := &http.Server{
		Addr: addr,
		// Wrap all routes with CORS middleware for frontend access
		Handler:           middleware.CORSMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("AgentLoom server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down")
	registry.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	cancel()
}
