package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/warriorsfly/collab-studio/pkg/logstore"
	"github.com/warriorsfly/collab-studio/pkg/otelhelper"
	"github.com/warriorsfly/collab-studio/pkg/relay"
	"github.com/warriorsfly/collab-studio/pkg/wsgateway"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("Invalid duration, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Invalid integer, using default", "key", key, "value", v, "default", def)
	}
	return def
}

type backend struct {
	store    logstore.Store
	presence logstore.PresenceStore
	cleanup  func()
}

func openBackend(ctx context.Context, kind string) (*backend, error) {
	switch kind {
	case "jetstream":
		natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
		var nc *nats.Conn
		var err error
		for attempt := 1; attempt <= 30; attempt++ {
			nc, err = nats.Connect(natsURL,
				nats.Name("collab-server"),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second),
			)
			if err == nil {
				break
			}
			slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
			time.Sleep(2 * time.Second)
		}
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

		js, err := logstore.NewJetStream(ctx, nc)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return &backend{store: js, presence: js, cleanup: func() { nc.Drain() }}, nil

	case "redis":
		redisURL := envOrDefault("REDIS_URL", "redis://localhost:6379")
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, err
		}
		rdb := redis.NewClient(opts)
		for attempt := 1; attempt <= 30; attempt++ {
			err = rdb.Ping(ctx).Err()
			if err == nil {
				break
			}
			slog.Info("Waiting for Redis", "attempt", attempt, "error", err)
			time.Sleep(2 * time.Second)
		}
		if err != nil {
			rdb.Close()
			return nil, err
		}
		slog.Info("Connected to Redis", "url", redisURL)

		rs := logstore.NewRedis(rdb)
		return &backend{store: rs, presence: rs, cleanup: func() { rdb.Close() }}, nil

	case "memory":
		mem := logstore.NewMemory()
		return &backend{store: mem, presence: mem, cleanup: func() {}}, nil

	default:
		return nil, errors.New("unknown STORE_BACKEND: " + kind)
	}
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	listenAddr := envOrDefault("LISTEN_ADDR", ":3000")
	storeBackend := envOrDefault("STORE_BACKEND", "jetstream")

	slog.Info("Starting collab server", "listen", listenAddr, "backend", storeBackend)

	be, err := openBackend(ctx, storeBackend)
	if err != nil {
		slog.Error("Failed to open log store", "backend", storeBackend, "error", err)
		os.Exit(1)
	}
	defer be.cleanup()

	dir := relay.NewDirectory(be.store, be.presence, relay.Config{
		PollInterval: envDuration("POLL_INTERVAL", 500*time.Millisecond),
		BlockWait:    envDuration("BLOCK_WAIT", time.Second),
		BatchMax:     envInt("BATCH_MAX", 10),
	})
	dirCtx, stopDir := context.WithCancel(ctx)
	go dir.Run(dirCtx)

	sessionCfg := relay.SessionConfig{
		HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", 60*time.Second),
		ClientTimeout:     envDuration("CLIENT_TIMEOUT", 120*time.Second),
	}

	mux := http.NewServeMux()
	mux.Handle("/notify/", wsgateway.New(dir, sessionCfg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("Collab server ready", "listen", listenAddr)

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down collab server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	stopDir()
	slog.Info("Collab server shutdown complete")
}
