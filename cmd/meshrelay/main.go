package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/handlers"
	"github.com/mossy-p/meshcall/internal/logger"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/redis"
	"github.com/mossy-p/meshcall/internal/signaling"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, closeBackend, err := openBackend(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("Failed to open signaling backend", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	defer closeBackend()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := handlers.NewServer(cfg, transport, lg, metrics.New(reg))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		lg.Info("Starting signaling relay", zap.String("port", cfg.Port), zap.String("backend", cfg.Backend))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	lg.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn("Graceful shutdown failed", zap.Error(err))
	}
}

// openBackend connects the configured signaling store
func openBackend(ctx context.Context, cfg *config.Config, lg *zap.Logger) (signaling.Transport, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		lg.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr()))
		return signaling.NewRedisTransport(client, lg), func() { client.Close() }, nil

	case config.BackendFirestore:
		client, err := signaling.NewFirestoreClient(ctx, cfg.Firestore)
		if err != nil {
			return nil, nil, err
		}
		lg.Info("Firestore client ready", zap.String("project", cfg.Firestore.ProjectID))
		return signaling.NewFirestoreTransport(client, lg), func() { client.Close() }, nil

	default:
		lg.Warn("Using in-memory signaling; sessions are lost on restart")
		return signaling.NewMemoryTransport(), func() {}, nil
	}
}
