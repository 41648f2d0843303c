package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logger"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/worker"
)

// Worker rotates QR payloads and closes sessions past their end time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	l, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = l.Sync() }()
	l = l.Named("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" {
		l.Fatal("worker needs a shared store; the api runs sweeps in-process for STORE_BACKEND=memory")
	}

	backend, err := store.OpenBackend(ctx, cfg, l)
	if err != nil {
		l.Fatal("open store failed", zap.Error(err))
	}
	defer func() { _ = backend.Close() }()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.New(cfg.QueueBackend, nil)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = redisClient.Close() }()
		if !redisClient.Healthy(ctx) {
			l.Warn("redis not reachable yet, consumer will retry")
		}
		q = queue.New(cfg.QueueBackend, redisClient.Client)
	}

	metrics.Register()
	sessions := attendance.NewSessionManager(backend.Store, l, attendance.OptionsFromConfig(cfg.Attendance))

	l.Info("worker started",
		zap.Duration("qr_sweep", cfg.Attendance.QRSweepInterval),
		zap.Duration("expiry_sweep", cfg.Attendance.ExpirySweepInterval))
	if err := worker.New(sessions, q, l, cfg.Attendance).Run(ctx); err != nil {
		l.Fatal("worker stopped", zap.Error(err))
	}
	l.Info("worker exited")
}
