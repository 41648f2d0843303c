package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logger"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/worker"
)

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, l); err != nil {
		l.Fatal("http server failed", zap.Error(err))
	}
}

func run(cfg config.App, l *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.OpenBackend(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = redisClient.Close() }()
	}

	metrics.Register()
	svc := handler.NewServices(backend.Store, l, attendance.OptionsFromConfig(cfg.Attendance))

	// The in-memory store is invisible to a separate worker process.
	if backend.InProcess() {
		q := queue.New(cfg.QueueBackend, redisOrNil(redisClient))
		go func() {
			if err := worker.New(svc.Sessions, q, l.Named("worker"), cfg.Attendance).Run(ctx); err != nil {
				l.Error("in-process worker failed", zap.Error(err))
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestIDMiddleware())
	r.Use(logger.GinMiddleware(l, "/healthz", "/metrics"))
	r.Use(metrics.GinMiddleware())
	r.Use(cors.New(corsConfig(cfg)))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := backend.Healthy(c.Request.Context())
		status := http.StatusOK
		body := gin.H{"status": "ok", "db": dbHealthy}
		if redisClient != nil {
			redisHealthy := redisClient.Healthy(c.Request.Context())
			body["redis"] = redisHealthy
			dbHealthy = dbHealthy && redisHealthy
		}
		if !dbHealthy {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	var limiter httpmiddleware.Limiter = httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" && redisClient != nil {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, "ratelimit:", cfg.RateLimitPerMin)
	}
	api := r.Group("/api", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer), httpmiddleware.RateLimit(limiter, auth.SubjectKey))
	handler.New(svc, l).Routes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	l.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Warn("server forced shutdown", zap.Error(err))
	}
	l.Info("server exited")
	return nil
}

func redisOrNil(r *store.Redis) *redis.Client {
	if r == nil {
		return nil
	}
	return r.Client
}

func corsConfig(cfg config.App) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Disposition", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		c.AllowOriginFunc = func(string) bool { return true }
	} else {
		c.AllowOrigins = cfg.AllowedOrigins
	}
	return c
}

// securityHeaders sets conservative browser headers; HSTS only in release mode.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
