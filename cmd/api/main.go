package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gateattend/internal/attendance"
	"gateattend/internal/attendance/memory"
	"gateattend/internal/config"
	"gateattend/internal/feed"
	"gateattend/internal/httpapi"
	"gateattend/internal/metrics"
	"gateattend/internal/queue"
	"gateattend/internal/store"
	"gateattend/internal/worker"
)

func main() {
	cfg := config.Load()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("api failed: %v", err)
	}
}

func run(cfg config.App) error {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]httpapi.HealthCheck{}

	var st attendance.Store
	switch cfg.StoreBackend {
	case "memory":
		mem := memory.New()
		memory.SeedDemo(mem)
		st = mem
		logger.Println("using in-memory store seeded with demo data")
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			return err
		}
		st = attendance.NewRepository(db.Client)
		health["db"] = db.Healthy
	}

	var (
		q queue.Queue
		f feed.Feed
	)
	if cfg.QueueBackend == "memory" {
		mq := queue.NewInMemory(256)
		q = mq
		mf := feed.NewMemory(cfg.RecentFeedSize)
		f = mf
		// No separate worker process can see an in-memory queue.
		go func() {
			if err := worker.New(mq, mf, logger).Run(ctx); err != nil {
				logger.Printf("in-process worker: %v", err)
			}
		}()
	} else {
		redisClient, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			logger.Printf("warning: redis not reachable at %s", cfg.RedisAddr)
		}
		q = queue.NewRedisQueue(redisClient.Client, "attendance:recorded", logger)
		f = feed.NewRedis(redisClient.Client, "attendance:gate", cfg.RecentFeedSize)
		health["redis"] = redisClient.Healthy
	}

	var mapper attendance.CardMapper = attendance.DemoCardMapper{}
	if !cfg.DemoCardMapping {
		mapper = attendance.IdentityMapper{}
	}

	svc := attendance.NewService(st, attendance.Config{
		Mapper:               mapper,
		DisableAutoProvision: !cfg.CardAutoProvision,
		Publisher:            q,
		Metrics:              metrics.NewScan(prometheus.DefaultRegisterer),
		Logger:               logger,
	})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:  logger,
		Addr:    ":" + cfg.HTTPPort,
		Service: svc,
		Feed:    f,
		Auth: httpapi.AuthConfig{
			Required:   cfg.ScanRequireAuth,
			SigningKey: cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			TTL:        cfg.AccessTTL,
		},
		RateLimitPerMin: cfg.RateLimitPerMin,
		Metrics:         promhttp.Handler(),
		HealthChecks:    health,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("Server forced shutdown: %v", err)
	}
	logger.Println("Server exited")
	return nil
}
