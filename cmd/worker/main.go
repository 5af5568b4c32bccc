package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gateattend/internal/config"
	"gateattend/internal/feed"
	"gateattend/internal/queue"
	"gateattend/internal/store"
	"gateattend/internal/worker"
)

// Worker consumes recorded scans from redis and maintains the gate feed.
func main() {
	cfg := config.Load()
	logger := log.New(os.Stdout, "worker ", log.LstdFlags)

	if cfg.QueueBackend == "memory" {
		logger.Fatal("QUEUE_BACKEND=memory runs the worker inside the api process; nothing to do")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		logger.Fatalf("redis config: %v", err)
	}
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Printf("warning: redis not reachable at %s, will keep retrying", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, "attendance:recorded", logger)
	f := feed.NewRedis(redisClient.Client, "attendance:gate", cfg.RecentFeedSize)

	if err := worker.New(q, f, logger).Run(ctx); err != nil {
		logger.Fatalf("queue consume init failed: %v", err)
	}
}
