package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rescue-coordinator/internal/api"
	"rescue-coordinator/internal/config"
	"rescue-coordinator/internal/escrow"
	"rescue-coordinator/internal/media"
	"rescue-coordinator/internal/notify"
	"rescue-coordinator/internal/processor"
	"rescue-coordinator/internal/ratelimit"
	"rescue-coordinator/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	publisher := notify.NewPublisher(redisClient, cfg.NotifyChannelPrefix, logger)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	proc := processor.NewHTTPClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey, processor.HTTPClientOptions{
		Timeout:        cfg.ProcessorTimeout,
		MaxAttempts:    cfg.ProcessorMaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	})

	orch := escrow.NewOrchestrator(st, proc, publisher, logger)
	lifecycle := escrow.NewLifecycle(st, orch, publisher, logger)

	mediaSvc, err := media.New(ctx, cfg, st)
	if err != nil {
		log.Fatalf("init media service: %v", err)
	}

	server := api.New(cfg, lifecycle, st, mediaSvc, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
