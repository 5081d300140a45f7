package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/relaymail/dispatch/internal/config"
	"github.com/relaymail/dispatch/internal/dispatch"
	"github.com/relaymail/dispatch/internal/pkg/distlock"
	"github.com/relaymail/dispatch/internal/pkg/logger"
	"github.com/relaymail/dispatch/internal/provider"
	"github.com/relaymail/dispatch/internal/queue"
	"github.com/relaymail/dispatch/internal/quota"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Info("dispatch worker starting",
		"concurrency", cfg.Worker.Concurrency, "batch_size", cfg.Worker.BatchSize)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancel()
	log.Println("Connected to database")

	cipher, err := secrets.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}

	var throttle *quota.Throttle
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		client := redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("Redis unavailable, hourly throttling disabled: %v", err)
			client.Close()
		} else {
			log.Println("Connected to redis")
			defer client.Close()
			redisClient = client
			throttle = quota.NewThrottle(client)
		}
	}

	// One maintainer per cycle across all worker processes. Falls back
	// to a Postgres advisory lock when Redis is not configured.
	lock := distlock.NewLock(redisClient, db, "dispatch:maintenance", 2*time.Minute)

	pool := dispatch.NewPool(dispatch.PoolOptions{
		Queue: queue.New(db, queue.Policy{
			MaxRetries: cfg.Queue.MaxRetries,
			BaseDelay:  cfg.Queue.BaseDelay(),
			Multiplier: cfg.Queue.BackoffMultiplier,
		}),
		Store:        store.NewStore(db),
		Quotas:       quota.NewManager(db),
		Throttle:     throttle,
		Cipher:       cipher,
		Registry:     provider.NewRegistry(cfg.Providers),
		Lock:         lock,
		NumWorkers:   cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval(),
	})

	pool.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	pool.Stop()
	log.Println("Goodbye")
}
