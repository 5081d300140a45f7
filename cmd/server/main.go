package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/relaymail/dispatch/internal/api"
	"github.com/relaymail/dispatch/internal/config"
	"github.com/relaymail/dispatch/internal/dispatch"
	"github.com/relaymail/dispatch/internal/pkg/logger"
	"github.com/relaymail/dispatch/internal/provider"
	"github.com/relaymail/dispatch/internal/queue"
	"github.com/relaymail/dispatch/internal/quota"
	"github.com/relaymail/dispatch/internal/secrets"
	"github.com/relaymail/dispatch/internal/store"
	"github.com/relaymail/dispatch/internal/template"
	"github.com/relaymail/dispatch/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if os.Getenv("LOG_LEVEL") == "debug" {
		logger.SetLevel(logger.DEBUG)
	}
	logger.Info("dispatch API starting", "addr", cfg.Server.Addr())

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

	st := store.NewStore(db)
	registry := provider.NewRegistry(cfg.Providers)
	q := queue.New(db, queue.Policy{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay(),
		Multiplier: cfg.Queue.BackoffMultiplier,
	})
	quotas := quota.NewManager(db)
	templates := template.NewService()
	verifier := dispatch.NewVerifier(st, cipher, registry)
	hasher := secrets.NewPasswordHasher(cfg.Security.BcryptCost)

	normalizer := webhook.NewNormalizer(registry)
	reconciler := webhook.NewReconciler(st)
	webhookHandler := webhook.NewHandler(normalizer, reconciler)
	webhookHandler.EnforceSignatures = cfg.Webhooks.EnforceSignatures

	handlers := api.NewHandlers(st, q, quotas, templates, verifier, cipher)
	router := api.SetupRoutes(handlers, webhookHandler, cfg.Security.AdminPasswordHash, hasher)
	server := api.NewServer(cfg.Server, router)

	go func() {
		log.Printf("API listening on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Goodbye")
}
