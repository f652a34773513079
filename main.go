package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradehook/internal/api"
	"tradehook/internal/events"
	"tradehook/internal/gateway"
	"tradehook/internal/monitor"
	"tradehook/internal/notify"
	"tradehook/internal/queue"
	"tradehook/internal/webhook"
	"tradehook/internal/worker"
	"tradehook/pkg/config"
	"tradehook/pkg/crypto"
	"tradehook/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ config load failed: %v", err)
	}
	log.Printf("🚀 starting webhook pipeline on port %s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("❌ database migrations failed: %v", err)
	}

	// Credentials stay encrypted at rest; without a master key the pipeline
	// can accept signals but never execute them.
	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Printf("⚠️ no master encryption key loaded, execution will fail until one is set: %v", err)
		keys = nil
	}

	bus := events.NewBus()
	metrics := monitor.NewPipelineMetrics()

	jobQueue, err := queue.NewDurable(cfg.WALDir, cfg.QueueSize)
	if err != nil {
		log.Fatalf("❌ queue init failed: %v", err)
	}
	if err := jobQueue.Recover(); err != nil {
		log.Fatalf("❌ queue recovery failed: %v", err)
	}

	gatewayCfg := gateway.DefaultConfig()
	gatewayCfg.Testnet = cfg.Testnet
	adapters := gateway.NewManager(database, keys, gateway.DefaultFactory, gatewayCfg)
	adapters.Start(ctx)

	retry := worker.NewScheduler(jobQueue, cfg.MaxAttempts, cfg.RetryBaseDelay, cfg.RetryCounterTTL)
	executor := worker.NewExecutor(database, adapters, bus, retry, jobQueue, metrics)
	pool := worker.NewPool(jobQueue, executor, cfg.Workers, cfg.DequeueTimeout)
	pool.Start(ctx)

	hub := notify.NewHub(bus)
	go hub.Run(ctx)

	webhooks := webhook.NewService(database, jobQueue, cfg.PublicURL)
	server := api.NewServer(database, webhooks, hub, metrics, jobQueue, adapters, api.Config{
		JWTSecret:    cfg.JWTSecret,
		WebhookRate:  cfg.WebhookRate,
		WebhookBurst: cfg.WebhookBurst,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ API server error: %v", err)
		}
	}()
	log.Printf("✓ listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down...")

	// Stop taking new work first, then drain in dependency order.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ API shutdown: %v", err)
	}

	pool.Stop()
	retry.Stop()
	adapters.Stop()
	cancel()
	jobQueue.Close()
	log.Println("✓ shutdown complete")
}
