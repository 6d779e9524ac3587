package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/pairchat/internal/app"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/matching"
)

// The matcher evicts stale waiting tickets and sweeps idle and expired
// sessions in the shared Redis state. Pairing itself happens inside the
// chatserver requests.
func main() {
	log.Println("Starting pairchat matching janitor...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	rdb, err := app.OpenRedis(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	sessions := chat.NewRedisStore(rdb, chat.Options{
		IdleTimeout:    cfg.Session.IdleTimeout,
		EndedRetention: cfg.Session.EndedRetention,
	})
	pool := matching.NewRedisPool(rdb, cfg.Matching.StaleAfter, cfg.Session.IdleTimeout)

	svc := matching.NewService(pool, sessions, cfg.Matching.CleanupInterval)
	svc.Start()

	log.Printf("pairchat matching janitor running")
	log.Printf("  redis_addr:       %s", cfg.Store.RedisAddr)
	log.Printf("  stale_after:      %s", cfg.Matching.StaleAfter)
	log.Printf("  cleanup_interval: %s", cfg.Matching.CleanupInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	rdb.Close()
}
