package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/pairchat/internal/api"
	"github.com/whisper/pairchat/internal/app"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()
	backend, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}

	// --- NATS (only for offloaded moderation) ---
	var natsClient *messaging.NATSClient
	if cfg.Moderation.Mode == config.ModerationNATS {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "pairchat-chatserver"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	eng, err := backend.ModeratedEngine(cfg, natsClient)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	// In-process stores are swept here; shared Redis state is swept by the
	// matcher process.
	var janitor *matching.Service
	if cfg.Store.Backend == config.BackendMemory {
		janitor = matching.NewService(backend.Pool, backend.Sweeper(), cfg.Matching.CleanupInterval)
		janitor.Start()
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	server := api.NewServer(serverConfig, api.NewHandler(eng, backend.Limiter))

	log.Printf("pairchat chatserver starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  store_backend:   %s", cfg.Store.Backend)
	log.Printf("  postgres:        %v", backend.DB != nil)
	log.Printf("  rate_limit:      %v", backend.Limiter != nil)
	log.Printf("  stale_after:     %s", cfg.Matching.StaleAfter)
	log.Printf("  moderation_mode: %s", cfg.Moderation.Mode)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Printf("server error: %v", err)
	}

	if janitor != nil {
		janitor.Stop()
	}
	if natsClient != nil {
		natsClient.Close()
	}
	backend.Close()
	log.Printf("pairchat chatserver stopped")
}
