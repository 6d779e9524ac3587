package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
)

func main() {
	log.Println("Starting pairchat moderation service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "pairchat-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	worker := moderation.NewWorker(moderation.NewFilter(), natsClient.PublishModerationResult)
	if err := natsClient.SubscribeModerationCheck(worker.HandleRequest); err != nil {
		log.Fatalf("failed to subscribe to moderation checks: %v", err)
	}

	log.Printf("pairchat moderation service running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
}
