package app

import (
	"context"
	"fmt"
	"log"

	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/messaging"
	"github.com/whisper/pairchat/internal/moderation"
)

// ModeratedEngine creates an engine with the configured content moderation.
// Flagged senders are struck through the engine itself. The nats mode needs
// nc; the other modes ignore it.
func (b *Backend) ModeratedEngine(cfg *config.Config, nc *messaging.NATSClient) (*engine.Engine, error) {
	var eng *engine.Engine
	strike := moderation.BlockerFunc(func(ctx context.Context, userID, reason string) error {
		return eng.Strike(ctx, userID, reason)
	})

	switch cfg.Moderation.Mode {
	case config.ModerationInline:
		eng = b.Engine(cfg, moderation.NewInline(moderation.NewFilter(), strike))
	case config.ModerationNATS:
		if nc == nil {
			return nil, fmt.Errorf("app: nats moderation requires a NATS connection")
		}
		remote := moderation.NewRemote(nc, strike)
		eng = b.Engine(cfg, remote)
		if err := nc.SubscribeModerationResult(remote.HandleResult); err != nil {
			return nil, fmt.Errorf("app: subscribe moderation results: %w", err)
		}
	default:
		eng = b.Engine(cfg, nil)
	}
	log.Printf("[app] moderation mode: %s", cfg.Moderation.Mode)
	return eng, nil
}
