package matching

import (
	"context"
	"log"
	"time"

	"github.com/whisper/pairchat/internal/metrics"
)

// DefaultCleanupInterval is how often StartCleanup runs.
const DefaultCleanupInterval = 5 * time.Second

// Sweeper expires idle and old sessions.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
	ActiveCount(ctx context.Context) (int64, error)
}

// StartCleanup runs a background loop that evicts stale tickets from the
// pool, sweeps expired sessions and refreshes the pool and session gauges.
// It blocks until ctx is cancelled.
func StartCleanup(ctx context.Context, pool Pool, sessions Sweeper, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] cleanup loop stopped")
			return
		case <-ticker.C:
			RunCleanup(ctx, pool, sessions, time.Now())
		}
	}
}

// RunCleanup performs one cleanup pass.
func RunCleanup(ctx context.Context, pool Pool, sessions Sweeper, now time.Time) {
	removed, err := pool.Evict(ctx, now)
	if err != nil {
		log.Printf("[matcher] cleanup: evict: %v", err)
	} else if removed > 0 {
		log.Printf("[matcher] cleanup: removed %d stale tickets", removed)
	}

	swept, err := sessions.Sweep(ctx, now)
	if err != nil {
		log.Printf("[matcher] cleanup: sweep: %v", err)
	} else if swept > 0 {
		log.Printf("[matcher] cleanup: expired %d sessions", swept)
	}

	if size, err := pool.Size(ctx); err == nil {
		metrics.MatchQueueSize.Set(float64(size))
	}
	if n, err := sessions.ActiveCount(ctx); err == nil {
		metrics.ActiveSessions.Set(float64(n))
	}
}
