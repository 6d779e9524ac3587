package matching

import (
	"context"
	"log"
	"sync"
	"time"
)

// Service runs pool and session housekeeping in the background. The
// chatserver runs one for its in-process stores; with shared Redis state a
// standalone matcher process runs it instead.
type Service struct {
	pool     Pool
	sessions Sweeper
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	done     chan struct{}
}

// NewService creates a housekeeping service.
func NewService(pool Pool, sessions Sweeper, interval time.Duration) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		pool:     pool,
		sessions: sessions,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the cleanup loop. Only the first call has an effect, and
// none after Stop.
func (s *Service) Start() {
	s.once.Do(func() {
		go func() {
			defer close(s.done)
			StartCleanup(s.ctx, s.pool, s.sessions, s.interval)
		}()
		log.Println("[matcher] service started")
	})
}

// Stop cancels the cleanup loop and waits for it to return.
func (s *Service) Stop() {
	s.cancel()
	s.once.Do(func() { close(s.done) })
	<-s.done
	log.Println("[matcher] service stopped")
}
