package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused bucket is kept.
const idleLimiterTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one token bucket per rule and identifier. Each bucket
// refills at Limit per Window with a burst of Limit.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryLimiter creates a limiter and starts its idle-bucket cleanup loop.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop(cleanupInterval)
	}
	return l
}

func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.prune(time.Now().Add(-idleLimiterTTL))
		case <-l.stopCh:
			return
		}
	}
}

func (l *MemoryLimiter) prune(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}

// Stop stops the cleanup loop.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

func (l *MemoryLimiter) get(key string, rule Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		b.lastSeen = time.Now()
		return b.limiter
	}
	limit := rate.Every(rule.Window / time.Duration(rule.Limit))
	b := &bucket{limiter: rate.NewLimiter(limit, rule.Limit), lastSeen: time.Now()}
	l.buckets[key] = b
	return b.limiter
}

// Allow reports whether the identifier has a token left under rule.
func (l *MemoryLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if rule.Limit <= 0 {
		return true, nil
	}
	return l.get(rule.Key+identifier, rule).Allow(), nil
}
