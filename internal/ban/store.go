package ban

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StrikesPrefix is the Redis key prefix for strike counters. Strikes
	// never expire: escalation is for the life of the user id.
	StrikesPrefix = "strikes:"

	// ReportsPrefix is the Redis key prefix for report counters.
	ReportsPrefix = "reports:"
)

// Counter keeps per-user strike and report counts.
type Counter interface {
	// Strike records one more strike and returns the new total.
	Strike(ctx context.Context, userID string) (int, error)
	Strikes(ctx context.Context, userID string) (int, error)
	// Report records an abuse report and returns the count within ReportsTTL.
	Report(ctx context.Context, userID string) (int, error)
	// Reset clears both counters.
	Reset(ctx context.Context, userID string) error
}

// RedisCounter keeps counters in Redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter using the provided Redis client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Strike(ctx context.Context, userID string) (int, error) {
	count, err := c.client.Incr(ctx, StrikesPrefix+userID).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: strike incr: %w", err)
	}
	return int(count), nil
}

// Strikes returns the current strike count. Returns 0 if the key does not exist.
func (c *RedisCounter) Strikes(ctx context.Context, userID string) (int, error) {
	val, err := c.client.Get(ctx, StrikesPrefix+userID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: strikes: %w", err)
	}
	return val, nil
}

// Report increments the report counter. The TTL is set only on the first
// increment so the 24h window doesn't slide.
func (c *RedisCounter) Report(ctx context.Context, userID string) (int, error) {
	key := ReportsPrefix + userID

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("ban: report incr: %w", err)
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, ReportsTTL).Err(); err != nil {
			return 0, fmt.Errorf("ban: report expire: %w", err)
		}
	}
	return int(count), nil
}

func (c *RedisCounter) Reset(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, StrikesPrefix+userID, ReportsPrefix+userID).Err(); err != nil {
		return fmt.Errorf("ban: reset: %w", err)
	}
	return nil
}

// MemoryCounter is the in-process Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	strikes map[string]int
	reports map[string][]time.Time
	now     func() time.Time
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		strikes: make(map[string]int),
		reports: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (c *MemoryCounter) Strike(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strikes[userID]++
	return c.strikes[userID], nil
}

func (c *MemoryCounter) Strikes(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strikes[userID], nil
}

// Report counts reports since the first one in the current window, like the
// Redis counter whose TTL starts at the first report.
func (c *MemoryCounter) Report(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	window := c.reports[userID]
	if len(window) > 0 && now.Sub(window[0]) >= ReportsTTL {
		window = window[:0]
	}
	window = append(window, now)
	c.reports[userID] = window
	return len(window), nil
}

func (c *MemoryCounter) Reset(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.strikes, userID)
	delete(c.reports, userID)
	return nil
}

