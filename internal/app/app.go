// Package app assembles pairchat's stores and engine from a config.Config.
// The binaries under cmd/ share it so they agree on backends and key layout.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whisper/pairchat/internal/ban"
	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/config"
	"github.com/whisper/pairchat/internal/engine"
	"github.com/whisper/pairchat/internal/matching"
	"github.com/whisper/pairchat/internal/ratelimit"
	"github.com/whisper/pairchat/internal/user"
)

// Backend holds the stores selected by the configuration.
type Backend struct {
	Users    user.Store
	Sessions chat.Store
	Pool     matching.Pool
	Strikes  ban.Counter
	Limiter  ratelimit.Limiter

	// Redis and DB are nil when the corresponding backend is not in use.
	Redis *redis.Client
	DB    *sql.DB

	// ratings is set when users live in memory; its ledger is swept with
	// the sessions it guards.
	ratings         *user.MemoryStore
	ratingRetention time.Duration

	closers []func()
}

// Open connects the configured backends. Users live in PostgreSQL when a
// database URL is set; everything else lives in Redis for the redis backend
// and in process memory otherwise.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	b := &Backend{}
	sessOpts := chat.Options{
		IdleTimeout:    cfg.Session.IdleTimeout,
		EndedRetention: cfg.Session.EndedRetention,
	}

	if cfg.Store.DatabaseURL != "" {
		db, err := user.OpenPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.DB = db
		b.closers = append(b.closers, func() { db.Close() })
		if cfg.Store.Migrate {
			if err := user.Migrate(db); err != nil {
				b.Close()
				return nil, err
			}
			log.Printf("[app] schema migrations applied")
		}
		b.Users = user.NewPostgresStore(db)
	} else {
		users := user.NewMemoryStore()
		b.Users = users
		b.ratings = users
		b.ratingRetention = cfg.Session.EndedRetention
	}

	switch cfg.Store.Backend {
	case config.BackendRedis:
		rdb, err := OpenRedis(ctx, cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Redis = rdb
		b.closers = append(b.closers, func() { rdb.Close() })
		b.Sessions = chat.NewRedisStore(rdb, sessOpts)
		b.Pool = matching.NewRedisPool(rdb, cfg.Matching.StaleAfter, cfg.Session.IdleTimeout)
		b.Strikes = ban.NewRedisCounter(rdb)
		b.Limiter = ratelimit.NewRedisLimiter(rdb)
	default:
		sessions := chat.NewMemoryStore(sessOpts)
		b.Sessions = sessions
		b.Pool = matching.NewMemoryPool(sessions, cfg.Matching.StaleAfter)
		b.Strikes = ban.NewMemoryCounter()
		lim := ratelimit.NewMemoryLimiter(time.Minute)
		b.Limiter = lim
		b.closers = append(b.closers, lim.Stop)
	}
	if !cfg.Server.RateLimit {
		b.Limiter = nil
	}
	return b, nil
}

// sweepFunc adapts a function to matching.Sweeper.
type sweepFunc func(ctx context.Context, now time.Time) (int, error)

func (f sweepFunc) Sweep(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }

// Sweeper returns the session housekeeping for the janitor. With in-memory
// users it also drops rating ledger entries older than the session retention:
// a session rated at time t ended no later than t, so it is gone by then.
func (b *Backend) Sweeper() matching.Sweeper {
	return sweepFunc(func(ctx context.Context, now time.Time) (int, error) {
		n, err := b.Sessions.Sweep(ctx, now)
		if b.ratings != nil {
			if pruned := b.ratings.SweepRatings(now.Add(-b.ratingRetention)); pruned > 0 {
				log.Printf("[app] dropped %d rating ledger entries", pruned)
			}
		}
		return n, err
	})
}

// OpenRedis connects to the configured Redis and verifies it with a ping.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.RedisAddr,
		Password: cfg.Store.RedisPassword,
		DB:       cfg.Store.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("app: connect redis %s: %w", cfg.Store.RedisAddr, err)
	}
	return rdb, nil
}

// Engine creates an engine over the backend's stores.
func (b *Backend) Engine(cfg *config.Config, observer engine.MessageObserver) *engine.Engine {
	opts := engine.DefaultOptions()
	opts.RequireEndedBeforeRating = cfg.Rating.RequireEnded
	opts.LowRatingThreshold = cfg.Rating.LowRatingThreshold
	opts.LowRatingScore = cfg.Rating.LowRatingScore
	opts.Observer = observer
	return engine.New(b.Users, b.Pool, b.Sessions, b.Strikes, opts)
}

// Close releases every connection in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
