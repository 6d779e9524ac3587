// Package config loads pairchat settings. Values come from built-in defaults,
// then an optional YAML file named by CHAT_CONFIG, then a .env file, then the
// process environment, each layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Moderation modes.
const (
	ModerationOff    = "off"
	ModerationInline = "inline"
	ModerationNATS   = "nats"
)

// Config is the complete pairchat configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Matching   MatchingConfig   `yaml:"matching"`
	Session    SessionConfig    `yaml:"session"`
	Rating     RatingConfig     `yaml:"rating"`
	Moderation ModerationConfig `yaml:"moderation"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit enables per-user throttling of writes.
	RateLimit bool `yaml:"rate_limit"`
}

// StoreConfig selects where state lives.
type StoreConfig struct {
	// Backend is "memory" (single process) or "redis" (shared).
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// DatabaseURL points at PostgreSQL for users and ratings. Empty keeps
	// users in memory.
	DatabaseURL string `yaml:"database_url"`
	// Migrate applies pending schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// MatchingConfig tunes the waiting pool.
type MatchingConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// SessionConfig tunes session retention.
type SessionConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	EndedRetention time.Duration `yaml:"ended_retention"`
}

// RatingConfig tunes rating rules.
type RatingConfig struct {
	RequireEnded       bool `yaml:"require_ended"`
	LowRatingThreshold int  `yaml:"low_rating_threshold"`
	LowRatingScore     int  `yaml:"low_rating_score"`
}

// ModerationConfig selects the content filter mode.
type ModerationConfig struct {
	Mode string `yaml:"mode"`
}

// NATSConfig configures the NATS connection used by the nats moderation mode.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       true,
		},
		Store: StoreConfig{
			Backend:   BackendMemory,
			RedisAddr: "localhost:6379",
			Migrate:   true,
		},
		Matching: MatchingConfig{
			StaleAfter:      10 * time.Second,
			CleanupInterval: 5 * time.Second,
		},
		Session: SessionConfig{
			IdleTimeout:    2 * time.Hour,
			EndedRetention: 2 * time.Hour,
		},
		Rating: RatingConfig{
			LowRatingScore: 1,
		},
		Moderation: ModerationConfig{
			Mode: ModerationOff,
		},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.Store.Backend)
	}
	if c.Matching.StaleAfter <= 0 {
		return fmt.Errorf("matching.stale_after must be positive")
	}
	if c.Matching.CleanupInterval <= 0 {
		return fmt.Errorf("matching.cleanup_interval must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.EndedRetention <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.Rating.LowRatingThreshold < 0 {
		return fmt.Errorf("rating.low_rating_threshold must not be negative")
	}
	if c.Rating.LowRatingScore < 1 || c.Rating.LowRatingScore > 5 {
		return fmt.Errorf("rating.low_rating_score must be between 1 and 5")
	}
	switch c.Moderation.Mode {
	case ModerationOff, ModerationInline:
	case ModerationNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for nats moderation")
		}
	default:
		return fmt.Errorf("moderation.mode must be off, inline or nats, got %q", c.Moderation.Mode)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the configuration from every source and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] failed to load .env: %v", err)
	}

	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		c.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.RedisPassword = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("MODERATION_MODE"); v != "" {
		c.Moderation.Mode = strings.ToLower(v)
	}

	var errs []error
	envInt("REDIS_DB", &c.Store.RedisDB, &errs)
	envInt("LOW_RATING_THRESHOLD", &c.Rating.LowRatingThreshold, &errs)
	envInt("LOW_RATING_SCORE", &c.Rating.LowRatingScore, &errs)
	envBool("RATE_LIMIT", &c.Server.RateLimit, &errs)
	envBool("AUTO_MIGRATE", &c.Store.Migrate, &errs)
	envBool("RATING_REQUIRE_ENDED", &c.Rating.RequireEnded, &errs)
	envDuration("READ_TIMEOUT", &c.Server.ReadTimeout, &errs)
	envDuration("WRITE_TIMEOUT", &c.Server.WriteTimeout, &errs)
	envDuration("TICKET_STALE_AFTER", &c.Matching.StaleAfter, &errs)
	envDuration("CLEANUP_INTERVAL", &c.Matching.CleanupInterval, &errs)
	envDuration("SESSION_IDLE_TIMEOUT", &c.Session.IdleTimeout, &errs)
	envDuration("SESSION_RETENTION", &c.Session.EndedRetention, &errs)
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envInt(name string, dst *int, errs *[]error) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = n
}

func envBool(name string, dst *bool, errs *[]error) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = b
}

func envDuration(name string, dst *time.Duration, errs *[]error) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
