package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected listen addr :8080, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Matching.StaleAfter != 10*time.Second {
		t.Errorf("expected stale after 10s, got %s", cfg.Matching.StaleAfter)
	}
	if cfg.Session.EndedRetention != 2*time.Hour {
		t.Errorf("expected retention 2h, got %s", cfg.Session.EndedRetention)
	}
	if cfg.Moderation.Mode != ModerationOff {
		t.Errorf("expected moderation off, got %s", cfg.Moderation.Mode)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"missing listen addr", func(c *Config) { c.Server.ListenAddr = "" }, true},
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, true},
		{"redis without database", func(c *Config) { c.Store.Backend = BackendRedis }, true},
		{"redis with database", func(c *Config) {
			c.Store.Backend = BackendRedis
			c.Store.DatabaseURL = "postgres://localhost/pairchat"
		}, false},
		{"redis without addr", func(c *Config) {
			c.Store.Backend = BackendRedis
			c.Store.DatabaseURL = "postgres://localhost/pairchat"
			c.Store.RedisAddr = ""
		}, true},
		{"zero staleness", func(c *Config) { c.Matching.StaleAfter = 0 }, true},
		{"zero cleanup interval", func(c *Config) { c.Matching.CleanupInterval = 0 }, true},
		{"zero idle timeout", func(c *Config) { c.Session.IdleTimeout = 0 }, true},
		{"negative threshold", func(c *Config) { c.Rating.LowRatingThreshold = -1 }, true},
		{"low score out of range", func(c *Config) { c.Rating.LowRatingScore = 6 }, true},
		{"inline moderation", func(c *Config) { c.Moderation.Mode = ModerationInline }, false},
		{"nats moderation without url", func(c *Config) {
			c.Moderation.Mode = ModerationNATS
			c.NATS.URL = ""
		}, true},
		{"unknown moderation", func(c *Config) { c.Moderation.Mode = "strict" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairchat.yaml")
	content := `
server:
  listen_addr: ":9090"
store:
  backend: redis
  redis_addr: "redis:6379"
  database_url: "postgres://db/pairchat"
matching:
  stale_after: 15s
moderation:
  mode: inline
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != BackendRedis || cfg.Store.RedisAddr != "redis:6379" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Matching.StaleAfter != 15*time.Second {
		t.Errorf("expected 15s, got %s", cfg.Matching.StaleAfter)
	}
	// Unset fields keep their defaults.
	if cfg.Matching.CleanupInterval != 5*time.Second {
		t.Errorf("expected default cleanup interval, got %s", cfg.Matching.CleanupInterval)
	}
	if cfg.Moderation.Mode != ModerationInline {
		t.Errorf("expected inline moderation, got %s", cfg.Moderation.Mode)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":7000")
	t.Setenv("STORE_BACKEND", "REDIS")
	t.Setenv("DATABASE_URL", "postgres://env/pairchat")
	t.Setenv("TICKET_STALE_AFTER", "20s")
	t.Setenv("LOW_RATING_THRESHOLD", "3")
	t.Setenv("RATE_LIMIT", "false")
	t.Setenv("MODERATION_MODE", "nats")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Errorf("expected :7000, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Store.Backend != BackendRedis {
		t.Errorf("expected redis backend, got %s", cfg.Store.Backend)
	}
	if cfg.Store.DatabaseURL != "postgres://env/pairchat" {
		t.Errorf("unexpected database url %s", cfg.Store.DatabaseURL)
	}
	if cfg.Matching.StaleAfter != 20*time.Second {
		t.Errorf("expected 20s, got %s", cfg.Matching.StaleAfter)
	}
	if cfg.Rating.LowRatingThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.Rating.LowRatingThreshold)
	}
	if cfg.Server.RateLimit {
		t.Error("expected rate limiting disabled")
	}
	if cfg.Moderation.Mode != ModerationNATS {
		t.Errorf("expected nats moderation, got %s", cfg.Moderation.Mode)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	t.Setenv("TICKET_STALE_AFTER", "soon")
	t.Setenv("REDIS_DB", "one")

	cfg := Default()
	if err := cfg.ApplyEnv(); err == nil {
		t.Fatal("expected error for invalid values")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairchat.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":9191\"\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHAT_CONFIG", path)
	t.Setenv("CLEANUP_INTERVAL", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9191" {
		t.Errorf("expected file value :9191, got %s", cfg.Server.ListenAddr)
	}
	if cfg.Matching.CleanupInterval != time.Second {
		t.Errorf("expected env value 1s, got %s", cfg.Matching.CleanupInterval)
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "cassandra")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
}
