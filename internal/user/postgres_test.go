package user

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestPostgres connects to TEST_DATABASE_URL, migrates the schema and
// returns a store. Tests are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := OpenPostgres(context.Background(), dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db)
}

func TestPostgresStore_RegisterAndRate(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	ratee := "test_" + uuid.NewString()

	u, err := s.Register(ctx, ratee)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if u.Rating != DefaultRating || u.TotalChats != 0 {
		t.Fatalf("unexpected fresh user: %+v", u)
	}

	session := uuid.NewString()
	u, err = s.ApplyRating(ctx, Rating{SessionID: session, RaterID: "r", RateeID: ratee, Score: 5, At: time.Now()})
	if err != nil {
		t.Fatalf("ApplyRating() error: %v", err)
	}
	if u.Rating != 5.0 || u.TotalChats != 1 {
		t.Errorf("after rating: %+v", u)
	}

	_, err = s.ApplyRating(ctx, Rating{SessionID: session, RaterID: "r", RateeID: ratee, Score: 1, At: time.Now()})
	if !errors.Is(err, ErrDuplicateRating) {
		t.Errorf("expected ErrDuplicateRating, got %v", err)
	}

	again, err := s.Register(ctx, ratee)
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	if again.Rating != 5.0 || again.TotalChats != 1 {
		t.Errorf("re-register changed state: %+v", again)
	}
}

func TestPostgresStore_Block(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	id := "test_" + uuid.NewString()
	s.Register(ctx, id)

	until := time.Now().Add(time.Hour).Truncate(time.Microsecond)
	u, err := s.SetBlockedUntil(ctx, id, &until)
	if err != nil {
		t.Fatalf("SetBlockedUntil() error: %v", err)
	}
	if u.BlockedUntil == nil || !u.BlockedUntil.Equal(until) {
		t.Errorf("BlockedUntil = %v, want %v", u.BlockedUntil, until)
	}
	if !u.IsBlocked(time.Now()) {
		t.Error("expected user to be blocked")
	}

	if _, err := s.SetBlockedUntil(ctx, "test_missing_"+uuid.NewString(), &until); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
