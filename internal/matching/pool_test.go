package matching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/whisper/pairchat/internal/chat"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// setupRedisPool creates a RedisPool and session store on a test Redis
// instance. Tests are skipped if Redis is unavailable.
func setupRedisPool(t *testing.T) (*RedisPool, chat.Store) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	// Flush test DB before each test.
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	opts := chat.DefaultOptions()
	return NewRedisPool(rdb, DefaultStaleAfter, opts.IdleTimeout), chat.NewRedisStore(rdb, opts)
}

func forEachPool(t *testing.T, fn func(t *testing.T, p Pool, sessions chat.Store)) {
	t.Run("memory", func(t *testing.T) {
		sessions := chat.NewMemoryStore(chat.DefaultOptions())
		fn(t, NewMemoryPool(sessions, DefaultStaleAfter), sessions)
	})
	t.Run("redis", func(t *testing.T) {
		p, sessions := setupRedisPool(t)
		fn(t, p, sessions)
	})
}

func match(t *testing.T, p Pool, user string, pref, gender Gender, now time.Time) Outcome {
	t.Helper()
	out, err := p.Match(context.Background(), Ticket{UserID: user, Preference: pref, Gender: gender}, uuid.NewString(), now)
	if err != nil {
		t.Fatalf("Match(%s): %v", user, err)
	}
	return out
}

func TestMatchScenario(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, sessions chat.Store) {
		ctx := context.Background()

		a := match(t, p, "A", Any, Male, t0)
		if a.Matched {
			t.Fatalf("first caller should wait, got %+v", a)
		}

		b := match(t, p, "B", Male, Female, t0.Add(2*time.Second))
		if !b.Matched || !b.Created || b.PartnerID != "A" {
			t.Fatalf("B should be paired with A, got %+v", b)
		}
		if b.PartnerWaited != 2*time.Second {
			t.Errorf("expected partner wait 2s, got %v", b.PartnerWaited)
		}

		// A learns about the match on its next poll.
		a = match(t, p, "A", Any, Male, t0.Add(3*time.Second))
		if !a.Matched || a.Created || a.SessionID != b.SessionID || a.PartnerID != "B" {
			t.Fatalf("A should see the same session, got %+v (B saw %+v)", a, b)
		}

		size, _ := p.Size(ctx)
		if size != 0 {
			t.Errorf("expected empty pool, got %d", size)
		}
		sess, err := sessions.Get(ctx, b.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !sess.IsParticipant("A") || !sess.IsParticipant("B") || sess.State != chat.StateActive {
			t.Errorf("unexpected session: %+v", sess)
		}
	})
}

func TestMatchOldestFirst(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		// w1 and w2 both want women, so they wait side by side.
		match(t, p, "w1", Female, Male, t0)
		match(t, p, "w2", Female, Male, t0.Add(time.Second))

		out := match(t, p, "c", Male, Female, t0.Add(2*time.Second))
		if out.PartnerID != "w1" {
			t.Fatalf("expected oldest waiter w1, got %+v", out)
		}
	})
}

func TestMatchOldestAcrossGroups(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		// Different preference/gender groups that cannot pair with each other.
		match(t, p, "older", Female, Any, t0)
		match(t, p, "newer", Female, Male, t0.Add(time.Second))

		out := match(t, p, "c", Any, Female, t0.Add(2*time.Second))
		if out.PartnerID != "older" {
			t.Fatalf("expected the older ticket, got %+v", out)
		}
	})
}

func TestMatchBehindLargeIncompatibleBacklog(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		const backlog = 600
		for i := 0; i < backlog; i++ {
			match(t, p, fmt.Sprintf("m%d", i), Female, Male, t0)
		}

		x := match(t, p, "x", Female, Female, t0.Add(time.Second))
		if x.Matched {
			t.Fatalf("x has no compatible partner yet, got %+v", x)
		}
		y := match(t, p, "y", Female, Female, t0.Add(2*time.Second))
		if !y.Matched || y.PartnerID != "x" {
			t.Fatalf("expected y to pair with x behind the backlog, got %+v", y)
		}

		size, _ := p.Size(context.Background())
		if size != backlog {
			t.Errorf("expected the backlog to keep waiting, size %d", size)
		}
	})
}

func TestMatchRefreshKeepsQueuePosition(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		// w1 and w2 want women and are men, so they never pair with each other.
		match(t, p, "w1", Female, Male, t0)
		match(t, p, "w2", Female, Male, t0.Add(time.Second))
		match(t, p, "w1", Female, Male, t0.Add(2*time.Second))

		out := match(t, p, "c", Male, Female, t0.Add(3*time.Second))
		if out.PartnerID != "w1" {
			t.Fatalf("expected w1 to keep its position, got %+v", out)
		}
		if out.PartnerWaited != 3*time.Second {
			t.Errorf("expected wait measured from first enqueue, got %v", out.PartnerWaited)
		}
	})
}

func TestMatchRefreshUpdatesPreference(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		match(t, p, "w1", Female, Male, t0)
		match(t, p, "w1", Any, Male, t0.Add(time.Second))

		out := match(t, p, "c", Any, Male, t0.Add(2*time.Second))
		if !out.Matched || out.PartnerID != "w1" {
			t.Fatalf("expected updated preference to allow pairing, got %+v", out)
		}
	})
}

func TestMatchIncompatibleWaits(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		match(t, p, "A", Female, Male, t0)
		out := match(t, p, "B", Female, Female, t0.Add(time.Second))
		if out.Matched {
			t.Fatalf("incompatible tickets must not pair, got %+v", out)
		}
		size, _ := p.Size(context.Background())
		if size != 2 {
			t.Errorf("expected 2 waiting, got %d", size)
		}
	})
}

func TestMatchSkipsSelf(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		for i := 0; i < 3; i++ {
			out := match(t, p, "A", Any, Any, t0.Add(time.Duration(i)*time.Second))
			if out.Matched {
				t.Fatalf("user must not match itself, got %+v", out)
			}
		}
		size, _ := p.Size(context.Background())
		if size != 1 {
			t.Errorf("expected a single ticket, got %d", size)
		}
	})
}

func TestMatchSkipsStaleTickets(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		match(t, p, "gone", Any, Any, t0)
		out := match(t, p, "c", Any, Any, t0.Add(DefaultStaleAfter+time.Second))
		if out.Matched {
			t.Fatalf("stale ticket must not be paired, got %+v", out)
		}
		size, _ := p.Size(context.Background())
		if size != 1 {
			t.Errorf("expected stale ticket to be evicted, size %d", size)
		}
	})
}

func TestEvict(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		ctx := context.Background()
		match(t, p, "old", Female, Male, t0)
		match(t, p, "fresh", Female, Male, t0.Add(8*time.Second))

		n, err := p.Evict(ctx, t0.Add(DefaultStaleAfter+time.Second))
		if err != nil {
			t.Fatalf("Evict: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 eviction, got %d", n)
		}
		size, _ := p.Size(ctx)
		if size != 1 {
			t.Errorf("expected 1 remaining, got %d", size)
		}
	})
}

func TestCancel(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		ctx := context.Background()
		match(t, p, "A", Any, Any, t0)
		if err := p.Cancel(ctx, "A"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if err := p.Cancel(ctx, "never-queued"); err != nil {
			t.Fatalf("Cancel of unknown user: %v", err)
		}
		out := match(t, p, "B", Any, Any, t0.Add(time.Second))
		if out.Matched {
			t.Fatalf("cancelled ticket must not be paired, got %+v", out)
		}
	})
}

func TestMatchAfterSessionEnds(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, sessions chat.Store) {
		ctx := context.Background()
		match(t, p, "A", Any, Any, t0)
		first := match(t, p, "B", Any, Any, t0.Add(time.Second))
		if _, err := sessions.End(ctx, first.SessionID, "A", t0.Add(2*time.Second)); err != nil {
			t.Fatalf("End: %v", err)
		}

		out := match(t, p, "A", Any, Any, t0.Add(3*time.Second))
		if out.Matched {
			t.Fatalf("ended session must not be returned, got %+v", out)
		}
		out = match(t, p, "B", Any, Any, t0.Add(4*time.Second))
		if !out.Matched || out.SessionID == first.SessionID {
			t.Fatalf("expected a new session, got %+v", out)
		}
	})
}

func TestConcurrentMatchNeverDoublePairs(t *testing.T) {
	forEachPool(t, func(t *testing.T, p Pool, _ chat.Store) {
		const users = 40
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			partners = make(map[string][]string)
			waited   = make(map[string]bool)
		)
		for i := 0; i < users; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				user := fmt.Sprintf("u%d", i)
				out, err := p.Match(context.Background(), Ticket{UserID: user, Preference: Any, Gender: Any}, uuid.NewString(), t0)
				if err != nil {
					t.Errorf("Match: %v", err)
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if !out.Matched {
					waited[user] = true
					return
				}
				partners[user] = append(partners[user], out.SessionID)
				partners[out.PartnerID] = append(partners[out.PartnerID], out.SessionID)
			}(i)
		}
		wg.Wait()

		for user, sessions := range partners {
			if len(sessions) != 1 {
				t.Errorf("user %s paired into %d sessions", user, len(sessions))
			}
		}
		stillWaiting := 0
		for i := 0; i < users; i++ {
			user := fmt.Sprintf("u%d", i)
			_, paired := partners[user]
			if !paired && !waited[user] {
				t.Errorf("user %s neither paired nor waiting", user)
			}
			if !paired {
				stillWaiting++
			}
		}
		size, _ := p.Size(context.Background())
		if size != int64(stillWaiting) {
			t.Errorf("expected %d tickets left, got %d", stillWaiting, size)
		}
	})
}

func TestRunCleanup(t *testing.T) {
	sessions := chat.NewMemoryStore(chat.DefaultOptions())
	p := NewMemoryPool(sessions, DefaultStaleAfter)
	match(t, p, "A", Female, Male, t0)

	RunCleanup(context.Background(), p, sessions, t0.Add(time.Minute))

	if _, ok := p.Ticket("A"); ok {
		t.Errorf("stale ticket should be evicted by cleanup")
	}
}
