package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestCounter creates a RedisCounter connected to a local Redis instance
// and flushes all strike and report keys before returning. Tests that call
// this helper require a running Redis on localhost:6379.
func newTestCounter(t *testing.T) *RedisCounter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, prefix := range []string{StrikesPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedisCounter(client)
}

func forEachCounter(t *testing.T, fn func(t *testing.T, c Counter)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryCounter()) })
	t.Run("redis", func(t *testing.T) { fn(t, newTestCounter(t)) })
}

func TestEscalate(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		strikes int
		tier    string
		until   time.Time
	}{
		{0, TierWeek, now.Add(Block7Days)},
		{1, TierWeek, now.Add(Block7Days)},
		{2, TierMonth, now.Add(Block30Days)},
		{3, TierPermanent, PermanentUntil},
		{10, TierPermanent, PermanentUntil},
	}
	for _, tc := range cases {
		got := Escalate(tc.strikes, now)
		if got.Tier != tc.tier || !got.Until.Equal(tc.until) {
			t.Errorf("Escalate(%d) = %s until %v, want %s until %v", tc.strikes, got.Tier, got.Until, tc.tier, tc.until)
		}
		if got.Permanent() != (tc.tier == TierPermanent) {
			t.Errorf("Escalate(%d).Permanent() = %v", tc.strikes, got.Permanent())
		}
	}
}

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(PermanentUntil) {
		t.Error("PermanentUntil should be permanent")
	}
	if IsPermanent(time.Now().Add(Block30Days)) {
		t.Error("30 day block should not be permanent")
	}
}

func TestStrikes(t *testing.T) {
	forEachCounter(t, func(t *testing.T, c Counter) {
		ctx := context.Background()
		user := "test_strikes"

		n, err := c.Strikes(ctx, user)
		if err != nil {
			t.Fatalf("Strikes() error: %v", err)
		}
		if n != 0 {
			t.Errorf("expected 0 strikes, got %d", n)
		}

		for want := 1; want <= 3; want++ {
			got, err := c.Strike(ctx, user)
			if err != nil {
				t.Fatalf("Strike() error: %v", err)
			}
			if got != want {
				t.Errorf("strike %d: got count %d", want, got)
			}
		}

		if err := c.Reset(ctx, user); err != nil {
			t.Fatalf("Reset() error: %v", err)
		}
		n, _ = c.Strikes(ctx, user)
		if n != 0 {
			t.Errorf("expected 0 strikes after reset, got %d", n)
		}
	})
}

func TestReports(t *testing.T) {
	forEachCounter(t, func(t *testing.T, c Counter) {
		ctx := context.Background()
		user := "test_reports"

		for want := 1; want <= 3; want++ {
			got, err := c.Report(ctx, user)
			if err != nil {
				t.Fatalf("Report() error: %v", err)
			}
			if got != want {
				t.Errorf("report %d: got count %d", want, got)
			}
		}

		// Reports do not count as strikes.
		n, _ := c.Strikes(ctx, user)
		if n != 0 {
			t.Errorf("expected 0 strikes, got %d", n)
		}
	})
}

func TestRedisReportsTTL(t *testing.T) {
	c := newTestCounter(t)
	ctx := context.Background()
	user := "test_reports_ttl"

	if _, err := c.Report(ctx, user); err != nil {
		t.Fatalf("Report() error: %v", err)
	}
	ttl, err := c.client.TTL(ctx, ReportsPrefix+user).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > ReportsTTL {
		t.Errorf("expected TTL in (0, %v], got %v", ReportsTTL, ttl)
	}
	// Strike keys never expire.
	if _, err := c.Strike(ctx, user); err != nil {
		t.Fatalf("Strike() error: %v", err)
	}
	ttl, _ = c.client.TTL(ctx, StrikesPrefix+user).Result()
	if ttl != -1 {
		t.Errorf("expected no TTL on strikes, got %v", ttl)
	}
}

func TestMemoryReportsWindow(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Report(ctx, "u")
	c.Report(ctx, "u")
	now = now.Add(ReportsTTL + time.Second)
	n, _ := c.Report(ctx, "u")
	if n != 1 {
		t.Errorf("expected window reset, got %d", n)
	}
}
