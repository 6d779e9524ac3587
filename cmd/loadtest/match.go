package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/whisper/pairchat/internal/client"
	"github.com/whisper/pairchat/internal/loadtest"
)

// simUser is one simulated participant.
type simUser struct {
	id        string
	sessionID string
	partnerID string
	api       *client.Client
}

// registerAndMatch registers a fresh user and polls find_match until the
// user is paired or ctx is done. Both phases are recorded in collector.
func registerAndMatch(ctx context.Context, api *client.Client, collector *loadtest.Collector,
	pollInterval time.Duration, registered func()) (*simUser, error) {

	u := &simUser{id: uuid.NewString(), api: api}

	start := time.Now()
	if _, err := api.Register(ctx, u.id); err != nil {
		collector.AddError(loadtest.KindRegister)
		return nil, fmt.Errorf("register: %w", err)
	}
	collector.Add(loadtest.KindRegister, time.Since(start))
	registered()

	start = time.Now()
	m, err := api.WaitForMatch(ctx, u.id, "", "", pollInterval)
	if err != nil {
		collector.AddError(loadtest.KindMatch)
		// Leave the pool so the ticket does not linger until it goes stale.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		api.EndSession(cleanupCtx, "", u.id)
		cancel()
		return nil, fmt.Errorf("match: %w", err)
	}
	collector.Add(loadtest.KindMatch, time.Since(start))

	u.sessionID = m.SessionID
	u.partnerID = m.PartnerID
	return u, nil
}

// runMatch implements the matching flow load test. Simulated users register
// and poll find_match until they are paired, then end the session. This
// measures matching throughput and latency under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080/api/chat", "Chat API endpoint")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for user creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for a partner")
	pollInterval := fs.Duration("poll-interval", client.MatchPollInterval, "Interval between find_match polls")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous registrations during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalUsers := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d users) to %s (ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, totalUsers, *url, *ramp, *matchTimeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	api := client.New(*url, nil)

	fmt.Println("\n--- Phase 1: Register and match ---")
	wg, completed := rampUp(ctx, totalUsers, *ramp, *concurrency, collector, func(i int, release func()) {
		matchCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
		defer cancel()

		u, err := registerAndMatch(matchCtx, api, collector, *pollInterval, release)
		if err != nil {
			return
		}
		// Either side may end; the second call is a no-op.
		endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer endCancel()
		if err := api.EndSession(endCtx, u.sessionID, u.id); err != nil {
			collector.AddError(loadtest.KindMatch)
		}
	})
	if !completed {
		fmt.Println("Waiting for launched users to finish...")
	}
	wg.Wait()

	fmt.Printf("\nMatched %d/%d users\n", collector.Count(loadtest.KindMatch), totalUsers)

	scraper.Stop()
	collector.Report(os.Stdout)
}
