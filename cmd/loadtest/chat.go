package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/whisper/pairchat/internal/client"
	"github.com/whisper/pairchat/internal/loadtest"
	"github.com/whisper/pairchat/internal/protocol"
)

// runChat implements the full chat lifecycle load test. Each simulated user
// registers, gets matched, sends messages at a fixed interval while polling
// for the partner's messages, then rates the partner and ends the session.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "http://localhost:8080/api/chat", "Chat API endpoint")
	pairs := fs.Int("pairs", 100, "Number of chatting pairs")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for user creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for a partner")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", client.MessagePollInterval, "Interval between sends and polls")
	msgSize := fs.Int("msg-size", 64, "Message size in bytes")
	score := fs.Int("score", 5, "Rating each user gives the partner")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous registrations during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalUsers := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d users) to %s (chat=%s, interval=%s, size=%d)\n",
		*pairs, totalUsers, *url, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadtest.NewCollector()
	scraper := loadtest.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	api := client.New(*url, nil)
	payload := strings.Repeat("x", *msgSize)

	fmt.Println("\n--- Phase 1: Register, match and chat ---")
	wg, completed := rampUp(ctx, totalUsers, *ramp, *concurrency, collector, func(i int, release func()) {
		matchCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
		u, err := registerAndMatch(matchCtx, api, collector, client.MatchPollInterval, release)
		cancel()
		if err != nil {
			return
		}

		chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
		u.converse(chatCtx, collector, payload, *msgInterval)
		chatCancel()

		finishCtx, finishCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finishCancel()
		u.finish(finishCtx, collector, *score)
	})
	if !completed {
		fmt.Println("Waiting for launched users to finish...")
	}
	wg.Wait()

	fmt.Printf("\nSent %d messages, observed %d deliveries\n",
		collector.Count(loadtest.KindSend), collector.Count(loadtest.KindDelivery))

	scraper.Stop()
	collector.Report(os.Stdout)
}

// converse sends one message and polls once per interval until ctx is done
// or the session ends.
func (u *simUser) converse(ctx context.Context, collector *loadtest.Collector, payload string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastID int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		if _, err := u.api.SendMessage(ctx, u.sessionID, u.id, payload); err != nil {
			if client.IsCode(err, "session_ended") {
				return
			}
			if ctx.Err() == nil {
				collector.AddError(loadtest.KindSend)
			}
		} else {
			collector.Add(loadtest.KindSend, time.Since(start))
		}

		msgs, err := u.api.GetMessages(ctx, u.sessionID, lastID)
		if err != nil {
			if ctx.Err() == nil {
				collector.AddError(loadtest.KindDelivery)
			}
			continue
		}
		now := time.Now()
		for _, m := range msgs {
			lastID = max(lastID, m.ID)
			if m.SenderID != u.partnerID {
				continue
			}
			if ts, err := protocol.ParseTime(m.Timestamp); err == nil {
				collector.Add(loadtest.KindDelivery, now.Sub(ts))
			}
		}
	}
}

// finish rates the partner, which also ends the session, and then ends the
// session explicitly in case the server keeps rated sessions open.
func (u *simUser) finish(ctx context.Context, collector *loadtest.Collector, score int) {
	err := u.api.Rate(ctx, u.sessionID, u.id, score)
	if err != nil && !client.IsCode(err, "duplicate_rating") {
		collector.AddError(loadtest.KindSend)
	}
	if err := u.api.EndSession(ctx, u.sessionID, u.id); err != nil {
		collector.AddError(loadtest.KindSend)
	}
}
