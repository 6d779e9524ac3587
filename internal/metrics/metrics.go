// Package metrics provides Prometheus instrumentation for pairchat. It exposes
// gauges for queue and session counts, counters for matches, messages,
// ratings and blocks, and histograms for match wait and request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts messages, labeled by result: "sent", "rejected" or "flagged".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"})

	// MatchesTotal counts sessions created by the pool.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pairchat_matches_total",
		Help: "Total number of sessions created by matching",
	})

	// MatchWait records how long the older ticket waited before being paired.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairchat_match_wait_seconds",
		Help:    "Time a ticket waited in the pool before pairing",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60, 120},
	})

	// ActiveSessions tracks the current number of active chat sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MatchQueueSize tracks the current number of users in the waiting pool.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairchat_match_queue_size",
		Help: "Current number of users in the waiting pool",
	})

	// RatingsTotal counts ratings by score.
	RatingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_ratings_total",
		Help: "Total number of ratings applied",
	}, []string{"score"})

	// BlocksTotal counts blocks by resulting tier: "7d", "30d" or "permanent".
	BlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_blocks_total",
		Help: "Total number of blocks applied",
	}, []string{"tier"})

	// RequestsTotal counts API requests by action and response code.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairchat_requests_total",
		Help: "Total number of API requests",
	}, []string{"action", "code"})

	// RequestLatency records API request latency in seconds.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pairchat_request_latency_seconds",
		Help:    "API request latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		MatchesTotal,
		MatchWait,
		ActiveSessions,
		MatchQueueSize,
		RatingsTotal,
		BlocksTotal,
		RequestsTotal,
		RequestLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
