// Package loadtest provides a goroutine-safe metrics collector that
// aggregates latency samples from many simulated pairchat users and prints a
// summary report with percentile distributions.
package loadtest

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Sample kinds recorded by the load generator.
const (
	KindRegister = "register"
	KindMatch    = "match"
	KindSend     = "send"
	KindDelivery = "delivery"
)

// Collector aggregates metrics from concurrent simulated users.
type Collector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose report is appended to
// the collector's.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// Add records one latency sample of the given kind.
func (c *Collector) Add(kind string, d time.Duration) {
	c.mu.Lock()
	c.latencies[kind] = append(c.latencies[kind], d)
	c.mu.Unlock()
}

// AddError counts one failed operation of the given kind.
func (c *Collector) AddError(kind string) {
	c.mu.Lock()
	c.errors[kind]++
	c.mu.Unlock()
}

// Count returns the number of samples of kind.
func (c *Collector) Count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[kind])
}

// ErrorCount returns the total number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.errors {
		n += v
	}
	return n
}

// Report writes a summary of the collected metrics to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", time.Since(c.startTime).Round(time.Second))

	for _, kind := range []string{KindRegister, KindMatch, KindSend, KindDelivery} {
		samples := c.latencies[kind]
		errs := c.errors[kind]
		if len(samples) == 0 && errs == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s (errors: %d) ---\n", kind, errs)
		if len(samples) > 0 {
			fmt.Fprintln(w, Summarize(samples))
		}
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary holds percentile statistics of a set of durations.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Summarize computes percentiles of durations. It sorts a copy.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: sorted[n/2],
		P95: sorted[int(math.Ceil(float64(n)*0.95))-1],
		P99: sorted[int(math.Ceil(float64(n)*0.99))-1],
		Max: sorted[n-1],
	}
}
