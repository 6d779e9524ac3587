// Package main is the entry point for the pairchat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - match: pairs of users register and poll until matched
//   - chat:  full lifecycle, matched pairs exchange messages, rate and end
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/whisper/pairchat/internal/loadtest"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "match":
		runMatch(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  match       Matching flow load test, pairs of users poll find_match until paired")
	fmt.Println("  chat        Full chat lifecycle load test, match then exchange messages, rate and end")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// rampUp launches total workers spread evenly over ramp, with at most
// concurrency workers between launch and their call to release. It reports progress every
// two seconds and returns false if ctx was cancelled before all workers
// launched. The returned WaitGroup completes when every worker returns.
func rampUp(ctx context.Context, total int, ramp time.Duration, concurrency int,
	collector *loadtest.Collector, worker func(i int, release func())) (*sync.WaitGroup, bool) {

	interval := ramp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] registered: %d/%d  matched: %d  errors: %d\n",
					collector.Count(loadtest.KindRegister), total,
					collector.Count(loadtest.KindMatch), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()
	defer func() {
		close(progressStop)
		progressWg.Wait()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < total; launched++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			return &wg, false
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			var once sync.Once
			release := func() { once.Do(func() { <-sem }) }
			defer release()
			worker(i, release)
		}(launched)
	}
	return &wg, true
}
