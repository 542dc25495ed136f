// Command loadtest drives simulated visitor sessions through the client SDK
// against a running collector. Each worker owns one pipeline instance and
// replays a browse-search-click loop; latency is measured per store call.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/lifecycle"
	"github.com/oaklinehq/content-telemetry/internal/pipeline"
	"github.com/oaklinehq/content-telemetry/internal/search"
	"github.com/oaklinehq/content-telemetry/internal/session"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/logger"
)

type Stats struct {
	totalCalls   atomic.Int64
	successCount atomic.Int64
	errorCount   atomic.Int64
	latencies    []time.Duration
	latenciesMu  sync.Mutex
	perOp        map[string]*atomic.Int64
	perOpMu      sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		perOp:     make(map[string]*atomic.Int64),
	}
}

func (s *Stats) Record(op string, duration time.Duration, err error) {
	s.totalCalls.Add(1)
	if err != nil {
		s.errorCount.Add(1)
	} else {
		s.successCount.Add(1)
		s.latenciesMu.Lock()
		s.latencies = append(s.latencies, duration)
		s.latenciesMu.Unlock()
	}

	s.perOpMu.Lock()
	if _, ok := s.perOp[op]; !ok {
		s.perOp[op] = &atomic.Int64{}
	}
	s.perOp[op].Add(1)
	s.perOpMu.Unlock()
}

// measuredStore wraps a telemetry.Store and records per-call latency.
type measuredStore struct {
	inner telemetry.Store
	stats *Stats
}

func (m *measuredStore) InsertView(ctx context.Context, event telemetry.ViewEvent) (string, error) {
	start := time.Now()
	id, err := m.inner.InsertView(ctx, event)
	m.stats.Record("insert_view", time.Since(start), err)
	return id, err
}

func (m *measuredStore) UpdateViewDuration(ctx context.Context, itemID, sessionID string, durationSeconds int64) error {
	start := time.Now()
	err := m.inner.UpdateViewDuration(ctx, itemID, sessionID, durationSeconds)
	m.stats.Record("update_view_duration", time.Since(start), err)
	return err
}

func (m *measuredStore) InsertSearch(ctx context.Context, event telemetry.SearchEvent) (string, error) {
	start := time.Now()
	id, err := m.inner.InsertSearch(ctx, event)
	m.stats.Record("insert_search", time.Since(start), err)
	return id, err
}

func (m *measuredStore) UpdateSearchClick(ctx context.Context, searchID, itemID string, position int, timeToClickMs int64) error {
	start := time.Now()
	err := m.inner.UpdateSearchClick(ctx, searchID, itemID, position, timeToClickMs)
	m.stats.Record("update_search_click", time.Since(start), err)
	return err
}

func (m *measuredStore) UpdateSearchAbandonment(ctx context.Context, searchID string, dwellMs int64) error {
	start := time.Now()
	err := m.inner.UpdateSearchAbandonment(ctx, searchID, dwellMs)
	m.stats.Record("update_search_abandonment", time.Since(start), err)
	return err
}

func (m *measuredStore) QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	start := time.Now()
	out, err := m.inner.QuerySearchSuggestions(ctx, prefix, limit)
	m.stats.Record("query_suggestions", time.Since(start), err)
	return out, err
}

var queries = []string{
	"cognitive bias",
	"cognitive biases",
	"sleep hygiene",
	"spaced repetition",
	"habit formation",
	"decision fatigue",
	"memory palace",
	"flow state",
	"deep work",
	"attention span",
	"quantum sociology",
	"procrastination loops",
}

var items = []struct {
	id       string
	category string
}{
	{"art-001", "psychology"},
	{"art-002", "productivity"},
	{"art-003", "neuroscience"},
	{"art-004", "psychology"},
	{"art-005", "health"},
	{"art-006", "productivity"},
}

func main() {
	collectorURL := flag.String("url", "http://localhost:8080", "collector base URL")
	apiKey := flag.String("api-key", "", "collector API key")
	concurrency := flag.Int("concurrency", 10, "number of concurrent simulated sessions")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	flag.Parse()

	logger.Setup("warn", "text")

	fmt.Println("=== Telemetry Pipeline Load Test ===")
	fmt.Printf("Target:      %s\n", *collectorURL)
	fmt.Printf("Sessions:    %d\n", *concurrency)
	fmt.Printf("Duration:    %s\n", *duration)
	fmt.Println()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Client.CollectorURL = *collectorURL
	// Tight windows so a short run still exercises debounce and flushes.
	cfg.Telemetry.DebounceWindow = 50 * time.Millisecond
	cfg.Batch.FlushInterval = 2 * time.Second

	stats := NewStats()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")

	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			runSession(ctx, cfg, *apiKey, workerID, stats)
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done!")
	fmt.Println()
	printReport(stats, *duration)
}

// runSession loops one simulated visitor: view an item, search, sometimes
// click the result, sometimes walk away.
func runSession(ctx context.Context, cfg *config.Config, apiKey string, workerID int, stats *Stats) {
	store := &measuredStore{
		inner: pipeline.NewHTTPStore(cfg.Client, apiKey),
		stats: stats,
	}
	p := pipeline.New(cfg, pipeline.Options{
		Store: store,
		KV:    session.NewMemoryKV(),
		Env: session.StaticEnv{
			Location: fmt.Sprintf("https://loadtest.local/reader/%d", workerID),
			Ref:      "https://loadtest.local/search",
			OS:       "loadtest",
			Size:     telemetry.Viewport{Width: 1280, Height: 800},
		},
	})

	rng := rand.New(rand.NewSource(int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			p.Signal(lifecycle.Unload)
			return
		default:
		}

		item := items[rng.Intn(len(items))]
		p.ShowItem(ctx, item.id, item.category, "")
		sleep(ctx, time.Duration(20+rng.Intn(80))*time.Millisecond)

		query := queries[rng.Intn(len(queries))]
		p.TrackSearch(ctx, query, rng.Intn(12), search.Context{Location: "header", Page: 1})
		sleep(ctx, cfg.Telemetry.DebounceWindow+50*time.Millisecond)

		switch rng.Intn(3) {
		case 0:
			p.TrackSearchClick(ctx, items[rng.Intn(len(items))].id, 1+rng.Intn(5))
		case 1:
			p.TrackSearchAbandonment(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.totalCalls.Load()
	success := stats.successCount.Load()
	errors := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Store Calls:  %d\n", total)
	fmt.Printf("Successful:   %d\n", success)
	fmt.Printf("Errors:       %d\n", errors)

	if total > 0 {
		errorRate := float64(errors) / float64(total) * 100
		fmt.Printf("Error Rate:   %.2f%%\n", errorRate)
		rps := float64(total) / duration.Seconds()
		fmt.Printf("Calls/sec:    %.2f\n", rps)
	}

	stats.latenciesMu.Lock()
	latencies := make([]time.Duration, len(stats.latencies))
	copy(latencies, stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("=== Calls by Operation ===")
	stats.perOpMu.Lock()
	ops := make([]string, 0, len(stats.perOp))
	for op := range stats.perOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Printf("  %-26s %d\n", op, stats.perOp[op].Load())
	}
	stats.perOpMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No store calls completed. Is the collector running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
