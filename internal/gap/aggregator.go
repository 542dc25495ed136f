package gap

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/kafka"
)

// Stats is the aggregated view of content gaps since the worker started.
type Stats struct {
	TotalGaps       int64        `json:"total_gaps"`
	ZeroResultGaps  int64        `json:"zero_result_gaps"`
	LowResultGaps   int64        `json:"low_result_gaps"`
	DistinctQueries int          `json:"distinct_queries"`
	TopQueries      []QueryCount `json:"top_queries"`
	DeepRefinements int64        `json:"deep_refinements"`
	GapsPerMinute   float64      `json:"gaps_per_minute"`
	AvgRefinements  float64      `json:"avg_refinements"`
	WindowStartedAt time.Time    `json:"window_started_at"`
}

// QueryCount pairs a query with how often it produced a gap.
type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator consumes gap notations and aggregates them in memory.
type Aggregator struct {
	mu              sync.RWMutex
	totalGaps       atomic.Int64
	zeroResults     atomic.Int64
	lowResults      atomic.Int64
	deepRefinements atomic.Int64
	refinementSum   atomic.Int64
	queryCounts     map[string]int64
	startTime       time.Time

	consumer *kafka.Consumer
	logger   *slog.Logger
}

// deepRefinementThreshold marks episodes where the visitor kept narrowing
// the query several times before giving up.
const deepRefinementThreshold = 3

// NewAggregator creates an Aggregator fed by the given consumer.
func NewAggregator(consumer *kafka.Consumer) *Aggregator {
	return &Aggregator{
		queryCounts: make(map[string]int64),
		startTime:   time.Now(),
		consumer:    consumer,
		logger:      slog.Default().With("component", "gap-aggregator"),
	}
}

// Start enters the consume loop until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("gap aggregator starting")
	return a.consumer.Start(ctx)
}

// HandleEvent returns the Kafka message handler that feeds an Aggregator.
// Undecodable messages are logged and skipped, never retried.
func HandleEvent(agg *Aggregator) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[telemetry.GapEvent](value)
		if err != nil {
			agg.logger.Error("failed to decode gap event", "error", err)
			return nil
		}
		agg.record(event)
		return nil
	}
}

func (a *Aggregator) record(event telemetry.GapEvent) {
	a.totalGaps.Add(1)
	if event.ResultCount == 0 {
		a.zeroResults.Add(1)
	} else {
		a.lowResults.Add(1)
	}
	a.refinementSum.Add(int64(event.Refinements))
	if event.Refinements >= deepRefinementThreshold {
		a.deepRefinements.Add(1)
	}

	a.mu.Lock()
	a.queryCounts[event.Query]++
	a.mu.Unlock()
}

// Stats returns a snapshot of the aggregated gap data.
func (a *Aggregator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := Stats{
		TotalGaps:       a.totalGaps.Load(),
		ZeroResultGaps:  a.zeroResults.Load(),
		LowResultGaps:   a.lowResults.Load(),
		DistinctQueries: len(a.queryCounts),
		DeepRefinements: a.deepRefinements.Load(),
		TopQueries:      topN(a.queryCounts, 10),
		WindowStartedAt: a.startTime,
	}
	if stats.TotalGaps > 0 {
		stats.AvgRefinements = float64(a.refinementSum.Load()) / float64(stats.TotalGaps)
	}
	elapsed := time.Since(a.startTime).Minutes()
	if elapsed > 0 {
		stats.GapsPerMinute = float64(stats.TotalGaps) / elapsed
	}
	return stats
}

func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Count > result[j].Count
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
