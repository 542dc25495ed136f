package gap

import (
	"testing"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
)

func TestAggregatorStats(t *testing.T) {
	agg := NewAggregator(nil)

	agg.record(telemetry.GapEvent{Query: "quantum sociology", ResultCount: 0, Refinements: 4})
	agg.record(telemetry.GapEvent{Query: "quantum sociology", ResultCount: 0, Refinements: 0})
	agg.record(telemetry.GapEvent{Query: "obscure topic", ResultCount: 2, Refinements: 2})

	stats := agg.Stats()
	if stats.TotalGaps != 3 {
		t.Errorf("expected 3 gaps, got %d", stats.TotalGaps)
	}
	if stats.ZeroResultGaps != 2 || stats.LowResultGaps != 1 {
		t.Errorf("unexpected zero/low split: %d/%d", stats.ZeroResultGaps, stats.LowResultGaps)
	}
	if stats.DistinctQueries != 2 {
		t.Errorf("expected 2 distinct queries, got %d", stats.DistinctQueries)
	}
	if stats.DeepRefinements != 1 {
		t.Errorf("expected 1 deep refinement episode, got %d", stats.DeepRefinements)
	}
	if len(stats.TopQueries) == 0 || stats.TopQueries[0].Query != "quantum sociology" {
		t.Errorf("unexpected top queries %v", stats.TopQueries)
	}
	if stats.AvgRefinements != 2 {
		t.Errorf("expected avg refinements 2, got %v", stats.AvgRefinements)
	}
}
