// Package gap handles content-gap analysis: failed searches are published to
// Kafka by the collector, aggregated in memory by the gap worker, and
// periodically snapshotted to PostgreSQL.
package gap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/kafka"
)

// Publisher emits content-gap notations to Kafka. It satisfies the search
// pipeline's GapRecorder contract for server-side use.
type Publisher struct {
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewPublisher creates a Publisher over the given Kafka producer.
func NewPublisher(producer *kafka.Producer) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   slog.Default().With("component", "gap-publisher"),
	}
}

// RecordGap publishes one gap notation, keyed by the normalized query so
// repeats of the same gap land on the same partition.
func (p *Publisher) RecordGap(ctx context.Context, gap telemetry.GapEvent) error {
	if err := p.producer.Publish(ctx, kafka.Event{Key: gap.Query, Value: gap}); err != nil {
		return fmt.Errorf("publishing gap notation: %w", err)
	}
	p.logger.Debug("gap notation published", "query", gap.Query, "results", gap.ResultCount)
	return nil
}
