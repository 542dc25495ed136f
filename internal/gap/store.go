package gap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oaklinehq/content-telemetry/pkg/postgres"
	"github.com/oaklinehq/content-telemetry/pkg/resilience"
)

// SnapshotStore persists aggregated gap stats in PostgreSQL.
//
// It requires a `gap_snapshots` table:
//
//	CREATE TABLE gap_snapshots (
//	    id          BIGSERIAL PRIMARY KEY,
//	    data        JSONB NOT NULL,
//	    captured_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type SnapshotStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(db *postgres.Client) *SnapshotStore {
	return &SnapshotStore{
		db:     db,
		logger: slog.Default().With("component", "gap-snapshot-store"),
	}
}

// Save persists a stats snapshot, retrying transient database failures.
func (s *SnapshotStore) Save(ctx context.Context, stats Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshaling gap stats: %w", err)
	}

	err = resilience.Retry(ctx, "gap-snapshot", resilience.RetryConfig{MaxAttempts: 3}, func() error {
		_, execErr := s.db.DB.ExecContext(ctx,
			`INSERT INTO gap_snapshots (data, captured_at) VALUES ($1, $2)`,
			data, time.Now().UTC(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("saving gap snapshot: %w", err)
	}

	s.logger.Info("gap snapshot saved", "total_gaps", stats.TotalGaps)
	return nil
}

// RunSnapshots saves a snapshot every interval until ctx is cancelled.
func (s *SnapshotStore) RunSnapshots(ctx context.Context, agg *Aggregator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Save(ctx, agg.Stats()); err != nil {
				s.logger.Error("periodic snapshot failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
