// Package storage implements telemetry.Store on PostgreSQL.
//
// It requires the following tables:
//
//	CREATE TABLE view_events (
//	    id               UUID PRIMARY KEY,
//	    item_id          TEXT NOT NULL,
//	    category         TEXT,
//	    session_id       TEXT NOT NULL,
//	    source           TEXT NOT NULL,
//	    referrer         TEXT,
//	    viewport_w       INT NOT NULL DEFAULT 0,
//	    viewport_h       INT NOT NULL DEFAULT 0,
//	    duration_seconds BIGINT,
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (item_id, session_id)
//	);
//
//	CREATE TABLE search_events (
//	    id                 UUID PRIMARY KEY,
//	    query              TEXT NOT NULL,
//	    normalized_query   TEXT NOT NULL,
//	    result_count       INT NOT NULL,
//	    location           TEXT,
//	    filters            JSONB,
//	    search_type        TEXT NOT NULL,
//	    failed             BOOLEAN NOT NULL,
//	    session_id         TEXT NOT NULL,
//	    search_duration_ms BIGINT NOT NULL DEFAULT 0,
//	    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    clicked_item_id    TEXT,
//	    clicked_position   INT,
//	    time_to_click_ms   BIGINT,
//	    abandoned_dwell_ms BIGINT
//	);
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	apperrors "github.com/oaklinehq/content-telemetry/pkg/errors"
	"github.com/oaklinehq/content-telemetry/pkg/postgres"
)

// Store persists telemetry events in PostgreSQL.
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// New creates a Store over the given database client.
func New(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "telemetry-storage"),
	}
}

// InsertView stores a view event. Inserting the same (item, session) pair
// again returns the existing record's identifier instead of a duplicate row.
func (s *Store) InsertView(ctx context.Context, event telemetry.ViewEvent) (string, error) {
	id := uuid.NewString()
	var stored string
	err := s.db.DB.QueryRowContext(ctx, `
		INSERT INTO view_events
			(id, item_id, category, session_id, source, referrer, viewport_w, viewport_h, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (item_id, session_id) DO UPDATE SET item_id = EXCLUDED.item_id
		RETURNING id`,
		id, event.ItemID, event.Category, event.SessionID, string(event.Source),
		event.Referrer, event.Viewport.Width, event.Viewport.Height, event.CreatedAt,
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("inserting view event: %w", err)
	}
	if stored != id {
		s.logger.Debug("view already recorded",
			"item_id", event.ItemID,
			"session_id", event.SessionID,
		)
	}
	return stored, nil
}

// UpdateViewDuration fills in the dwell duration once; a second update for
// the same view is suppressed.
func (s *Store) UpdateViewDuration(ctx context.Context, itemID, sessionID string, durationSeconds int64) error {
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE view_events
		SET duration_seconds = $3
		WHERE item_id = $1 AND session_id = $2 AND duration_seconds IS NULL`,
		itemID, sessionID, durationSeconds,
	)
	if err != nil {
		return fmt.Errorf("updating view duration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("view duration update suppressed",
			"item_id", itemID,
			"session_id", sessionID,
		)
	}
	return nil
}

// InsertSearch stores a search event and returns its identifier.
func (s *Store) InsertSearch(ctx context.Context, event telemetry.SearchEvent) (string, error) {
	id := uuid.NewString()

	var filters any
	if len(event.Filters) > 0 {
		raw, err := json.Marshal(event.Filters)
		if err != nil {
			return "", fmt.Errorf("encoding search filters: %w", err)
		}
		filters = raw
	}

	_, err := s.db.DB.ExecContext(ctx, `
		INSERT INTO search_events
			(id, query, normalized_query, result_count, location, filters,
			 search_type, failed, session_id, search_duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, event.Query, event.NormalizedQuery, event.ResultCount, event.Location,
		filters, string(event.Type), event.Failed, event.SessionID,
		event.DurationMs, event.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting search event: %w", err)
	}
	return id, nil
}

// UpdateSearchClick attaches click attribution to a search event. The
// clicked fields are written at most once.
func (s *Store) UpdateSearchClick(ctx context.Context, searchID, itemID string, position int, timeToClickMs int64) error {
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE search_events
		SET clicked_item_id = $2, clicked_position = $3, time_to_click_ms = $4
		WHERE id = $1 AND clicked_item_id IS NULL`,
		searchID, itemID, position, timeToClickMs,
	)
	if err != nil {
		return fmt.Errorf("updating search click: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrRecordNotFound
	}
	return nil
}

// UpdateSearchAbandonment records that the episode ended without a click.
func (s *Store) UpdateSearchAbandonment(ctx context.Context, searchID string, dwellMs int64) error {
	res, err := s.db.DB.ExecContext(ctx, `
		UPDATE search_events
		SET abandoned_dwell_ms = $2
		WHERE id = $1 AND clicked_item_id IS NULL AND abandoned_dwell_ms IS NULL`,
		searchID, dwellMs,
	)
	if err != nil {
		return fmt.Errorf("updating search abandonment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.ErrRecordNotFound
	}
	return nil
}

// likeEscaper neutralizes LIKE metacharacters so a user-supplied prefix
// matches literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// QuerySearchSuggestions returns up to limit distinct successful query texts
// with the given prefix, most frequent first.
func (s *Store) QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx, `
		SELECT normalized_query
		FROM search_events
		WHERE failed = FALSE AND normalized_query LIKE $1 || '%'
		GROUP BY normalized_query
		ORDER BY COUNT(*) DESC, normalized_query
		LIMIT $2`,
		likeEscaper.Replace(prefix), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating suggestions: %w", err)
	}
	return out, nil
}

// ViewDuration reads back a stored view's duration; used by tests and the
// admin stats endpoint.
func (s *Store) ViewDuration(ctx context.Context, itemID, sessionID string) (int64, error) {
	var d sql.NullInt64
	err := s.db.DB.QueryRowContext(ctx, `
		SELECT duration_seconds FROM view_events
		WHERE item_id = $1 AND session_id = $2`,
		itemID, sessionID,
	).Scan(&d)
	if err == sql.ErrNoRows {
		return 0, apperrors.ErrRecordNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying view duration: %w", err)
	}
	return d.Int64, nil
}
