// Package search implements the search attribution pipeline: debounced query
// tracking, initial/refined/paginated classification, the failed-search
// heuristic, episode duration bookkeeping, click attribution, abandonment
// detection, and prefix suggestions over prior successful queries.
package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oaklinehq/content-telemetry/internal/session"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/debounce"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
)

// GapRecorder receives content-gap notations for failed searches.
type GapRecorder interface {
	RecordGap(ctx context.Context, gap telemetry.GapEvent) error
}

// NopGapRecorder discards gap notations. It stands in when gap reporting is
// disabled, leaving the debug log as the only trace.
type NopGapRecorder struct{}

func (NopGapRecorder) RecordGap(context.Context, telemetry.GapEvent) error { return nil }

// Context carries the submission-side context of a query: where the search
// ran, the applied filters, and the result page number.
type Context struct {
	Location string
	Filters  map[string]string
	Page     int
}

// episode tracks one contiguous sequence of query refinements. It is owned
// by the Pipeline and only mutated under its lock.
type episode struct {
	prevQuery    string // normalized text of the last tracked query
	prevPage     int
	refinements  int
	startedAt    time.Time // episode start, reset on initial
	endedAt      time.Time // episode end, extended on refined
	searchID     string    // remembered identifier for click attribution
	firstClickAt time.Time // zero until the first result click
}

// Pipeline tracks query submissions and joins later clicks back to them.
// Construct one per session scope and share it; all state is internal.
type Pipeline struct {
	mu sync.Mutex
	ep episode

	store    telemetry.Store
	sessions *session.Registry
	gaps     GapRecorder
	cfg      config.TelemetryConfig
	deb      *debounce.Debouncer

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewPipeline creates a Pipeline. gaps and m may be nil.
func NewPipeline(store telemetry.Store, sessions *session.Registry, gaps GapRecorder, cfg config.TelemetryConfig, m *metrics.Metrics) *Pipeline {
	if gaps == nil {
		gaps = NopGapRecorder{}
	}
	return &Pipeline{
		store:    store,
		sessions: sessions,
		gaps:     gaps,
		cfg:      cfg,
		deb:      debounce.New(cfg.DebounceWindow),
		logger:   slog.Default().With("component", "search-pipeline"),
		metrics:  m,
		now:      time.Now,
	}
}

// TrackSearch schedules a debounced submission. Rapid calls within the
// debounce window collapse to the last one; earlier calls produce no event.
func (p *Pipeline) TrackSearch(ctx context.Context, query string, resultCount int, sctx Context) {
	p.deb.Do(func() {
		p.Submit(ctx, query, resultCount, sctx)
	})
}

// Submit tracks a query immediately, bypassing the debounce. It returns the
// stored search identifier, or "" when the query was skipped or delivery
// failed; callers must treat "" as tracking unavailable for this query.
func (p *Pipeline) Submit(ctx context.Context, query string, resultCount int, sctx Context) string {
	normalized := Normalize(query)
	if normalized == "" {
		return ""
	}

	p.mu.Lock()
	kind := p.classify(normalized, sctx.Page)
	switch kind {
	case telemetry.SearchInitial:
		p.ep.startedAt = p.now()
		p.ep.endedAt = p.ep.startedAt
		p.ep.refinements = 0
	case telemetry.SearchRefined:
		p.ep.endedAt = p.now()
		p.ep.refinements++
	}
	failed := p.isFailed(normalized, resultCount)
	event := telemetry.SearchEvent{
		Query:           query,
		NormalizedQuery: normalized,
		ResultCount:     resultCount,
		Location:        sctx.Location,
		Filters:         sctx.Filters,
		Type:            kind,
		Failed:          failed,
		SessionID:       p.sessions.ID(),
		DurationMs:      p.ep.endedAt.Sub(p.ep.startedAt).Milliseconds(),
		CreatedAt:       p.now(),
	}
	refinements := p.ep.refinements
	p.mu.Unlock()

	id, err := p.store.InsertSearch(ctx, event)
	if err != nil {
		// A click arriving before the next successful submission sees a
		// stale or absent identifier and degrades to a no-op.
		p.logger.Debug("search insert failed",
			"query", normalized,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.DeliveryErrorsTotal.WithLabelValues("insert_search").Inc()
		}
		return ""
	}

	p.mu.Lock()
	p.ep.searchID = id
	p.ep.firstClickAt = time.Time{}
	p.ep.prevQuery = normalized
	p.ep.prevPage = sctx.Page
	p.mu.Unlock()

	p.logger.Debug("search tracked",
		"query", normalized,
		"type", string(kind),
		"results", resultCount,
		"failed", failed,
	)
	if p.metrics != nil {
		p.metrics.SearchesTrackedTotal.WithLabelValues(string(kind)).Inc()
		if failed {
			p.metrics.FailedSearchesTotal.Inc()
		}
	}

	if failed {
		gap := telemetry.GapEvent{
			Query:       normalized,
			ResultCount: resultCount,
			SessionID:   event.SessionID,
			Refinements: refinements,
			Timestamp:   p.now(),
		}
		if err := p.gaps.RecordGap(ctx, gap); err != nil {
			p.logger.Debug("content-gap notation failed", "query", normalized, "error", err)
		}
	}

	return id
}

// TrackClick joins a result click back to the most recent tracked query. It
// no-ops silently when no identifier is remembered (the user clicked before
// any tracked query, or tracking failed upstream) and when a click has
// already been attributed for this episode.
func (p *Pipeline) TrackClick(ctx context.Context, itemID string, position int) {
	p.mu.Lock()
	if p.ep.searchID == "" || !p.ep.firstClickAt.IsZero() {
		p.mu.Unlock()
		return
	}
	now := p.now()
	p.ep.firstClickAt = now
	searchID := p.ep.searchID
	timeToClick := now.Sub(p.ep.endedAt).Milliseconds()
	p.mu.Unlock()

	if timeToClick < 0 {
		timeToClick = 0
	}

	if err := p.store.UpdateSearchClick(ctx, searchID, itemID, position, timeToClick); err != nil {
		p.logger.Debug("click attribution failed",
			"search_id", searchID,
			"item_id", itemID,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.DeliveryErrorsTotal.WithLabelValues("update_search_click").Inc()
		}
		return
	}
	p.logger.Debug("click attributed",
		"search_id", searchID,
		"item_id", itemID,
		"position", position,
		"time_to_click_ms", timeToClick,
	)
	if p.metrics != nil {
		p.metrics.ClickAttributions.Inc()
		p.metrics.TimeToClickMs.Observe(float64(timeToClick))
	}
}

// TrackAbandonment marks the current episode as left without a click. It
// fires only when no click timestamp has been recorded, computing dwell time
// from the episode end to now.
func (p *Pipeline) TrackAbandonment(ctx context.Context) {
	p.mu.Lock()
	if p.ep.searchID == "" || !p.ep.firstClickAt.IsZero() {
		p.mu.Unlock()
		return
	}
	searchID := p.ep.searchID
	dwell := p.now().Sub(p.ep.endedAt).Milliseconds()
	p.mu.Unlock()

	if dwell < 0 {
		dwell = 0
	}

	if err := p.store.UpdateSearchAbandonment(ctx, searchID, dwell); err != nil {
		p.logger.Debug("abandonment update failed",
			"search_id", searchID,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.DeliveryErrorsTotal.WithLabelValues("update_search_abandonment").Inc()
		}
		return
	}
	p.logger.Debug("search abandoned", "search_id", searchID, "dwell_ms", dwell)
	if p.metrics != nil {
		p.metrics.AbandonmentsTotal.Inc()
	}
}

// Suggestions returns up to the configured limit of prior successful query
// texts matching the given prefix. Failures surface as an empty slice.
func (p *Pipeline) Suggestions(ctx context.Context, partial string) []string {
	prefix := Normalize(partial)
	if prefix == "" {
		return nil
	}
	limit := p.cfg.SuggestionLimit
	if limit <= 0 {
		limit = 5
	}
	out, err := p.store.QuerySearchSuggestions(ctx, prefix, limit)
	if err != nil {
		p.logger.Debug("suggestion query failed", "prefix", prefix, "error", err)
		return nil
	}
	return out
}

// Reset clears the episode state. The facade calls this after a session
// reset; any in-flight insert's identifier is discarded harmlessly.
func (p *Pipeline) Reset() {
	p.deb.Cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep = episode{}
}

// Stop cancels any pending debounced submission. Called on page unload,
// where starting a new network call would never complete anyway.
func (p *Pipeline) Stop() {
	p.deb.Cancel()
}

// classify compares the normalized query to the previous tracked one.
// Callers must hold p.mu.
func (p *Pipeline) classify(normalized string, page int) telemetry.SearchType {
	prev := p.ep.prevQuery
	switch {
	case prev == "":
		return telemetry.SearchInitial
	case normalized == prev && page > p.ep.prevPage:
		return telemetry.SearchPaginated
	case strings.HasPrefix(normalized, prev) || strings.HasPrefix(prev, normalized):
		return telemetry.SearchRefined
	default:
		// Topic change: a new episode starts and refinement tracking resets.
		return telemetry.SearchInitial
	}
}

// isFailed applies the failed-search heuristic: zero results always fail;
// longer queries also fail on too few results, while short queries are
// expected to be broad and are exempt from the count rule.
func (p *Pipeline) isFailed(normalized string, resultCount int) bool {
	if resultCount == 0 {
		return true
	}
	// Character count, not bytes: multibyte queries get the same exemption.
	return utf8.RuneCountInString(normalized) > p.cfg.FailedQueryMinLength && resultCount < p.cfg.FailedResultThreshold
}

// Normalize trims and lower-cases query text for classification and storage.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
