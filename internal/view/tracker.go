// Package view implements the view attribution tracker: it records one view
// event per (item, session) activation and measures dwell duration, issuing
// at most one insert and one duration update per activation.
package view

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/session"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
)

// activation is the per-activation state record. It is owned by the Tracker
// and reset whenever the tracked subject changes.
type activation struct {
	itemID    string
	category  string
	source    telemetry.ViewSource
	startedAt time.Time
	tracked   bool // insert attempted for this activation
	inserted  bool // insert succeeded, a durable record exists
	finalized bool
}

// Tracker observes the currently displayed content item. One activation runs
// per subject item: Idle until the item and session are known, Tracked after
// the insert, Finalized once dwell duration is measured.
type Tracker struct {
	mu       sync.Mutex
	act      activation
	store    telemetry.Store
	sessions *session.Registry
	cfg      config.TelemetryConfig

	interactions atomic.Int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewTracker creates a Tracker. m may be nil.
func NewTracker(store telemetry.Store, sessions *session.Registry, cfg config.TelemetryConfig, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:    store,
		sessions: sessions,
		cfg:      cfg,
		logger:   slog.Default().With("component", "view-tracker"),
		metrics:  m,
		now:      time.Now,
	}
}

// SetItem switches the tracked subject. The previous activation, if any, is
// finalized first; a non-empty itemID then starts a fresh activation and
// records its view immediately.
func (t *Tracker) SetItem(ctx context.Context, itemID, category, sourceHint string) {
	t.mu.Lock()
	if itemID != "" && itemID == t.act.itemID && t.act.tracked {
		// Same subject, already recorded. The dedupe key survives a
		// finalize: only a new item or a session reset clears it.
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.Finalize(ctx, "item_changed")

	t.mu.Lock()
	t.act = activation{}
	if itemID == "" {
		t.mu.Unlock()
		return
	}
	t.act.itemID = itemID
	t.act.category = category
	t.act.source = t.resolveSource(sourceHint)
	t.mu.Unlock()

	t.begin(ctx)
}

// begin performs the Idle to Tracked transition: one insert per activation,
// guarded so repeated triggers are no-ops.
func (t *Tracker) begin(ctx context.Context) {
	t.mu.Lock()
	if t.act.itemID == "" || t.act.tracked {
		t.mu.Unlock()
		return
	}
	t.act.tracked = true
	t.act.startedAt = t.now()
	event := telemetry.ViewEvent{
		ItemID:    t.act.itemID,
		Category:  t.act.category,
		SessionID: t.sessions.ID(),
		Source:    t.act.source,
		CreatedAt: t.act.startedAt,
	}
	t.mu.Unlock()

	meta := t.sessions.Metadata()
	event.Referrer = meta.Referrer
	event.Viewport = meta.Viewport

	t.interactions.Add(1)

	if _, err := t.store.InsertView(ctx, event); err != nil {
		// The activation stays Tracked but without a durable record; the
		// later duration update is skipped rather than retried.
		t.logger.Debug("view insert failed",
			"item_id", event.ItemID,
			"error", err,
		)
		if t.metrics != nil {
			t.metrics.DeliveryErrorsTotal.WithLabelValues("insert_view").Inc()
		}
		return
	}

	t.mu.Lock()
	if t.act.itemID == event.ItemID {
		t.act.inserted = true
	}
	t.mu.Unlock()

	t.logger.Debug("view tracked",
		"item_id", event.ItemID,
		"source", string(event.Source),
	)
	if t.metrics != nil {
		t.metrics.ViewsTrackedTotal.Inc()
	}
}

// Finalize performs the Tracked to Finalized transition: it computes dwell
// duration in whole seconds and issues at most one duration update. It is
// idempotent; repeat calls for the same activation are no-ops, as are calls
// for activations whose insert never completed or whose dwell was too short
// to be meaningful.
func (t *Tracker) Finalize(ctx context.Context, reason string) {
	t.mu.Lock()
	if !t.act.tracked || t.act.finalized {
		t.mu.Unlock()
		return
	}
	t.act.finalized = true
	itemID := t.act.itemID
	inserted := t.act.inserted
	duration := int64(t.now().Sub(t.act.startedAt) / time.Second)
	t.mu.Unlock()

	minSeconds := int64(t.cfg.MinViewDuration / time.Second)
	if minSeconds <= 0 {
		minSeconds = 1
	}
	if duration <= minSeconds {
		t.logger.Debug("view duration skipped",
			"item_id", itemID,
			"reason", reason,
			"duration_s", duration,
		)
		return
	}
	if !inserted {
		t.logger.Debug("view duration skipped, no durable record",
			"item_id", itemID,
			"reason", reason,
		)
		return
	}

	if err := t.store.UpdateViewDuration(ctx, itemID, t.sessions.ID(), duration); err != nil {
		t.logger.Debug("view duration update failed",
			"item_id", itemID,
			"error", err,
		)
		if t.metrics != nil {
			t.metrics.DeliveryErrorsTotal.WithLabelValues("update_view_duration").Inc()
		}
		return
	}
	t.logger.Debug("view finalized",
		"item_id", itemID,
		"reason", reason,
		"duration_s", duration,
	)
	if t.metrics != nil {
		t.metrics.ViewDurationSeconds.Observe(float64(duration))
	}
}

// Reset clears the current activation without finalizing it. The facade
// calls this after a session reset, since the (item, session) dedupe key is
// no longer valid.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.act = activation{}
}

// Interactions returns the number of view activations begun so far.
func (t *Tracker) Interactions() int64 {
	return t.interactions.Load()
}

// resolveSource picks the view-source classification: an explicit hint wins,
// then a referrer-path heuristic, then "direct".
func (t *Tracker) resolveSource(hint string) telemetry.ViewSource {
	switch telemetry.ViewSource(hint) {
	case telemetry.SourceSearch, telemetry.SourceBrowse, telemetry.SourceDirect,
		telemetry.SourceShare, telemetry.SourceExternal:
		return telemetry.ViewSource(hint)
	}

	referrer := t.sessions.Metadata().Referrer
	switch {
	case referrer == "":
		return telemetry.SourceDirect
	case strings.Contains(referrer, "/search"):
		return telemetry.SourceSearch
	case strings.Contains(referrer, "/library"), strings.Contains(referrer, "/browse"):
		return telemetry.SourceBrowse
	default:
		return telemetry.SourceExternal
	}
}
