// Package pipeline assembles the client-side telemetry SDK: one explicitly
// constructed Pipeline owns the session registry, view tracker, search
// pipeline, and batching queue, and binds them to the host's page-lifecycle
// signals. Construct it once at application start and inject it where
// tracking calls are made.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/oaklinehq/content-telemetry/internal/batch"
	"github.com/oaklinehq/content-telemetry/internal/lifecycle"
	"github.com/oaklinehq/content-telemetry/internal/search"
	"github.com/oaklinehq/content-telemetry/internal/session"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/internal/view"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
)

// Options carries the injected collaborators of a Pipeline. Store is
// required; everything else has a working default.
type Options struct {
	Store   telemetry.Store
	KV      session.KV
	Env     session.Env
	Gaps    search.GapRecorder
	Sink    batch.Sink
	Metrics *metrics.Metrics
}

// queueGapRecorder enqueues gap notations as batch records instead of
// reporting them inline.
type queueGapRecorder struct {
	queue *batch.Queue
}

func (r queueGapRecorder) RecordGap(ctx context.Context, event telemetry.GapEvent) error {
	r.queue.Add(telemetry.QueuedRecord{Kind: telemetry.KindGap, Payload: event})
	return nil
}

// Pipeline is the entry point for telemetry calls from application code.
type Pipeline struct {
	sessions   *session.Registry
	views      *view.Tracker
	searches   *search.Pipeline
	queue      *batch.Queue
	dispatcher *lifecycle.Dispatcher
	logger     *slog.Logger
}

// New wires a Pipeline from configuration and collaborators.
func New(cfg *config.Config, opts Options) *Pipeline {
	if opts.Env == nil {
		opts.Env = session.StaticEnv{}
	}
	sessions := session.NewRegistry(opts.KV, opts.Env)
	views := view.NewTracker(opts.Store, sessions, cfg.Telemetry, opts.Metrics)

	sink := opts.Sink
	if sink == nil {
		if s, ok := opts.Store.(batch.Sink); ok {
			sink = s
		} else {
			sink = batch.SinkFunc(func(context.Context, []telemetry.QueuedRecord) error { return nil })
		}
	}
	queue := batch.NewQueue(sink, cfg.Batch, opts.Metrics)

	// Gap notations default to riding the batch queue; the collector
	// forwards them to the gap worker.
	gaps := opts.Gaps
	if gaps == nil {
		gaps = queueGapRecorder{queue: queue}
	}
	searches := search.NewPipeline(opts.Store, sessions, gaps, cfg.Telemetry, opts.Metrics)

	p := &Pipeline{
		sessions:   sessions,
		views:      views,
		searches:   searches,
		queue:      queue,
		dispatcher: lifecycle.NewDispatcher(),
		logger:     slog.Default().With("component", "telemetry-pipeline"),
	}
	p.bindLifecycle()
	return p
}

// bindLifecycle registers the finalize and flush paths on the page-lifecycle
// signals. Hidden and unload are the last reliable moments to deliver, so
// both flush the queue eagerly and finalize the current view.
func (p *Pipeline) bindLifecycle() {
	ctx := context.Background()
	p.dispatcher.On(lifecycle.Hidden, func() {
		p.views.Finalize(ctx, "hidden")
		p.queue.Flush(ctx)
	})
	p.dispatcher.On(lifecycle.Unload, func() {
		p.searches.Stop()
		p.views.Finalize(ctx, "unload")
		p.searches.TrackAbandonment(ctx)
		p.queue.Flush(ctx)
	})
	p.dispatcher.On(lifecycle.ItemChanged, func() {
		p.views.Finalize(ctx, "item_changed")
	})
}

// Run subscribes the pipeline to the lifecycle source until ctx is
// cancelled, then performs a final flush.
func (p *Pipeline) Run(ctx context.Context, src lifecycle.Source) {
	p.dispatcher.Run(ctx, src)
	p.queue.Close(context.Background())
}

// ShowItem reports that a content item is now the one being displayed.
func (p *Pipeline) ShowItem(ctx context.Context, itemID, category, sourceHint string) {
	p.views.SetItem(ctx, itemID, category, sourceHint)
}

// TrackSearch reports a query submission with its result count.
func (p *Pipeline) TrackSearch(ctx context.Context, query string, resultCount int, sctx search.Context) {
	p.searches.TrackSearch(ctx, query, resultCount, sctx)
}

// TrackSearchClick reports a click on a search result.
func (p *Pipeline) TrackSearchClick(ctx context.Context, itemID string, position int) {
	p.searches.TrackClick(ctx, itemID, position)
}

// TrackSearchAbandonment reports that the visitor left the results without
// clicking.
func (p *Pipeline) TrackSearchAbandonment(ctx context.Context) {
	p.searches.TrackAbandonment(ctx)
}

// Suggestions returns prefix suggestions from prior successful queries.
func (p *Pipeline) Suggestions(ctx context.Context, partial string) []string {
	return p.searches.Suggestions(ctx, partial)
}

// Enqueue adds an auxiliary record to the batching queue.
func (p *Pipeline) Enqueue(record telemetry.QueuedRecord) {
	p.queue.Add(record)
}

// SessionID returns the current session identifier.
func (p *Pipeline) SessionID() string {
	return p.sessions.ID()
}

// ResetSession discards the session identifier and the per-item and
// per-episode tracking state that depends on it.
func (p *Pipeline) ResetSession() {
	p.sessions.Reset()
	p.views.Reset()
	p.searches.Reset()
	p.logger.Debug("session reset")
}

// Signal injects a lifecycle signal directly, for hosts that do not run a
// Source goroutine.
func (p *Pipeline) Signal(sig lifecycle.Signal) {
	p.dispatcher.Dispatch(sig)
}
