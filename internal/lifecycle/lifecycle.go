// Package lifecycle abstracts the page-visibility and unload signals the
// pipeline depends on. The host environment implements Source; the core
// logic only sees Signal callbacks, so it can be tested without a browser.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// Signal identifies a page-lifecycle transition relevant to telemetry.
type Signal string

const (
	// Hidden fires when the page becomes invisible (tab switch, minimize).
	Hidden Signal = "hidden"
	// Unload fires when the page is about to terminate. It is the last
	// reliable moment to flush; nothing runs afterwards.
	Unload Signal = "unload"
	// ItemChanged fires when the currently displayed content item changes.
	ItemChanged Signal = "item_changed"
)

// Source emits lifecycle signals. Subscribe blocks until ctx is cancelled,
// invoking fn for every signal in arrival order.
type Source interface {
	Subscribe(ctx context.Context, fn func(Signal))
}

// ChanSource is a channel-backed Source for tests and simulated clients.
type ChanSource struct {
	ch chan Signal
}

// NewChanSource creates a ChanSource with a small buffer.
func NewChanSource() *ChanSource {
	return &ChanSource{ch: make(chan Signal, 16)}
}

// Emit delivers a signal to subscribers.
func (s *ChanSource) Emit(sig Signal) {
	s.ch <- sig
}

func (s *ChanSource) Subscribe(ctx context.Context, fn func(Signal)) {
	for {
		select {
		case sig := <-s.ch:
			fn(sig)
		case <-ctx.Done():
			return
		}
	}
}

// Dispatcher fans lifecycle signals out to registered callbacks. Callbacks
// run synchronously in registration order on the subscribing goroutine.
type Dispatcher struct {
	mu        sync.Mutex
	callbacks map[Signal][]func()
	logger    *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		callbacks: make(map[Signal][]func()),
		logger:    slog.Default().With("component", "lifecycle"),
	}
}

// On registers fn to run whenever sig fires.
func (d *Dispatcher) On(sig Signal, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[sig] = append(d.callbacks[sig], fn)
}

// Dispatch runs all callbacks registered for sig.
func (d *Dispatcher) Dispatch(sig Signal) {
	d.mu.Lock()
	fns := make([]func(), len(d.callbacks[sig]))
	copy(fns, d.callbacks[sig])
	d.mu.Unlock()

	d.logger.Debug("lifecycle signal", "signal", string(sig), "callbacks", len(fns))
	for _, fn := range fns {
		fn()
	}
}

// Run subscribes the dispatcher to a Source until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, src Source) {
	src.Subscribe(ctx, d.Dispatch)
}
