package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/lifecycle"
	"github.com/oaklinehq/content-telemetry/internal/search"
	"github.com/oaklinehq/content-telemetry/internal/session"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
)

// collectorStub records every request the SDK sends.
type collectorStub struct {
	mu       sync.Mutex
	views    []telemetry.ViewEvent
	searches []telemetry.SearchEvent
	batches  [][]telemetry.QueuedRecord
	clicks   []string
	server   *httptest.Server
}

func newCollectorStub(t *testing.T) *collectorStub {
	t.Helper()
	c := &collectorStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/views", func(w http.ResponseWriter, r *http.Request) {
		var event telemetry.ViewEvent
		json.NewDecoder(r.Body).Decode(&event)
		c.mu.Lock()
		c.views = append(c.views, event)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "view-1"})
	})
	mux.HandleFunc("PATCH /api/v1/views/duration", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/searches", func(w http.ResponseWriter, r *http.Request) {
		var event telemetry.SearchEvent
		json.NewDecoder(r.Body).Decode(&event)
		c.mu.Lock()
		c.searches = append(c.searches, event)
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "search-1"})
	})
	mux.HandleFunc("PATCH /api/v1/searches/{id}/click", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.clicks = append(c.clicks, r.PathValue("id"))
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("PATCH /api/v1/searches/{id}/abandonment", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/suggestions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"suggestions": []string{"cognitive bias"}})
	})
	mux.HandleFunc("POST /api/v1/events", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Records []telemetry.QueuedRecord `json:"records"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.batches = append(c.batches, req.Records)
		c.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	c.server = httptest.NewServer(mux)
	t.Cleanup(c.server.Close)
	return c
}

func (c *collectorStub) searchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.searches)
}

func (c *collectorStub) batchRecords() []telemetry.QueuedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []telemetry.QueuedRecord
	for _, b := range c.batches {
		all = append(all, b...)
	}
	return all
}

func testConfig(collectorURL string) *config.Config {
	cfg, _ := config.Load("")
	cfg.Client.CollectorURL = collectorURL
	cfg.Client.Timeout = 2 * time.Second
	cfg.Telemetry.DebounceWindow = 10 * time.Millisecond
	return cfg
}

func newTestPipeline(t *testing.T, stub *collectorStub) *Pipeline {
	t.Helper()
	cfg := testConfig(stub.server.URL)
	return New(cfg, Options{
		Store: NewHTTPStore(cfg.Client, "test-key"),
		KV:    session.NewMemoryKV(),
		Env: session.StaticEnv{
			Location: "https://example.com/reader/42",
			Ref:      "https://example.com/search",
		},
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestShowItemDeliversView(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)
	ctx := context.Background()

	p.ShowItem(ctx, "art-1", "psychology", "")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.views) != 1 {
		t.Fatalf("expected 1 view, got %d", len(stub.views))
	}
	v := stub.views[0]
	if v.ItemID != "art-1" || v.Category != "psychology" {
		t.Errorf("unexpected view event %+v", v)
	}
	if v.SessionID != p.SessionID() {
		t.Errorf("view session %q does not match pipeline session %q", v.SessionID, p.SessionID())
	}
	if v.Source != telemetry.SourceSearch {
		t.Errorf("referrer /search should resolve to search source, got %q", v.Source)
	}
}

func TestTrackSearchAndClick(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)
	ctx := context.Background()

	p.TrackSearch(ctx, "cognitive bias", 7, search.Context{Location: "header", Page: 1})
	waitFor(t, func() bool { return stub.searchCount() == 1 })

	p.TrackSearchClick(ctx, "art-3", 2)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if stub.searches[0].Query != "cognitive bias" {
		t.Errorf("unexpected search %+v", stub.searches[0])
	}
	if len(stub.clicks) != 1 || stub.clicks[0] != "search-1" {
		t.Errorf("click not delivered: %v", stub.clicks)
	}
}

func TestFailedSearchQueuesGapAndFlushesOnHidden(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)
	ctx := context.Background()

	p.TrackSearch(ctx, "quantum sociology", 0, search.Context{Page: 1})
	waitFor(t, func() bool { return stub.searchCount() == 1 })

	p.Signal(lifecycle.Hidden)

	records := stub.batchRecords()
	if len(records) != 1 {
		t.Fatalf("expected 1 queued gap record, got %d", len(records))
	}
	if records[0].Kind != telemetry.KindGap {
		t.Errorf("expected gap record, got %q", records[0].Kind)
	}
}

func TestEnqueueFlushesOnUnload(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)

	p.Enqueue(telemetry.QueuedRecord{
		Kind:    telemetry.KindView,
		Payload: telemetry.ViewEvent{ItemID: "art-9", SessionID: p.SessionID()},
	})
	p.Signal(lifecycle.Unload)

	records := stub.batchRecords()
	if len(records) != 1 || records[0].Kind != telemetry.KindView {
		t.Fatalf("expected queued view record to flush on unload, got %v", records)
	}
}

func TestSuggestionsRoundTrip(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)

	got := p.Suggestions(context.Background(), "cog")
	if len(got) != 1 || got[0] != "cognitive bias" {
		t.Errorf("unexpected suggestions %v", got)
	}
}

func TestResetSessionMintsNewID(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)

	before := p.SessionID()
	p.ResetSession()
	after := p.SessionID()

	if before == after {
		t.Error("reset should mint a new session id")
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	stub := newCollectorStub(t)
	p := newTestPipeline(t, stub)

	src := lifecycle.NewChanSource()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, src)
		close(done)
	}()

	p.Enqueue(telemetry.QueuedRecord{
		Kind:    telemetry.KindView,
		Payload: telemetry.ViewEvent{ItemID: "art-1", SessionID: p.SessionID()},
	})
	cancel()
	<-done

	if len(stub.batchRecords()) != 1 {
		t.Error("pending records should flush when Run exits")
	}
}
