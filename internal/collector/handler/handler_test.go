package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/collector/suggest"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	apperrors "github.com/oaklinehq/content-telemetry/pkg/errors"
)

type fakeStore struct {
	mu           sync.Mutex
	views        []telemetry.ViewEvent
	searches     []telemetry.SearchEvent
	durations    map[string]int64
	clicks       map[string]string
	abandonments map[string]int64
	insertErr    error
	updateErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		durations:    make(map[string]int64),
		clicks:       make(map[string]string),
		abandonments: make(map[string]int64),
	}
}

func (f *fakeStore) InsertView(ctx context.Context, event telemetry.ViewEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.views = append(f.views, event)
	return "view-1", nil
}

func (f *fakeStore) UpdateViewDuration(ctx context.Context, itemID, sessionID string, durationSeconds int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.durations[itemID+"/"+sessionID] = durationSeconds
	return nil
}

func (f *fakeStore) InsertSearch(ctx context.Context, event telemetry.SearchEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.searches = append(f.searches, event)
	return "search-1", nil
}

func (f *fakeStore) UpdateSearchClick(ctx context.Context, searchID, itemID string, position int, timeToClickMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.clicks[searchID] = itemID
	return nil
}

func (f *fakeStore) UpdateSearchAbandonment(ctx context.Context, searchID string, dwellMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.abandonments[searchID] = dwellMs
	return nil
}

func (f *fakeStore) QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	return []string{prefix + " basics", prefix + " advanced"}, nil
}

type fakeGapRecorder struct {
	mu   sync.Mutex
	gaps []telemetry.GapEvent
}

func (f *fakeGapRecorder) RecordGap(ctx context.Context, event telemetry.GapEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gaps = append(f.gaps, event)
	return nil
}

func newTestServer(t *testing.T, store *fakeStore, gaps GapRecorder) *httptest.Server {
	t.Helper()
	sg := suggest.New(store, nil, config.RedisConfig{}, nil)
	h := New(store, sg, gaps, nil)
	mux := http.NewServeMux()
	h.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func patchJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestCreateView(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := postJSON(t, srv.URL+"/api/v1/views", telemetry.ViewEvent{
		ItemID:    "item-9",
		SessionID: "s-1",
		Source:    telemetry.SourceSearch,
		CreatedAt: time.Now(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["id"] != "view-1" {
		t.Errorf("expected id view-1, got %q", body["id"])
	}
	if len(store.views) != 1 || store.views[0].ItemID != "item-9" {
		t.Errorf("view not stored: %+v", store.views)
	}
}

func TestCreateViewValidation(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := postJSON(t, srv.URL+"/api/v1/views", telemetry.ViewEvent{ItemID: "item-9"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing session_id, got %d", resp.StatusCode)
	}
	if len(store.views) != 0 {
		t.Errorf("invalid view should not be stored")
	}
}

func TestUpdateViewDuration(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := patchJSON(t, srv.URL+"/api/v1/views/duration", map[string]any{
		"item_id":          "item-9",
		"session_id":       "s-1",
		"duration_seconds": 42,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if store.durations["item-9/s-1"] != 42 {
		t.Errorf("duration not recorded: %v", store.durations)
	}
}

func TestUpdateViewDurationRejectsNegative(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := patchJSON(t, srv.URL+"/api/v1/views/duration", map[string]any{
		"item_id":          "item-9",
		"session_id":       "s-1",
		"duration_seconds": -5,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCreateSearchFillsNormalizedQuery(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := postJSON(t, srv.URL+"/api/v1/searches", map[string]any{
		"query":      "  Cognitive Bias ",
		"session_id": "s-1",
		"type":       "initial",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got := store.searches[0].NormalizedQuery; got != "cognitive bias" {
		t.Errorf("expected normalized query to be filled, got %q", got)
	}
}

func TestAttachClick(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := patchJSON(t, srv.URL+"/api/v1/searches/search-1/click", map[string]any{
		"item_id":          "item-3",
		"position":         2,
		"time_to_click_ms": 1800,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if store.clicks["search-1"] != "item-3" {
		t.Errorf("click not recorded: %v", store.clicks)
	}
}

func TestAttachClickUnknownSearch(t *testing.T) {
	store := newFakeStore()
	store.updateErr = apperrors.ErrRecordNotFound
	srv := newTestServer(t, store, nil)

	resp := patchJSON(t, srv.URL+"/api/v1/searches/missing/click", map[string]any{
		"item_id": "item-3",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMarkAbandoned(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := patchJSON(t, srv.URL+"/api/v1/searches/search-1/abandonment", map[string]any{
		"dwell_ms": 7000,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if store.abandonments["search-1"] != 7000 {
		t.Errorf("abandonment not recorded: %v", store.abandonments)
	}
}

func TestSuggestions(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp, err := http.Get(srv.URL + "/api/v1/suggestions?q=bias&limit=2")
	if err != nil {
		t.Fatalf("GET suggestions: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string][]string](t, resp)
	if len(body["suggestions"]) != 2 {
		t.Errorf("expected 2 suggestions, got %v", body["suggestions"])
	}
}

func TestSuggestionsRequiresQuery(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp, err := http.Get(srv.URL + "/api/v1/suggestions")
	if err != nil {
		t.Fatalf("GET suggestions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestIngestBatch(t *testing.T) {
	store := newFakeStore()
	gaps := &fakeGapRecorder{}
	srv := newTestServer(t, store, gaps)

	records := []telemetry.QueuedRecord{
		{
			Kind: telemetry.KindView,
			Payload: telemetry.ViewEvent{
				ItemID:    "item-1",
				SessionID: "s-1",
				Source:    telemetry.SourceBrowse,
			},
			QueuedAt: time.Now(),
		},
		{
			Kind: telemetry.KindSearch,
			Payload: telemetry.SearchEvent{
				Query:           "quantum sociology",
				NormalizedQuery: "quantum sociology",
				SessionID:       "s-1",
				Type:            telemetry.SearchInitial,
				Failed:          true,
			},
			QueuedAt: time.Now(),
		},
		{
			Kind: telemetry.KindGap,
			Payload: telemetry.GapEvent{
				Query:       "quantum sociology",
				ResultCount: 0,
				SessionID:   "s-1",
			},
			QueuedAt: time.Now(),
		},
	}

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{"records": records})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decodeBody[map[string]int](t, resp)
	if body["accepted"] != 3 || body["rejected"] != 0 {
		t.Errorf("expected 3 accepted, got %v", body)
	}
	if len(store.views) != 1 || len(store.searches) != 1 {
		t.Errorf("batch records not applied: views=%d searches=%d", len(store.views), len(store.searches))
	}
	if len(gaps.gaps) != 1 || gaps.gaps[0].Query != "quantum sociology" {
		t.Errorf("gap not forwarded: %+v", gaps.gaps)
	}
}

func TestIngestBatchSkipsBadRecords(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	records := []telemetry.QueuedRecord{
		{Kind: telemetry.KindView, Payload: telemetry.ViewEvent{ItemID: "item-1", SessionID: "s-1"}},
		{Kind: "unknown", Payload: map[string]any{}},
		{Kind: telemetry.KindSearch, Payload: telemetry.SearchEvent{Query: ""}},
	}

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{"records": records})
	body := decodeBody[map[string]int](t, resp)
	if body["accepted"] != 1 || body["rejected"] != 2 {
		t.Errorf("expected 1 accepted and 2 rejected, got %v", body)
	}
}

func TestIngestBatchEmpty(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, nil)

	resp := postJSON(t, srv.URL+"/api/v1/events", map[string]any{"records": []telemetry.QueuedRecord{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
