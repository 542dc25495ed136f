package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/resilience"
)

// HTTPStore implements telemetry.Store against the collector's HTTP API. A
// circuit breaker guards the collector: while it is open, every call fails
// fast with a transient error that the trackers log and swallow.
type HTTPStore struct {
	base    string
	apiKey  string
	httpc   *http.Client
	breaker *resilience.CircuitBreaker
}

// NewHTTPStore creates an HTTPStore for the configured collector.
func NewHTTPStore(cfg config.ClientConfig, apiKey string) *HTTPStore {
	return &HTTPStore{
		base:    cfg.CollectorURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker("collector", resilience.CircuitBreakerConfig{}),
	}
}

type idResponse struct {
	ID string `json:"id"`
}

// InsertView posts a view event and returns the stored identifier.
func (s *HTTPStore) InsertView(ctx context.Context, event telemetry.ViewEvent) (string, error) {
	var resp idResponse
	err := s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPost, "/api/v1/views", event, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateViewDuration fills in the dwell duration for a stored view.
func (s *HTTPStore) UpdateViewDuration(ctx context.Context, itemID, sessionID string, durationSeconds int64) error {
	body := map[string]any{
		"item_id":          itemID,
		"session_id":       sessionID,
		"duration_seconds": durationSeconds,
	}
	return s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPatch, "/api/v1/views/duration", body, nil)
	})
}

// InsertSearch posts a search event and returns the stored identifier.
func (s *HTTPStore) InsertSearch(ctx context.Context, event telemetry.SearchEvent) (string, error) {
	var resp idResponse
	err := s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPost, "/api/v1/searches", event, &resp)
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateSearchClick attaches click attribution to a stored search event.
func (s *HTTPStore) UpdateSearchClick(ctx context.Context, searchID, itemID string, position int, timeToClickMs int64) error {
	body := map[string]any{
		"item_id":          itemID,
		"position":         position,
		"time_to_click_ms": timeToClickMs,
	}
	path := "/api/v1/searches/" + url.PathEscape(searchID) + "/click"
	return s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPatch, path, body, nil)
	})
}

// UpdateSearchAbandonment marks a stored search event as abandoned.
func (s *HTTPStore) UpdateSearchAbandonment(ctx context.Context, searchID string, dwellMs int64) error {
	body := map[string]any{"dwell_ms": dwellMs}
	path := "/api/v1/searches/" + url.PathEscape(searchID) + "/abandonment"
	return s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPatch, path, body, nil)
	})
}

// QuerySearchSuggestions fetches prefix suggestions from the collector.
func (s *HTTPStore) QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error) {
	var resp struct {
		Suggestions []string `json:"suggestions"`
	}
	path := "/api/v1/suggestions?q=" + url.QueryEscape(prefix) + "&limit=" + strconv.Itoa(limit)
	err := s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodGet, path, nil, &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.Suggestions, nil
}

// Deliver posts a flushed batch of queued records, satisfying batch.Sink.
func (s *HTTPStore) Deliver(ctx context.Context, records []telemetry.QueuedRecord) error {
	body := map[string]any{"records": records}
	return s.breaker.Execute(func() error {
		return s.do(ctx, http.MethodPost, "/api/v1/events", body, nil)
	})
}

// do performs one JSON request/response round-trip.
func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
