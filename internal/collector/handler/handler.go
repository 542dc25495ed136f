// Package handler exposes the collector's HTTP ingest API. It accepts the
// events produced by the client pipeline, persists them through
// telemetry.Store, serves prefix suggestions, and forwards content-gap
// notations to Kafka.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/oaklinehq/content-telemetry/internal/collector/suggest"
	"github.com/oaklinehq/content-telemetry/internal/telemetry"
	apperrors "github.com/oaklinehq/content-telemetry/pkg/errors"
	"github.com/oaklinehq/content-telemetry/pkg/logger"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
	"github.com/oaklinehq/content-telemetry/pkg/tracing"
)

// maxBatchRecords caps how many queued records one /events request may carry.
const maxBatchRecords = 500

// GapRecorder forwards content-gap notations downstream. Satisfied by
// gap.Publisher.
type GapRecorder interface {
	RecordGap(ctx context.Context, event telemetry.GapEvent) error
}

type Handler struct {
	store   telemetry.Store
	suggest *suggest.Service
	gaps    GapRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Handler. gaps may be nil when Kafka is disabled; gap records
// in batches are then counted but not forwarded.
func New(store telemetry.Store, sg *suggest.Service, gaps GapRecorder, m *metrics.Metrics) *Handler {
	return &Handler{
		store:   store,
		suggest: sg,
		gaps:    gaps,
		metrics: m,
		logger:  slog.Default().With("component", "collector-handler"),
	}
}

// Routes registers the ingest API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/views", h.CreateView)
	mux.HandleFunc("PATCH /api/v1/views/duration", h.UpdateViewDuration)
	mux.HandleFunc("POST /api/v1/searches", h.CreateSearch)
	mux.HandleFunc("PATCH /api/v1/searches/{id}/click", h.AttachClick)
	mux.HandleFunc("PATCH /api/v1/searches/{id}/abandonment", h.MarkAbandoned)
	mux.HandleFunc("GET /api/v1/suggestions", h.Suggestions)
	mux.HandleFunc("POST /api/v1/events", h.IngestBatch)
}

func (h *Handler) CreateView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var event telemetry.ViewEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.ItemID == "" || event.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "item_id and session_id are required")
		return
	}

	id, err := h.store.InsertView(ctx, event)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("view insert failed", "error", err, "item_id", event.ItemID)
		h.writeError(w, statusCode, "failed to record view")
		return
	}
	if h.metrics != nil {
		h.metrics.ViewsTrackedTotal.Inc()
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type viewDurationRequest struct {
	ItemID          string `json:"item_id"`
	SessionID       string `json:"session_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (h *Handler) UpdateViewDuration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req viewDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ItemID == "" || req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "item_id and session_id are required")
		return
	}
	if req.DurationSeconds < 0 {
		h.writeError(w, http.StatusBadRequest, "duration_seconds must not be negative")
		return
	}

	if err := h.store.UpdateViewDuration(ctx, req.ItemID, req.SessionID, req.DurationSeconds); err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("view duration update failed", "error", err, "item_id", req.ItemID)
		h.writeError(w, statusCode, "failed to update view duration")
		return
	}
	if h.metrics != nil {
		h.metrics.ViewDurationSeconds.Observe(float64(req.DurationSeconds))
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var event telemetry.SearchEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if event.Query == "" || event.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "query and session_id are required")
		return
	}
	if event.NormalizedQuery == "" {
		event.NormalizedQuery = strings.ToLower(strings.TrimSpace(event.Query))
	}

	id, err := h.store.InsertSearch(ctx, event)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("search insert failed", "error", err, "query", event.NormalizedQuery)
		h.writeError(w, statusCode, "failed to record search")
		return
	}
	if h.metrics != nil {
		h.metrics.SearchesTrackedTotal.WithLabelValues(string(event.Type)).Inc()
		if event.Failed {
			h.metrics.FailedSearchesTotal.Inc()
		}
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type clickRequest struct {
	ItemID        string `json:"item_id"`
	Position      int    `json:"position"`
	TimeToClickMs int64  `json:"time_to_click_ms"`
}

func (h *Handler) AttachClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	searchID := r.PathValue("id")
	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ItemID == "" {
		h.writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	if err := h.store.UpdateSearchClick(ctx, searchID, req.ItemID, req.Position, req.TimeToClickMs); err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("click attribution failed", "error", err, "search_id", searchID)
		h.writeError(w, statusCode, "failed to attach click")
		return
	}
	if h.metrics != nil {
		h.metrics.ClickAttributions.Inc()
		h.metrics.TimeToClickMs.Observe(float64(req.TimeToClickMs))
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type abandonmentRequest struct {
	DwellMs int64 `json:"dwell_ms"`
}

func (h *Handler) MarkAbandoned(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	searchID := r.PathValue("id")
	var req abandonmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.store.UpdateSearchAbandonment(ctx, searchID, req.DwellMs); err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("abandonment update failed", "error", err, "search_id", searchID)
		h.writeError(w, statusCode, "failed to mark abandonment")
		return
	}
	if h.metrics != nil {
		h.metrics.AbandonmentsTotal.Inc()
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Suggestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	prefix := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	if prefix == "" {
		h.writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := 5
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 50 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 50")
			return
		}
		limit = n
	}

	suggestions, err := h.suggest.Lookup(ctx, prefix, limit)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("suggestion lookup failed", "error", err, "prefix", prefix)
		h.writeError(w, statusCode, "failed to fetch suggestions")
		return
	}
	if suggestions == nil {
		suggestions = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

type batchRequest struct {
	Records []telemetry.QueuedRecord `json:"records"`
}

type batchResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// IngestBatch accepts a flushed client batch. Each record is applied
// independently; a bad record is counted and skipped rather than failing the
// whole batch, since the client has already dropped its copy.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Records) == 0 {
		h.writeError(w, http.StatusBadRequest, "records must not be empty")
		return
	}
	if len(req.Records) > maxBatchRecords {
		h.writeError(w, http.StatusBadRequest, "too many records in batch")
		return
	}

	ctx, span := tracing.StartSpan(ctx, "ingest_batch", uuid.NewString())
	span.SetAttr("records", len(req.Records))

	var resp batchResponse
	for _, record := range req.Records {
		recordCtx, recordSpan := tracing.StartChildSpan(ctx, "apply_"+string(record.Kind))
		err := h.applyRecord(recordCtx, record)
		recordSpan.End()
		if err != nil {
			log.Warn("batch record rejected",
				"kind", record.Kind,
				"error", err,
			)
			resp.Rejected++
			continue
		}
		resp.Accepted++
	}
	span.SetAttr("accepted", resp.Accepted)
	span.SetAttr("rejected", resp.Rejected)
	span.End()
	span.Log()

	h.writeJSON(w, http.StatusAccepted, resp)
}

// applyRecord routes one queued record to its destination. Payloads arrive as
// raw JSON maps, so each is re-decoded into its concrete event type.
func (h *Handler) applyRecord(ctx context.Context, record telemetry.QueuedRecord) error {
	switch record.Kind {
	case telemetry.KindView:
		var event telemetry.ViewEvent
		if err := decodePayload(record.Payload, &event); err != nil {
			return err
		}
		if event.ItemID == "" || event.SessionID == "" {
			return apperrors.ErrInvalidInput
		}
		if _, err := h.store.InsertView(ctx, event); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.ViewsTrackedTotal.Inc()
		}
		return nil
	case telemetry.KindSearch:
		var event telemetry.SearchEvent
		if err := decodePayload(record.Payload, &event); err != nil {
			return err
		}
		if event.Query == "" || event.SessionID == "" {
			return apperrors.ErrInvalidInput
		}
		if _, err := h.store.InsertSearch(ctx, event); err != nil {
			return err
		}
		if h.metrics != nil {
			h.metrics.SearchesTrackedTotal.WithLabelValues(string(event.Type)).Inc()
			if event.Failed {
				h.metrics.FailedSearchesTotal.Inc()
			}
		}
		return nil
	case telemetry.KindGap:
		var event telemetry.GapEvent
		if err := decodePayload(record.Payload, &event); err != nil {
			return err
		}
		if event.Query == "" {
			return apperrors.ErrInvalidInput
		}
		if h.gaps == nil {
			return nil
		}
		return h.gaps.RecordGap(ctx, event)
	default:
		return apperrors.ErrInvalidInput
	}
}

func decodePayload(payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
