package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/auth/apikey"
	"github.com/oaklinehq/content-telemetry/pkg/logger"
)

// AdminHandler exposes API key management for operators. All routes require
// the configured admin token; with no token configured the routes are not
// registered at all.
type AdminHandler struct {
	keys   *apikey.Validator
	token  string
	logger *slog.Logger
}

// NewAdmin creates an AdminHandler guarded by token.
func NewAdmin(keys *apikey.Validator, token string) *AdminHandler {
	return &AdminHandler{
		keys:   keys,
		token:  token,
		logger: slog.Default().With("component", "admin-handler"),
	}
}

// Routes registers the key-management endpoints on mux.
func (h *AdminHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/v1/keys", h.authorized(h.CreateKey))
	mux.HandleFunc("GET /admin/v1/keys", h.authorized(h.ListKeys))
	mux.HandleFunc("DELETE /admin/v1/keys/{id}", h.authorized(h.RevokeKey))
}

func (h *AdminHandler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, r)
	}
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	Origin    string     `json:"origin,omitempty"`
	RateLimit int        `json:"rate_limit"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.RateLimit <= 0 {
		req.RateLimit = 100
	}

	rawKey, err := h.keys.CreateKey(ctx, req.Name, req.Origin, req.RateLimit, req.ExpiresAt)
	if err != nil {
		log.Error("key creation failed", "error", err, "name", req.Name)
		h.writeError(w, http.StatusInternalServerError, "failed to create key")
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"key": rawKey})
}

func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	keys, err := h.keys.ListKeys(ctx)
	if err != nil {
		log.Error("key listing failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []apikey.KeyInfo{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	id := r.PathValue("id")
	if err := h.keys.RevokeKey(ctx, id); err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			h.writeError(w, http.StatusNotFound, "key not found")
			return
		}
		log.Error("key revocation failed", "error", err, "id", id)
		h.writeError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
