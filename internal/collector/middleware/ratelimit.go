package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/oaklinehq/content-telemetry/internal/auth/ratelimit"
)

// RateLimit returns middleware that enforces the per-key budget carried on
// the validated KeyInfo. It runs after Auth in the chain; health and admin
// routes and CORS preflights never reach the limiter, and a request with no
// KeyInfo in context is passed through for Auth to reject. Limited responses
// carry X-RateLimit-Limit and a Retry-After hint so the SDK's batch queue
// can back off instead of requeueing immediately.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/admin/") || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			info := GetKeyInfo(r.Context())
			if info == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !limiter.Allow(info.ID, info.RateLimit) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.RateLimit))
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
