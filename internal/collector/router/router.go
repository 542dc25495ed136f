// Package router wires up the collector's HTTP routes and applies the
// middleware chain (RequestID → Metrics → CORS → Auth → RateLimit → Timeout).
package router

import (
	"net/http"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/auth/apikey"
	"github.com/oaklinehq/content-telemetry/internal/auth/ratelimit"
	"github.com/oaklinehq/content-telemetry/internal/collector/handler"
	colmw "github.com/oaklinehq/content-telemetry/internal/collector/middleware"
	"github.com/oaklinehq/content-telemetry/pkg/health"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
	pkgmw "github.com/oaklinehq/content-telemetry/pkg/middleware"
)

// Config carries the optional pieces of the collector router.
type Config struct {
	// Admin is registered only when non-nil (admin token configured).
	Admin *handler.AdminHandler
	// CORS defaults to the permissive development config when zero.
	CORS colmw.CORSConfig
	// RequestTimeout bounds each request; defaults to 10s.
	RequestTimeout time.Duration
}

// New builds the collector HTTP handler with all routes and middleware.
//
// Route table:
//
//	POST   /api/v1/views                       → record view event
//	PATCH  /api/v1/views/duration               → set view dwell duration
//	POST   /api/v1/searches                     → record search event
//	PATCH  /api/v1/searches/{id}/click          → attach click attribution
//	PATCH  /api/v1/searches/{id}/abandonment    → mark search abandoned
//	GET    /api/v1/suggestions                  → prefix suggestions
//	POST   /api/v1/events                       → batched record ingest
//	POST   /admin/v1/keys                       → create API key
//	GET    /admin/v1/keys                       → list API keys
//	DELETE /admin/v1/keys/{id}                  → revoke API key
//	GET    /health/live, /health/ready          → health probes
func New(h *handler.Handler, checker *health.Checker, validator *apikey.Validator, limiter *ratelimit.Limiter, m *metrics.Metrics, cfg Config) http.Handler {
	mux := http.NewServeMux()

	// Health (unauthenticated)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	// Ingest API
	h.Routes(mux)

	// Admin API
	if cfg.Admin != nil {
		cfg.Admin.Routes(mux)
	}

	cors := cfg.CORS
	if len(cors.AllowOrigins) == 0 {
		cors = colmw.DefaultCORSConfig()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Middleware chain — applied inside-out:
	// request → RequestID → Metrics → CORS → Auth → RateLimit → Timeout → mux
	var chain http.Handler = mux
	chain = pkgmw.Timeout(timeout)(chain)
	chain = colmw.RateLimit(limiter)(chain)
	chain = colmw.Auth(validator)(chain)
	chain = colmw.CORS(cors)(chain)
	if m != nil {
		chain = pkgmw.Metrics(m)(chain)
	}
	chain = pkgmw.RequestID(chain)

	return chain
}
