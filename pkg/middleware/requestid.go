package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/oaklinehq/content-telemetry/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns each request an identifier,
// echoes it in the response header, and stores it in the request context
// for logger.FromContext.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := logger.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
