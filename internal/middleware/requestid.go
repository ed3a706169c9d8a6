// Package middleware provides shared HTTP middleware.
package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/dlorp/synapse-engine/internal/logger"
)

const headerRequestID = "X-Request-ID"

// RequestID ensures every request carries a correlation id: reused from
// the inbound header when present, generated otherwise, echoed on the
// response and stored in the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = generateID()
		}

		ctx := logger.WithRequestID(r.Context(), id)
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateID returns a 16-byte random hex string.
func generateID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
