package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/oriondb/oriondb/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID extracts the X-Request-ID header from an inbound request, or
// generates one if absent, stores it in the request context for logger
// enrichment, and echoes it back on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)
		ctx := logger.WithRequestID(r.Context(), reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
