package apihttp

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriondb/oriondb/internal/auth/apikey"
	"github.com/oriondb/oriondb/internal/auth/ratelimit"
)

type contextKey string

const apiKeyInfoKey contextKey = "api_key_info"

// exemptPrefixes are the paths Auth never guards: every unauthenticated
// probe surface this binary exposes.
var exemptPrefixes = []string{"/health", "/metrics"}

// Auth validates API keys from the request, checked in order: Authorization:
// Bearer, X-API-Key header, then the api_key query parameter.
func Auth(validator *apikey.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range exemptPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			key := extractAPIKey(r)
			if key == "" {
				writeErrorEnvelope(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
				return
			}

			info, err := validator.Validate(r.Context(), key)
			if err != nil {
				switch err {
				case apikey.ErrInvalidKey:
					writeErrorEnvelope(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				case apikey.ErrExpiredKey:
					writeErrorEnvelope(w, http.StatusUnauthorized, "UNAUTHORIZED", "expired api key")
				default:
					writeErrorEnvelope(w, http.StatusInternalServerError, "INTERNAL_ERROR", "authentication error")
				}
				return
			}

			ctx := context.WithValue(r.Context(), apiKeyInfoKey, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetKeyInfo retrieves the validated KeyInfo from the request context.
func GetKeyInfo(ctx context.Context) *apikey.KeyInfo {
	info, _ := ctx.Value(apiKeyInfoKey).(*apikey.KeyInfo)
	return info
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// RateLimit enforces the per-key token bucket recorded on the validated
// API key. Requests without validated key info, including the exempt
// health and metrics paths, share one "anonymous" bucket limited to
// defaultLimit.
func RateLimit(limiter *ratelimit.Limiter, defaultLimit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "anonymous"
			limit := defaultLimit
			if info := GetKeyInfo(r.Context()); info != nil {
				key = info.ID
				limit = info.RateLimit
			}
			if !limiter.Allow(key, limit) {
				writeErrorEnvelope(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSConfig controls Cross-Origin Resource Sharing behavior.
type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

// DefaultCORSConfig returns a permissive configuration suitable for
// development clients hitting the coordinator directly.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID", "X-Client-Id"},
		MaxAge:       86400,
	}
}

// CORS returns middleware that sets CORS response headers and answers
// preflight OPTIONS requests directly.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed := false
			for _, o := range cfg.AllowOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if !allowed {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.AllowHeaders, ", "))
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
