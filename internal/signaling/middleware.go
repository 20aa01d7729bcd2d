package signaling

import (
	"net/http"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/logging"
)

// corsPolicy matches request origins against configured patterns.
// Patterns use * wildcards ("https://*.example.com"); a lone "*" allows
// every origin.
type corsPolicy struct {
	patterns []string
	allowAll bool
}

func newCORSPolicy(origins []string) *corsPolicy {
	p := &corsPolicy{patterns: origins}
	for _, o := range origins {
		if o == "*" {
			p.allowAll = true
		}
	}
	return p
}

func (p *corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.allowAll {
		return true
	}
	for _, pattern := range p.patterns {
		if wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}

func (p *corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); p.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkWSOrigin adapts the policy for the websocket upgrader. Requests
// without an Origin header (non-browser clients) are allowed.
func (p *corsPolicy) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return p.allows(origin)
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// WebSocket upgrades hijack the connection; wrapping the writer
		// would break the upgrade handshake.
		if r.URL.Path == "/signal" {
			next.ServeHTTP(w, r)
			return
		}

		ctx, requestID := logging.WithRequestID(r.Context(), r.Header.Get("X-Request-ID"))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))
		logger.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
