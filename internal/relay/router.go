package relay

import (
	"encoding/json"
	"net/http"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/metrics"
)

// NewRouter exposes the relay WebSocket plus health and metrics.
func NewRouter(m *Manager, corsOrigins []string, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/", m.ServeRelay)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "healthy",
			"service":         "relay",
			"active_sessions": m.ActiveSessions(),
		})
	})
	mux.Handle("/metrics", metrics.Handler())
	return corsMiddleware(corsOrigins, mux)
}

// CheckOrigin builds the WebSocket origin check for the configured
// patterns. Non-browser clients send no Origin header and are allowed.
func CheckOrigin(corsOrigins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return originAllowed(corsOrigins, origin)
	}
}

func originAllowed(patterns []string, origin string) bool {
	for _, pattern := range patterns {
		if pattern == "*" || wildcard.Match(pattern, origin) {
			return true
		}
	}
	return false
}

func corsMiddleware(patterns []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(patterns, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
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
