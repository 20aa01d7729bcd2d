package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/auth"
	"github.com/lem-app/lem/internal/metrics"
	"github.com/lem-app/lem/internal/store"
)

// Router handles the signaling service's HTTP surface.
type Router struct {
	mux    *http.ServeMux
	store  *store.Store
	tokens *auth.TokenIssuer
	hub    *Hub
	cors   *corsPolicy
	logger zerolog.Logger
}

// NewRouter wires the account/device API, the /signal hub, health, and
// metrics behind CORS and request logging middleware.
func NewRouter(st *store.Store, tokens *auth.TokenIssuer, hub *Hub, corsOrigins []string, logger zerolog.Logger) http.Handler {
	r := &Router{
		mux:    http.NewServeMux(),
		store:  st,
		tokens: tokens,
		hub:    hub,
		cors:   newCORSPolicy(corsOrigins),
		logger: logger.With().Str("component", "api").Logger(),
	}
	r.setupRoutes()
	return requestLogger(r.logger, r.cors.middleware(r.mux))
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/auth/register", r.handleRegister)
	r.mux.HandleFunc("/auth/login", r.handleLogin)
	r.mux.HandleFunc("/devices/register", r.handleDeviceRegister)
	r.mux.HandleFunc("/devices/", r.handleDeviceList)
	r.mux.HandleFunc("/signal", r.hub.ServeSignal)
	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.Handle("/metrics", metrics.Handler())
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type deviceRegisterRequest struct {
	DeviceID string `json:"device_id"`
	Pubkey   string `json:"pubkey"`
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body credentialsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))
	if body.Email == "" || !strings.Contains(body.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	hashed, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := r.store.CreateUser(req.Context(), body.Email, hashed)
	if errors.Is(err, store.ErrEmailTaken) {
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to create user")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	r.issueToken(w, user)
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body credentialsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	body.Email = strings.TrimSpace(strings.ToLower(body.Email))

	user, err := r.store.GetUserByEmail(req.Context(), body.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPasswordHash(body.Password, user.HashedPassword)) {
		writeError(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to look up user")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	r.issueToken(w, user)
}

func (r *Router) issueToken(w http.ResponseWriter, user *store.User) {
	token, err := r.tokens.Mint(user.Email, user.ID)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to mint token")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (r *Router) handleDeviceRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	claims, ok := r.authorize(w, req)
	if !ok {
		return
	}
	var body deviceRegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || strings.TrimSpace(body.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	device, err := r.store.UpsertDevice(req.Context(), body.DeviceID, claims.UserID, body.Pubkey)
	if errors.Is(err, store.ErrDeviceOwned) {
		writeError(w, http.StatusConflict, "device id registered to another user")
		return
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to upsert device")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (r *Router) handleDeviceList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	claims, ok := r.authorize(w, req)
	if !ok {
		return
	}
	devices, err := r.store.ListDevices(req.Context(), claims.UserID)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list devices")
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := r.store.Ping(req.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":          status,
		"service":         "signaling",
		"active_sessions": r.hub.ActiveSessions(),
	})
}

// authorize extracts and verifies the Bearer token. Writes a 401 and
// returns ok=false on failure.
func (r *Router) authorize(w http.ResponseWriter, req *http.Request) (*auth.Claims, bool) {
	header := req.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	claims, err := r.tokens.Verify(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	return claims, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
