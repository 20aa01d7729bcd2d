// Package config loads service configuration from the environment, with an
// optional .env file for deployment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DefaultJWTSecret is the development fallback. Production deployments set
// LEM_JWT_SECRET; signaling and relay must share the value or tokens minted
// by one will not verify on the other.
const DefaultJWTSecret = "dev-secret-key-change-in-production"

// Signaling holds configuration for the signaling service.
type Signaling struct {
	Port        int
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigins []string
	RelayURL    string
	LogLevel    string
	LogFormat   string
}

// Relay holds configuration for the relay service.
type Relay struct {
	Port              int
	JWTSecret         string
	CORSOrigins       []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxSessions       int
	LogLevel          string
	LogFormat         string
}

// Agent holds configuration for the host endpoint daemon.
type Agent struct {
	SignalingURL   string
	RelayURL       string
	DeviceID       string
	AuthToken      string
	LocalServerURL string
	STUNServers    []string
	DisableWebRTC  bool
	LogLevel       string
	LogFormat      string
}

// LoadEnvFile loads .env from LEM_CONFIG_DIR (or the working directory) into
// the process environment. Missing files are not an error. Returns the path
// that was loaded, for the watcher.
func LoadEnvFile() string {
	dir := os.Getenv("LEM_CONFIG_DIR")
	if dir == "" {
		dir = "."
	}
	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err != nil {
		return ""
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		return ""
	}
	log.Info().Str("file", envFile).Msg("Loaded .env file")
	return envFile
}

// LoadSignaling builds the signaling service configuration.
func LoadSignaling() (*Signaling, error) {
	cfg := &Signaling{
		Port:        envInt("LEM_SIGNALING_PORT", 8000),
		DatabaseURL: envString("LEM_DATABASE_URL", "lem.db"),
		JWTSecret:   envString("LEM_JWT_SECRET", DefaultJWTSecret),
		TokenTTL:    envDuration("LEM_TOKEN_TTL", 24*time.Hour),
		CORSOrigins: envList("LEM_CORS_ORIGINS", []string{"*"}),
		RelayURL:    envString("LEM_RELAY_URL", "ws://localhost:8001"),
		LogLevel:    envString("LEM_LOG_LEVEL", "info"),
		LogFormat:   envString("LEM_LOG_FORMAT", "auto"),
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	warnDefaultSecret(cfg.JWTSecret)
	return cfg, nil
}

// LoadRelay builds the relay service configuration.
func LoadRelay() (*Relay, error) {
	cfg := &Relay{
		Port:              envInt("LEM_RELAY_PORT", 8001),
		JWTSecret:         envString("LEM_JWT_SECRET", DefaultJWTSecret),
		CORSOrigins:       envList("LEM_CORS_ORIGINS", []string{"*"}),
		SessionTimeout:    envDuration("LEM_SESSION_TIMEOUT", 300*time.Second),
		HeartbeatInterval: envDuration("LEM_HEARTBEAT_INTERVAL", 20*time.Second),
		HeartbeatTimeout:  envDuration("LEM_HEARTBEAT_TIMEOUT", 10*time.Second),
		MaxSessions:       envInt("LEM_MAX_SESSIONS", 256),
		LogLevel:          envString("LEM_LOG_LEVEL", "info"),
		LogFormat:         envString("LEM_LOG_FORMAT", "auto"),
	}
	if err := validatePort(cfg.Port); err != nil {
		return nil, err
	}
	warnDefaultSecret(cfg.JWTSecret)
	return cfg, nil
}

// LoadAgent builds the host agent configuration.
func LoadAgent() (*Agent, error) {
	cfg := &Agent{
		SignalingURL:   envString("LEM_SIGNALING_URL", "ws://localhost:8000/signal"),
		RelayURL:       envString("LEM_RELAY_URL", "ws://localhost:8001"),
		DeviceID:       envString("LEM_DEVICE_ID", ""),
		AuthToken:      envString("LEM_AUTH_TOKEN", ""),
		LocalServerURL: envString("LEM_LOCAL_SERVER_URL", "http://localhost:5142"),
		STUNServers:    envList("LEM_STUN_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		DisableWebRTC:  envBool("LEM_DISABLE_WEBRTC", false),
		LogLevel:       envString("LEM_LOG_LEVEL", "info"),
		LogFormat:      envString("LEM_LOG_FORMAT", "auto"),
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("LEM_DEVICE_ID is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("LEM_AUTH_TOKEN is required")
	}
	return cfg, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	return nil
}

func warnDefaultSecret(secret string) {
	if secret == DefaultJWTSecret {
		log.Warn().Msg("Using default JWT secret; set LEM_JWT_SECRET in production")
	}
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment; using default")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment; using default")
		return fallback
	}
	return b
}

// envDuration accepts Go duration strings ("30s", "24h") or bare seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment; using default")
	return fallback
}

func envList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
