// Package relay implements the relay service: it pairs two authenticated
// endpoints under a shared opaque session id and forwards their binary
// frames verbatim until either side disconnects. The relay never inspects
// frame contents; it only meters them.
package relay

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/auth"
	"github.com/lem-app/lem/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 20 // 16 MiB frame cap

	sideClient = "client" // first party to join
	sideServer = "server" // second party to join
)

// Config tunes session lifecycle timing and caps.
type Config struct {
	// SessionTimeout is how long a half-open session waits for its peer.
	SessionTimeout time.Duration
	// HeartbeatInterval is the application-level ping period.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the extra grace beyond the interval before a
	// silent peer is considered gone.
	HeartbeatTimeout time.Duration
	// MaxSessions caps concurrently tracked sessions.
	MaxSessions int
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 300 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 256
	}
	return c
}

// Manager owns the session map. Admission and eviction are the only
// mutations; both hold the manager lock so two parties racing into an
// empty session id both land in the same record.
type Manager struct {
	cfg      Config
	tokens   *auth.TokenIssuer
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a relay session manager.
func NewManager(cfg Config, tokens *auth.TokenIssuer, checkOrigin func(*http.Request) bool, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg.withDefaults(),
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Session is one relay pairing. Half-open until both parties are present,
// then open until either side drops.
type Session struct {
	id        string
	startedAt time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	client *party
	server *party

	bytesClientToServer atomic.Int64
	bytesServerToClient atomic.Int64

	paired    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	evict     func()
}

// party wraps one endpoint socket. The write mutex serializes frame
// forwarding (driven by the peer's read loop) with heartbeat pings.
type party struct {
	conn *websocket.Conn
	side string
	mu   sync.Mutex
}

func (p *party) write(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

func (p *party) closeWithReason(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = p.conn.Close()
}

// ActiveSessions reports the number of tracked sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ServeRelay handles GET /relay/{session_id}?token=…. The handler blocks
// for the lifetime of the connection.
func (m *Manager) ServeRelay(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/relay/"), "/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	if _, err := m.tokens.Verify(r.URL.Query().Get("token")); err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Relay upgrade failed")
		return
	}

	session, p, err := m.admit(sessionID, conn)
	if err != nil {
		// Close after the upgrade so the client sees the refusal reason
		// instead of a bare handshake error.
		reject := &party{conn: conn}
		switch {
		case errors.Is(err, errSessionFull):
			metrics.RelaySessionsRejected.WithLabelValues("session_full").Inc()
			reject.closeWithReason(websocket.ClosePolicyViolation, "session full")
		default:
			metrics.RelaySessionsRejected.WithLabelValues("capacity").Inc()
			reject.closeWithReason(websocket.CloseTryAgainLater, "service busy")
		}
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Relay connection refused")
		return
	}

	metrics.RelaySessionsAdmitted.Inc()
	session.logger.Info().Str("side", p.side).Msg("Relay endpoint joined")
	session.run(m.cfg, p)
}

var (
	errSessionFull   = errors.New("relay session already has two endpoints")
	errAtCapacity    = errors.New("relay at session capacity")
	errPeerNotJoined = errors.New("relay peer never joined")
)

// admit places a connection into the session for id, creating the record
// when absent. The slot test and assignment stay inside the lock so a
// concurrent pair both succeed and a third connection always loses.
func (m *Manager) admit(sessionID string, conn *websocket.Conn) (*Session, *party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		if len(m.sessions) >= m.cfg.MaxSessions {
			return nil, nil, errAtCapacity
		}
		s = &Session{
			id:        sessionID,
			startedAt: time.Now(),
			logger:    m.logger.With().Str("session_id", sessionID).Logger(),
			paired:    make(chan struct{}),
			closed:    make(chan struct{}),
		}
		s.evict = func() {
			m.mu.Lock()
			if m.sessions[sessionID] == s {
				delete(m.sessions, sessionID)
			}
			m.mu.Unlock()
			metrics.RelayActiveSessions.Dec()
		}
		m.sessions[sessionID] = s
		metrics.RelayActiveSessions.Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.client == nil:
		s.client = &party{conn: conn, side: sideClient}
		return s, s.client, nil
	case s.server == nil:
		s.server = &party{conn: conn, side: sideServer}
		close(s.paired)
		return s, s.server, nil
	default:
		return nil, nil, errSessionFull
	}
}

// run pumps one party's reads into its peer until the session dies. The
// first party also arms the half-open timer.
func (s *Session) run(cfg Config, p *party) {
	if p.side == sideClient {
		go s.halfOpenWatch(cfg.SessionTimeout)
	}
	go s.heartbeat(cfg, p)

	pongWait := cfg.HeartbeatInterval + cfg.HeartbeatTimeout
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	err := s.forward(p, pongWait)
	s.close(err)
}

// forward copies binary messages from p to its peer. Blocks on the peer's
// write: back-pressure policy is to stall the source rather than buffer,
// and a permanently stalled peer trips the write deadline.
func (s *Session) forward(p *party, pongWait time.Duration) error {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		if messageType != websocket.BinaryMessage {
			s.logger.Debug().Str("side", p.side).Int("len", len(data)).Msg("Ignoring text message")
			continue
		}

		peer := s.peerOf(p)
		if peer == nil {
			// Frame arrived while half-open. Wait for the pairing; the
			// transport never sends before the tunnel handshake, so this
			// only happens under races worth surviving.
			select {
			case <-s.paired:
				peer = s.peerOf(p)
			case <-s.closed:
				return errPeerNotJoined
			}
		}
		if err := peer.write(websocket.BinaryMessage, data); err != nil {
			return err
		}

		if p.side == sideClient {
			s.bytesClientToServer.Add(int64(len(data)))
			metrics.RelayBytesForwarded.WithLabelValues("client_to_server").Add(float64(len(data)))
		} else {
			s.bytesServerToClient.Add(int64(len(data)))
			metrics.RelayBytesForwarded.WithLabelValues("server_to_client").Add(float64(len(data)))
		}
	}
}

func (s *Session) peerOf(p *party) *party {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.side == sideClient {
		return s.server
	}
	return s.client
}

func (s *Session) heartbeat(cfg Config, p *party) {
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.write(websocket.PingMessage, nil); err != nil {
				s.close(err)
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) halfOpenWatch(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.paired:
	case <-s.closed:
	case <-timer.C:
		s.logger.Info().Dur("timeout", timeout).Msg("Half-open session timed out waiting for peer")
		s.close(errPeerNotJoined)
	}
}

// close tears down both endpoints, evicts the record, and emits the
// metering event. Idempotent.
func (s *Session) close(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		client, server := s.client, s.server
		s.mu.Unlock()
		if client != nil {
			client.closeWithReason(websocket.CloseNormalClosure, "session closed")
		}
		if server != nil {
			server.closeWithReason(websocket.CloseNormalClosure, "session closed")
		}
		s.evict()

		clientToServer := s.bytesClientToServer.Load()
		serverToClient := s.bytesServerToClient.Load()
		event := s.logger.Info().
			Str("event_id", ulid.Make().String()).
			Str("session_id", s.id).
			Float64("duration_seconds", time.Since(s.startedAt).Seconds()).
			Int64("bytes_client_to_server", clientToServer).
			Int64("bytes_server_to_client", serverToClient).
			Int64("total_bytes", clientToServer+serverToClient)
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			event = event.Str("cause", cause.Error())
		}
		event.Msg("session_closed")
	})
}
