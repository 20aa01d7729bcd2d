package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/auth"
	"github.com/lem-app/lem/internal/metrics"
	"github.com/lem-app/lem/internal/store"
)

const (
	// Time allowed to write a message to a peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 54 * time.Second

	// Maximum signaling frame size. Oversize frames close the connection.
	maxMessageSize = 64 * 1024

	sendBufferSize = 32
)

var errSessionGone = errors.New("signaling session closed")

// Hub owns the device-id → session map and routes frames between
// endpoints that share an owner. At most one session is live per device
// id; a new connection supersedes the old one.
type Hub struct {
	store    *store.Store
	tokens   *auth.TokenIssuer
	relayURL string
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHub creates a signaling hub. relayURL is advertised to hosts in
// connect-request-received frames so they know where to dial fallback.
func NewHub(st *store.Store, tokens *auth.TokenIssuer, relayURL string, corsOrigins []string, logger zerolog.Logger) *Hub {
	return &Hub{
		store:    st,
		tokens:   tokens,
		relayURL: relayURL,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     newCORSPolicy(corsOrigins).checkWSOrigin,
		},
		logger:   logger.With().Str("component", "hub").Logger(),
		sessions: make(map[string]*session),
	}
}

// session is one live signaling WebSocket. Writes go through the send
// channel so the write pump is the only goroutine touching the socket's
// write side.
type session struct {
	hub      *Hub
	conn     *websocket.Conn
	deviceID string
	userID   int64
	logger   zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ServeSignal handles GET /signal?token=…&device_id=…. Authentication
// failures are rejected before the upgrade so callers see an HTTP status.
func (h *Hub) ServeSignal(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("device_id")
	if token == "" || deviceID == "" {
		http.Error(w, "token and device_id are required", http.StatusBadRequest)
		return
	}

	claims, err := h.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	device, err := h.store.GetDevice(r.Context(), deviceID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown device", http.StatusForbidden)
		return
	}
	if err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if device.UserID != claims.UserID {
		http.Error(w, "device belongs to another user", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Signaling upgrade failed")
		return
	}

	s := &session{
		hub:      h,
		conn:     conn,
		deviceID: deviceID,
		userID:   claims.UserID,
		logger:   h.logger.With().Str("device_id", deviceID).Int64("user_id", claims.UserID).Logger(),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}

	h.admit(s)
	metrics.SignalingActiveSessions.Inc()
	if err := h.store.TouchDevice(r.Context(), deviceID); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update device last_seen")
	}
	s.logger.Info().Msg("Device connected to signaling")

	s.queueJSON(map[string]any{
		"type":      TypeConnected,
		"device_id": deviceID,
		"message":   "Connected to signaling server",
	})

	go s.writePump()
	s.readPump()

	h.remove(s)
	metrics.SignalingActiveSessions.Dec()
	s.logger.Info().Msg("Device disconnected from signaling")
}

// admit installs the session in the map, superseding any prior session
// for the same device id. Concurrent admits serialise on the hub mutex:
// the old socket is closed with a distinct reason before its map entry
// is replaced.
func (h *Hub) admit(s *session) {
	h.mu.Lock()
	old := h.sessions[s.deviceID]
	if old != nil {
		old.closeWithReason(websocket.ClosePolicyViolation, "superseded")
	}
	h.sessions[s.deviceID] = s
	h.mu.Unlock()

	if old != nil {
		metrics.SignalingSupersessions.Inc()
		s.logger.Info().Msg("Superseded prior signaling session")
	}
}

// remove deletes the session if it is still the current one for its
// device id. A superseded session must not evict its replacement.
func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if h.sessions[s.deviceID] == s {
		delete(h.sessions, s.deviceID)
	}
	h.mu.Unlock()
	s.closeWithReason(websocket.CloseNormalClosure, "")
}

// lookup returns the live session for a device id, if any.
func (h *Hub) lookup(deviceID string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[deviceID]
}

// ActiveSessions reports the number of live signaling sessions.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (s *session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Signaling read ended")
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("Signaling write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// handleMessage parses one client frame and routes it. Routing failures
// are reported to the sender as error frames; they never tear down the
// session.
func (s *session) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("Invalid JSON format")
		return
	}

	msgType, _ := msg["type"].(string)
	if !routedTypes[msgType] {
		s.sendError("Unknown message type: " + msgType)
		return
	}

	targetID, _ := msg["target_device_id"].(string)
	if targetID == "" {
		s.sendError("Invalid message format: missing type or target_device_id")
		return
	}

	// The target must belong to the same user as the sender. Unknown
	// devices get the same refusal so device ids cannot be probed.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	target, err := s.hub.store.GetDevice(ctx, targetID)
	cancel()
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// An outage, not a refusal: the wire response stays identical but
		// the operator signal must not.
		s.logger.Warn().Err(err).Str("target", targetID).Msg("Device lookup failed while routing")
		metrics.SignalingRoutingErrors.WithLabelValues("store_error").Inc()
		s.sendError("Not authorized to signal device " + targetID)
		return
	}
	if err != nil || target.UserID != s.userID {
		metrics.SignalingRoutingErrors.WithLabelValues("not_authorized").Inc()
		s.sendError("Not authorized to signal device " + targetID)
		return
	}

	peer := s.hub.lookup(targetID)
	if peer == nil {
		metrics.SignalingRoutingErrors.WithLabelValues("target_offline").Inc()
		s.sendError("Target device " + targetID + " not connected")
		return
	}

	if err := peer.queueJSON(s.rewriteForDelivery(msgType, msg)); err != nil {
		metrics.SignalingRoutingErrors.WithLabelValues("delivery_failed").Inc()
		s.sendError("Failed to deliver message to " + targetID)
		return
	}

	metrics.SignalingRoutedFrames.WithLabelValues(msgType).Inc()
	s.logger.Debug().Str("type", msgType).Str("target", targetID).Msg("Routed signaling frame")
	s.queueJSON(map[string]any{
		"type":    TypeAck,
		"message": "Message delivered to " + targetID,
	})
}

// rewriteForDelivery replaces the sender's addressing with the identity
// the target needs: target_device_id goes away, sender_device_id comes
// in, and the connect request/ack pair additionally carries
// from_device_id under its delivered type name.
func (s *session) rewriteForDelivery(msgType string, msg map[string]any) map[string]any {
	out := make(map[string]any, len(msg)+2)
	for k, v := range msg {
		if k == "target_device_id" {
			continue
		}
		out[k] = v
	}
	out["type"] = deliveredType(msgType)
	out["sender_device_id"] = s.deviceID

	switch msgType {
	case TypeConnectRequest:
		out["from_device_id"] = s.deviceID
		if transport, _ := msg["preferred_transport"].(string); transport == "relay" {
			out["relay_url"] = s.hub.relayURL
		}
	case TypeConnectAck:
		out["from_device_id"] = s.deviceID
	}
	return out
}

// queueJSON marshals and enqueues a frame for the write pump. Returns
// errSessionGone when the session is closed or its send buffer is full;
// a peer that slow is treated as unreachable.
func (s *session) queueJSON(msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionGone
	default:
		s.logger.Warn().Msg("Signaling send buffer full, dropping frame")
		return errSessionGone
	}
}

func (s *session) sendError(message string) {
	_ = s.queueJSON(map[string]any{"type": TypeError, "message": message})
}

// closeWithReason sends a close control frame then drops the socket.
// Safe to call from any goroutine, at most once effective.
func (s *session) closeWithReason(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}
