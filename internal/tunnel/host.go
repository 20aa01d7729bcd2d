package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/protocol"
	"github.com/lem-app/lem/internal/transport"
)

const (
	defaultUpstreamTimeout = 30 * time.Second
	defaultMaxHandlers     = 64
	defaultMaxSubConns     = 128
	wsDialTimeout          = 30 * time.Second
	upstreamWriteWait      = 10 * time.Second
)

// HostConfig parameterizes the host-side multiplexer.
type HostConfig struct {
	// LocalBaseURL is where HTTP_REQUEST frames are dispatched.
	LocalBaseURL string
	// RequestTimeout bounds one upstream HTTP transaction.
	RequestTimeout time.Duration
	// MaxConcurrentRequests caps in-flight HTTP handlers.
	MaxConcurrentRequests int
	// MaxSubConnections caps tunneled WebSockets per transport.
	MaxSubConnections int
}

func (c HostConfig) withDefaults() HostConfig {
	if c.LocalBaseURL == "" {
		c.LocalBaseURL = "http://localhost:5142"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultUpstreamTimeout
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = defaultMaxHandlers
	}
	if c.MaxSubConnections <= 0 {
		c.MaxSubConnections = defaultMaxSubConns
	}
	return c
}

// Host is the host-endpoint multiplexer: it replays tunneled HTTP
// requests against the local service and bridges tunneled WebSocket
// sub-connections to outbound sockets.
type Host struct {
	cfg    HostConfig
	router *Router
	logger zerolog.Logger

	httpClient *http.Client
	wsDialer   *websocket.Dialer

	mu        sync.Mutex
	transport transport.Transport
	conns     map[uint32]*upstreamConn
	dialing   int
	sem       chan struct{}
}

// NewHost creates the host multiplexer. router may be nil, in which case
// everything dispatches to the configured base URL.
func NewHost(cfg HostConfig, router *Router, logger zerolog.Logger) *Host {
	cfg = cfg.withDefaults()
	if router == nil {
		router = NewRouter(cfg.LocalBaseURL, nil)
	}

	// Outbound WebSocket dials share a caching resolver so bursts of
	// sub-connections to the same local hostname skip repeat lookups.
	resolver := &dnscache.Resolver{}
	netDialer := &net.Dialer{Timeout: wsDialTimeout}
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			conn, dialErr := netDialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if dialErr == nil {
				return conn, nil
			}
			err = dialErr
		}
		return nil, err
	}

	return &Host{
		cfg:    cfg,
		router: router,
		logger: logger.With().Str("component", "tunnel-host").Logger(),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		wsDialer: &websocket.Dialer{
			NetDialContext:   dialContext,
			HandshakeTimeout: wsDialTimeout,
		},
		conns: make(map[uint32]*upstreamConn),
		sem:   make(chan struct{}, cfg.MaxConcurrentRequests),
	}
}

// Attach binds the host to a transport. A previous transport's
// sub-connections are torn down first.
func (h *Host) Attach(t transport.Transport) {
	h.closeAllConns(1006, "transport replaced")
	h.mu.Lock()
	h.transport = t
	h.mu.Unlock()
	t.SetReceiver(h.handleFrame)
	t.AddOnClose(func(error) { h.handleTransportClosed() })
}

// Stop closes every sub-connection and detaches.
func (h *Host) Stop() {
	h.closeAllConns(1001, "host shutting down")
	h.mu.Lock()
	h.transport = nil
	h.mu.Unlock()
}

// SubConnections reports the number of live tunneled WebSockets.
func (h *Host) SubConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Host) handleTransportClosed() {
	h.mu.Lock()
	h.transport = nil
	h.mu.Unlock()
	h.closeAllConns(1006, "transport closed")
}

func (h *Host) closeAllConns(code uint16, reason string) {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[uint32]*upstreamConn)
	h.mu.Unlock()
	for _, conn := range conns {
		conn.closeUpstream(code, reason)
	}
}

// handleFrame demultiplexes one inbound frame from the browser.
func (h *Host) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		// A request whose remainder fails to parse still deserves an
		// answer if its id is readable.
		if id, ok := protocol.PeekRequestID(data); ok && data[0] == protocol.FrameHTTPRequest {
			h.sendResponse(id, http.StatusBadRequest, []byte(`{"detail":"malformed request frame"}`))
		}
		h.logger.Warn().Err(err).Msg("Dropping undecodable frame")
		return
	}

	switch f := frame.(type) {
	case *protocol.HTTPRequest:
		h.dispatchHTTP(f)
	case *protocol.WSConnect:
		h.handleWSConnect(f)
	case *protocol.WSData:
		h.handleWSData(f)
	case *protocol.WSClose:
		h.handleWSClose(f)
	default:
		h.logger.Warn().Str("type", protocol.FrameTypeName(data[0])).Msg("Dropping unexpected frame type")
	}
}

// dispatchHTTP runs the upstream transaction on its own goroutine,
// bounded by the handler semaphore.
func (h *Host) dispatchHTTP(f *protocol.HTTPRequest) {
	select {
	case h.sem <- struct{}{}:
	default:
		h.logger.Warn().Uint32("request_id", f.RequestID).Msg("Handler limit reached, refusing request")
		h.sendResponse(f.RequestID, http.StatusServiceUnavailable, []byte(`{"detail":"too many concurrent requests"}`))
		return
	}
	go func() {
		defer func() { <-h.sem }()
		h.handleHTTP(f)
	}()
}

func (h *Host) handleHTTP(f *protocol.HTTPRequest) {
	target := h.router.Resolve(f.Path) + f.Path

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	}
	req, err := http.NewRequestWithContext(ctx, f.Method, target, body)
	if err != nil {
		h.sendResponse(f.RequestID, http.StatusInternalServerError, []byte(`{"detail":"invalid request"}`))
		return
	}
	for name, value := range f.Headers {
		if skipForwardHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Uint32("request_id", f.RequestID).Str("target", target).Msg("Upstream request failed")
		h.sendResponse(f.RequestID, http.StatusBadGateway, []byte(`{"detail":"local service unreachable"}`))
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.sendResponse(f.RequestID, http.StatusBadGateway, []byte(`{"detail":"failed to read local response"}`))
		return
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}
	h.sendFrame(&protocol.HTTPResponse{
		RequestID: f.RequestID,
		Status:    uint16(resp.StatusCode),
		Headers:   headers,
		Body:      respBody,
	})
}

// handleWSConnect reserves a slot against the cap on the receive
// goroutine, so frames are admitted in arrival order, then dials on its
// own goroutine. In-flight dials count against the cap so a burst of
// connects cannot overshoot it.
func (h *Host) handleWSConnect(f *protocol.WSConnect) {
	h.mu.Lock()
	if len(h.conns)+h.dialing >= h.cfg.MaxSubConnections {
		h.mu.Unlock()
		h.logger.Warn().Uint32("connection_id", f.ConnectionID).Msg("Sub-connection limit reached")
		h.sendFrame(&protocol.WSClose{ConnectionID: f.ConnectionID, CloseCode: 1013, Reason: "too many connections"})
		return
	}
	h.dialing++
	h.mu.Unlock()
	go h.dialUpstream(f)
}

func (h *Host) dialUpstream(f *protocol.WSConnect) {
	header := http.Header{}
	for name, value := range f.Headers {
		if skipWSHeader(name) {
			continue
		}
		header.Set(name, value)
	}

	conn, _, err := h.wsDialer.Dial(f.URL, header)
	if err != nil {
		h.mu.Lock()
		h.dialing--
		h.mu.Unlock()
		h.logger.Warn().Err(err).Uint32("connection_id", f.ConnectionID).Str("url", f.URL).Msg("Upstream WebSocket dial failed")
		h.sendFrame(&protocol.WSClose{
			ConnectionID: f.ConnectionID,
			CloseCode:    1006,
			Reason:       "Connection failed: " + err.Error(),
		})
		return
	}

	up := &upstreamConn{id: f.ConnectionID, conn: conn, host: h}
	h.mu.Lock()
	h.dialing--
	h.conns[f.ConnectionID] = up
	h.mu.Unlock()
	h.logger.Info().Uint32("connection_id", f.ConnectionID).Str("url", f.URL).Msg("Upstream WebSocket connected")

	go up.readLoop()
}

func (h *Host) handleWSData(f *protocol.WSData) {
	h.mu.Lock()
	up := h.conns[f.ConnectionID]
	h.mu.Unlock()
	if up == nil {
		h.logger.Debug().Uint32("connection_id", f.ConnectionID).Msg("WS_DATA for unknown sub-connection")
		return
	}
	if err := up.writeData(f.Opcode, f.Payload); err != nil {
		h.logger.Warn().Err(err).Uint32("connection_id", f.ConnectionID).Msg("Upstream write failed")
		h.evictConn(f.ConnectionID)
		up.closeUpstream(1006, "Upstream error")
		h.sendFrame(&protocol.WSClose{ConnectionID: f.ConnectionID, CloseCode: 1006, Reason: "Upstream error"})
	}
}

func (h *Host) handleWSClose(f *protocol.WSClose) {
	h.mu.Lock()
	up := h.conns[f.ConnectionID]
	delete(h.conns, f.ConnectionID)
	h.mu.Unlock()
	if up == nil {
		return
	}
	// Confirm the close to the browser before tearing down the upstream
	// socket; its read loop would otherwise race a 1006 close in first.
	h.sendFrame(&protocol.WSClose{ConnectionID: f.ConnectionID, CloseCode: f.CloseCode, Reason: f.Reason})
	up.closeUpstream(f.CloseCode, f.Reason)
}

func (h *Host) evictConn(id uint32) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Host) sendResponse(requestID uint32, status int, body []byte) {
	h.sendFrame(&protocol.HTTPResponse{
		RequestID: requestID,
		Status:    uint16(status),
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      body,
	})
}

func (h *Host) sendFrame(frame protocol.Frame) {
	h.mu.Lock()
	t := h.transport
	h.mu.Unlock()
	if t == nil {
		return
	}
	data, err := frame.Encode()
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode frame")
		return
	}
	if err := t.Send(context.Background(), data); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		h.logger.Warn().Err(err).Msg("Failed to send frame")
	}
}

// upstreamConn is one outbound WebSocket bridged to a tunneled
// sub-connection.
type upstreamConn struct {
	id   uint32
	conn *websocket.Conn
	host *Host

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// readLoop pumps upstream messages into WS_DATA frames until the socket
// closes, then propagates the close across the tunnel.
func (u *upstreamConn) readLoop() {
	for {
		messageType, data, err := u.conn.ReadMessage()
		if err != nil {
			code, reason := uint16(1006), "Upstream error"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = uint16(closeErr.Code)
				reason = closeErr.Text
				if reason == "" {
					reason = "Server closed connection"
				}
			}
			u.host.evictConn(u.id)
			u.host.sendFrame(&protocol.WSClose{ConnectionID: u.id, CloseCode: code, Reason: reason})
			_ = u.conn.Close()
			return
		}

		opcode := protocol.OpBinary
		if messageType == websocket.TextMessage {
			opcode = protocol.OpText
		}
		u.host.sendFrame(&protocol.WSData{ConnectionID: u.id, Opcode: opcode, Payload: data})
	}
}

func (u *upstreamConn) writeData(opcode byte, payload []byte) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_ = u.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
	switch opcode {
	case protocol.OpText:
		return u.conn.WriteMessage(websocket.TextMessage, payload)
	case protocol.OpBinary:
		return u.conn.WriteMessage(websocket.BinaryMessage, payload)
	case protocol.OpPing:
		return u.conn.WriteMessage(websocket.PingMessage, payload)
	case protocol.OpPong:
		return u.conn.WriteMessage(websocket.PongMessage, payload)
	default:
		return fmt.Errorf("unsupported opcode 0x%02X", opcode)
	}
}

func (u *upstreamConn) closeUpstream(code uint16, reason string) {
	u.closeOnce.Do(func() {
		u.writeMu.Lock()
		_ = u.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(int(code), reason), time.Now().Add(upstreamWriteWait))
		u.writeMu.Unlock()
		_ = u.conn.Close()
	})
}

func skipForwardHeader(name string) bool {
	switch strings.ToLower(name) {
	case "host", "connection", "content-length", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func skipWSHeader(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "sec-websocket-") {
		return true
	}
	switch lower {
	case "host", "connection", "upgrade":
		return true
	}
	return false
}
