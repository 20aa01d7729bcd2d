package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	signalWriteWait     = 10 * time.Second
	signalPongWait      = 60 * time.Second
	signalPingPeriod    = 54 * time.Second
	signalSendBuffer    = 32
	baseReconnectDelay  = 2 * time.Second
	maxReconnectDelay   = 60 * time.Second
	defaultDialDeadline = 15 * time.Second
)

// Envelope is one JSON frame on the signaling channel. Fields are a
// superset across all frame types; unused ones stay empty.
type Envelope struct {
	Type               string          `json:"type"`
	DeviceID           string          `json:"device_id,omitempty"`
	TargetDeviceID     string          `json:"target_device_id,omitempty"`
	SenderDeviceID     string          `json:"sender_device_id,omitempty"`
	FromDeviceID       string          `json:"from_device_id,omitempty"`
	PreferredTransport string          `json:"preferred_transport,omitempty"`
	RelaySessionID     string          `json:"relay_session_id,omitempty"`
	RelayURL           string          `json:"relay_url,omitempty"`
	Transport          string          `json:"transport,omitempty"`
	Status             string          `json:"status,omitempty"`
	Message            string          `json:"message,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload carries a session description in offer/answer frames.
type SDPPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// ICEPayload carries one trickled candidate.
type ICEPayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// Signaler is the control-channel surface the fallback dialer and the
// host session depend on. SignalClient is the production implementation;
// tests script their own.
type Signaler interface {
	Send(env Envelope) error
	// On registers the handler for a frame type. One handler per type;
	// registering again replaces it.
	On(msgType string, fn func(env Envelope))
	// AwaitConnectAck blocks until a connect-ack-received arrives from
	// fromDeviceID, or ctx expires.
	AwaitConnectAck(ctx context.Context, fromDeviceID string) (Envelope, error)
}

// SignalClient keeps a persistent WebSocket to the signaling service and
// dispatches inbound frames to per-type handlers. It reconnects with
// exponential backoff on unexpected close; the caller's handlers survive
// reconnects.
type SignalClient struct {
	url      string
	token    string
	deviceID string
	logger   zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	handlers  map[string]func(Envelope)
	ackWaiter chan Envelope
	ackFrom   string
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSignalClient builds a client for GET {signalURL}?token=…&device_id=….
func NewSignalClient(signalURL, token, deviceID string, logger zerolog.Logger) *SignalClient {
	return &SignalClient{
		url:      signalURL,
		token:    token,
		deviceID: deviceID,
		logger:   logger.With().Str("component", "signal-client").Str("device_id", deviceID).Logger(),
		handlers: make(map[string]func(Envelope)),
		done:     make(chan struct{}),
	}
}

// Run connects and keeps the signaling channel alive until ctx is
// cancelled. Blocks; callers run it in its own goroutine.
func (c *SignalClient) Run(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := c.connectAndPump(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failures++
		delay := backoffDelay(failures)
		c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Signaling connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Close tears the client down. Pending AwaitConnectAck calls fail.
func (c *SignalClient) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return nil
}

// Connected reports whether the signaling socket is currently up.
func (c *SignalClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *SignalClient) connectAndPump(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	q.Set("device_id", c.deviceID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialDeadline)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial signaling: %w", err)
	}

	send := make(chan []byte, signalSendBuffer)
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()
	}()

	c.logger.Info().Msg("Connected to signaling server")

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go c.writePump(connCtx, conn, send)

	_ = conn.SetReadDeadline(time.Now().Add(signalPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(signalPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read signaling: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(signalPongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed signaling frame")
			continue
		}
		c.dispatch(env)
	}
}

func (c *SignalClient) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(signalPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *SignalClient) dispatch(env Envelope) {
	if env.Type == "connect-ack-received" {
		c.mu.Lock()
		waiter, from := c.ackWaiter, c.ackFrom
		if waiter != nil && (from == "" || from == env.FromDeviceID) {
			c.ackWaiter = nil
			c.mu.Unlock()
			waiter <- env
			return
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	handler := c.handlers[env.Type]
	c.mu.Unlock()
	if handler == nil {
		c.logger.Debug().Str("type", env.Type).Msg("No handler for signaling frame")
		return
	}
	handler(env)
}

// Send queues an envelope for the write pump.
func (c *SignalClient) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signaling frame: %w", err)
	}
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	default:
		return errors.New("signaling send buffer full")
	}
}

// On registers the handler for a frame type.
func (c *SignalClient) On(msgType string, fn func(env Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// AwaitConnectAck blocks until the peer acknowledges a connect-request.
func (c *SignalClient) AwaitConnectAck(ctx context.Context, fromDeviceID string) (Envelope, error) {
	waiter := make(chan Envelope, 1)
	c.mu.Lock()
	c.ackWaiter = waiter
	c.ackFrom = fromDeviceID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.ackWaiter == waiter {
			c.ackWaiter = nil
		}
		c.mu.Unlock()
	}()

	select {
	case env := <-waiter:
		return env, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%w: %v", ErrConnectAckTimeout, ctx.Err())
	case <-c.done:
		return Envelope{}, ErrNotConnected
	}
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay * time.Duration(math.Pow(2, float64(failures-1)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}
