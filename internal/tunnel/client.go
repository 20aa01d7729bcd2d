// Package tunnel multiplexes HTTP transactions and WebSocket
// sub-connections over a single transport. The client side (browser
// endpoint) exposes a fetch-like call and a WebSocket factory; the host
// side dispatches inbound frames to local services.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/protocol"
	"github.com/lem-app/lem/internal/transport"
)

var (
	// ErrRequestTimeout means a pending HTTP correlation exceeded its
	// deadline.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionClosed means the transport died while an operation was
	// pending. Callers re-issue; nothing resumes across transports.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoTransport means no transport is attached.
	ErrNoTransport = errors.New("no transport attached")
)

const defaultRequestTimeout = 30 * time.Second

// Request is a proxied HTTP request. Body carries raw bytes; text bodies
// are their UTF-8 encoding.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the proxied result.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Client is the browser-endpoint multiplexer. It owns the request
// correlation table and the WebSocket sub-connection table for whatever
// transport is currently attached.
type Client struct {
	logger  zerolog.Logger
	timeout time.Duration

	mu            sync.Mutex
	transport     transport.Transport
	nextRequestID uint32
	nextConnID    uint32
	pending       map[uint32]chan *protocol.HTTPResponse
	conns         map[uint32]*WSConn
}

// ClientOption tweaks client construction.
type ClientOption func(*Client)

// WithRequestTimeout overrides the default 30 s pending-request deadline.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a detached client multiplexer; Attach binds it to a
// transport.
func NewClient(logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		logger:  logger.With().Str("component", "tunnel-client").Logger(),
		timeout: defaultRequestTimeout,
		pending: make(map[uint32]chan *protocol.HTTPResponse),
		conns:   make(map[uint32]*WSConn),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach binds the client to a transport and resets the id counters.
// Anything pending on a previous transport has already been failed by its
// close handler.
func (c *Client) Attach(t transport.Transport) {
	c.mu.Lock()
	c.transport = t
	c.nextRequestID = 0
	c.nextConnID = 0
	c.mu.Unlock()
	t.SetReceiver(c.handleFrame)
	t.AddOnClose(func(error) { c.HandleTransportClosed() })
}

// PendingRequests reports the number of unresolved correlations.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Fetch proxies one HTTP transaction through the tunnel. The context may
// carry a tighter deadline; otherwise the client default applies. The
// request fails with ErrRequestTimeout past the deadline and with
// ErrConnectionClosed if the transport dies first.
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	path := u.RequestURI()

	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return nil, ErrNoTransport
	}
	c.nextRequestID++
	id := c.nextRequestID
	waiter := make(chan *protocol.HTTPResponse, 1)
	c.pending[id] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := &protocol.HTTPRequest{
		RequestID: id,
		Method:    req.Method,
		Path:      path,
		Headers:   req.Headers,
		Body:      req.Body,
	}
	data, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	if err := t.Send(ctx, data); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return &Response{
			Status:  int(resp.Status),
			Headers: resp.Headers,
			Body:    resp.Body,
		}, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrRequestTimeout, c.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DialWS opens a tunneled WebSocket sub-connection. The connection is
// usable as soon as the WS_CONNECT frame is on the wire; data arriving
// for it is delivered to the OnMessage handler.
func (c *Client) DialWS(rawURL string, headers map[string]string) (*WSConn, error) {
	c.mu.Lock()
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return nil, ErrNoTransport
	}
	c.nextConnID++
	id := c.nextConnID
	conn := &WSConn{client: c, id: id, state: WSOpen}
	c.conns[id] = conn
	c.mu.Unlock()

	frame := &protocol.WSConnect{ConnectionID: id, URL: rawURL, Headers: headers}
	data, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	if err := t.Send(context.Background(), data); err != nil {
		c.mu.Lock()
		delete(c.conns, id)
		c.mu.Unlock()
		if errors.Is(err, transport.ErrNotConnected) {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}
	return conn, nil
}

// HandleTransportClosed fails every pending request and closes every
// sub-connection. No entry survives transport death.
func (c *Client) HandleTransportClosed() {
	c.mu.Lock()
	pending := c.pending
	conns := c.conns
	c.pending = make(map[uint32]chan *protocol.HTTPResponse)
	c.conns = make(map[uint32]*WSConn)
	c.transport = nil
	c.mu.Unlock()

	for _, waiter := range pending {
		close(waiter)
	}
	for _, conn := range conns {
		conn.transportClosed()
	}
	if len(pending) > 0 || len(conns) > 0 {
		c.logger.Info().
			Int("pending_requests", len(pending)).
			Int("sub_connections", len(conns)).
			Msg("Transport closed, cancelled pending work")
	}
}

// handleFrame demultiplexes one inbound frame by its leading type byte.
func (c *Client) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping undecodable frame")
		return
	}

	switch f := frame.(type) {
	case *protocol.HTTPResponse:
		c.mu.Lock()
		waiter := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if waiter == nil {
			c.logger.Warn().Uint32("request_id", f.RequestID).Msg("Dropping response with no pending request")
			return
		}
		waiter <- f
	case *protocol.WSData:
		c.routeWSData(f)
	case *protocol.WSClose:
		c.mu.Lock()
		conn := c.conns[f.ConnectionID]
		delete(c.conns, f.ConnectionID)
		c.mu.Unlock()
		if conn == nil {
			c.logger.Debug().Uint32("connection_id", f.ConnectionID).Msg("WS_CLOSE for unknown sub-connection")
			return
		}
		conn.remoteClosed(f.CloseCode, f.Reason)
	default:
		c.logger.Warn().Str("type", protocol.FrameTypeName(data[0])).Msg("Dropping unexpected frame type")
	}
}

func (c *Client) routeWSData(f *protocol.WSData) {
	c.mu.Lock()
	conn := c.conns[f.ConnectionID]
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug().Uint32("connection_id", f.ConnectionID).Msg("WS_DATA for unknown sub-connection")
		return
	}

	switch f.Opcode {
	case protocol.OpPing:
		_ = conn.sendData(protocol.OpPong, f.Payload)
	case protocol.OpPong, protocol.OpContinuation:
		// Handled internally; nothing for the application.
	default:
		conn.deliver(f.Opcode, f.Payload)
	}
}

// send encodes and writes a frame on the current transport.
func (c *Client) send(frame protocol.Frame) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrConnectionClosed
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	if err := t.Send(context.Background(), data); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *Client) evictConn(id uint32) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}
