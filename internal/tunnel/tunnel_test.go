package tunnel

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/protocol"
	"github.com/lem-app/lem/internal/transport"
)

// pipeTransport is an in-memory Transport; a pair of them forms a
// loopback tunnel for wiring the client and host multiplexers together.
type pipeTransport struct {
	mu       sync.Mutex
	peer     *pipeTransport
	receiver func([]byte)
	onClose  []func(error)
	open     bool
	in       chan []byte
	done     chan struct{}
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{open: true, in: make(chan []byte, 256), done: make(chan struct{})}
	b := &pipeTransport{open: true, in: make(chan []byte, 256), done: make(chan struct{})}
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// pump delivers inbound frames in order on a dedicated goroutine, like a
// real transport's read loop.
func (p *pipeTransport) pump() {
	for {
		select {
		case data := <-p.in:
			p.mu.Lock()
			fn := p.receiver
			p.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-p.done:
			return
		}
	}
}

func (p *pipeTransport) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if !open {
		return transport.ErrNotConnected
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.peer.in <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) SetReceiver(fn func([]byte)) {
	p.mu.Lock()
	p.receiver = fn
	p.mu.Unlock()
}

func (p *pipeTransport) AddOnClose(fn func(error)) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

func (p *pipeTransport) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *pipeTransport) Mode() transport.Mode { return transport.ModeP2P }

func (p *pipeTransport) Close() error {
	p.closeSide(nil)
	p.peer.closeSide(errors.New("peer closed"))
	return nil
}

func (p *pipeTransport) closeSide(err error) {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return
	}
	p.open = false
	handlers := p.onClose
	p.mu.Unlock()
	close(p.done)
	for _, fn := range handlers {
		fn(err)
	}
}

// newTunnel wires a client and host multiplexer over a loopback pair,
// with the host dispatching to baseURL.
func newTunnel(t *testing.T, baseURL string) (*Client, *Host) {
	t.Helper()
	client := NewClient(zerolog.Nop())
	host := NewHost(HostConfig{LocalBaseURL: baseURL}, nil, zerolog.Nop())
	a, b := newPipePair()
	client.Attach(a)
	host.Attach(b)
	t.Cleanup(func() {
		host.Stop()
		a.Close()
	})
	return client, host
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFetchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/data" || r.URL.RawQuery != "x=1" {
			t.Errorf("upstream saw %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("X-Custom header = %q", r.Header.Get("X-Custom"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, _ := newTunnel(t, srv.URL)

	resp, err := client.Fetch(context.Background(), Request{
		Method:  http.MethodGet,
		URL:     "https://tunnel.example/api/data?x=1",
		Headers: map[string]string{"X-Custom": "yes"},
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if resp.Headers["Content-Type"] != "application/json" {
		t.Errorf("Content-Type = %q", resp.Headers["Content-Type"])
	}
	if n := client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
	client.mu.Lock()
	firstID := client.nextRequestID
	client.mu.Unlock()
	if firstID != 1 {
		t.Errorf("first request id = %d, want 1", firstID)
	}
}

func TestFetchPostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 32)
		n, _ := r.Body.Read(buf)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(buf[:n])
	}))
	defer srv.Close()

	client, _ := newTunnel(t, srv.URL)
	resp, err := client.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		URL:    "https://tunnel.example/items",
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.Status != http.StatusCreated || string(resp.Body) != "payload" {
		t.Errorf("response = %d %q", resp.Status, resp.Body)
	}
}

func TestFetchUpstreamUnreachable(t *testing.T) {
	// A server that is already closed: connection refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client, _ := newTunnel(t, srv.URL)
	resp, err := client.Fetch(context.Background(), Request{
		Method: http.MethodGet,
		URL:    "https://tunnel.example/anything",
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if resp.Status != http.StatusBadGateway {
		t.Errorf("Status = %d, want 502", resp.Status)
	}
}

func TestFetchTimeout(t *testing.T) {
	client := NewClient(zerolog.Nop(), WithRequestTimeout(100*time.Millisecond))
	a, _ := newPipePair() // peer has no receiver: frames vanish
	client.Attach(a)

	_, err := client.Fetch(context.Background(), Request{
		Method: http.MethodGet,
		URL:    "https://tunnel.example/slow",
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Fetch() error = %v, want ErrRequestTimeout", err)
	}
	if n := client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
}

func TestTransportDeathFailsPendingFetch(t *testing.T) {
	client := NewClient(zerolog.Nop())
	a, _ := newPipePair()
	client.Attach(a)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Fetch(context.Background(), Request{
			Method: http.MethodGet,
			URL:    "https://tunnel.example/pending",
		})
		errCh <- err
	}()

	waitFor(t, func() bool { return client.PendingRequests() == 1 }, "request never became pending")
	a.closeSide(errors.New("link lost"))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("Fetch() error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Fetch() did not fail after transport death")
	}
	if n := client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
}

func TestWSEchoAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, host := newTunnel(t, srv.URL)

	conn, err := client.DialWS("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("DialWS() error: %v", err)
	}

	messages := make(chan string, 4)
	conn.OnMessage(func(opcode byte, payload []byte) {
		messages <- string(payload)
	})
	closed := make(chan uint16, 1)
	conn.OnClose(func(code uint16, reason string) {
		closed <- code
	})

	waitFor(t, func() bool { return host.SubConnections() == 1 }, "upstream socket never connected")

	if err := conn.SendText("hello"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	select {
	case got := <-messages:
		if got != "hello" {
			t.Errorf("echo = %q, want hello", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}

	if err := conn.Close(websocket.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	select {
	case code := <-closed:
		if code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d, want 1000", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("close never propagated back")
	}

	// Send after close fails locally.
	if err := conn.SendText("late"); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("SendText(after close) error = %v, want ErrConnectionClosed", err)
	}
}

func TestWSConnectCapCountsDialsInFlight(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client := NewClient(zerolog.Nop())
	host := NewHost(HostConfig{LocalBaseURL: srv.URL, MaxSubConnections: 1}, nil, zerolog.Nop())

	// Gate the upstream dial so the first connect is still in flight when
	// the second arrives.
	gate := make(chan struct{})
	base := host.wsDialer.NetDialContext
	host.wsDialer = &websocket.Dialer{
		HandshakeTimeout: wsDialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-gate
			return base(ctx, network, addr)
		},
	}

	a, b := newPipePair()
	client.Attach(a)
	host.Attach(b)
	t.Cleanup(func() {
		host.Stop()
		a.Close()
	})

	if _, err := client.DialWS(wsURL, nil); err != nil {
		t.Fatalf("DialWS(first) error: %v", err)
	}
	second, err := client.DialWS(wsURL, nil)
	if err != nil {
		t.Fatalf("DialWS(second) error: %v", err)
	}
	rejected := make(chan struct {
		code   uint16
		reason string
	}, 1)
	second.OnClose(func(code uint16, reason string) {
		rejected <- struct {
			code   uint16
			reason string
		}{code, reason}
	})

	select {
	case r := <-rejected:
		if r.code != 1013 || r.reason != "too many connections" {
			t.Errorf("second connect closed with %d %q, want 1013 with the refusal reason", r.code, r.reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second connect was not refused while the first dial was in flight")
	}

	close(gate)
	waitFor(t, func() bool { return host.SubConnections() == 1 }, "first sub-connection never established")
}

func TestWSConnectFailure(t *testing.T) {
	client, _ := newTunnel(t, "http://localhost:5142")

	conn, err := client.DialWS("ws://127.0.0.1:1/nope", nil)
	if err != nil {
		t.Fatalf("DialWS() error: %v", err)
	}
	closed := make(chan struct {
		code   uint16
		reason string
	}, 1)
	conn.OnClose(func(code uint16, reason string) {
		closed <- struct {
			code   uint16
			reason string
		}{code, reason}
	})

	select {
	case c := <-closed:
		if c.code != 1006 {
			t.Errorf("close code = %d, want 1006", c.code)
		}
		if !strings.HasPrefix(c.reason, "Connection failed:") {
			t.Errorf("close reason = %q", c.reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dial failure never surfaced as close")
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	client := NewClient(zerolog.Nop())
	a, _ := newPipePair()
	client.Attach(a)

	// A response for a request id that was never issued must be ignored.
	frame, err := (&protocol.HTTPResponse{RequestID: 99, Status: 200}).Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client.handleFrame(frame)
	if n := client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
}

func TestUnknownFrameTypeDropped(t *testing.T) {
	client := NewClient(zerolog.Nop())
	a, _ := newPipePair()
	client.Attach(a)

	client.handleFrame([]byte{0x7F, 0x00, 0x00})
	client.handleFrame(nil)
	// Nothing to assert beyond not panicking; state stays clean.
	if n := client.PendingRequests(); n != 0 {
		t.Errorf("PendingRequests() = %d, want 0", n)
	}
}

func TestDialerControlExclusion(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	client, _ := newTunnel(t, srv.URL)

	var nativeURLs []string
	spy := func(rawURL string, headers map[string]string) (Conn, error) {
		nativeURLs = append(nativeURLs, rawURL)
		return &fakeConn{}, nil
	}
	d := NewDialer(client, WithNativeDial(spy))

	// The control channel bypasses the tunnel.
	conn, err := d.Dial("wss://signal.example/signal?token=abc", nil)
	if err != nil {
		t.Fatalf("Dial(control) error: %v", err)
	}
	if _, ok := conn.(*fakeConn); !ok {
		t.Errorf("control URL returned %T, want the native conn", conn)
	}
	if len(nativeURLs) != 1 {
		t.Fatalf("native dials = %d, want 1", len(nativeURLs))
	}

	// Everything else is tunneled.
	conn, err = d.Dial("wss://app.example/live", nil)
	if err != nil {
		t.Fatalf("Dial(app) error: %v", err)
	}
	if _, ok := conn.(*WSConn); !ok {
		t.Errorf("app URL returned %T, want *WSConn", conn)
	}
	if len(nativeURLs) != 1 {
		t.Errorf("native dials = %d after app dial, want 1", len(nativeURLs))
	}
}

func TestDialerIsControlURL(t *testing.T) {
	d := NewDialer(NewClient(zerolog.Nop()))
	cases := []struct {
		url  string
		want bool
	}{
		{"wss://x/signal", true},
		{"wss://x/signal?token=t", true},
		{"wss://x/signal/extra", true},
		{"wss://x/signaling", false},
		{"wss://x/api/signal-status", false},
		{"wss://x/live", false},
	}
	for _, c := range cases {
		if got := d.IsControlURL(c.url); got != c.want {
			t.Errorf("IsControlURL(%q) = %v, want %v", c.url, got, c.want)
		}
	}
}

func TestRouterResolve(t *testing.T) {
	r := NewRouter("http://localhost:5142/", func(client string) string {
		if client == "alt" {
			return "http://localhost:6000/"
		}
		return ""
	})

	if got := r.Resolve("/api/data"); got != "http://localhost:5142" {
		t.Errorf("Resolve(plain) = %q", got)
	}
	if got := r.Resolve("/api/data?client=alt"); got != "http://localhost:6000" {
		t.Errorf("Resolve(alt client) = %q", got)
	}
	if got := r.Resolve("/api/data?client=unknown"); got != "http://localhost:5142" {
		t.Errorf("Resolve(unknown client) = %q", got)
	}
}

// fakeConn satisfies Conn for the native-dial spy.
type fakeConn struct{}

func (f *fakeConn) SendText(string) error                       { return nil }
func (f *fakeConn) SendBinary([]byte) error                     { return nil }
func (f *fakeConn) OnMessage(func(opcode byte, payload []byte)) {}
func (f *fakeConn) OnClose(func(code uint16, reason string))    {}
func (f *fakeConn) Close(code uint16, reason string) error      { return nil }
