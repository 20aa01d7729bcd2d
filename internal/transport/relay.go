package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 70 * time.Second
	relayPingPeriod = 25 * time.Second
	relaySendBuffer = 64
)

// RelayTransport is the fallback transport: a WebSocket to the relay
// service pinned to a shared session id. Frames are binary messages
// forwarded verbatim by the relay.
type RelayTransport struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	mu       sync.Mutex
	receiver func([]byte)
	onClose  []func(error)
	open     bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// RelaySessionID derives the deterministic session id both endpoints use.
func RelaySessionID(browserDeviceID, hostDeviceID string) string {
	return browserDeviceID + "-" + hostDeviceID
}

// DialRelay connects to {relayURL}/relay/{sessionID}?token=….
func DialRelay(ctx context.Context, relayURL, sessionID, token string, logger zerolog.Logger) (*RelayTransport, error) {
	u, err := url.Parse(strings.TrimRight(relayURL, "/") + "/relay/" + sessionID)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialDeadline)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	t := &RelayTransport{
		conn:   conn,
		logger: logger.With().Str("component", "relay-transport").Str("session_id", sessionID).Logger(),
		open:   true,
		send:   make(chan []byte, relaySendBuffer),
		done:   make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	t.logger.Info().Msg("Relay transport connected")
	return t, nil
}

func (t *RelayTransport) readPump() {
	_ = t.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.fail(fmt.Errorf("%w: %v", ErrTransportFailed, err))
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(relayPongWait))
		if messageType != websocket.BinaryMessage {
			continue
		}
		t.mu.Lock()
		receiver := t.receiver
		t.mu.Unlock()
		if receiver != nil {
			receiver(data)
		}
	}
}

func (t *RelayTransport) writePump() {
	ticker := time.NewTicker(relayPingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()
	for {
		select {
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				t.fail(fmt.Errorf("%w: %v", ErrTransportFailed, err))
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.fail(fmt.Errorf("%w: %v", ErrTransportFailed, err))
				return
			}
		}
	}
}

// Send queues one frame for the relay socket.
func (t *RelayTransport) Send(ctx context.Context, data []byte) error {
	if !t.IsOpen() {
		return ErrNotConnected
	}
	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReceiver installs the inbound frame handler.
func (t *RelayTransport) SetReceiver(fn func([]byte)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// AddOnClose registers a failure handler. Every registered handler runs
// when the transport dies.
func (t *RelayTransport) AddOnClose(fn func(error)) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// IsOpen reports whether the relay socket is usable.
func (t *RelayTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Mode returns ModeRelay.
func (t *RelayTransport) Mode() Mode { return ModeRelay }

// Close shuts the relay socket down.
func (t *RelayTransport) Close() error {
	t.fail(ErrNotConnected)
	return nil
}

func (t *RelayTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		handlers := t.onClose
		t.mu.Unlock()
		close(t.done)
		_ = t.conn.Close()
		for _, fn := range handlers {
			fn(cause)
		}
	})
}
