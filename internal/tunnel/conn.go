package tunnel

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lem-app/lem/internal/protocol"
)

// WSState is a sub-connection lifecycle state, mirroring WebSocket
// readyState semantics.
type WSState int32

const (
	WSConnecting WSState = iota
	WSOpen
	WSClosing
	WSClosed
)

// Conn is the WebSocket-shaped surface handed to application code by the
// Dialer. Both tunneled sub-connections and native sockets implement it,
// so callers cannot tell which path they got.
type Conn interface {
	SendText(text string) error
	SendBinary(data []byte) error
	// OnMessage installs the inbound handler. opcode is a protocol
	// opcode: OpText payloads are UTF-8, OpBinary raw bytes.
	OnMessage(fn func(opcode byte, payload []byte))
	// OnClose fires once when the connection finishes closing, with the
	// peer's close code and reason.
	OnClose(fn func(code uint16, reason string))
	Close(code uint16, reason string) error
}

// WSConn is one tunneled WebSocket sub-connection on the client side.
type WSConn struct {
	client *Client
	id     uint32

	mu        sync.Mutex
	state     WSState
	onMessage func(opcode byte, payload []byte)
	onClose   func(code uint16, reason string)
}

// ID returns the sub-connection id.
func (w *WSConn) ID() uint32 { return w.id }

// State returns the lifecycle state.
func (w *WSConn) State() WSState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnMessage installs the inbound data handler.
func (w *WSConn) OnMessage(fn func(opcode byte, payload []byte)) {
	w.mu.Lock()
	w.onMessage = fn
	w.mu.Unlock()
}

// OnClose installs the close handler.
func (w *WSConn) OnClose(fn func(code uint16, reason string)) {
	w.mu.Lock()
	w.onClose = fn
	w.mu.Unlock()
}

// SendText sends a text message.
func (w *WSConn) SendText(text string) error {
	return w.sendData(protocol.OpText, []byte(text))
}

// SendBinary sends a binary message.
func (w *WSConn) SendBinary(data []byte) error {
	return w.sendData(protocol.OpBinary, data)
}

func (w *WSConn) sendData(opcode byte, payload []byte) error {
	w.mu.Lock()
	if w.state != WSOpen {
		w.mu.Unlock()
		return ErrConnectionClosed
	}
	w.mu.Unlock()
	return w.client.send(&protocol.WSData{ConnectionID: w.id, Opcode: opcode, Payload: payload})
}

// Close sends WS_CLOSE and transitions to closing. The close completes
// when the peer's WS_CLOSE comes back (or the transport dies).
func (w *WSConn) Close(code uint16, reason string) error {
	w.mu.Lock()
	if w.state == WSClosing || w.state == WSClosed {
		w.mu.Unlock()
		return nil
	}
	w.state = WSClosing
	w.mu.Unlock()
	return w.client.send(&protocol.WSClose{ConnectionID: w.id, CloseCode: code, Reason: reason})
}

func (w *WSConn) deliver(opcode byte, payload []byte) {
	w.mu.Lock()
	handler := w.onMessage
	w.mu.Unlock()
	if handler != nil {
		handler(opcode, payload)
	}
}

// remoteClosed finishes the lifecycle when the peer's WS_CLOSE arrives.
func (w *WSConn) remoteClosed(code uint16, reason string) {
	w.finish(code, reason)
}

// transportClosed fails the sub-connection when the transport dies; 1006
// is the WebSocket abnormal-closure code.
func (w *WSConn) transportClosed() {
	w.finish(1006, "transport closed")
}

func (w *WSConn) finish(code uint16, reason string) {
	w.mu.Lock()
	if w.state == WSClosed {
		w.mu.Unlock()
		return
	}
	w.state = WSClosed
	handler := w.onClose
	w.mu.Unlock()
	w.client.evictConn(w.id)
	if handler != nil {
		handler(code, reason)
	}
}

// nativeConn adapts a gorilla socket to the Conn surface, for URLs the
// Dialer must not tunnel.
type nativeConn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	onMessage func(opcode byte, payload []byte)
	onClose   func(code uint16, reason string)
	closed    bool
}

func newNativeConn(conn *websocket.Conn) *nativeConn {
	n := &nativeConn{conn: conn}
	go n.readLoop()
	return n
}

func (n *nativeConn) readLoop() {
	for {
		messageType, data, err := n.conn.ReadMessage()
		if err != nil {
			code, reason := uint16(1006), ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = uint16(closeErr.Code), closeErr.Text
			}
			n.finish(code, reason)
			return
		}
		opcode := protocol.OpBinary
		if messageType == websocket.TextMessage {
			opcode = protocol.OpText
		}
		n.mu.Lock()
		handler := n.onMessage
		n.mu.Unlock()
		if handler != nil {
			handler(opcode, data)
		}
	}
}

func (n *nativeConn) SendText(text string) error {
	return n.write(websocket.TextMessage, []byte(text))
}

func (n *nativeConn) SendBinary(data []byte) error {
	return n.write(websocket.BinaryMessage, data)
}

func (n *nativeConn) write(messageType int, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrConnectionClosed
	}
	_ = n.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return n.conn.WriteMessage(messageType, data)
}

func (n *nativeConn) OnMessage(fn func(opcode byte, payload []byte)) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

func (n *nativeConn) OnClose(fn func(code uint16, reason string)) {
	n.mu.Lock()
	n.onClose = fn
	n.mu.Unlock()
}

func (n *nativeConn) Close(code uint16, reason string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	_ = n.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason), time.Now().Add(10*time.Second))
	n.mu.Unlock()
	return n.conn.Close()
}

func (n *nativeConn) finish(code uint16, reason string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	handler := n.onClose
	n.mu.Unlock()
	_ = n.conn.Close()
	if handler != nil {
		handler(code, reason)
	}
}

// nativeDial is the production native dialer used by Dialer for control
// URLs.
func nativeDial(rawURL string, headers map[string]string) (Conn, error) {
	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, header)
	if err != nil {
		return nil, err
	}
	return newNativeConn(conn), nil
}
