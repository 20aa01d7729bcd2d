// Package transport maintains the ordered byte pipe between the two
// tunnel endpoints: a WebRTC data channel when peer-to-peer works, a
// relay WebSocket when it does not. The fallback decision lives here;
// the multiplexer above only sees Send/receive.
package transport

import (
	"context"
	"errors"
)

// Mode identifies which pipe a transport rides on.
type Mode string

const (
	ModeP2P     Mode = "p2p-direct"
	ModeRelay   Mode = "relay"
	ModeOffline Mode = "offline"
)

var (
	// ErrNotConnected is returned when sending on a transport that is not
	// (or no longer) open.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectAckTimeout is returned when the peer never acknowledges a
	// connect-request.
	ErrConnectAckTimeout = errors.New("connect-request not acknowledged")

	// ErrTransportFailed is returned when establishment fails terminally.
	ErrTransportFailed = errors.New("transport failed")
)

// Transport is the single surface the multiplexer talks to. Frames sent
// on one endpoint arrive at SetReceiver's handler on the other, in order.
type Transport interface {
	// Send writes one frame. Returns ErrNotConnected after Close.
	Send(ctx context.Context, data []byte) error
	// SetReceiver installs the inbound frame handler. Must be called
	// before frames can arrive; the handler must not block.
	SetReceiver(fn func(data []byte))
	// AddOnClose registers a handler invoked once when the transport dies,
	// whether locally closed or remotely failed. Handlers accumulate: the
	// dialer and the multiplexer each register their own.
	AddOnClose(fn func(err error))
	IsOpen() bool
	Mode() Mode
	Close() error
}
