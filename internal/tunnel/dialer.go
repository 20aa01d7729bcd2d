package tunnel

import (
	"net/url"
	"strings"
)

// DefaultControlPath is the signaling channel's path. Connections to it
// must never ride the tunnel: the tunnel's own fallback negotiation runs
// over signaling, so proxying it would deadlock the fallback path.
const DefaultControlPath = "/signal"

// Dialer is the explicit WebSocket factory for the browser endpoint.
// Ordinary URLs become tunneled sub-connections; URLs matching the
// control channel are dialed natively.
type Dialer struct {
	tunnel      *Client
	controlPath string
	native      func(rawURL string, headers map[string]string) (Conn, error)
}

// DialerOption tweaks dialer construction.
type DialerOption func(*Dialer)

// WithControlPath overrides the excluded control-channel path.
func WithControlPath(path string) DialerOption {
	return func(d *Dialer) { d.controlPath = path }
}

// WithNativeDial overrides the native dial function. Tests use it to spy
// on the exclusion decision.
func WithNativeDial(fn func(rawURL string, headers map[string]string) (Conn, error)) DialerOption {
	return func(d *Dialer) { d.native = fn }
}

// NewDialer builds the factory over a tunnel client.
func NewDialer(tunnel *Client, opts ...DialerOption) *Dialer {
	d := &Dialer{
		tunnel:      tunnel,
		controlPath: DefaultControlPath,
		native:      nativeDial,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial returns a WebSocket-shaped connection for the URL, choosing the
// native or tunneled path by the exclusion rule.
func (d *Dialer) Dial(rawURL string, headers map[string]string) (Conn, error) {
	if d.IsControlURL(rawURL) {
		return d.native(rawURL, headers)
	}
	return d.tunnel.DialWS(rawURL, headers)
}

// IsControlURL reports whether the URL targets the signaling control
// channel.
func (d *Dialer) IsControlURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.Path
	return path == d.controlPath || strings.HasPrefix(path, d.controlPath+"/")
}
