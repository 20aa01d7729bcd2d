package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the browser endpoint's connection state.
type State string

const (
	StateIdle            State = "idle"
	StateSignaling       State = "signaling"
	StateWBConnecting    State = "wb_connecting"
	StateWBOpen          State = "wb_open"
	StateWBFailed        State = "wb_failed"
	StateRelayConnecting State = "relay_connecting"
	StateRelayOpen       State = "relay_open"
	StateClosed          State = "closed"
)

const (
	// p2pWatchdog bounds one peer-connection establishment attempt.
	p2pWatchdog = 15 * time.Second

	// maxP2PAttempts is how many consecutive failures are tolerated
	// before falling back to the relay.
	maxP2PAttempts = 3

	// connectAckWait bounds the wait for the host's connect-ack after a
	// relay connect-request.
	connectAckWait = 30 * time.Second

	retryBackoffBase = 2 * time.Second
	retryBackoffCap  = 60 * time.Second
)

// DialerConfig parameterizes the fallback dialer.
type DialerConfig struct {
	DeviceID       string // this (browser) endpoint
	TargetDeviceID string // the host to reach
	RelayURL       string
	Token          string
	WebRTC         WebRTCConfig
	// DisableWebRTC routes straight to the relay, for platforms without
	// peer-connection support.
	DisableWebRTC bool

	// Overridable timing, zero means the defaults above. Tests shrink
	// them.
	Watchdog    time.Duration
	AckWait     time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
}

func (c DialerConfig) withDefaults() DialerConfig {
	if c.Watchdog <= 0 {
		c.Watchdog = p2pWatchdog
	}
	if c.AckWait <= 0 {
		c.AckWait = connectAckWait
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = retryBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = retryBackoffCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = maxP2PAttempts
	}
	return c
}

// Dialer implements the browser endpoint's fallback state machine: try
// the peer-to-peer path up to MaxAttempts times with exponential backoff,
// then negotiate a relay session through signaling. The signaling channel
// stays open throughout; it is the control plane for both paths.
type Dialer struct {
	cfg    DialerConfig
	sig    Signaler
	logger zerolog.Logger

	// Injection points for tests; production wiring targets DialP2P and
	// DialRelay.
	dialP2P   func(ctx context.Context) (Transport, error)
	dialRelay func(ctx context.Context, sessionID string) (Transport, error)

	mu       sync.Mutex
	state    State
	failures int
	onState  func(State)
}

// NewDialer builds a dialer over an already-running signaling channel.
func NewDialer(cfg DialerConfig, sig Signaler, logger zerolog.Logger) *Dialer {
	cfg = cfg.withDefaults()
	d := &Dialer{
		cfg:    cfg,
		sig:    sig,
		logger: logger.With().Str("component", "dialer").Str("target", cfg.TargetDeviceID).Logger(),
		state:  StateIdle,
	}
	d.dialP2P = func(ctx context.Context) (Transport, error) {
		return DialP2P(ctx, sig, cfg.TargetDeviceID, cfg.WebRTC, logger)
	}
	d.dialRelay = func(ctx context.Context, sessionID string) (Transport, error) {
		return DialRelay(ctx, cfg.RelayURL, sessionID, cfg.Token, logger)
	}
	return d
}

// OnStateChange installs a state observer. Called synchronously on every
// transition.
func (d *Dialer) OnStateChange(fn func(State)) {
	d.mu.Lock()
	d.onState = fn
	d.mu.Unlock()
}

// State returns the current machine state.
func (d *Dialer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Failures returns the consecutive P2P failure count.
func (d *Dialer) Failures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

// ResetFailures clears the consecutive-failure counter. Callers invoke it
// on a user-initiated fresh connection.
func (d *Dialer) ResetFailures() {
	d.mu.Lock()
	d.failures = 0
	d.mu.Unlock()
}

func (d *Dialer) setState(s State) {
	d.mu.Lock()
	d.state = s
	observer := d.onState
	d.mu.Unlock()
	d.logger.Debug().Str("state", string(s)).Msg("Dialer state changed")
	if observer != nil {
		observer(s)
	}
}

// Connect runs the machine until a transport is open or the attempt is
// abandoned. The consecutive-failure counter persists across calls so a
// transport that opened and then died still counts toward fallback;
// ResetFailures starts a fresh cycle.
//
// An SDP offer is only ever sent on P2P attempts; a relay attempt sends a
// connect-request and nothing else, so the host never sees both at once.
func (d *Dialer) Connect(ctx context.Context) (Transport, error) {
	d.setState(StateSignaling)

	if d.cfg.DisableWebRTC {
		d.logger.Info().Msg("WebRTC disabled, using relay transport")
		return d.connectRelay(ctx)
	}

	for {
		d.mu.Lock()
		failures := d.failures
		d.mu.Unlock()
		if failures >= d.cfg.MaxAttempts {
			d.logger.Info().Int("failures", failures).Msg("P2P attempts exhausted, falling back to relay")
			return d.connectRelay(ctx)
		}

		d.setState(StateWBConnecting)
		watchCtx, cancel := context.WithTimeout(ctx, d.cfg.Watchdog)
		t, err := d.dialP2P(watchCtx)
		cancel()
		if err == nil {
			d.setState(StateWBOpen)
			d.mu.Lock()
			d.failures = 0
			d.mu.Unlock()
			t.AddOnClose(func(error) { d.noteFailure() })
			return t, nil
		}
		if ctx.Err() != nil {
			d.setState(StateClosed)
			return nil, ctx.Err()
		}

		d.mu.Lock()
		d.failures++
		failures = d.failures
		d.mu.Unlock()
		d.setState(StateWBFailed)
		d.logger.Warn().Err(err).Int("failures", failures).Msg("P2P attempt failed")

		if failures >= d.cfg.MaxAttempts {
			continue // next iteration takes the fallback edge
		}
		delay := d.retryDelay(failures)
		d.logger.Info().Dur("backoff", delay).Msg("Retrying P2P after backoff")
		select {
		case <-ctx.Done():
			d.setState(StateClosed)
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// noteFailure records a post-establishment transport death; the next
// Connect call continues the same failure cycle (wb_open → wb_failed).
func (d *Dialer) noteFailure() {
	d.mu.Lock()
	d.failures++
	d.mu.Unlock()
	d.setState(StateWBFailed)
}

// connectRelay takes the fallback edge: ask the host to meet us at the
// relay, wait for its acknowledgement, then dial.
func (d *Dialer) connectRelay(ctx context.Context) (Transport, error) {
	sessionID := RelaySessionID(d.cfg.DeviceID, d.cfg.TargetDeviceID)

	err := d.sig.Send(Envelope{
		Type:               "connect-request",
		TargetDeviceID:     d.cfg.TargetDeviceID,
		PreferredTransport: "relay",
		RelaySessionID:     sessionID,
	})
	if err != nil {
		d.setState(StateClosed)
		return nil, fmt.Errorf("send connect-request: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, d.cfg.AckWait)
	ack, err := d.sig.AwaitConnectAck(ackCtx, d.cfg.TargetDeviceID)
	cancel()
	if err != nil {
		d.setState(StateClosed)
		return nil, err
	}
	if ack.Status != "connecting" && ack.Status != "connected" {
		d.setState(StateClosed)
		return nil, fmt.Errorf("%w: host reported status %q", ErrTransportFailed, ack.Status)
	}

	d.setState(StateRelayConnecting)
	t, err := d.dialRelay(ctx, sessionID)
	if err != nil {
		d.setState(StateClosed)
		return nil, err
	}
	d.setState(StateRelayOpen)
	return t, nil
}

// Close marks the machine closed. The caller closes the live transport.
func (d *Dialer) Close() {
	d.setState(StateClosed)
}

func (d *Dialer) retryDelay(failures int) time.Duration {
	delay := d.cfg.BackoffBase << (failures - 1)
	if delay > d.cfg.BackoffCap {
		delay = d.cfg.BackoffCap
	}
	return delay
}
