package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// HostSessionConfig parameterizes the answering endpoint.
type HostSessionConfig struct {
	RelayURL string // fallback when the request carries no relay_url
	Token    string
	WebRTC   WebRTCConfig
	// DisableWebRTC drops inbound offers; relay requests still work.
	DisableWebRTC bool
}

// HostSession is the host endpoint's side of transport establishment. It
// never chooses: it answers SDP offers, and when the browser asks for a
// relay it meets it there. Each established transport is handed to the
// onTransport callback; the previous one, if any, is closed first.
type HostSession struct {
	cfg         HostSessionConfig
	sig         Signaler
	onTransport func(Transport)
	logger      zerolog.Logger

	mu      sync.Mutex
	current Transport
	pc      *WebRTCTransport // in-flight answering peer connection

	dialRelay func(ctx context.Context, relayURL, sessionID string) (Transport, error)
	answerP2P func(offer Envelope, onOpen func(*WebRTCTransport)) (*WebRTCTransport, error)
}

// NewHostSession wires the session's handlers onto the signaling channel.
func NewHostSession(cfg HostSessionConfig, sig Signaler, onTransport func(Transport), logger zerolog.Logger) *HostSession {
	h := &HostSession{
		cfg:         cfg,
		sig:         sig,
		onTransport: onTransport,
		logger:      logger.With().Str("component", "host-session").Logger(),
	}
	h.dialRelay = func(ctx context.Context, relayURL, sessionID string) (Transport, error) {
		return DialRelay(ctx, relayURL, sessionID, cfg.Token, logger)
	}
	h.answerP2P = func(offer Envelope, onOpen func(*WebRTCTransport)) (*WebRTCTransport, error) {
		return AnswerP2P(sig, offer, cfg.WebRTC, onOpen, logger)
	}

	sig.On("offer", h.handleOffer)
	sig.On("ice-candidate", h.handleCandidate)
	sig.On("connect-request-received", h.handleConnectRequest)
	return h
}

func (h *HostSession) handleOffer(env Envelope) {
	if h.cfg.DisableWebRTC {
		h.logger.Debug().Str("sender", env.SenderDeviceID).Msg("WebRTC disabled, ignoring offer")
		return
	}
	h.logger.Info().Str("sender", env.SenderDeviceID).Msg("Received SDP offer")

	pc, err := h.answerP2P(env, func(t *WebRTCTransport) {
		h.adopt(t)
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to answer offer")
		return
	}

	h.mu.Lock()
	if h.pc != nil {
		h.pc.Close()
	}
	h.pc = pc
	h.mu.Unlock()
}

func (h *HostSession) handleCandidate(env Envelope) {
	h.mu.Lock()
	pc := h.pc
	h.mu.Unlock()
	if pc == nil {
		h.logger.Debug().Msg("Dropping candidate with no peer connection in flight")
		return
	}
	if err := pc.HandleRemoteCandidate(env); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to apply remote candidate")
	}
}

// handleConnectRequest reacts to the browser's fallback decision. The
// host follows: it dials the same relay session and acknowledges.
func (h *HostSession) handleConnectRequest(env Envelope) {
	if env.PreferredTransport != "relay" {
		// P2P requests are negotiated through offer/answer; nothing to do
		// here.
		return
	}
	sessionID := env.RelaySessionID
	if sessionID == "" {
		h.logger.Warn().Str("from", env.FromDeviceID).Msg("Relay connect-request without session id")
		_ = h.sig.Send(Envelope{
			Type:           "connect-ack",
			TargetDeviceID: env.FromDeviceID,
			Transport:      "relay",
			Status:         "failed",
		})
		return
	}
	relayURL := env.RelayURL
	if relayURL == "" {
		relayURL = h.cfg.RelayURL
	}
	h.logger.Info().Str("from", env.FromDeviceID).Str("session_id", sessionID).Msg("Browser requested relay fallback")

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialDeadline)
	t, err := h.dialRelay(ctx, relayURL, sessionID)
	cancel()

	ack := Envelope{
		Type:           "connect-ack",
		TargetDeviceID: env.FromDeviceID,
		Transport:      "relay",
		RelaySessionID: sessionID,
		Status:         "connected",
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to dial relay for fallback")
		ack.Status = "failed"
		if sendErr := h.sig.Send(ack); sendErr != nil {
			h.logger.Warn().Err(sendErr).Msg("Failed to send connect-ack")
		}
		return
	}
	if err := h.sig.Send(ack); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send connect-ack")
	}
	h.adopt(t)
}

// adopt replaces the current transport, closing its predecessor.
func (h *HostSession) adopt(t Transport) {
	h.mu.Lock()
	prev := h.current
	h.current = t
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
	h.logger.Info().Str("mode", string(t.Mode())).Msg("Transport established")
	if h.onTransport != nil {
		h.onTransport(t)
	}
}

// Transport returns the live transport, if any.
func (h *HostSession) Transport() Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Close shuts down the live transport and any in-flight negotiation.
func (h *HostSession) Close() {
	h.mu.Lock()
	current, pc := h.current, h.pc
	h.current, h.pc = nil, nil
	h.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
	if current != nil {
		_ = current.Close()
	}
}
