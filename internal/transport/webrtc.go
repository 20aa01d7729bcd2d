package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// dataChannelLabel is fixed by the wire contract; both endpoints look for
// this label.
const dataChannelLabel = "http-proxy"

// WebRTCConfig holds ICE settings for peer connections.
type WebRTCConfig struct {
	STUNServers []string
}

func (c WebRTCConfig) iceServers() []webrtc.ICEServer {
	urls := c.STUNServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// WebRTCTransport is the p2p-direct transport: a single ordered data
// channel on an RTCPeerConnection.
type WebRTCTransport struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	mu           sync.Mutex
	dc           *webrtc.DataChannel
	receiver     func([]byte)
	onClose      []func(error)
	open         bool
	remoteSet    bool
	pendingCands []webrtc.ICECandidateInit

	opened    chan struct{}
	failed    chan struct{}
	failErr   error
	openOnce  sync.Once
	closeOnce sync.Once
}

func newWebRTCTransport(cfg WebRTCConfig, logger zerolog.Logger) (*WebRTCTransport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	t := &WebRTCTransport{
		pc:     pc,
		logger: logger.With().Str("component", "webrtc").Logger(),
		opened: make(chan struct{}),
		failed: make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug().Str("state", state.String()).Msg("Peer connection state changed")
		switch state {
		case webrtc.PeerConnectionStateFailed:
			t.fail(fmt.Errorf("%w: peer connection failed", ErrTransportFailed))
		case webrtc.PeerConnectionStateClosed:
			t.fail(ErrNotConnected)
		}
	})
	return t, nil
}

// DialP2P drives the offering side: it creates the data channel, sends an
// SDP offer to the target via signaling, trickles ICE candidates, and
// returns once the channel opens. ctx bounds the whole attempt (the
// caller arms the connection watchdog through it).
func DialP2P(ctx context.Context, sig Signaler, targetDeviceID string, cfg WebRTCConfig, logger zerolog.Logger) (*WebRTCTransport, error) {
	t, err := newWebRTCTransport(cfg, logger)
	if err != nil {
		return nil, err
	}

	dc, err := t.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	t.adoptDataChannel(dc)

	sig.On("answer", func(env Envelope) {
		if err := t.HandleRemoteDescription(env); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to apply answer")
		}
	})
	sig.On("ice-candidate", func(env Envelope) {
		if err := t.HandleRemoteCandidate(env); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to apply remote candidate")
		}
	})

	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(iceToPayload(cand.ToJSON()))
		if err != nil {
			return
		}
		if err := sig.Send(Envelope{Type: "ice-candidate", TargetDeviceID: targetDeviceID, Payload: payload}); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to trickle candidate")
		}
	})

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	payload, err := json.Marshal(SDPPayload{SDP: offer.SDP, Type: "offer"})
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := sig.Send(Envelope{Type: "offer", TargetDeviceID: targetDeviceID, Payload: payload}); err != nil {
		t.Close()
		return nil, fmt.Errorf("send offer: %w", err)
	}

	select {
	case <-t.opened:
		return t, nil
	case <-t.failed:
		err := t.failErr
		t.Close()
		return nil, err
	case <-ctx.Done():
		t.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, ctx.Err())
	}
}

// AnswerP2P handles an inbound offer on the host side: it builds the
// answering peer connection, adopts the browser's data channel when it
// arrives, and replies with an SDP answer. The returned transport becomes
// open once the channel does; onOpen fires at that point.
func AnswerP2P(sig Signaler, offer Envelope, cfg WebRTCConfig, onOpen func(*WebRTCTransport), logger zerolog.Logger) (*WebRTCTransport, error) {
	t, err := newWebRTCTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	senderID := offer.SenderDeviceID

	t.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			t.logger.Warn().Str("label", dc.Label()).Msg("Ignoring unexpected data channel")
			return
		}
		t.adoptDataChannel(dc)
	})
	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		payload, err := json.Marshal(iceToPayload(cand.ToJSON()))
		if err != nil {
			return
		}
		if err := sig.Send(Envelope{Type: "ice-candidate", TargetDeviceID: senderID, Payload: payload}); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to trickle candidate")
		}
	})
	go func() {
		<-t.opened
		if onOpen != nil {
			onOpen(t)
		}
	}()

	if err := t.HandleRemoteDescription(offer); err != nil {
		t.Close()
		return nil, err
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		t.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	payload, err := json.Marshal(SDPPayload{SDP: answer.SDP, Type: "answer"})
	if err != nil {
		t.Close()
		return nil, err
	}
	if err := sig.Send(Envelope{Type: "answer", TargetDeviceID: senderID, Payload: payload}); err != nil {
		t.Close()
		return nil, fmt.Errorf("send answer: %w", err)
	}
	return t, nil
}

func (t *WebRTCTransport) adoptDataChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.OnOpen(t.markOpen)
	dc.OnClose(func() {
		t.fail(fmt.Errorf("%w: data channel closed", ErrTransportFailed))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		receiver := t.receiver
		t.mu.Unlock()
		if receiver == nil {
			return
		}
		// pion reuses its read buffer; hand the receiver a copy.
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		receiver(data)
	})
}

// markOpen flips the transport open. A peer that opens a second matching
// data channel must not re-close the opened gate.
func (t *WebRTCTransport) markOpen() {
	t.openOnce.Do(func() {
		t.mu.Lock()
		t.open = true
		t.mu.Unlock()
		t.logger.Info().Msg("Data channel open")
		close(t.opened)
	})
}

// HandleRemoteDescription applies an offer or answer envelope and drains
// any candidates that arrived early.
func (t *WebRTCTransport) HandleRemoteDescription(env Envelope) error {
	var sdp SDPPayload
	if err := json.Unmarshal(env.Payload, &sdp); err != nil {
		return fmt.Errorf("parse sdp payload: %w", err)
	}
	sdpType := webrtc.NewSDPType(sdp.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", sdp.Type)
	}
	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pendingCands
	t.pendingCands = nil
	t.mu.Unlock()
	for _, cand := range pending {
		if err := t.pc.AddICECandidate(cand); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to add buffered candidate")
		}
	}
	return nil
}

// HandleRemoteCandidate applies a trickled candidate, buffering it until
// the remote description is set.
func (t *WebRTCTransport) HandleRemoteCandidate(env Envelope) error {
	var ice ICEPayload
	if err := json.Unmarshal(env.Payload, &ice); err != nil {
		return fmt.Errorf("parse ice payload: %w", err)
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     ice.Candidate,
		SDPMid:        ice.SDPMid,
		SDPMLineIndex: ice.SDPMLineIndex,
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pendingCands = append(t.pendingCands, cand)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.pc.AddICECandidate(cand)
}

// Send writes one frame on the data channel.
func (t *WebRTCTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	dc, open := t.dc, t.open
	t.mu.Unlock()
	if !open || dc == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// SetReceiver installs the inbound frame handler.
func (t *WebRTCTransport) SetReceiver(fn func([]byte)) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// AddOnClose registers a failure handler. Every registered handler runs
// when the transport dies.
func (t *WebRTCTransport) AddOnClose(fn func(error)) {
	t.mu.Lock()
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

// IsOpen reports whether the data channel is usable.
func (t *WebRTCTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Mode returns ModeP2P.
func (t *WebRTCTransport) Mode() Mode { return ModeP2P }

// Close tears down the peer connection and notifies the close handler.
func (t *WebRTCTransport) Close() error {
	t.fail(ErrNotConnected)
	return nil
}

func (t *WebRTCTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.open = false
		t.failErr = cause
		handlers := t.onClose
		t.mu.Unlock()
		close(t.failed)
		_ = t.pc.Close()
		for _, fn := range handlers {
			fn(cause)
		}
	})
}

func iceToPayload(init webrtc.ICECandidateInit) ICEPayload {
	return ICEPayload{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}
