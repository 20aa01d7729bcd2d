package tunnel

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lem-app/lem/internal/config"
	"github.com/lem-app/lem/internal/transport"
)

// Status is the agent's connection snapshot.
type Status struct {
	// Mode is one of offline, connecting, connected, failed.
	Mode string `json:"mode"`
	// Transport is p2p-direct, relay, or none.
	Transport string `json:"transport"`
}

// Agent is the host endpoint daemon: it keeps the signaling channel
// alive, answers transport negotiation from browsers, and serves
// tunneled traffic against the local service.
type Agent struct {
	cfg    *config.Agent
	logger zerolog.Logger

	sig     *transport.SignalClient
	session *transport.HostSession
	host    *Host

	mu      sync.Mutex
	current transport.Transport
}

// NewAgent wires the signaling client, the answering session, and the
// host multiplexer together.
func NewAgent(cfg *config.Agent, logger zerolog.Logger) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger.With().Str("component", "agent").Logger(),
	}
	a.sig = transport.NewSignalClient(cfg.SignalingURL, cfg.AuthToken, cfg.DeviceID, logger)
	a.host = NewHost(HostConfig{LocalBaseURL: cfg.LocalServerURL}, nil, logger)
	a.session = transport.NewHostSession(transport.HostSessionConfig{
		RelayURL:      cfg.RelayURL,
		Token:         cfg.AuthToken,
		WebRTC:        transport.WebRTCConfig{STUNServers: cfg.STUNServers},
		DisableWebRTC: cfg.DisableWebRTC,
	}, a.sig, a.onTransport, logger)
	return a
}

func (a *Agent) onTransport(t transport.Transport) {
	a.mu.Lock()
	a.current = t
	a.mu.Unlock()
	a.host.Attach(t)
	a.logger.Info().Str("transport", string(t.Mode())).Msg("Tunnel transport attached")
}

// Run blocks until ctx is cancelled, keeping the signaling channel
// connected. Returns nil on clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("device_id", a.cfg.DeviceID).
		Str("signaling_url", a.cfg.SignalingURL).
		Str("local_server", a.cfg.LocalServerURL).
		Bool("webrtc", !a.cfg.DisableWebRTC).
		Msg("Agent starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.sig.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown order: stop serving traffic, drop the transport, then close
// the signaling channel.
func (a *Agent) shutdown() {
	a.logger.Info().Msg("Agent shutting down")
	a.host.Stop()
	a.session.Close()
	_ = a.sig.Close()
	a.mu.Lock()
	a.current = nil
	a.mu.Unlock()
}

// Status reports the current connectivity snapshot.
func (a *Agent) Status() Status {
	a.mu.Lock()
	t := a.current
	a.mu.Unlock()

	switch {
	case t != nil && t.IsOpen():
		return Status{Mode: "connected", Transport: string(t.Mode())}
	case t != nil && a.sig.Connected():
		// A transport was established and died; waiting for the browser to
		// renegotiate.
		return Status{Mode: "failed", Transport: "none"}
	case a.sig.Connected():
		return Status{Mode: "connecting", Transport: "none"}
	default:
		return Status{Mode: "offline", Transport: "none"}
	}
}
