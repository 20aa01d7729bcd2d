package transport

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestWebRTC(t *testing.T) *WebRTCTransport {
	t.Helper()
	tr, err := newWebRTCTransport(WebRTCConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("newWebRTCTransport() error: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestWebRTCRejectsUnknownSDPType(t *testing.T) {
	tr := newTestWebRTC(t)

	payload, err := json.Marshal(SDPPayload{SDP: "v=0", Type: "bogus"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	err = tr.HandleRemoteDescription(Envelope{Type: "offer", Payload: payload})
	if err == nil {
		t.Fatal("HandleRemoteDescription() accepted an unknown sdp type")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Errorf("error = %v, want the rejected type named", err)
	}
}

func TestWebRTCMarkOpenIdempotent(t *testing.T) {
	tr := newTestWebRTC(t)

	// A duplicate data channel from the peer triggers a second open; the
	// gate must only close once.
	tr.markOpen()
	tr.markOpen()

	if !tr.IsOpen() {
		t.Error("IsOpen() = false after open")
	}
	select {
	case <-tr.opened:
	default:
		t.Error("opened gate not closed")
	}
}
