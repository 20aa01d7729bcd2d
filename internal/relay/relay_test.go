package relay

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/auth"
)

func setupRelay(t *testing.T, cfg Config) (*httptest.Server, *Manager, string) {
	t.Helper()
	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	m := NewManager(cfg, tokens, CheckOrigin([]string{"*"}), zerolog.Nop())
	srv := httptest.NewServer(NewRouter(m, []string{"*"}, zerolog.Nop()))
	t.Cleanup(srv.Close)

	token, err := tokens.Mint("user@example.com", 1)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return srv, m, token
}

func dialRelay(t *testing.T, srv *httptest.Server, sessionID, token string) *websocket.Conn {
	t.Helper()
	conn, err := tryDialRelay(srv, sessionID, token)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func tryDialRelay(srv *httptest.Server, sessionID, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/relay/" + sessionID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

func TestRelayPairsAndForwards(t *testing.T) {
	srv, m, token := setupRelay(t, Config{})

	client := dialRelay(t, srv, "browser-host", token)
	server := dialRelay(t, srv, "browser-host", token)

	if n := m.ActiveSessions(); n != 1 {
		t.Errorf("ActiveSessions() = %d, want 1", n)
	}

	// Ordered verbatim forwarding in both directions.
	frames := [][]byte{{0x01, 0x00, 0x00, 0x00, 0x01}, {0x11, 0xFF}, []byte("third")}
	for _, f := range frames {
		if err := client.WriteMessage(websocket.BinaryMessage, f); err != nil {
			t.Fatalf("client write: %v", err)
		}
	}
	for i, want := range frames {
		_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, got, err := server.ReadMessage()
		if err != nil {
			t.Fatalf("server read %d: %v", i, err)
		}
		if mt != websocket.BinaryMessage {
			t.Errorf("frame %d type = %d, want binary", i, mt)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %v, want %v", i, got, want)
		}
	}

	if err := server.WriteMessage(websocket.BinaryMessage, []byte("reply")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "reply" {
		t.Errorf("reply = %q", got)
	}
}

func TestRelayThirdConnectionRefused(t *testing.T) {
	srv, _, token := setupRelay(t, Config{})

	dialRelay(t, srv, "full-session", token)
	dialRelay(t, srv, "full-session", token)

	third, err := tryDialRelay(srv, "full-session", token)
	if err != nil {
		t.Fatalf("third dial should upgrade then close, got handshake error: %v", err)
	}
	defer third.Close()

	_ = third.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = third.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("third read error = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "session full" {
		t.Errorf("close = %d %q, want 1008 session full", closeErr.Code, closeErr.Text)
	}
}

func TestRelayCapacityRefused(t *testing.T) {
	srv, _, token := setupRelay(t, Config{MaxSessions: 1})

	dialRelay(t, srv, "session-a", token)

	overflow, err := tryDialRelay(srv, "session-b", token)
	if err != nil {
		t.Fatalf("overflow dial should upgrade then close, got handshake error: %v", err)
	}
	defer overflow.Close()

	_ = overflow.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = overflow.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("overflow read error = %v, want close error", err)
	}
	if closeErr.Code != websocket.CloseTryAgainLater || closeErr.Text != "service busy" {
		t.Errorf("close = %d %q, want 1013 service busy", closeErr.Code, closeErr.Text)
	}
}

func TestRelayInvalidToken(t *testing.T) {
	srv, _, _ := setupRelay(t, Config{})

	_, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/relay/some-session?token=garbage", nil)
	if err == nil {
		t.Fatal("dial with bad token should fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("bad token response = %v, want 401", resp)
	}
}

func TestRelayHalfOpenTimeout(t *testing.T) {
	srv, m, token := setupRelay(t, Config{SessionTimeout: 200 * time.Millisecond})

	lone := dialRelay(t, srv, "lonely", token)

	_ = lone.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := lone.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("lone read error = %v, want close error", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not evicted after half-open timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayClosePropagatesToPeer(t *testing.T) {
	srv, m, token := setupRelay(t, Config{})

	client := dialRelay(t, srv, "pair", token)
	server := dialRelay(t, srv, "pair", token)

	client.Close()

	_ = server.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := server.ReadMessage(); err == nil {
		t.Fatal("peer should be closed when the other side disconnects")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not evicted after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelaySeparateSessionsIsolated(t *testing.T) {
	srv, _, token := setupRelay(t, Config{})

	a1 := dialRelay(t, srv, "session-a", token)
	dialRelay(t, srv, "session-a", token)
	b1 := dialRelay(t, srv, "session-b", token)
	b2 := dialRelay(t, srv, "session-b", token)

	if err := b1.WriteMessage(websocket.BinaryMessage, []byte("for-b")); err != nil {
		t.Fatalf("b1 write: %v", err)
	}
	_ = b2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := b2.ReadMessage()
	if err != nil {
		t.Fatalf("b2 read: %v", err)
	}
	if string(got) != "for-b" {
		t.Errorf("b2 got %q", got)
	}

	// session-a sees nothing.
	_ = a1.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := a1.ReadMessage(); err == nil {
		t.Error("session-a must not receive session-b traffic")
	}
}
