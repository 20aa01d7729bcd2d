package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lem-app/lem/internal/auth"
	"github.com/lem-app/lem/internal/store"
)

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	tokens *auth.TokenIssuer
	hub    *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens := auth.NewTokenIssuer("test-secret", time.Hour)
	logger := zerolog.Nop()
	hub := NewHub(st, tokens, "ws://relay.example", []string{"*"}, logger)
	srv := httptest.NewServer(NewRouter(st, tokens, hub, []string{"*"}, logger))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, tokens: tokens, hub: hub}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any, token string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("POST %s error: %v", path, err)
	}
	return resp
}

// seedDevice creates a user and registers a device for it directly in the
// store, returning a valid token for the user.
func (e *testEnv) seedDevice(t *testing.T, email, deviceID string) string {
	t.Helper()
	ctx := context.Background()
	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		u, err = e.store.CreateUser(ctx, email, "hashed")
	}
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := e.store.UpsertDevice(ctx, deviceID, u.ID, "pk"); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	token, err := e.tokens.Mint(u.Email, u.ID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

// dialSignal opens a signaling WebSocket and consumes the initial
// "connected" frame.
func (e *testEnv) dialSignal(t *testing.T, token, deviceID string) *websocket.Conn {
	t.Helper()
	conn := e.dialSignalRaw(t, token, deviceID)
	frame := readFrame(t, conn)
	if frame["type"] != TypeConnected {
		t.Fatalf("first frame type = %v, want %s", frame["type"], TypeConnected)
	}
	return conn
}

func (e *testEnv) dialSignalRaw(t *testing.T, token, deviceID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") +
		fmt.Sprintf("/signal?token=%s&device_id=%s", token, deviceID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial signal: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func decodeDetail(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["detail"]
}

func TestRegisterLoginFlow(t *testing.T) {
	e := newTestEnv(t)

	resp := e.postJSON(t, "/auth/register", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resp.Body.Close()
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Errorf("token response = %+v", tok)
	}

	// Duplicate registration conflicts.
	resp = e.postJSON(t, "/auth/register", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// Correct login succeeds.
	resp = e.postJSON(t, "/auth/login", map[string]string{
		"email": "alice@example.com", "password": "password123",
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("login status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Wrong password gets the generic refusal.
	resp = e.postJSON(t, "/auth/login", map[string]string{
		"email": "alice@example.com", "password": "wrong-password",
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", resp.StatusCode)
	}
	if detail := decodeDetail(t, resp); detail != "Incorrect email or password" {
		t.Errorf("bad login detail = %q", detail)
	}
}

func TestDeviceRegisterConflict(t *testing.T) {
	e := newTestEnv(t)
	aliceToken := e.seedDevice(t, "alice@example.com", "host-1")

	// Mallory tries to claim alice's device id.
	resp := e.postJSON(t, "/auth/register", map[string]string{
		"email": "mallory@example.com", "password": "password123",
	}, "")
	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	resp.Body.Close()

	resp = e.postJSON(t, "/devices/register", map[string]string{
		"device_id": "host-1", "pubkey": "pk",
	}, tok.AccessToken)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stolen device register status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	// The owner re-registering is fine.
	resp = e.postJSON(t, "/devices/register", map[string]string{
		"device_id": "host-1", "pubkey": "pk2",
	}, aliceToken)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner re-register status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSignalRequiresOwnedDevice(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "host-1")

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/signal?token=" + token + "&device_id=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with unknown device should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("unknown device status = %v, want 403", resp)
	}
}

func TestSignalRoutingBetweenOwnedDevices(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")
	e.seedDevice(t, "alice@example.com", "host-1")

	browser := e.dialSignal(t, token, "browser-1")
	host := e.dialSignal(t, token, "host-1")

	sendFrame(t, browser, map[string]any{
		"type":             "offer",
		"target_device_id": "host-1",
		"payload":          map[string]any{"sdp": "v=0...", "type": "offer"},
	})

	delivered := readFrame(t, host)
	if delivered["type"] != "offer" {
		t.Errorf("delivered type = %v, want offer", delivered["type"])
	}
	if delivered["sender_device_id"] != "browser-1" {
		t.Errorf("sender_device_id = %v, want browser-1", delivered["sender_device_id"])
	}
	if _, present := delivered["target_device_id"]; present {
		t.Error("target_device_id must be stripped on delivery")
	}

	ack := readFrame(t, browser)
	if ack["type"] != TypeAck {
		t.Errorf("ack type = %v, want %s", ack["type"], TypeAck)
	}
	if ack["message"] != "Message delivered to host-1" {
		t.Errorf("ack message = %v", ack["message"])
	}
}

func TestSignalConnectRequestCarriesRelayURL(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")
	e.seedDevice(t, "alice@example.com", "host-1")

	browser := e.dialSignal(t, token, "browser-1")
	host := e.dialSignal(t, token, "host-1")

	sendFrame(t, browser, map[string]any{
		"type":                "connect-request",
		"target_device_id":    "host-1",
		"preferred_transport": "relay",
		"relay_session_id":    "browser-1-host-1",
	})

	delivered := readFrame(t, host)
	if delivered["type"] != "connect-request-received" {
		t.Errorf("delivered type = %v, want connect-request-received", delivered["type"])
	}
	if delivered["from_device_id"] != "browser-1" {
		t.Errorf("from_device_id = %v, want browser-1", delivered["from_device_id"])
	}
	if delivered["relay_url"] != "ws://relay.example" {
		t.Errorf("relay_url = %v, want ws://relay.example", delivered["relay_url"])
	}
	if delivered["relay_session_id"] != "browser-1-host-1" {
		t.Errorf("relay_session_id = %v", delivered["relay_session_id"])
	}
}

func TestSignalCrossUserRefused(t *testing.T) {
	e := newTestEnv(t)
	aliceToken := e.seedDevice(t, "alice@example.com", "browser-1")
	bobToken := e.seedDevice(t, "bob@example.com", "host-bob")

	browser := e.dialSignal(t, aliceToken, "browser-1")
	bobHost := e.dialSignal(t, bobToken, "host-bob")

	sendFrame(t, browser, map[string]any{
		"type":             "offer",
		"target_device_id": "host-bob",
	})

	errFrame := readFrame(t, browser)
	if errFrame["type"] != TypeError {
		t.Fatalf("frame type = %v, want %s", errFrame["type"], TypeError)
	}
	if errFrame["message"] != "Not authorized to signal device host-bob" {
		t.Errorf("error message = %v", errFrame["message"])
	}

	// Nothing must reach bob's device.
	_ = bobHost.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := bobHost.ReadMessage(); err == nil {
		t.Error("cross-user frame must not be delivered")
	}
}

func TestSignalTargetOffline(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")
	e.seedDevice(t, "alice@example.com", "host-1")

	browser := e.dialSignal(t, token, "browser-1")
	sendFrame(t, browser, map[string]any{
		"type":             "offer",
		"target_device_id": "host-1",
	})

	errFrame := readFrame(t, browser)
	if errFrame["type"] != TypeError {
		t.Fatalf("frame type = %v, want %s", errFrame["type"], TypeError)
	}
	if errFrame["message"] != "Target device host-1 not connected" {
		t.Errorf("error message = %v", errFrame["message"])
	}
}

func TestSignalStoreOutageStillRefuses(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")
	e.seedDevice(t, "alice@example.com", "host-1")

	browser := e.dialSignal(t, token, "browser-1")

	// A broken store must surface as the same refusal the sender would
	// get for a foreign device, not tear down the session.
	e.store.Close()
	sendFrame(t, browser, map[string]any{
		"type":             "offer",
		"target_device_id": "host-1",
	})

	errFrame := readFrame(t, browser)
	if errFrame["type"] != TypeError {
		t.Fatalf("frame type = %v, want %s", errFrame["type"], TypeError)
	}
	if errFrame["message"] != "Not authorized to signal device host-1" {
		t.Errorf("error message = %v", errFrame["message"])
	}
}

func TestSignalSupersession(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")
	e.seedDevice(t, "alice@example.com", "host-1")

	first := e.dialSignal(t, token, "host-1")
	second := e.dialSignal(t, token, "host-1")

	// The first connection is closed with the supersession policy code.
	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("first connection read error = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation || closeErr.Text != "superseded" {
		t.Errorf("close = %d %q, want 1008 superseded", closeErr.Code, closeErr.Text)
	}

	// Routing now lands on the second connection.
	browser := e.dialSignal(t, token, "browser-1")
	sendFrame(t, browser, map[string]any{
		"type":             "offer",
		"target_device_id": "host-1",
	})
	delivered := readFrame(t, second)
	if delivered["type"] != "offer" {
		t.Errorf("delivered type = %v, want offer", delivered["type"])
	}

	if n := e.hub.ActiveSessions(); n != 2 {
		t.Errorf("ActiveSessions() = %d, want 2", n)
	}
}

func TestSignalUnknownMessageType(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")

	browser := e.dialSignal(t, token, "browser-1")
	sendFrame(t, browser, map[string]any{
		"type":             "teleport",
		"target_device_id": "host-1",
	})
	errFrame := readFrame(t, browser)
	if errFrame["type"] != TypeError {
		t.Fatalf("frame type = %v, want %s", errFrame["type"], TypeError)
	}
	if msg, _ := errFrame["message"].(string); !strings.Contains(msg, "Unknown message type") {
		t.Errorf("error message = %v", errFrame["message"])
	}
}

func TestSignalOversizeFrameClosesConnection(t *testing.T) {
	e := newTestEnv(t)
	token := e.seedDevice(t, "alice@example.com", "browser-1")

	browser := e.dialSignal(t, token, "browser-1")
	big := make([]byte, maxMessageSize+1)
	for i := range big {
		big[i] = 'a'
	}
	if err := browser.WriteMessage(websocket.TextMessage, big); err != nil {
		t.Fatalf("write oversize frame: %v", err)
	}

	_ = browser.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := browser.ReadMessage(); err == nil {
		t.Fatal("connection should close after an oversize frame")
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp, err := e.srv.Client().Get(e.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["service"] != "signaling" || body["status"] != "healthy" {
		t.Errorf("health body = %v", body)
	}
}
