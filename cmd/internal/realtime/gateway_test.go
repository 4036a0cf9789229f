package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/coder/websocket"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/auth/session"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

type gatewayHarness struct {
	env    *testEnv
	tokens *session.PasetoV4
	srv    *httptest.Server
}

func newGatewayHarness(t *testing.T, cfg GatewayConfig) *gatewayHarness {
	t.Helper()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	tokens, err := session.NewPasetoV4(scfg)
	if err != nil {
		t.Fatalf("paseto: %v", err)
	}

	env := newTestEnv(t, Config{})
	gw, err := NewWSGateway(slog.New(slog.NewTextHandler(io.Discard, nil)), env.mgr, tokens, cfg)
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &gatewayHarness{env: env, tokens: tokens, srv: srv}
}

func (h *gatewayHarness) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := h.tokens.Issue(userID, "", time.Now().UTC())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func (h *gatewayHarness) dial(t *testing.T, token, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	if origin != "" {
		hdr.Set("Origin", origin)
	}
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   hdr,
	})
}

func (h *gatewayHarness) mustDial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := h.dial(t, h.token(t, userID), "")
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func testGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func send(t *testing.T, conn *websocket.Conn, id, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// await reads until an envelope matches, skipping everything else.
func await(t *testing.T, conn *websocket.Conn, match func(v1.Envelope) bool) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if match(env) {
			return env
		}
	}
}

func replyTo(id string) func(v1.Envelope) bool {
	return func(e v1.Envelope) bool { return e.ReplyTo == id }
}

func TestWSGateway_RejectsBeforeUpgrade(t *testing.T) {
	t.Parallel()

	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"https://app.studymate.example"}
	h := newGatewayHarness(t, cfg)

	cases := []struct {
		name   string
		token  string
		origin string
		status int
	}{
		{name: "missing origin", token: h.token(t, "alice"), status: http.StatusForbidden},
		{name: "foreign origin", token: h.token(t, "alice"), origin: "https://evil.example", status: http.StatusForbidden},
		{name: "missing token", origin: "https://app.studymate.example", status: http.StatusUnauthorized},
		{name: "garbage token", token: "v4.public.nope", origin: "https://app.studymate.example", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		_, resp, err := h.dial(t, tc.token, tc.origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("%s: expected handshake failure", tc.name)
		}
		if resp == nil || resp.StatusCode != tc.status {
			got := 0
			if resp != nil {
				got = resp.StatusCode
			}
			t.Fatalf("%s: status=%d want %d", tc.name, got, tc.status)
		}
	}

	conn, _, err := h.dial(t, h.token(t, "alice"), "https://app.studymate.example")
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestWSGateway_JoinSendReceive(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, testGatewayConfig())
	room := h.env.room(t, chat.RoomGroup, "alice", "bob")

	alice := h.mustDial(t, "alice")
	bob := h.mustDial(t, "bob")
	if sp := alice.Subprotocol(); sp != v1.Subprotocol {
		t.Fatalf("subprotocol=%q", sp)
	}

	send(t, bob, "j1", v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: room.ID})
	if r := await(t, bob, replyTo("j1")); r.Type != v1.TypeAck {
		t.Fatalf("join reply=%+v", r)
	}

	send(t, alice, "s1", v1.TypeSendMessage, v1.SendMessagePayload{RoomID: room.ID, Content: "hello bob", ClientMsgID: "c-1"})
	ack := await(t, alice, replyTo("s1"))
	if ack.Type != v1.TypeAck {
		t.Fatalf("send reply=%+v", ack)
	}
	var a v1.SendMessageAck
	if err := json.Unmarshal(ack.Payload, &a); err != nil || a.Seq != 1 {
		t.Fatalf("send ack=%+v,%v", a, err)
	}

	got := await(t, bob, func(e v1.Envelope) bool { return e.Type == v1.TypeNewMessage })
	var m v1.Message
	if err := json.Unmarshal(got.Payload, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if m.ID != a.MessageID || m.Content != "hello bob" || m.SenderID != "alice" {
		t.Fatalf("unexpected message %+v", m)
	}

	// The payload userId may not impersonate someone else.
	send(t, alice, "s2", v1.TypeSendMessage, v1.SendMessagePayload{RoomID: room.ID, Content: "x", UserID: "bob"})
	errEnv := await(t, alice, replyTo("s2"))
	var p v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &p); err != nil || errEnv.Type != v1.TypeError || p.Code != chat.CodeForbidden {
		t.Fatalf("impersonation reply=%+v payload=%+v", errEnv, p)
	}
}

func TestWSGateway_BadJSONKeepsConnection(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, testGatewayConfig())
	conn := h.mustDial(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	bad := await(t, conn, func(e v1.Envelope) bool { return e.Type == v1.TypeError })
	var p v1.ErrorPayload
	if err := json.Unmarshal(bad.Payload, &p); err != nil || p.Code != "bad_json" {
		t.Fatalf("payload=%+v,%v", p, err)
	}

	send(t, conn, "h1", v1.TypeHeartbeat, struct{}{})
	send(t, conn, "u1", v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "missing"})
	r := await(t, conn, replyTo("u1"))
	if err := json.Unmarshal(r.Payload, &p); err != nil || p.Code != chat.CodeRoomNotFound {
		t.Fatalf("payload=%+v,%v", p, err)
	}
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	cfg := testGatewayConfig()
	cfg.RatePerSecond = 0.001
	cfg.RateBurst = 2
	h := newGatewayHarness(t, cfg)
	conn := h.mustDial(t, "alice")

	for _, id := range []string{"h1", "h2", "h3"} {
		send(t, conn, id, v1.TypeHeartbeat, struct{}{})
	}
	limited := await(t, conn, replyTo("h3"))
	var p v1.ErrorPayload
	if err := json.Unmarshal(limited.Payload, &p); err != nil || p.Code != "rate_limited" {
		t.Fatalf("payload=%+v,%v", p, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v err=%v", got, err)
	}
}

func TestWSGateway_ShutdownClosesConnections(t *testing.T) {
	t.Parallel()

	h := newGatewayHarness(t, testGatewayConfig())
	conn := h.mustDial(t, "alice")

	// Wait until the server registered the connection.
	send(t, conn, "h1", v1.TypeJoinRoom, v1.JoinRoomPayload{RoomID: "missing"})
	await(t, conn, replyTo("h1"))

	h.env.mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Fatalf("close status=%v err=%v", got, err)
	}
}

func TestOriginPolicy(t *testing.T) {
	t.Parallel()

	p := newOriginPolicy(true, []string{"https://app.studymate.example", " http://LOCALHOST:3000 ", ""})
	cases := []struct {
		origin string
		ok     bool
	}{
		{origin: "https://app.studymate.example", ok: true},
		{origin: "http://app.studymate.example:8443", ok: true},
		{origin: "http://localhost:5173", ok: true},
		{origin: "https://evil.example", ok: false},
		{origin: "", ok: false},
	}
	for _, tc := range cases {
		if err := p.check(tc.origin); (err == nil) != tc.ok {
			t.Fatalf("check(%q) err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}
	if want := []string{"app.studymate.example", "localhost"}; !slices.Equal(p.hosts, want) {
		t.Fatalf("hosts=%v want %v", p.hosts, want)
	}

	if err := newOriginPolicy(false, nil).check(""); err != nil {
		t.Fatalf("optional origin: %v", err)
	}
	if err := newOriginPolicy(true, []string{"*"}).check("https://anything.example"); err != nil {
		t.Fatalf("wildcard: %v", err)
	}
}

func TestLoadGatewayConfigFromEnv(t *testing.T) {
	t.Setenv("STUDYMATE_WS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("STUDYMATE_WS_RATE_BURST", "-3")
	t.Setenv("STUDYMATE_WS_PING_INTERVAL", "10s")
	t.Setenv("STUDYMATE_WS_ORIGIN_REQUIRED", "maybe")

	cfg := LoadGatewayConfigFromEnv()
	if !slices.Equal(cfg.AllowedOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("origins=%v", cfg.AllowedOrigins)
	}
	d := DefaultGatewayConfig()
	if cfg.RateBurst != d.RateBurst {
		t.Fatalf("negative burst should fall back, got %d", cfg.RateBurst)
	}
	if cfg.PingInterval != 10*time.Second {
		t.Fatalf("ping interval=%v", cfg.PingInterval)
	}
	if cfg.OriginRequired != d.OriginRequired {
		t.Fatalf("unparseable bool should fall back")
	}
}
