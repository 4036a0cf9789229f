// Package main provides a CI-friendly WebSocket smoke test for StudyMate chat.
//
// It validates:
//   - room creation over REST
//   - handshake + subprotocol selection
//   - joinRoom ack with read state
//   - sendMessage -> ack
//   - newMessage fanout to the other member
//   - updateReadStatus broadcast
//   - fetchHistory
//   - idempotent dedupe by clientMsgId
//
// Tokens come from -token-a/-token-b or STUDYMATE_SMOKE_TOKEN_A/B; mint them
// with `go run ./cmd/devtoken alice bob`.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "REST base URL (derived from -url when empty)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", os.Getenv("STUDYMATE_SMOKE_TOKEN_A"), "Access token for member A")
		tokenB  = flag.String("token-b", os.Getenv("STUDYMATE_SMOKE_TOKEN_B"), "Access token for member B")
		userB   = flag.String("user-b", "bob", "User id carried by -token-b")
		text    = flag.String("text", "hello studymate 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*tokenA) == "" || strings.TrimSpace(*tokenB) == "" {
		fatalf("both -token-a and -token-b are required")
	}
	base := *apiURL
	if base == "" {
		base = httpBaseURL(*wsURL)
	}

	root := context.Background()

	roomID := mustCreateRoom(root, base, *tokenA, *userB, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: room=%s origin=%q\n", roomID, *origin)
	}

	mustJoin(root, a, roomID, *timeout)
	mustJoin(root, b, roomID, *timeout)

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq, dup := mustSendAndAssertAck(root, a, roomID, clientMsgID, *text, *timeout)
	if dup {
		fatalf("first send reported as duplicate")
	}

	sender := mustAssertNew(root, b, roomID, clientMsgID, msgID, seq, *text, *timeout)

	_ = drainOptional(root, a, v1.TypeNewMessage, 750*time.Millisecond)

	mustAcknowledge(root, b, roomID, seq, *timeout)

	mustHistoryContains(root, b, roomID, msgID, seq, sender, *text, *timeout)
	mustHistoryEmpty(root, b, roomID, seq, *timeout)

	dupID, seq2, dup := mustSendAndAssertAck(root, a, roomID, clientMsgID, *text, *timeout)
	if !dup || dupID != msgID || seq2 != seq {
		fatalf("dedupe: got id=%s seq=%d dup=%v want id=%s seq=%d", dupID, seq2, dup, msgID, seq)
	}

	mustAssertNoType(root, b, v1.TypeNewMessage, 1200*time.Millisecond)
	mustAssertNoType(root, a, v1.TypeNewMessage, 1200*time.Millisecond)

	fmt.Printf("OK: room=%s sender=%s seq=%d message_id=%s\n", roomID, sender, seq, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func httpBaseURL(wsURL string) string {
	u, _ := url.Parse(wsURL)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustCreateRoom(parent context.Context, base, token, member string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"kind":    "group",
		"title":   "smoke",
		"members": []string{member},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/rooms", bytes.NewReader(body))
	if err != nil {
		fatalf("build create room request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		fatalf("create room: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		fatalf("create room: bad response: %v", err)
	}
	return out.ID
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	h.Set("Authorization", "Bearer "+token)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != v1.Version || env.Type == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// userStatus and updateReadStatus broadcasts interleave with replies.
var presenceNoise = map[string]struct{}{
	v1.TypeUserStatus:       {},
	v1.TypeUpdateReadStatus: {},
}

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-join", c.name)
	c.mustWrite(parent, v1.TypeJoinRoom, id, v1.JoinRoomPayload{RoomID: roomID}, stepTimeout)

	ack := c.mustReadReply(parent, v1.TypeAck, id, stepTimeout, presenceNoise)

	var p v1.JoinRoomAck
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal join ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("join ack roomId mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.LastReadSeq > p.LatestSeq {
		fatalf("join ack read state inconsistent (%s): lastRead=%d latest=%d", c.name, p.LastReadSeq, p.LatestSeq)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, roomID, clientMsgID, text string, stepTimeout time.Duration) (string, int64, bool) {
	id := fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano())
	c.mustWrite(parent, v1.TypeSendMessage, id, v1.SendMessagePayload{
		RoomID:      roomID,
		Content:     text,
		Type:        "text",
		ClientMsgID: clientMsgID,
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeNewMessage: {}, v1.TypeUserStatus: {}, v1.TypeUpdateReadStatus: {}}
	ack := c.mustReadReply(parent, v1.TypeAck, id, stepTimeout, skip)

	var p v1.SendMessageAck
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal send ack payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("ack roomId mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing messageId (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	return p.MessageID, p.Seq, p.Duplicate
}

// mustAssertNew returns the sender id the server stamped on the message.
func mustAssertNew(parent context.Context, c *smokeClient, roomID, clientMsgID, msgID string, seq int64, text string, stepTimeout time.Duration) string {
	env := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout, presenceNoise)

	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		fatalf("unmarshal newMessage payload (%s): %v", c.name, err)
	}

	switch {
	case m.RoomID != roomID:
		fatalf("newMessage roomId mismatch (%s): got=%q want=%q", c.name, m.RoomID, roomID)
	case m.ClientMsgID != clientMsgID:
		fatalf("newMessage clientMsgId mismatch (%s): got=%q want=%q", c.name, m.ClientMsgID, clientMsgID)
	case m.ID != msgID:
		fatalf("newMessage id mismatch (%s): got=%q want=%q", c.name, m.ID, msgID)
	case m.Seq != seq:
		fatalf("newMessage seq mismatch (%s): got=%d want=%d", c.name, m.Seq, seq)
	case m.Content != text:
		fatalf("newMessage content mismatch (%s): got=%q want=%q", c.name, m.Content, text)
	case m.SenderID == "":
		fatalf("newMessage missing senderId (%s)", c.name)
	case m.CreatedAt.IsZero():
		fatalf("newMessage createdAt missing/zero (%s)", c.name)
	}
	return m.SenderID
}

func mustAcknowledge(parent context.Context, c *smokeClient, roomID string, seq int64, stepTimeout time.Duration) {
	id := fmt.Sprintf("%s-read-%d", c.name, seq)
	c.mustWrite(parent, v1.TypeUpdateReadStatus, id, v1.ReadStatusPayload{RoomID: roomID, Sequence: seq}, stepTimeout)
	c.mustReadReply(parent, v1.TypeAck, id, stepTimeout, presenceNoise)
}

func mustHistoryContains(parent context.Context, c *smokeClient, roomID, msgID string, seq int64, sender, text string, stepTimeout time.Duration) {
	p := c.mustFetchHistory(parent, roomID, 0, stepTimeout)
	for _, m := range p.Messages {
		if m.ID == msgID && m.Seq == seq && m.SenderID == sender && m.Content == text && !m.CreatedAt.IsZero() {
			return
		}
	}
	fatalf("history missing expected message (%s)", c.name)
}

func mustHistoryEmpty(parent context.Context, c *smokeClient, roomID string, before int64, stepTimeout time.Duration) {
	// The room is fresh, so nothing precedes the first message.
	if before != 1 {
		return
	}
	p := c.mustFetchHistory(parent, roomID, before, stepTimeout)
	if len(p.Messages) != 0 {
		fatalf("expected empty history page (%s), got=%d", c.name, len(p.Messages))
	}
}

func (c *smokeClient) mustFetchHistory(parent context.Context, roomID string, before int64, stepTimeout time.Duration) v1.HistoryPayload {
	id := fmt.Sprintf("%s-history-%d", c.name, before)
	c.mustWrite(parent, v1.TypeFetchHistory, id, v1.FetchHistoryPayload{RoomID: roomID, Before: before, Limit: 50}, stepTimeout)

	env := c.mustReadReply(parent, v1.TypeHistory, id, stepTimeout, presenceNoise)

	var p v1.HistoryPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal history payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("history roomId mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	return p
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			if err != nil {
				return err
			}
			return errors.New("connection closed while draining")
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed while draining")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				failWithServerError(c, env)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// mustReadReply waits for wantType correlated to the request id.
func (c *smokeClient) mustReadReply(parent context.Context, wantType, requestID string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	for {
		env := c.mustReadUntilType(parent, wantType, stepTimeout, skipTypes)
		if env.ReplyTo == requestID {
			return env
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				failWithServerError(c, env)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ, id string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func failWithServerError(c *smokeClient, env v1.Envelope) {
	var ep v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &ep)
	fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
