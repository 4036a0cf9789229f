package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/auth/session"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, bearer authentication, subprotocol selection,
// rate limits and heartbeats, and hands decoded envelopes to the Manager.
type WSGateway struct {
	log     *slog.Logger
	mgr     *Manager
	auth    session.Verifier
	cfg     GatewayConfig
	origins originPolicy
}

func NewWSGateway(log *slog.Logger, mgr *Manager, auth session.Verifier, cfg GatewayConfig) (*WSGateway, error) {
	if mgr == nil || auth == nil {
		return nil, errors.New("realtime: gateway needs a manager and a verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	return &WSGateway{
		log:     log,
		mgr:     mgr,
		auth:    auth,
		cfg:     cfg,
		origins: newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP authenticates, upgrades and runs the connection until either side
// closes it.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origins.check(r.Header.Get("Origin")); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.auth.Verify(session.BearerToken(r), time.Now().UTC())
	if err != nil {
		g.log.Info("ws.reject.auth", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origins.hosts,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client, err := g.mgr.Connect(ctx, claims.UserID)
	if err != nil {
		g.log.Warn("ws.connect.fail", "user_id", claims.UserID, "err", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "unavailable")
		return
	}

	s := &wsSession{g: g, conn: conn, client: client, ctx: ctx, cancel: cancel}
	s.run()
}

// wsSession is one upgraded connection: a read loop on the handler goroutine,
// plus a writer and a pinger.
type wsSession struct {
	g      *WSGateway
	conn   *websocket.Conn
	client *Client

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (s *wsSession) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	pingerDone := make(chan struct{})
	go func() {
		defer close(pingerDone)
		s.pingLoop()
	}()

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-pingerDone:
	case <-time.After(wsCloseGrace):
	}
}

// shutdown releases the handle and closes the socket once.
func (s *wsSession) shutdown(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		s.g.mgr.Disconnect(s.client, ReasonClientGone)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			code, reason := closeStatusFor(s.client.CloseReason())
			s.shutdown(code, reason)
			return
		case env := <-s.client.Outbox():
			if err := s.write(env); err != nil {
				s.g.log.Info("ws.write.fail", "conn_id", s.client.ID, "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// pingLoop uses protocol pings; a successful pong counts as a heartbeat.
func (s *wsSession) pingLoop() {
	t := time.NewTicker(s.g.cfg.PingInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.PingTimeout)
		err := s.conn.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			_ = s.g.mgr.Heartbeat(s.client)
			continue
		}
		failures++
		s.g.log.Info("ws.ping.fail", "conn_id", s.client.ID, "failures", failures, "err", err)
		if failures >= wsMaxPingFailures {
			s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
			return
		}
	}
}

func (s *wsSession) readLoop() {
	limiter := rate.NewLimiter(rate.Limit(s.g.cfg.RatePerSecond), s.g.cfg.RateBurst)
	for {
		env, err := s.read()
		switch {
		case err == nil:
		case errors.Is(err, errBadJSON):
			_ = s.client.offer(transportError("", "bad_json", "invalid JSON"))
			continue
		default:
			code, reason, expected := readCloseStatus(err)
			if !expected {
				s.g.log.Info("ws.read.fail", "conn_id", s.client.ID, "err", err)
			}
			s.shutdown(code, reason)
			return
		}

		if !limiter.Allow() {
			s.g.log.Info("ws.rate_limited", "conn_id", s.client.ID, "user_id", s.client.UserID)
			// Written directly so the error precedes the close frame.
			_ = s.write(transportError(env.ID, "rate_limited", "too many events"))
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		s.g.mgr.Dispatch(s.ctx, s.client, env)
	}
}

var errBadJSON = errors.New("bad json")

func (s *wsSession) read() (v1.Envelope, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.ReadIdleTimeout)
	defer cancel()

	mt, data, err := s.conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func (s *wsSession) write(env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, b)
}

// readCloseStatus maps a read error to the close frame we answer with.
// expected is false for errors worth logging.
func readCloseStatus(err error) (code websocket.StatusCode, reason string, expected bool) {
	switch {
	case websocket.CloseStatus(err) != -1:
		return websocket.StatusNormalClosure, "peer closed", true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return websocket.StatusNormalClosure, "context done", true
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return websocket.StatusAbnormalClosure, "conn closed", true
	default:
		return websocket.StatusAbnormalClosure, "read failed", false
	}
}

func transportError(replyTo, code, msg string) v1.Envelope {
	return newEnvelope(v1.TypeError, replyTo, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
}

func closeStatusFor(reason string) (websocket.StatusCode, string) {
	switch reason {
	case ReasonSlowConsumer:
		return websocket.StatusPolicyViolation, reason
	case ReasonHeartbeat, ReasonShutdown:
		return websocket.StatusGoingAway, reason
	default:
		return websocket.StatusNormalClosure, "bye"
	}
}

// originPolicy is the allow-list for browser handshakes. Entries match on the
// exact origin or on the host alone, ignoring scheme and port.
type originPolicy struct {
	required bool
	any      bool
	exact    map[string]struct{}
	// hosts also feed websocket.Accept so its own check agrees with ours.
	hosts []string
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{required: required, exact: make(map[string]struct{}, len(allowed))}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			p.any = true
			continue
		}
		p.exact[a] = struct{}{}
		if h := originHost(a); h != "" && !slices.Contains(p.hosts, h) {
			p.hosts = append(p.hosts, h)
		}
	}
	slices.Sort(p.hosts)
	return p
}

func (p originPolicy) check(origin string) error {
	origin = strings.TrimSpace(origin)
	switch {
	case origin == "":
		if p.required {
			return errors.New("missing origin")
		}
		return nil
	case p.any:
		return nil
	case len(p.exact) == 0:
		return errors.New("origin not allowed (no allowlist)")
	}
	if _, ok := p.exact[origin]; ok {
		return nil
	}
	if h := originHost(origin); h != "" {
		if _, found := slices.BinarySearch(p.hosts, h); found {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost lowercases the host of an origin or bare host[:port].
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.TrimSpace(s))
}
