// Package notify sends push notifications to room members who are not
// connected when a message is delivered.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
)

// RoomLookup returns the room a message belongs to.
type RoomLookup interface {
	Get(ctx context.Context, roomID string) (chat.Room, error)
}

// Push is one notification to one user. Tokens holds every device of the user.
type Push struct {
	UserID string
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// Pusher delivers a push to a provider.
type Pusher interface {
	Send(ctx context.Context, p Push) error
}

// ErrDeviceNotRegistered is returned by a Pusher when a token is no longer valid.
var ErrDeviceNotRegistered = errors.New("device not registered")

// TokenError carries the tokens a provider rejected.
type TokenError struct {
	Tokens []string
}

func (e TokenError) Error() string { return "push: device not registered" }

func (e TokenError) Unwrap() error { return ErrDeviceNotRegistered }

type Config struct {
	Workers     int
	QueueSize   int
	Concurrency int
	Timeout     time.Duration
	PreviewLen  int
}

func DefaultConfig() Config {
	return Config{
		Workers:     2,
		QueueSize:   1024,
		Concurrency: 8,
		Timeout:     10 * time.Second,
		PreviewLen:  120,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = d.PreviewLen
	}
	return c
}

// Result summarizes one Notify call.
type Result struct {
	Targets int
	Sent    int
	NoToken int
	Failed  int
}

// job pairs a message with the users that received it live at send time.
type job struct {
	msg    chat.Message
	online []string
}

// Fanout computes the offline members of a room and pushes to each of them.
type Fanout struct {
	cfg    Config
	rooms  RoomLookup
	tokens TokenLookup
	pusher Pusher
	log    *slog.Logger
	met    *metrics.Metrics

	queue     chan job
	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Fanout)

func WithLogger(log *slog.Logger) Option { return func(f *Fanout) { f.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(f *Fanout) { f.met = m } }

func NewFanout(cfg Config, rooms RoomLookup, tokens TokenLookup, pusher Pusher, opts ...Option) (*Fanout, error) {
	if rooms == nil || tokens == nil || pusher == nil {
		return nil, errors.New("notify: missing dependency")
	}
	cfg = cfg.normalized()
	f := &Fanout{
		cfg:    cfg,
		rooms:  rooms,
		tokens: tokens,
		pusher: pusher,
		log:    slog.Default(),
		queue:  make(chan job, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Enqueue hands msg to the worker pool without blocking. online is the set of
// users that received msg live; it is fixed here so a later disconnect does
// not turn into a push. It reports false when the queue is full or the
// fanout has stopped.
func (f *Fanout) Enqueue(msg chat.Message, online []string) bool {
	select {
	case <-f.closed:
		return false
	default:
	}
	select {
	case f.queue <- job{msg: msg, online: online}:
		f.met.PushQueueDepth(len(f.queue))
		return true
	default:
		f.met.Push("dropped")
		f.log.Warn("notify.queue.full", "room_id", msg.RoomID, "message_id", msg.ID)
		return false
	}
}

// Run drains the queue with cfg.Workers workers until ctx is done.
func (f *Fanout) Run(ctx context.Context) error {
	defer f.closeOnce.Do(func() { close(f.closed) })

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < f.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-f.queue:
					f.met.PushQueueDepth(len(f.queue))
					f.notifyWithTimeout(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

func (f *Fanout) notifyWithTimeout(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	if _, err := f.Notify(ctx, j.msg, j.online); err != nil {
		f.log.Warn("notify.fanout.fail", "room_id", j.msg.RoomID, "message_id", j.msg.ID, "err", err)
	}
}

// Notify pushes msg to every member of its room that is neither the sender
// nor in online. Per-member failures are logged and counted; the returned error
// covers only failures to resolve the room.
func (f *Fanout) Notify(ctx context.Context, msg chat.Message, online []string) (Result, error) {
	room, err := f.rooms.Get(ctx, msg.RoomID)
	if err != nil {
		return Result{}, err
	}

	targets := offlineMembers(room.Members, online, msg.SenderID)
	res := Result{Targets: len(targets)}
	if len(targets) == 0 {
		return res, nil
	}

	title, body := f.render(room, msg)
	data := map[string]string{"roomId": room.ID, "messageId": msg.ID}

	var mu sync.Mutex
	count := func(fn func(r *Result)) {
		mu.Lock()
		fn(&res)
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(f.cfg.Concurrency)
	for _, userID := range targets {
		g.Go(func() error {
			tokens, err := f.tokens.Tokens(ctx, userID)
			if err != nil {
				f.met.Push("error")
				f.log.Warn("notify.push.fail", "user_id", userID, "message_id", msg.ID, "stage", "tokens", "err", err)
				count(func(r *Result) { r.Failed++ })
				return nil
			}
			if len(tokens) == 0 {
				f.met.Push("no_token")
				count(func(r *Result) { r.NoToken++ })
				return nil
			}

			err = f.pusher.Send(ctx, Push{UserID: userID, Tokens: tokens, Title: title, Body: body, Data: data})
			var te TokenError
			if errors.As(err, &te) {
				f.prune(ctx, userID, te.Tokens)
				if len(te.Tokens) < len(tokens) {
					err = nil
				}
			}
			if err != nil {
				f.met.Push("error")
				f.log.Warn("notify.push.fail", "user_id", userID, "message_id", msg.ID, "err", err)
				count(func(r *Result) { r.Failed++ })
				return nil
			}
			f.met.Push("sent")
			count(func(r *Result) { r.Sent++ })
			return nil
		})
	}
	_ = g.Wait()

	f.log.Debug("notify.fanout", "room_id", room.ID, "message_id", msg.ID,
		"targets", res.Targets, "sent", res.Sent, "no_token", res.NoToken, "failed", res.Failed)
	return res, nil
}

func (f *Fanout) prune(ctx context.Context, userID string, tokens []string) {
	p, ok := f.tokens.(TokenPruner)
	if !ok {
		return
	}
	for _, tok := range tokens {
		if err := p.Remove(ctx, userID, tok); err != nil {
			f.log.Warn("notify.token.prune.fail", "user_id", userID, "err", err)
		}
	}
}

func (f *Fanout) render(room chat.Room, msg chat.Message) (string, string) {
	title := room.Title
	if title == "" {
		title = "New message"
	}
	switch {
	case msg.Payload.Deleted:
		return title, "Message deleted"
	case msg.Payload.Attachment != nil && msg.Payload.Text == "":
		return title, "Sent an attachment"
	}
	return title, truncate(msg.Payload.Text, f.cfg.PreviewLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func offlineMembers(members, online []string, sender string) []string {
	skip := make(map[string]struct{}, len(online)+1)
	for _, u := range online {
		skip[u] = struct{}{}
	}
	skip[sender] = struct{}{}

	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := skip[m]; ok {
			continue
		}
		skip[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
