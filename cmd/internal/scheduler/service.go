// Package scheduler stores deferred messages and promotes them to live
// delivery once due.
//
// An entry moves scheduled -> promoting -> delivered | failed, or
// scheduled -> cancelled. Claims are exclusive, so racing workers deliver
// each entry at most once; delivery itself is idempotent, so a reclaimed
// entry never receives a second sequence number.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
)

// MessageSink is the part of the message store the scheduler writes to.
type MessageSink interface {
	AppendScheduled(ctx context.Context, in messages.ScheduledInput) (chat.Message, error)
	MarkFailed(ctx context.Context, messageID, reason string) (chat.Message, error)
}

type RoomLookup interface {
	Get(ctx context.Context, roomID string) (chat.Room, error)
}

// Deliverer performs the live persist -> broadcast -> notify step.
type Deliverer interface {
	Deliver(ctx context.Context, messageID string) (chat.Message, error)
	NotifyFailure(ctx context.Context, msg chat.Message)
}

type Config struct {
	Workers     int
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Lease is how long an entry may stay promoting before it is reclaimed.
	Lease       time.Duration
	MaxTextLen  int
}

func DefaultConfig() Config {
	return Config{
		Workers:     2,
		Interval:    time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		Lease:       2 * time.Minute,
		MaxTextLen:  4000,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.BaseBackoff)
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = d.MaxTextLen
	}
	return c
}

type Service struct {
	cfg       Config
	entries   EntryStore
	messages  MessageSink
	rooms     RoomLookup
	deliverer Deliverer

	workerID string
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(log *slog.Logger) Option { return func(s *Service) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithWorkerID names this instance in claims. Defaults to a random ULID.
func WithWorkerID(id string) Option { return func(s *Service) { s.workerID = id } }

func NewService(cfg Config, entries EntryStore, msgs MessageSink, rooms RoomLookup, opts ...Option) (*Service, error) {
	if entries == nil || msgs == nil || rooms == nil {
		return nil, errors.New("scheduler: entry store, message sink and room lookup are required")
	}
	s := &Service{
		cfg:      cfg.normalized(),
		entries:  entries,
		messages: msgs,
		rooms:    rooms,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.workerID == "" {
		s.workerID = "sched-" + ids.MustULID(s.now())
	}
	return s, nil
}

// SetDeliverer attaches the live delivery path. The Connection Manager is
// built after the scheduler's dependencies, so this is wired last.
func (s *Service) SetDeliverer(d Deliverer) { s.deliverer = d }

type ScheduleInput struct {
	RoomID   string
	SenderID string
	Text     string
	DueAt    time.Time
}

// Schedule validates the request and stores the message unsequenced with its entry.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (Entry, chat.Message, error) {
	const op = "scheduler.Schedule"

	if strings.TrimSpace(in.SenderID) == "" {
		return Entry{}, chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrAuthRequired, Msg: "missing sender"}
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Entry{}, chat.Message{}, chat.Invalid(op, "message must not be empty")
	}
	if utf8.RuneCountInString(text) > s.cfg.MaxTextLen {
		return Entry{}, chat.Message{}, chat.Invalid(op, fmt.Sprintf("message exceeds %d characters", s.cfg.MaxTextLen))
	}
	now := s.now()
	if in.DueAt.IsZero() || !in.DueAt.After(now) {
		return Entry{}, chat.Message{}, chat.Invalid(op, "date must be in the future")
	}

	room, err := s.rooms.Get(ctx, in.RoomID)
	if err != nil {
		return Entry{}, chat.Message{}, err
	}
	if err := checkSender(op, room, in.SenderID); err != nil {
		return Entry{}, chat.Message{}, err
	}

	msg, err := s.messages.AppendScheduled(ctx, messages.ScheduledInput{
		RoomID:       room.ID,
		SenderID:     in.SenderID,
		Type:         chat.MessageText,
		Payload:      chat.Payload{Text: text},
		ScheduledFor: in.DueAt,
		Now:          now,
	})
	if err != nil {
		return Entry{}, chat.Message{}, err
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Entry{}, chat.Message{}, err
	}
	e := Entry{
		ID:        id,
		MessageID: msg.ID,
		RoomID:    room.ID,
		SenderID:  in.SenderID,
		DueAt:     in.DueAt.UTC(),
		State:     StateScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.entries.Create(ctx, e); err != nil {
		// The message stays unsequenced; failing it keeps it out of any listing.
		if _, ferr := s.messages.MarkFailed(ctx, msg.ID, "schedule entry not stored"); ferr != nil {
			s.log.Error("scheduler.compensate.fail", "message_id", msg.ID, "err", ferr)
		}
		return Entry{}, chat.Message{}, err
	}

	s.log.Info("scheduler.scheduled", "entry_id", e.ID, "message_id", msg.ID, "room_id", room.ID, "due_at", e.DueAt)
	return e, msg, nil
}

func checkSender(op string, room chat.Room, senderID string) error {
	if room.Archived() {
		return chat.OpError{Op: op, Kind: chat.ErrRoomClosed, Msg: "room is archived"}
	}
	if !room.HasMember(senderID) {
		return chat.OpError{Op: op, Kind: chat.ErrNotAMember, Msg: "sender is not a member of the room"}
	}
	if !room.CanSend(senderID) {
		return chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "only the owner may post in a broadcast room"}
	}
	return nil
}

// Cancel stops a pending entry. Entries already claimed or finished fail with AlreadyDelivered.
func (s *Service) Cancel(ctx context.Context, entryID, requesterID string) (Entry, error) {
	const op = "scheduler.Cancel"

	e, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return Entry{}, err
	}
	if e.SenderID != requesterID {
		return Entry{}, chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "only the sender may cancel"}
	}
	if e.State == StateCancelled {
		return e, nil
	}

	now := s.now()
	ok, err := s.entries.Cancel(ctx, entryID, now)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, chat.OpError{Op: op, Kind: chat.ErrAlreadyDelivered, Msg: "entry is already being delivered"}
	}
	if _, err := s.messages.MarkFailed(ctx, e.MessageID, "cancelled"); err != nil {
		s.log.Warn("scheduler.cancel.message.fail", "entry_id", e.ID, "message_id", e.MessageID, "err", err)
	}

	e.State = StateCancelled
	e.UpdatedAt = now
	s.metrics.Scheduled("cancelled")
	s.log.Info("scheduler.cancelled", "entry_id", e.ID)
	return e, nil
}

func (s *Service) List(ctx context.Context, roomID, senderID string) ([]Entry, error) {
	return s.entries.List(ctx, roomID, senderID)
}

func (s *Service) Get(ctx context.Context, entryID string) (Entry, error) {
	return s.entries.Get(ctx, entryID)
}

// ReclaimStale returns entries stuck in promoting past the lease to scheduled.
func (s *Service) ReclaimStale(ctx context.Context, now time.Time) (int, error) {
	n, err := s.entries.ReclaimStale(ctx, now.Add(-s.cfg.Lease), now)
	if n > 0 {
		s.log.Warn("scheduler.reclaimed", "count", n)
	}
	return n, err
}

type SweepResult struct {
	Delivered int
	Retried   int
	Failed    int
}

// Sweep promotes every entry due at now using this instance's worker id.
func (s *Service) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	return s.sweep(ctx, s.workerID, now)
}

func (s *Service) sweep(ctx context.Context, worker string, now time.Time) (SweepResult, error) {
	if s.deliverer == nil {
		return SweepResult{}, errors.New("scheduler: no deliverer configured")
	}
	claimed, err := s.entries.ClaimDue(ctx, now, worker, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("claim due entries: %w", err)
	}

	var res SweepResult
	for _, e := range claimed {
		switch s.promote(ctx, worker, e) {
		case StateDelivered:
			res.Delivered++
		case StateScheduled:
			res.Retried++
		case StateFailed:
			res.Failed++
		}
	}
	return res, nil
}

// promote delivers one claimed entry and records the outcome.
func (s *Service) promote(ctx context.Context, worker string, e Entry) State {
	now := s.now()

	_, derr := s.deliverer.Deliver(ctx, e.MessageID)
	if derr == nil {
		if err := s.entries.Complete(ctx, e.ID, worker, now); err != nil {
			s.log.Warn("scheduler.complete.fail", "entry_id", e.ID, "err", err)
		}
		s.metrics.Scheduled("delivered")
		s.log.Info("scheduler.delivered", "entry_id", e.ID, "message_id", e.MessageID, "attempt", e.Attempts)
		return StateDelivered
	}

	if !permanent(derr) && e.Attempts < s.cfg.MaxAttempts {
		next := now.Add(s.backoff(e.Attempts))
		if err := s.entries.Retry(ctx, e.ID, worker, next, derr.Error(), now); err != nil {
			s.log.Warn("scheduler.retry.fail", "entry_id", e.ID, "err", err)
		}
		s.metrics.Scheduled("retry")
		s.log.Warn("scheduler.deliver.retry", "entry_id", e.ID, "attempt", e.Attempts, "next_due", next, "err", derr)
		return StateScheduled
	}

	if err := s.entries.Fail(ctx, e.ID, worker, derr.Error(), now); err != nil {
		s.log.Warn("scheduler.fail.fail", "entry_id", e.ID, "err", err)
	}
	msg, err := s.messages.MarkFailed(ctx, e.MessageID, derr.Error())
	if err != nil {
		s.log.Error("scheduler.message.fail", "message_id", e.MessageID, "err", err)
	} else {
		s.deliverer.NotifyFailure(ctx, msg)
	}
	s.metrics.Scheduled("failed")
	s.log.Error("scheduler.deliver.fail", "entry_id", e.ID, "message_id", e.MessageID, "attempts", e.Attempts, "err", derr)
	return StateFailed
}

func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.cfg.MaxBackoff)
}

// permanent errors cannot succeed on retry.
func permanent(err error) bool {
	for _, kind := range []error{
		chat.ErrRoomNotFound,
		chat.ErrRoomClosed,
		chat.ErrNotAMember,
		chat.ErrForbidden,
		chat.ErrMessageNotFound,
		chat.ErrValidation,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// Run starts Workers sweep loops plus the stale-claim reclaimer and blocks
// until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("scheduler.start", "workers", s.cfg.Workers, "interval", s.cfg.Interval, "worker_id", s.workerID)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", s.workerID, i)
		g.Go(func() error {
			s.loop(ctx, s.cfg.Interval, func() {
				if _, err := s.sweep(ctx, worker, s.now()); err != nil && ctx.Err() == nil {
					s.log.Error("scheduler.sweep.fail", "worker", worker, "err", err)
				}
			})
			return nil
		})
	}
	g.Go(func() error {
		s.loop(ctx, s.cfg.Lease/2, func() {
			if _, err := s.ReclaimStale(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.log.Error("scheduler.reclaim.fail", "err", err)
			}
		})
		return nil
	})
	return g.Wait()
}

func (s *Service) loop(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
