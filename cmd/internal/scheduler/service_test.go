package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/rooms"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// storeDeliverer marks messages delivered in the store and counts calls.
type storeDeliverer struct {
	store    messages.Store
	calls    atomic.Int32
	failWith error
	failed   []chat.Message
	mu       sync.Mutex
}

func (d *storeDeliverer) Deliver(ctx context.Context, messageID string) (chat.Message, error) {
	d.calls.Add(1)
	if d.failWith != nil {
		return chat.Message{}, d.failWith
	}
	return d.store.MarkDelivered(ctx, messageID, time.Now())
}

func (d *storeDeliverer) NotifyFailure(ctx context.Context, msg chat.Message) {
	d.mu.Lock()
	d.failed = append(d.failed, msg)
	d.mu.Unlock()
}

type fixture struct {
	svc     *Service
	store   *messages.InMemoryStore
	entries *MemoryEntryStore
	dlv     *storeDeliverer
	clock   *clock
	room    chat.Room
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	ctx := context.Background()
	dir := rooms.NewInMemoryDirectory()
	room, err := dir.Create(ctx, rooms.CreateInput{Kind: chat.RoomGroup, Title: "study", OwnerID: "alice", Members: []string{"bob"}})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	c := &clock{now: time.Date(2025, 9, 1, 8, 0, 0, 0, time.UTC)}
	store := messages.NewInMemoryStore(dir)
	entries := NewMemoryEntryStore()
	svc, err := NewService(cfg, entries, store, dir, WithClock(c.Now), WithWorkerID("w"))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	dlv := &storeDeliverer{store: store}
	svc.SetDeliverer(dlv)

	return &fixture{svc: svc, store: store, entries: entries, dlv: dlv, clock: c, room: room}
}

func TestSchedule_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	now := f.clock.Now()

	cases := []struct {
		name string
		in   ScheduleInput
		kind error
	}{
		{"past date", ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "hi", DueAt: now.Add(-time.Minute)}, chat.ErrValidation},
		{"empty text", ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "  ", DueAt: now.Add(time.Hour)}, chat.ErrValidation},
		{"no sender", ScheduleInput{RoomID: f.room.ID, Text: "hi", DueAt: now.Add(time.Hour)}, chat.ErrAuthRequired},
		{"stranger", ScheduleInput{RoomID: f.room.ID, SenderID: "mallory", Text: "hi", DueAt: now.Add(time.Hour)}, chat.ErrNotAMember},
		{"unknown room", ScheduleInput{RoomID: "nope", SenderID: "alice", Text: "hi", DueAt: now.Add(time.Hour)}, chat.ErrRoomNotFound},
	}
	for _, tc := range cases {
		if _, _, err := f.svc.Schedule(ctx, tc.in); !errors.Is(err, tc.kind) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestSweep_NeverEarlyThenExactlyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	due := f.clock.Now().Add(10 * time.Minute)

	e, msg, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "exam at 9", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if msg.Seq != 0 || msg.State != chat.StateScheduled {
		t.Fatalf("scheduled message=%+v", msg)
	}

	res, err := f.svc.Sweep(ctx, due.Add(-time.Second))
	if err != nil || res.Delivered != 0 || f.dlv.calls.Load() != 0 {
		t.Fatalf("early sweep delivered: %+v err=%v", res, err)
	}

	f.clock.Set(due)
	if res, _ := f.svc.Sweep(ctx, due); res.Delivered != 1 {
		t.Fatalf("sweep at due=%+v", res)
	}
	if res, _ := f.svc.Sweep(ctx, due.Add(time.Minute)); res.Delivered != 0 {
		t.Fatalf("second sweep redelivered: %+v", res)
	}

	got, _ := f.entries.Get(ctx, e.ID)
	if got.State != StateDelivered || got.Attempts != 1 {
		t.Fatalf("entry=%+v", got)
	}
	m, _ := f.store.Get(ctx, msg.ID)
	if m.State != chat.StateDelivered || m.Seq != 1 {
		t.Fatalf("message=%+v", m)
	}
}

func TestSweep_RacingWorkersDeliverOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	due := f.clock.Now().Add(time.Minute)

	const n = 20
	for i := 0; i < n; i++ {
		if _, _, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "bob", Text: "ping", DueAt: due}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	f.clock.Set(due)

	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			res, err := f.svc.sweep(ctx, "worker-"+string(rune('a'+w)), due)
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			delivered.Add(int32(res.Delivered))
		}(w)
	}
	wg.Wait()

	if delivered.Load() != n || f.dlv.calls.Load() != n {
		t.Fatalf("delivered=%d calls=%d want %d", delivered.Load(), f.dlv.calls.Load(), n)
	}
	latest, _ := f.store.LatestSeq(ctx, f.room.ID)
	if latest != n {
		t.Fatalf("latest seq=%d want %d (gapless)", latest, n)
	}
}

func TestCancel_BeforeSweepAndAfterDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	due := f.clock.Now().Add(time.Hour)

	e, msg, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "maybe", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, e.ID, "bob"); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "missing", "alice"); !errors.Is(err, chat.ErrScheduledEntryNotFound) {
		t.Fatalf("expected ScheduledEntryNotFound, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, e.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if res, _ := f.svc.Sweep(ctx, due.Add(time.Minute)); res.Delivered != 0 || f.dlv.calls.Load() != 0 {
		t.Fatalf("cancelled entry delivered: %+v", res)
	}
	m, _ := f.store.Get(ctx, msg.ID)
	if m.State != chat.StateFailed || m.Seq != 0 {
		t.Fatalf("cancelled message=%+v", m)
	}

	e2, _, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "sure", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.clock.Set(due)
	if _, err := f.svc.Sweep(ctx, due); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, e2.ID, "alice"); !errors.Is(err, chat.ErrAlreadyDelivered) {
		t.Fatalf("expected AlreadyDelivered, got %v", err)
	}
}

func TestSweep_RetriesWithBackoffThenFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Minute})
	f.dlv.failWith = errors.New("transient")
	ctx := context.Background()
	due := f.clock.Now().Add(time.Minute)

	e, msg, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "hi", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	now := due
	for attempt := 1; attempt <= 3; attempt++ {
		f.clock.Set(now)
		res, err := f.svc.Sweep(ctx, now)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		got, _ := f.entries.Get(ctx, e.ID)
		if attempt < 3 {
			if res.Retried != 1 || got.State != StateScheduled {
				t.Fatalf("attempt %d: res=%+v entry=%+v", attempt, res, got)
			}
			wantDue := now.Add(f.svc.backoff(attempt))
			if !got.DueAt.Equal(wantDue) {
				t.Fatalf("attempt %d: due=%v want %v", attempt, got.DueAt, wantDue)
			}
			now = got.DueAt
			continue
		}
		if res.Failed != 1 || got.State != StateFailed {
			t.Fatalf("final attempt: res=%+v entry=%+v", res, got)
		}
	}

	m, _ := f.store.Get(ctx, msg.ID)
	if m.State != chat.StateFailed || m.Seq != 0 {
		t.Fatalf("failed message=%+v", m)
	}
	if len(f.dlv.failed) != 1 || f.dlv.failed[0].ID != msg.ID {
		t.Fatalf("sender not notified: %+v", f.dlv.failed)
	}
}

func TestSweep_PermanentErrorFailsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxAttempts: 5})
	f.dlv.failWith = chat.OpError{Op: "test", Kind: chat.ErrRoomClosed, Msg: "archived"}
	ctx := context.Background()
	due := f.clock.Now().Add(time.Minute)

	e, _, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "hi", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	f.clock.Set(due)
	if res, _ := f.svc.Sweep(ctx, due); res.Failed != 1 {
		t.Fatalf("res=%+v", res)
	}
	got, _ := f.entries.Get(ctx, e.ID)
	if got.State != StateFailed || got.Attempts != 1 {
		t.Fatalf("entry=%+v", got)
	}
}

func TestReclaimStale_ReturnsAbandonedClaims(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Lease: time.Minute})
	ctx := context.Background()
	due := f.clock.Now().Add(time.Minute)

	e, _, err := f.svc.Schedule(ctx, ScheduleInput{RoomID: f.room.ID, SenderID: "alice", Text: "hi", DueAt: due})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	// Simulate a worker that claimed and crashed.
	if _, err := f.entries.ClaimDue(ctx, due, "crashed", 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if n, _ := f.svc.ReclaimStale(ctx, due.Add(30*time.Second)); n != 0 {
		t.Fatalf("reclaimed inside lease: %d", n)
	}
	if n, _ := f.svc.ReclaimStale(ctx, due.Add(2*time.Minute)); n != 1 {
		t.Fatalf("reclaimed=%d want 1", n)
	}

	later := due.Add(2 * time.Minute)
	f.clock.Set(later)
	if res, _ := f.svc.Sweep(ctx, later); res.Delivered != 1 {
		t.Fatalf("reclaimed entry not delivered: %+v", res)
	}
	if err := f.entries.Complete(ctx, e.ID, "crashed", later); err == nil {
		t.Fatalf("crashed worker must have lost its claim")
	}
}

func TestBackoff_Capped(t *testing.T) {
	t.Parallel()

	s := &Service{cfg: Config{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}.normalized()}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Fatalf("backoff(%d)=%v want %v", i+1, got, w)
		}
	}
}
