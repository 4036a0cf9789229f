package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

type State string

const (
	StateScheduled State = "scheduled"
	StatePromoting State = "promoting"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

// Entry is one deferred delivery.
type Entry struct {
	ID        string     `json:"id"`
	MessageID string     `json:"messageId"`
	RoomID    string     `json:"roomId"`
	SenderID  string     `json:"senderId"`
	DueAt     time.Time  `json:"dueAt"`
	State     State      `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError,omitempty"`
	ClaimedBy string     `json:"-"`
	ClaimedAt *time.Time `json:"-"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// EntryStore persists entries. Every transition out of a state is a
// conditional update, so only one caller can win it.
type EntryStore interface {
	Create(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	List(ctx context.Context, roomID, senderID string) ([]Entry, error)

	// ClaimDue moves up to limit due entries from scheduled to promoting.
	ClaimDue(ctx context.Context, now time.Time, worker string, limit int) ([]Entry, error)
	// Complete, Retry and Fail only apply to an entry promoting under worker.
	Complete(ctx context.Context, id, worker string, now time.Time) error
	Retry(ctx context.Context, id, worker string, nextDue time.Time, lastErr string, now time.Time) error
	Fail(ctx context.Context, id, worker, lastErr string, now time.Time) error

	// Cancel reports false when the entry already left the scheduled state.
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	// ReclaimStale returns promoting entries claimed before cutoff to scheduled.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error)
}

func entryNotFound(op, id string) error {
	return chat.NotFoundError{Op: op, Kind: chat.ErrScheduledEntryNotFound, Resource: id}
}

// errLostClaim means another worker reclaimed the entry.
var errLostClaim = chat.OpError{Op: "scheduler.transition", Kind: chat.ErrAlreadyDelivered, Msg: "claim lost"}

// MemoryEntryStore is an EntryStore for dev and tests.
type MemoryEntryStore struct {
	mu   sync.Mutex
	rows map[string]*Entry
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{rows: make(map[string]*Entry)}
}

func (s *MemoryEntryStore) Create(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[e.ID]; ok {
		return chat.Invalid("scheduler.Create", "duplicate entry id")
	}
	cp := e
	s.rows[e.ID] = &cp
	return nil
}

func (s *MemoryEntryStore) Get(ctx context.Context, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return Entry{}, entryNotFound("scheduler.Get", id)
	}
	return *e, nil
}

func (s *MemoryEntryStore) List(ctx context.Context, roomID, senderID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.rows {
		if e.RoomID == roomID && e.SenderID == senderID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryEntryStore) ClaimDue(ctx context.Context, now time.Time, worker string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, e := range s.rows {
		if e.State == StateScheduled && !e.DueAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Entry, 0, len(due))
	for _, e := range due {
		at := now
		e.State = StatePromoting
		e.Attempts++
		e.ClaimedBy = worker
		e.ClaimedAt = &at
		e.UpdatedAt = now
		out = append(out, *e)
	}
	return out, nil
}

func (s *MemoryEntryStore) transition(id, worker string, fn func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return entryNotFound("scheduler.transition", id)
	}
	if e.State != StatePromoting || e.ClaimedBy != worker {
		return errLostClaim
	}
	fn(e)
	return nil
}

func (s *MemoryEntryStore) Complete(ctx context.Context, id, worker string, now time.Time) error {
	return s.transition(id, worker, func(e *Entry) {
		e.State = StateDelivered
		e.LastError = ""
		e.UpdatedAt = now
	})
}

func (s *MemoryEntryStore) Retry(ctx context.Context, id, worker string, nextDue time.Time, lastErr string, now time.Time) error {
	return s.transition(id, worker, func(e *Entry) {
		e.State = StateScheduled
		e.DueAt = nextDue
		e.LastError = lastErr
		e.ClaimedBy = ""
		e.ClaimedAt = nil
		e.UpdatedAt = now
	})
}

func (s *MemoryEntryStore) Fail(ctx context.Context, id, worker, lastErr string, now time.Time) error {
	return s.transition(id, worker, func(e *Entry) {
		e.State = StateFailed
		e.LastError = lastErr
		e.UpdatedAt = now
	})
}

func (s *MemoryEntryStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return false, entryNotFound("scheduler.Cancel", id)
	}
	if e.State != StateScheduled {
		return false, nil
	}
	e.State = StateCancelled
	e.UpdatedAt = now
	return true, nil
}

func (s *MemoryEntryStore) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.rows {
		if e.State == StatePromoting && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.State = StateScheduled
			e.ClaimedBy = ""
			e.ClaimedAt = nil
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

var _ EntryStore = (*MemoryEntryStore)(nil)
