package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// ReceiptStore persists read receipts. Advance never lowers LastReadSeq.
type ReceiptStore interface {
	Ensure(ctx context.Context, roomID, userID string, now time.Time) (chat.ReadReceipt, error)
	// Advance reports whether the stored value moved forward.
	Advance(ctx context.Context, roomID, userID string, seq int64, now time.Time) (chat.ReadReceipt, bool, error)
	Get(ctx context.Context, roomID, userID string) (chat.ReadReceipt, bool, error)
	List(ctx context.Context, roomID string) ([]chat.ReadReceipt, error)
}

type receiptKey struct{ room, user string }

// MemoryReceiptStore is a ReceiptStore for dev and tests.
type MemoryReceiptStore struct {
	mu   sync.Mutex
	rows map[receiptKey]chat.ReadReceipt
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{rows: make(map[receiptKey]chat.ReadReceipt)}
}

func (s *MemoryReceiptStore) Ensure(ctx context.Context, roomID, userID string, now time.Time) (chat.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := receiptKey{roomID, userID}
	if r, ok := s.rows[k]; ok {
		return r, nil
	}
	r := chat.ReadReceipt{RoomID: roomID, UserID: userID, UpdatedAt: now.UTC()}
	s.rows[k] = r
	return r, nil
}

func (s *MemoryReceiptStore) Advance(ctx context.Context, roomID, userID string, seq int64, now time.Time) (chat.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := receiptKey{roomID, userID}
	r, ok := s.rows[k]
	if !ok {
		r = chat.ReadReceipt{RoomID: roomID, UserID: userID}
	}
	if seq <= r.LastReadSeq {
		return r, false, nil
	}
	r.LastReadSeq = seq
	r.UpdatedAt = now.UTC()
	s.rows[k] = r
	return r, true, nil
}

func (s *MemoryReceiptStore) Get(ctx context.Context, roomID, userID string) (chat.ReadReceipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[receiptKey{roomID, userID}]
	return r, ok, nil
}

func (s *MemoryReceiptStore) List(ctx context.Context, roomID string) ([]chat.ReadReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.ReadReceipt
	for k, r := range s.rows {
		if k.room == roomID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

var _ ReceiptStore = (*MemoryReceiptStore)(nil)
