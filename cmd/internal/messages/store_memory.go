package messages

import (
	"context"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// InMemoryStore is a dev/test fallback when DB is not configured.
//
// Each room has its own lock guarding sequence allocation, so appends to
// unrelated rooms never contend.
type InMemoryStore struct {
	rooms RoomLookup

	mu    sync.Mutex
	state map[string]*memRoom

	msgMu sync.RWMutex
	msgs  map[string]*chat.Message
}

type memRoom struct {
	mu        sync.Mutex
	seq       int64
	byClient  map[string]string // client_msg_id -> message id
	sequenced []string          // message ids; index = seq-1
}

// NewInMemoryStore constructs an in-memory Store.
// When rooms is nil every room id is accepted.
func NewInMemoryStore(rooms RoomLookup) *InMemoryStore {
	return &InMemoryStore{
		rooms: rooms,
		state: make(map[string]*memRoom),
		msgs:  make(map[string]*chat.Message),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) room(roomID string) *memRoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.state[roomID]
	if r == nil {
		r = &memRoom{byClient: make(map[string]string)}
		s.state[roomID] = r
	}
	return r
}

func (s *InMemoryStore) checkRoom(ctx context.Context, roomID string) error {
	if s.rooms == nil {
		return nil
	}
	_, err := s.rooms.Get(ctx, roomID)
	return err
}

func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if err := in.validate(); err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if err := s.checkRoom(ctx, in.RoomID); err != nil {
		return AppendResult{}, err
	}

	now := nowOr(in.Now)
	id := in.ID
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return AppendResult{}, err
		}
	}

	r := s.room(in.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if in.ClientMsgID != "" {
		if existingID, ok := r.byClient[in.ClientMsgID]; ok {
			m, err := s.Get(ctx, existingID)
			if err != nil {
				return AppendResult{}, err
			}
			return AppendResult{Message: m, Duplicated: true}, nil
		}
	}

	r.seq++
	m := &chat.Message{
		ID:          id,
		RoomID:      in.RoomID,
		SenderID:    in.SenderID,
		Seq:         r.seq,
		Type:        in.Type,
		Payload:     in.Payload,
		ClientMsgID: in.ClientMsgID,
		CreatedAt:   now,
		State:       chat.StatePending,
	}

	s.msgMu.Lock()
	if _, exists := s.msgs[id]; exists {
		s.msgMu.Unlock()
		r.seq--
		return AppendResult{}, chat.Invalid("messages.Append", "duplicate message id")
	}
	s.msgs[id] = m
	s.msgMu.Unlock()

	r.sequenced = append(r.sequenced, id)
	if in.ClientMsgID != "" {
		r.byClient[in.ClientMsgID] = id
	}

	return AppendResult{Message: *m}, nil
}

func (s *InMemoryStore) AppendScheduled(ctx context.Context, in ScheduledInput) (chat.Message, error) {
	if err := in.validate(); err != nil {
		return chat.Message{}, err
	}
	if err := s.checkRoom(ctx, in.RoomID); err != nil {
		return chat.Message{}, err
	}

	now := nowOr(in.Now)
	id := in.ID
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return chat.Message{}, err
		}
	}
	due := in.ScheduledFor.UTC()

	m := &chat.Message{
		ID:           id,
		RoomID:       in.RoomID,
		SenderID:     in.SenderID,
		Type:         in.Type,
		Payload:      in.Payload,
		CreatedAt:    now,
		ScheduledFor: &due,
		State:        chat.StateScheduled,
	}

	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	if _, exists := s.msgs[id]; exists {
		return chat.Message{}, chat.Invalid("messages.AppendScheduled", "duplicate message id")
	}
	s.msgs[id] = m
	return *m, nil
}

func (s *InMemoryStore) History(ctx context.Context, in HistoryInput) (Page, error) {
	if in.RoomID == "" {
		return Page{}, chat.Invalid("messages.History", "missing room id")
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if err := s.checkRoom(ctx, in.RoomID); err != nil {
		return Page{}, err
	}

	limit := clampLimit(in.Limit)

	r := s.room(in.RoomID)
	r.mu.Lock()
	end := int64(len(r.sequenced))
	if in.Before > 0 && in.Before-1 < end {
		end = in.Before - 1
	}
	start := end - int64(limit)
	if start < 0 {
		start = 0
	}
	window := append([]string(nil), r.sequenced[start:end]...)
	r.mu.Unlock()

	out := make([]chat.Message, 0, len(window))
	s.msgMu.RLock()
	for _, id := range window {
		if m := s.msgs[id]; m != nil {
			out = append(out, *m)
		}
	}
	s.msgMu.RUnlock()

	page := Page{Messages: out, HasMore: start > 0}
	if len(out) > 0 {
		page.NextBefore = out[0].Seq
	}
	return page, nil
}

func (s *InMemoryStore) Get(ctx context.Context, messageID string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()

	m, ok := s.msgs[messageID]
	if !ok {
		return chat.Message{}, messageNotFound("messages.Get", messageID)
	}
	return *m, nil
}

func (s *InMemoryStore) LatestSeq(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r := s.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq, nil
}

func (s *InMemoryStore) MarkDelivered(ctx context.Context, messageID string, now time.Time) (chat.Message, error) {
	m, err := s.Get(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}

	r := s.room(m.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	cur := s.msgs[messageID]
	if cur.State == chat.StateDelivered {
		return *cur, nil
	}
	if cur.Seq == 0 {
		r.seq++
		cur.Seq = r.seq
		r.sequenced = append(r.sequenced, cur.ID)
	}
	cur.State = chat.StateDelivered
	cur.FailureReason = ""
	return *cur, nil
}

func (s *InMemoryStore) MarkFailed(ctx context.Context, messageID, reason string) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	cur, ok := s.msgs[messageID]
	if !ok {
		return chat.Message{}, messageNotFound("messages.MarkFailed", messageID)
	}
	if cur.State != chat.StateDelivered {
		cur.State = chat.StateFailed
		cur.FailureReason = reason
	}
	return *cur, nil
}

func (s *InMemoryStore) Tombstone(ctx context.Context, messageID, requesterID string, now time.Time) (chat.Message, error) {
	return s.tombstone(ctx, "messages.Tombstone", messageID, func(m *chat.Message) error {
		if m.SenderID != requesterID {
			return chat.OpError{Op: "messages.Tombstone", Kind: chat.ErrForbidden, Msg: "only the sender may delete"}
		}
		return nil
	}, now)
}

func (s *InMemoryStore) Expire(ctx context.Context, messageID string, now time.Time) (chat.Message, error) {
	return s.tombstone(ctx, "messages.Expire", messageID, nil, now)
}

func (s *InMemoryStore) tombstone(ctx context.Context, op, messageID string, check func(*chat.Message) error, now time.Time) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	s.msgMu.Lock()
	defer s.msgMu.Unlock()

	cur, ok := s.msgs[messageID]
	if !ok {
		return chat.Message{}, messageNotFound(op, messageID)
	}
	if check != nil {
		if err := check(cur); err != nil {
			return chat.Message{}, err
		}
	}
	if cur.Payload.Deleted {
		return *cur, nil
	}
	at := nowOr(now)
	cur.Payload = chat.Tombstone()
	cur.DeletedAt = &at
	return *cur, nil
}

var _ Store = (*InMemoryStore)(nil)
