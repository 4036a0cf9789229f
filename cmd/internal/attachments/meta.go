package attachments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// MetaStore persists attachment metadata rows.
type MetaStore interface {
	Create(ctx context.Context, a Attachment) error
	Get(ctx context.Context, id string) (Attachment, error)
	// Bind sets message_id when it is unset or already equal to messageID.
	Bind(ctx context.Context, id, messageID string) error
	// Unbind clears message_id only while it still equals messageID.
	Unbind(ctx context.Context, id, messageID string) error
	SetExpiry(ctx context.Context, id string, expiresAt *time.Time) error
	// Due lists live attachments whose expiry is at or before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]Attachment, error)
	MarkDeleted(ctx context.Context, id string, now time.Time) error
	// Remove drops the row entirely; used for discarded unbound uploads.
	Remove(ctx context.Context, id string) error
}

// MemoryMetaStore is a MetaStore for dev and tests.
type MemoryMetaStore struct {
	mu   sync.RWMutex
	rows map[string]Attachment
}

func NewMemoryMetaStore() *MemoryMetaStore {
	return &MemoryMetaStore{rows: make(map[string]Attachment)}
}

func (s *MemoryMetaStore) Create(ctx context.Context, a Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[a.ID]; ok {
		return chat.Invalid("attachments.Create", "duplicate attachment id")
	}
	s.rows[a.ID] = a
	return nil
}

func (s *MemoryMetaStore) Get(ctx context.Context, id string) (Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[id]
	if !ok {
		return Attachment{}, notFound("attachments.Get", id)
	}
	return a, nil
}

func (s *MemoryMetaStore) Bind(ctx context.Context, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return notFound("attachments.Bind", id)
	}
	if a.MessageID != "" && a.MessageID != messageID {
		return errAlreadyBound
	}
	a.MessageID = messageID
	s.rows[id] = a
	return nil
}

func (s *MemoryMetaStore) Unbind(ctx context.Context, id, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.rows[id]; ok && a.MessageID == messageID {
		a.MessageID = ""
		s.rows[id] = a
	}
	return nil
}

func (s *MemoryMetaStore) SetExpiry(ctx context.Context, id string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return notFound("attachments.SetExpiry", id)
	}
	a.ExpiresAt = expiresAt
	s.rows[id] = a
	return nil
}

func (s *MemoryMetaStore) Due(ctx context.Context, now time.Time, limit int) ([]Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Attachment
	for _, a := range s.rows {
		if a.DeletedAt == nil && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryMetaStore) MarkDeleted(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return notFound("attachments.MarkDeleted", id)
	}
	if a.DeletedAt == nil {
		at := now.UTC()
		a.DeletedAt = &at
		s.rows[id] = a
	}
	return nil
}

func (s *MemoryMetaStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.rows, id)
	s.mu.Unlock()
	return nil
}

var _ MetaStore = (*MemoryMetaStore)(nil)
