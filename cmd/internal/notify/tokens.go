package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// TokenLookup returns the push tokens of a user, newest first.
type TokenLookup interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
}

// TokenPruner drops a token the provider reported as dead.
type TokenPruner interface {
	Remove(ctx context.Context, userID, token string) error
}

// TokenStore is the full token registry behind the REST endpoints.
type TokenStore interface {
	TokenLookup
	TokenPruner
	Register(ctx context.Context, userID, token, platform string, now time.Time) error
}

func checkToken(op, userID, token string) error {
	if strings.TrimSpace(userID) == "" {
		return chat.OpError{Op: op, Kind: chat.ErrAuthRequired}
	}
	if strings.TrimSpace(token) == "" || len(token) > 512 {
		return chat.Invalid(op, "invalid push token")
	}
	return nil
}

type memToken struct {
	token     string
	platform  string
	updatedAt time.Time
}

// MemoryTokenStore is a TokenStore for dev and tests.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	users map[string][]memToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{users: make(map[string][]memToken)}
}

func (s *MemoryTokenStore) Register(ctx context.Context, userID, token, platform string, now time.Time) error {
	if err := checkToken("notify.Register", userID, token); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.users[userID]
	for i := range list {
		if list[i].token == token {
			list[i].platform = platform
			list[i].updatedAt = now
			return nil
		}
	}
	s.users[userID] = append(list, memToken{token: token, platform: platform, updatedAt: now})
	return nil
}

func (s *MemoryTokenStore) Tokens(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	list := append([]memToken(nil), s.users[userID]...)
	s.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].updatedAt.After(list[j].updatedAt) })
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.token
	}
	return out, nil
}

func (s *MemoryTokenStore) Remove(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.users[userID]
	for i := range list {
		if list[i].token == token {
			s.users[userID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.users[userID]) == 0 {
		delete(s.users, userID)
	}
	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
