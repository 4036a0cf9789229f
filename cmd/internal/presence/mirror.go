package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Mirror shares presence between instances.
type Mirror interface {
	Publish(ctx context.Context, entries []MirrorEntry, ttl time.Duration) error
	Forget(ctx context.Context, userID string, rooms []string) error
	// Leave drops one room of a user who stays connected.
	Leave(ctx context.Context, userID, roomID string) error
	UserOnline(ctx context.Context, userID string) (bool, error)
	RoomUsers(ctx context.Context, roomID string) ([]string, error)
}

// MirrorEntry is one user's presence on the publishing instance.
type MirrorEntry struct {
	UserID string   `msgpack:"u"`
	Rooms  []string `msgpack:"r"`
}

// mirrorValue is stored msgpack-encoded in each hash field.
type mirrorValue struct {
	Instance  string    `msgpack:"i"`
	Rooms     []string  `msgpack:"r,omitempty"`
	ExpiresAt time.Time `msgpack:"e"`
}

// RedisMirror keeps one hash per user (field: instance) and one per room
// (field: user|instance). Field values carry their own expiry since hash
// fields cannot expire individually.
type RedisMirror struct {
	client   redis.UniversalClient
	instance string
	prefix   string
	now      func() time.Time
}

func NewRedisMirror(client redis.UniversalClient, instance string) (*RedisMirror, error) {
	if client == nil {
		return nil, errors.New("presence: nil redis client")
	}
	if strings.TrimSpace(instance) == "" {
		return nil, errors.New("presence: empty instance id")
	}
	return &RedisMirror{
		client:   client,
		instance: instance,
		prefix:   "studymate:presence:",
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *RedisMirror) userKey(userID string) string { return m.prefix + "user:" + userID }
func (m *RedisMirror) roomKey(roomID string) string { return m.prefix + "room:" + roomID }

func (m *RedisMirror) Publish(ctx context.Context, entries []MirrorEntry, ttl time.Duration) error {
	expires := m.now().Add(ttl)

	roomVal, err := msgpack.Marshal(mirrorValue{Instance: m.instance, ExpiresAt: expires})
	if err != nil {
		return err
	}

	_, err = m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, e := range entries {
			userVal, err := msgpack.Marshal(mirrorValue{Instance: m.instance, Rooms: e.Rooms, ExpiresAt: expires})
			if err != nil {
				return err
			}
			uk := m.userKey(e.UserID)
			p.HSet(ctx, uk, m.instance, userVal)
			p.Expire(ctx, uk, ttl)

			for _, r := range e.Rooms {
				rk := m.roomKey(r)
				p.HSet(ctx, rk, e.UserID+"|"+m.instance, roomVal)
				p.Expire(ctx, rk, ttl)
			}
		}
		return nil
	})
	return err
}

func (m *RedisMirror) Forget(ctx context.Context, userID string, rooms []string) error {
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, m.userKey(userID), m.instance)
		for _, r := range rooms {
			p.HDel(ctx, m.roomKey(r), userID+"|"+m.instance)
		}
		return nil
	})
	return err
}

func (m *RedisMirror) Leave(ctx context.Context, userID, roomID string) error {
	return m.client.HDel(ctx, m.roomKey(roomID), userID+"|"+m.instance).Err()
}

func (m *RedisMirror) UserOnline(ctx context.Context, userID string) (bool, error) {
	fields, err := m.client.HGetAll(ctx, m.userKey(userID)).Result()
	if err != nil {
		return false, err
	}
	now := m.now()
	for _, raw := range fields {
		var v mirrorValue
		if msgpack.Unmarshal([]byte(raw), &v) == nil && v.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *RedisMirror) RoomUsers(ctx context.Context, roomID string) ([]string, error) {
	key := m.roomKey(roomID)
	fields, err := m.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	now := m.now()
	seen := make(map[string]struct{})
	var stale []string
	for field, raw := range fields {
		var v mirrorValue
		if err := msgpack.Unmarshal([]byte(raw), &v); err != nil || !v.ExpiresAt.After(now) {
			stale = append(stale, field)
			continue
		}
		user, _, _ := strings.Cut(field, "|")
		seen[user] = struct{}{}
	}
	if len(stale) > 0 {
		_ = m.client.HDel(ctx, key, stale...).Err()
	}

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

var _ Mirror = (*RedisMirror)(nil)
