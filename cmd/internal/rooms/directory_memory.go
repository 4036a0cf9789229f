package rooms

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// InMemoryDirectory is the dev/test Directory used when no database is configured.
type InMemoryDirectory struct {
	mu    sync.RWMutex
	rooms map[string]chat.Room
}

// NewInMemoryDirectory constructs an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{rooms: make(map[string]chat.Room)}
}

func (d *InMemoryDirectory) Create(ctx context.Context, in CreateInput) (chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, err
	}
	room, err := in.normalize()
	if err != nil {
		return chat.Room{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[room.ID]; ok {
		return chat.Room{}, chat.Invalid("rooms.Create", "room id already exists")
	}
	d.rooms[room.ID] = room
	return cloneRoom(room), nil
}

func (d *InMemoryDirectory) Get(ctx context.Context, roomID string) (chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return chat.Room{}, err
	}
	d.mu.RLock()
	room, ok := d.rooms[strings.TrimSpace(roomID)]
	d.mu.RUnlock()
	if !ok {
		return chat.Room{}, roomNotFound("rooms.Get", roomID)
	}
	return cloneRoom(room), nil
}

func (d *InMemoryDirectory) ListForUser(ctx context.Context, userID string) ([]chat.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	out := make([]chat.Room, 0, 8)
	for _, r := range d.rooms {
		if r.HasMember(userID) {
			out = append(out, cloneRoom(r))
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (d *InMemoryDirectory) Members(ctx context.Context, roomID string) ([]string, error) {
	room, err := d.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Members, nil
}

func (d *InMemoryDirectory) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	room, err := d.Get(ctx, roomID)
	if err != nil {
		return false, err
	}
	return room.HasMember(userID), nil
}

func (d *InMemoryDirectory) Archive(ctx context.Context, roomID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return roomNotFound("rooms.Archive", roomID)
	}
	if room.ArchivedAt == nil {
		at := now.UTC()
		room.ArchivedAt = &at
		d.rooms[roomID] = room
	}
	return nil
}

func cloneRoom(r chat.Room) chat.Room {
	r.Members = append([]string(nil), r.Members...)
	if r.ArchivedAt != nil {
		at := *r.ArchivedAt
		r.ArchivedAt = &at
	}
	return r
}
