// Package rooms is the room registry and the membership source of truth
// consulted by joinRoom, send authorization and notification fanout.
package rooms

import (
	"context"
	"strings"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

const (
	maxTitleChars = 120
	maxMembers    = 512
)

// Directory defines the room and membership boundary.
type Directory interface {
	Create(ctx context.Context, in CreateInput) (chat.Room, error)
	Get(ctx context.Context, roomID string) (chat.Room, error)
	ListForUser(ctx context.Context, userID string) ([]chat.Room, error)
	Members(ctx context.Context, roomID string) ([]string, error)
	// IsMember returns true if userID is a member of roomID.
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	Archive(ctx context.Context, roomID string, now time.Time) error
}

// CreateInput describes a room creation request. The owner is always a member.
type CreateInput struct {
	ID      string
	Kind    chat.RoomKind
	Title   string
	OwnerID string
	Members []string
	Now     time.Time
}

// normalize validates the input and returns the room it describes.
func (in CreateInput) normalize() (chat.Room, error) {
	const op = "rooms.Create"

	owner := strings.TrimSpace(in.OwnerID)
	if owner == "" {
		return chat.Room{}, chat.OpError{Op: op, Kind: chat.ErrAuthRequired}
	}
	if !in.Kind.Valid() {
		return chat.Room{}, chat.Invalid(op, "unknown room kind")
	}

	title := strings.TrimSpace(in.Title)
	if len([]rune(title)) > maxTitleChars {
		return chat.Room{}, chat.Invalid(op, "title too long")
	}

	seen := map[string]struct{}{owner: {}}
	members := []string{owner}
	for _, m := range in.Members {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		members = append(members, m)
	}
	if len(members) > maxMembers {
		return chat.Room{}, chat.Invalid(op, "too many members")
	}
	if in.Kind == chat.RoomDirect && len(members) != 2 {
		return chat.Room{}, chat.Invalid(op, "direct room requires exactly two members")
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id := strings.TrimSpace(in.ID)
	if id == "" {
		var err error
		if id, err = ids.NewULID(now); err != nil {
			return chat.Room{}, err
		}
	}

	return chat.Room{
		ID:        id,
		Kind:      in.Kind,
		Title:     title,
		OwnerID:   owner,
		Members:   members,
		CreatedAt: now,
	}, nil
}

func roomNotFound(op, roomID string) error {
	return chat.NotFoundError{Op: op, Kind: chat.ErrRoomNotFound, Resource: roomID}
}
