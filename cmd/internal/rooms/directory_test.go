package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

func TestInMemoryDirectory_CreateAndMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewInMemoryDirectory()

	room, err := d.Create(ctx, CreateInput{Kind: chat.RoomGroup, Title: "study", OwnerID: "a", Members: []string{"b", "a", " ", "b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(room.Members) != 2 || room.Members[0] != "a" || room.Members[1] != "b" {
		t.Fatalf("members=%v want [a b]", room.Members)
	}

	ok, err := d.IsMember(ctx, room.ID, "b")
	if err != nil || !ok {
		t.Fatalf("IsMember(b)=%v,%v", ok, err)
	}
	ok, err = d.IsMember(ctx, room.ID, "z")
	if err != nil || ok {
		t.Fatalf("IsMember(z)=%v,%v", ok, err)
	}

	if _, err := d.IsMember(ctx, "missing", "a"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}

	list, err := d.ListForUser(ctx, "b")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListForUser=%v,%v", list, err)
	}
}

func TestInMemoryDirectory_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewInMemoryDirectory()

	cases := []struct {
		name string
		in   CreateInput
		kind error
	}{
		{name: "no owner", in: CreateInput{Kind: chat.RoomGroup}, kind: chat.ErrAuthRequired},
		{name: "bad kind", in: CreateInput{Kind: "channel", OwnerID: "a"}, kind: chat.ErrValidation},
		{name: "direct one member", in: CreateInput{Kind: chat.RoomDirect, OwnerID: "a"}, kind: chat.ErrValidation},
		{name: "direct three members", in: CreateInput{Kind: chat.RoomDirect, OwnerID: "a", Members: []string{"b", "c"}}, kind: chat.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := d.Create(ctx, tc.in); !errors.Is(err, tc.kind) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestInMemoryDirectory_ArchiveIsSticky(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := NewInMemoryDirectory()
	room, err := d.Create(ctx, CreateInput{Kind: chat.RoomDirect, OwnerID: "a", Members: []string{"b"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := d.Archive(ctx, room.ID, t0); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := d.Archive(ctx, room.ID, t0.Add(time.Hour)); err != nil {
		t.Fatalf("archive again: %v", err)
	}
	got, _ := d.Get(ctx, room.ID)
	if !got.Archived() || !got.ArchivedAt.Equal(t0) {
		t.Fatalf("archived_at=%v want %v", got.ArchivedAt, t0)
	}
}
