package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema/dbtest"
)

func TestPostgresDirectory_CreateGetMembership(t *testing.T) {
	t.Parallel()

	pool, schema := dbtest.Open(t)
	d, err := NewPostgresDirectory(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	room, err := d.Create(ctx, CreateInput{Kind: chat.RoomGroup, Title: "it", OwnerID: "owner", Members: []string{"m1", "m2"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := d.Get(ctx, room.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != chat.RoomGroup || len(got.Members) != 3 {
		t.Fatalf("unexpected room: %+v", got)
	}

	ok, err := d.IsMember(ctx, room.ID, "m2")
	if err != nil || !ok {
		t.Fatalf("IsMember(m2)=%v,%v", ok, err)
	}
	ok, err = d.IsMember(ctx, room.ID, "stranger")
	if err != nil || ok {
		t.Fatalf("IsMember(stranger)=%v,%v", ok, err)
	}
	if _, err := d.IsMember(ctx, "missing-room", "m1"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}

	if err := d.Archive(ctx, room.ID, time.Now()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	got, _ = d.Get(ctx, room.ID)
	if !got.Archived() {
		t.Fatalf("expected archived room")
	}
}
