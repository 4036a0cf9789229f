package attachments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/dbschema/dbtest"
)

func TestPostgresMetaStore_Lifecycle(t *testing.T) {
	t.Parallel()

	pool, schema := dbtest.Open(t)
	st, err := NewPostgresMetaStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	expires := now.Add(-time.Second)
	a := Attachment{
		ID: "att-1", OwnerID: "u", RoomID: "r", ObjectKey: "attachments/r/1",
		Name: "a.txt", MIME: "text/plain", DeclaredSize: 3, Size: 3,
		ExpiresAt: &expires, CreatedAt: now,
	}
	if err := st.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.Bind(ctx, a.ID, "m1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := st.Bind(ctx, a.ID, "m1"); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if err := st.Bind(ctx, a.ID, "m2"); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("expected already bound, got %v", err)
	}
	if err := st.Bind(ctx, "missing", "m1"); !errors.Is(err, chat.ErrAttachmentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := st.Unbind(ctx, a.ID, "m2"); err != nil {
		t.Fatalf("unbind other: %v", err)
	}
	if got, _ := st.Get(ctx, a.ID); got.MessageID != "m1" {
		t.Fatalf("unbind with another message id cleared the binding")
	}
	if err := st.Unbind(ctx, a.ID, "m1"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if err := st.Bind(ctx, a.ID, "m1"); err != nil {
		t.Fatalf("bind after unbind: %v", err)
	}

	due, err := st.Due(ctx, now, 10)
	if err != nil || len(due) != 1 || due[0].MessageID != "m1" {
		t.Fatalf("due=%+v err=%v", due, err)
	}

	if err := st.MarkDeleted(ctx, a.ID, now); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	due, _ = st.Due(ctx, now, 10)
	if len(due) != 0 {
		t.Fatalf("deleted row still due: %+v", due)
	}

	got, err := st.Get(ctx, a.ID)
	if err != nil || got.DeletedAt == nil {
		t.Fatalf("get=%+v err=%v", got, err)
	}
}
