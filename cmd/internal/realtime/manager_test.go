package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/notify"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/presence"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/rooms"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

type recordingNotifier struct {
	mu     sync.Mutex
	msgs   []chat.Message
	online [][]string
}

func (n *recordingNotifier) Enqueue(msg chat.Message, online []string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	n.online = append(n.online, online)
	return true
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type testEnv struct {
	mgr     *Manager
	rooms   *rooms.InMemoryDirectory
	msgs    *messages.InMemoryStore
	tracker *presence.Tracker
	files   *attachments.Pipeline
	met     *metrics.Metrics
	notes   *recordingNotifier
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	dir := rooms.NewInMemoryDirectory()
	msgs := messages.NewInMemoryStore(dir)
	tracker := presence.NewTracker(presence.NewMemoryReceiptStore())

	keys, err := attachments.NewKeyring(bytes.Repeat([]byte{3}, 32), "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	files, err := attachments.NewPipeline(attachments.DefaultConfig(), attachments.NewMemoryObjectStore(), attachments.NewMemoryMetaStore(), attachments.WithKeyring(keys))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	met := metrics.New(nil)
	notes := &recordingNotifier{}
	mgr, err := NewManager(cfg, dir, msgs, tracker,
		WithAttachments(files),
		WithNotifier(notes),
		WithMetrics(met),
	)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	files.SetExpirer(mgr)
	return &testEnv{mgr: mgr, rooms: dir, msgs: msgs, tracker: tracker, files: files, met: met, notes: notes}
}

func (e *testEnv) room(t *testing.T, kind chat.RoomKind, owner string, members ...string) chat.Room {
	t.Helper()
	r, err := e.rooms.Create(context.Background(), rooms.CreateInput{Kind: kind, OwnerID: owner, Members: members})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return r
}

func (e *testEnv) connect(t *testing.T, userID string) *Client {
	t.Helper()
	c, err := e.mgr.Connect(context.Background(), userID)
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	return c
}

func (e *testEnv) join(t *testing.T, c *Client, roomID string) JoinResult {
	t.Helper()
	res, err := e.mgr.JoinRoom(context.Background(), c, roomID)
	if err != nil {
		t.Fatalf("join %s: %v", roomID, err)
	}
	return res
}

// drain returns whatever is queued for c right now. Manager fanout is
// synchronous, so events of a finished call are already queued.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Outbox():
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []v1.Envelope, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func decode[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return v
}

func TestJoinRoom_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	eve := e.connect(t, "eve")

	if _, err := e.mgr.JoinRoom(ctx, eve, "missing"); !errors.Is(err, chat.ErrRoomNotFound) {
		t.Fatalf("unknown room: got %v", err)
	}
	if _, err := e.mgr.JoinRoom(ctx, eve, room.ID); !errors.Is(err, chat.ErrNotAMember) {
		t.Fatalf("non-member: got %v", err)
	}
	if _, err := e.mgr.JoinRoom(ctx, eve, " "); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("blank room: got %v", err)
	}

	bob := e.connect(t, "bob")
	e.mgr.Disconnect(bob, ReasonClientGone)
	if _, err := e.mgr.JoinRoom(ctx, bob, room.ID); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Fatalf("closed handle: got %v", err)
	}
	if _, err := e.mgr.Send(ctx, bob, SendInput{RoomID: room.ID, Text: "hi"}); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Fatalf("send on closed handle: got %v", err)
	}
}

func TestConnect_RequiresIdentity(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	if _, err := e.mgr.Connect(context.Background(), "  "); !errors.Is(err, chat.ErrAuthRequired) {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
}

func TestJoinRoom_AnnouncesPresenceOnce(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	e.join(t, alice, room.ID)
	drain(alice)

	bob1 := e.connect(t, "bob")
	bob2 := e.connect(t, "bob")
	e.join(t, bob1, room.ID)
	e.join(t, bob2, room.ID)

	status := ofType(drain(alice), v1.TypeUserStatus)
	if len(status) != 1 {
		t.Fatalf("userStatus events=%d want 1", len(status))
	}
	if p := decode[v1.UserStatusPayload](t, status[0]); p.UserID != "bob" || !p.Online {
		t.Fatalf("unexpected status %+v", p)
	}

	// Only the last connection going away flips bob offline.
	e.mgr.Disconnect(bob1, ReasonClientGone)
	if got := ofType(drain(alice), v1.TypeUserStatus); len(got) != 0 {
		t.Fatalf("offline announced while bob is still connected")
	}
	e.mgr.Disconnect(bob2, ReasonClientGone)
	status = ofType(drain(alice), v1.TypeUserStatus)
	if len(status) != 1 {
		t.Fatalf("offline events=%d want 1", len(status))
	}
	if p := decode[v1.UserStatusPayload](t, status[0]); p.Online {
		t.Fatalf("expected offline, got %+v", p)
	}
}

func TestSend_BroadcastsInSequenceOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, room.ID)
	e.join(t, bob, room.ID)
	drain(bob)

	for _, text := range []string{"one", "two", "three"} {
		if _, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: text}); err != nil {
			t.Fatalf("send %q: %v", text, err)
		}
	}

	got := ofType(drain(bob), v1.TypeNewMessage)
	if len(got) != 3 {
		t.Fatalf("newMessage events=%d want 3", len(got))
	}
	for i, env := range got {
		m := decode[v1.Message](t, env)
		if m.Seq != int64(i+1) {
			t.Fatalf("event %d seq=%d want %d", i, m.Seq, i+1)
		}
		if m.State != string(chat.StateDelivered) || m.SenderID != "alice" {
			t.Fatalf("unexpected message %+v", m)
		}
	}
	if n := e.notes.count(); n != 3 {
		t.Fatalf("notifier got %d messages want 3", n)
	}
	if v := testutil.ToFloat64(e.met.MessagesPersisted.WithLabelValues("text")); v != 3 {
		t.Fatalf("persisted metric=%v want 3", v)
	}
}

func TestSend_ConcurrentSendersGetDistinctSequences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	const perSender = 20
	var wg sync.WaitGroup
	for _, c := range []*Client{alice, bob} {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := e.mgr.Send(ctx, c, SendInput{RoomID: room.ID, Text: "x"}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	page, err := e.msgs.History(ctx, messages.HistoryInput{RoomID: room.ID, Limit: 100})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Messages) != 2*perSender {
		t.Fatalf("history len=%d want %d", len(page.Messages), 2*perSender)
	}
	for i, m := range page.Messages {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap at %d: seq=%d", i, m.Seq)
		}
	}
}

func TestSend_DuplicateClientMsgID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)
	drain(bob)

	first, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "hello", ClientMsgID: "c-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	again, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "hello", ClientMsgID: "c-1"})
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if !again.Duplicate || again.Message.ID != first.Message.ID || again.Message.Seq != first.Message.Seq {
		t.Fatalf("expected duplicate of %s, got %+v", first.Message.ID, again)
	}
	if got := ofType(drain(bob), v1.TypeNewMessage); len(got) != 1 {
		t.Fatalf("newMessage events=%d want 1", len(got))
	}
	if n := e.notes.count(); n != 1 {
		t.Fatalf("notifier got %d want 1", n)
	}
}

func TestSend_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{MaxTextLen: 10, MaxInlineBytes: 4})
	group := e.room(t, chat.RoomGroup, "alice", "bob")
	feed := e.room(t, chat.RoomBroadcast, "alice", "bob")
	archived := e.room(t, chat.RoomGroup, "alice", "bob")
	if err := e.rooms.Archive(ctx, archived.ID, time.Now().UTC()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	bob := e.connect(t, "bob")

	cases := []struct {
		name string
		in   SendInput
		kind error
	}{
		{name: "empty text", in: SendInput{RoomID: group.ID, Text: "   "}, kind: chat.ErrValidation},
		{name: "too long", in: SendInput{RoomID: group.ID, Text: strings.Repeat("a", 11)}, kind: chat.ErrValidation},
		{name: "system type", in: SendInput{RoomID: group.ID, Type: chat.MessageSystem, Text: "x"}, kind: chat.ErrValidation},
		{name: "unknown type", in: SendInput{RoomID: group.ID, Type: "sticker", Text: "x"}, kind: chat.ErrValidation},
		{name: "text with attachment", in: SendInput{RoomID: group.ID, Text: "x", AttachmentID: "a"}, kind: chat.ErrValidation},
		{name: "file without source", in: SendInput{RoomID: group.ID, Type: chat.MessageFile}, kind: chat.ErrValidation},
		{name: "inline too large", in: SendInput{RoomID: group.ID, Type: chat.MessageFile, File: &InlineFile{Name: "a.txt", MIME: "text/plain", Data: []byte("12345")}}, kind: chat.ErrFileTooLarge},
		{name: "unknown room", in: SendInput{RoomID: "nope", Text: "x"}, kind: chat.ErrRoomNotFound},
		{name: "broadcast non-owner", in: SendInput{RoomID: feed.ID, Text: "x"}, kind: chat.ErrForbidden},
		{name: "archived", in: SendInput{RoomID: archived.ID, Text: "x"}, kind: chat.ErrRoomClosed},
	}
	for _, tc := range cases {
		if _, err := e.mgr.Send(ctx, bob, tc.in); !errors.Is(err, tc.kind) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.kind, err)
		}
	}

	eve := e.connect(t, "eve")
	if _, err := e.mgr.Send(ctx, eve, SendInput{RoomID: group.ID, Text: "x"}); !errors.Is(err, chat.ErrNotAMember) {
		t.Fatalf("non-member: got %v", err)
	}
}

func TestSend_SlowConsumerIsDisconnected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{SendQueue: 1})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)

	for i := 0; i < wsMinSendQueueSize+2; i++ {
		if _, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "spam"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-bob.Done():
	default:
		t.Fatalf("slow consumer still connected")
	}
	if got := bob.CloseReason(); got != ReasonSlowConsumer {
		t.Fatalf("reason=%q want %q", got, ReasonSlowConsumer)
	}
	if v := testutil.ToFloat64(e.met.SlowConsumerDrops); v != 1 {
		t.Fatalf("slow consumer metric=%v want 1", v)
	}
	if conns := e.tracker.ConnsInRoom(room.ID); len(conns) != 0 {
		t.Fatalf("room still lists %v", conns)
	}
	if alice.Closed() {
		t.Fatalf("sender must not be affected")
	}
}

func TestSend_InlineFileAndDeletePurges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)
	drain(bob)

	res, err := e.mgr.Send(ctx, alice, SendInput{
		RoomID: room.ID,
		Type:   chat.MessageFile,
		File:   &InlineFile{Name: "notes.txt", MIME: "text/plain", Data: []byte("chapter 4"), Encrypt: true},
	})
	if err != nil {
		t.Fatalf("send file: %v", err)
	}
	ref := res.Message.Payload.Attachment
	if ref == nil {
		t.Fatalf("message has no attachment")
	}

	rc, _, err := e.files.Open(ctx, ref.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "chapter 4" {
		t.Fatalf("body=%q", body)
	}

	got := ofType(drain(bob), v1.TypeNewMessage)
	if len(got) != 1 {
		t.Fatalf("newMessage events=%d", len(got))
	}
	if m := decode[v1.Message](t, got[0]); m.Attachment == nil || m.Attachment.ID != ref.ID {
		t.Fatalf("wire message lost attachment: %+v", m)
	}

	if _, err := e.mgr.Delete(ctx, "alice", res.Message.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := e.files.Open(ctx, ref.ID); !errors.Is(err, chat.ErrGone) {
		t.Fatalf("expected Gone after delete, got %v", err)
	}
}

func TestSend_UploadedAttachmentUsedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")

	att, err := e.files.Prepare(ctx, attachments.File{Name: "a.txt", MIME: "text/plain", Size: 3, Body: strings.NewReader("abc")},
		attachments.PrepareOptions{OwnerID: "alice", RoomID: room.ID})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	if _, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, AttachmentID: att.ID, Type: chat.MessageFile}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if _, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, AttachmentID: att.ID, Type: chat.MessageFile}); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("reuse: expected validation error, got %v", err)
	}

	bob := e.connect(t, "bob")
	other, err := e.files.Prepare(ctx, attachments.File{Name: "b.txt", MIME: "text/plain", Size: 3, Body: strings.NewReader("xyz")},
		attachments.PrepareOptions{OwnerID: "alice", RoomID: room.ID})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := e.mgr.Send(ctx, bob, SendInput{RoomID: room.ID, AttachmentID: other.ID, Type: chat.MessageFile}); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("foreign attachment: expected Forbidden, got %v", err)
	}
}

func TestDelete_SenderOnlyAndAnnouncedOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)

	res, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "oops"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(bob)

	if _, err := e.mgr.Delete(ctx, "bob", res.Message.ID); !errors.Is(err, chat.ErrForbidden) {
		t.Fatalf("non-sender delete: got %v", err)
	}
	if _, err := e.mgr.Delete(ctx, "eve", res.Message.ID); !errors.Is(err, chat.ErrNotAMember) {
		t.Fatalf("outsider delete: got %v", err)
	}
	if _, err := e.mgr.Delete(ctx, "alice", "missing"); !errors.Is(err, chat.ErrMessageNotFound) {
		t.Fatalf("unknown message: got %v", err)
	}

	msg, err := e.mgr.Delete(ctx, "alice", res.Message.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !msg.Payload.Deleted || msg.Payload.Text != "" || msg.Seq != res.Message.Seq {
		t.Fatalf("unexpected tombstone %+v", msg)
	}
	if _, err := e.mgr.Delete(ctx, "alice", res.Message.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	got := ofType(drain(bob), v1.TypeMessageDeleted)
	if len(got) != 1 {
		t.Fatalf("messageDeleted events=%d want 1", len(got))
	}
	if p := decode[v1.MessageDeletedPayload](t, got[0]); p.MessageID != res.Message.ID || p.Seq != res.Message.Seq {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestExpire_AnnouncesTombstone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)

	res, err := e.mgr.Send(ctx, alice, SendInput{
		RoomID: room.ID,
		Type:   chat.MessageFile,
		File:   &InlineFile{Name: "slides.txt", MIME: "text/plain", Data: []byte("slides")},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	drain(bob)

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := e.files.SetExpiry(ctx, res.Message.Payload.Attachment.ID, "alice", &past); err != nil {
		t.Fatalf("set expiry: %v", err)
	}
	sweep, err := e.files.Sweep(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if sweep.Expired != 1 {
		t.Fatalf("sweep=%+v", sweep)
	}

	got, err := e.msgs.Get(ctx, res.Message.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Payload.Deleted {
		t.Fatalf("message not tombstoned")
	}
	if ev := ofType(drain(bob), v1.TypeMessageDeleted); len(ev) != 1 {
		t.Fatalf("messageDeleted events=%d want 1", len(ev))
	}

	// A repeated expiry is silent.
	if _, err := e.mgr.Expire(ctx, res.Message.ID, time.Now().UTC()); err != nil {
		t.Fatalf("expire again: %v", err)
	}
	if ev := drain(bob); len(ev) != 0 {
		t.Fatalf("unexpected events %v", ev)
	}
}

func TestDeliver_PromotesScheduledOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	bob := e.connect(t, "bob")
	e.join(t, bob, room.ID)
	drain(bob)

	now := time.Now().UTC()
	sched, err := e.msgs.AppendScheduled(ctx, messages.ScheduledInput{
		ID:           ids.MustULID(now),
		RoomID:       room.ID,
		SenderID:     "alice",
		Type:         chat.MessageText,
		Payload:      chat.Payload{Text: "reminder"},
		ScheduledFor: now.Add(time.Minute),
		Now:          now,
	})
	if err != nil {
		t.Fatalf("append scheduled: %v", err)
	}
	if sched.Sequenced() {
		t.Fatalf("scheduled message must not be sequenced yet")
	}

	msg, err := e.mgr.Deliver(ctx, sched.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if msg.Seq != 1 || msg.State != chat.StateDelivered {
		t.Fatalf("unexpected delivered message %+v", msg)
	}
	again, err := e.mgr.Deliver(ctx, sched.ID)
	if err != nil || again.Seq != msg.Seq {
		t.Fatalf("redeliver=%+v,%v", again, err)
	}

	if got := ofType(drain(bob), v1.TypeNewMessage); len(got) != 1 {
		t.Fatalf("newMessage events=%d want 1", len(got))
	}
	if n := e.notes.count(); n != 1 {
		t.Fatalf("notifier got %d want 1", n)
	}

	if err := e.rooms.Archive(ctx, room.ID, now); err != nil {
		t.Fatalf("archive: %v", err)
	}
	late, err := e.msgs.AppendScheduled(ctx, messages.ScheduledInput{
		ID: ids.MustULID(now), RoomID: room.ID, SenderID: "alice", Type: chat.MessageText,
		Payload: chat.Payload{Text: "late"}, ScheduledFor: now.Add(time.Minute), Now: now,
	})
	if err != nil {
		t.Fatalf("append scheduled: %v", err)
	}
	if _, err := e.mgr.Deliver(ctx, late.ID); !errors.Is(err, chat.ErrRoomClosed) {
		t.Fatalf("archived room: expected RoomClosed, got %v", err)
	}
}

func TestNotifyFailure_ReachesSenderOnly(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	e.mgr.NotifyFailure(context.Background(), chat.Message{ID: "m1", RoomID: "r1", SenderID: "alice", FailureReason: "room archived"})

	got := ofType(drain(alice), v1.TypeMessageFailed)
	if len(got) != 1 {
		t.Fatalf("messageFailed events=%d want 1", len(got))
	}
	if p := decode[v1.MessageFailedPayload](t, got[0]); p.MessageID != "m1" || p.Reason != "room archived" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if ev := drain(bob); len(ev) != 0 {
		t.Fatalf("bob got %v", ev)
	}
}

func TestAcknowledge_MonotonicAndBroadcast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, room.ID)
	e.join(t, bob, room.ID)

	for i := 0; i < 3; i++ {
		if _, err := e.mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "m"}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	drain(alice)

	if _, err := e.mgr.Acknowledge(ctx, "bob", room.ID, 4); !errors.Is(err, chat.ErrValidation) {
		t.Fatalf("ack past latest: got %v", err)
	}
	r, err := e.mgr.Acknowledge(ctx, "bob", room.ID, 2)
	if err != nil || r.LastReadSeq != 2 {
		t.Fatalf("ack 2: %+v,%v", r, err)
	}
	r, err = e.mgr.Acknowledge(ctx, "bob", room.ID, 1)
	if err != nil || r.LastReadSeq != 2 || r.RoomID != room.ID || r.UserID != "bob" {
		t.Fatalf("stale ack: %+v,%v", r, err)
	}

	got := ofType(drain(alice), v1.TypeUpdateReadStatus)
	if len(got) != 1 {
		t.Fatalf("updateReadStatus events=%d want 1", len(got))
	}
	if own := ofType(drain(bob), v1.TypeUpdateReadStatus); len(own) != 0 {
		t.Fatalf("reader got its own receipt back: %d events", len(own))
	}
	if p := decode[v1.ReadStatusPayload](t, got[0]); p.UserID != "bob" || p.Sequence != 2 {
		t.Fatalf("unexpected payload %+v", p)
	}

	res := e.join(t, bob, room.ID)
	if res.LastReadSeq != 2 || res.LatestSeq != 3 {
		t.Fatalf("rejoin counters %+v", res)
	}
}

func TestReapIdle_DisconnectsSilentConnections(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{HeartbeatTimeout: time.Minute})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, room.ID)
	e.join(t, bob, room.ID)
	drain(alice)

	later := time.Now().UTC().Add(2 * time.Minute)
	if err := e.tracker.Heartbeat(alice.ID, later); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if n := e.mgr.ReapIdle(later.Add(time.Second)); n != 1 {
		t.Fatalf("reaped=%d want 1", n)
	}
	if bob.CloseReason() != ReasonHeartbeat || alice.Closed() {
		t.Fatalf("bob=%q alice closed=%v", bob.CloseReason(), alice.Closed())
	}
	status := ofType(drain(alice), v1.TypeUserStatus)
	if len(status) != 1 || decode[v1.UserStatusPayload](t, status[0]).Online {
		t.Fatalf("expected bob offline event, got %v", status)
	}
}

func TestClose_RejectsNewConnections(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	alice := e.connect(t, "alice")
	e.mgr.Close()

	if alice.CloseReason() != ReasonShutdown {
		t.Fatalf("reason=%q", alice.CloseReason())
	}
	if _, err := e.mgr.Connect(context.Background(), "bob"); !errors.Is(err, chat.ErrConnectionClosed) {
		t.Fatalf("connect after close: got %v", err)
	}
}

func TestDispatch_RepliesAndErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEnv(t, Config{})
	room := e.room(t, chat.RoomGroup, "alice", "bob")
	alice := e.connect(t, "alice")

	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return b
	}

	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeJoinRoom, ID: "e1", Payload: raw(v1.JoinRoomPayload{RoomID: room.ID})})
	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, ID: "e2", Payload: raw(v1.SendMessagePayload{RoomID: room.ID, Content: "hi", ClientMsgID: "c1"})})
	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, ID: "e3", Payload: raw(v1.SendMessagePayload{RoomID: room.ID, Content: "hi", UserID: "bob"})})
	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeNewMessage, ID: "e4"})
	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeFetchHistory, ID: "e5", Payload: raw(v1.FetchHistoryPayload{RoomID: room.ID, Limit: 10})})
	e.mgr.Dispatch(ctx, alice, v1.Envelope{V: v1.Version, Type: v1.TypeSendMessage, ID: "e6", Payload: json.RawMessage(`{"roomId":`)})

	replies := map[string]v1.Envelope{}
	for _, env := range drain(alice) {
		if env.ReplyTo != "" {
			replies[env.ReplyTo] = env
		}
	}

	if r := replies["e1"]; r.Type != v1.TypeAck {
		t.Fatalf("join reply=%+v", r)
	}
	sent := replies["e2"]
	if sent.Type != v1.TypeAck {
		t.Fatalf("send reply=%+v", sent)
	}
	if a := decode[v1.SendMessageAck](t, sent); a.Seq != 1 || a.ClientMsgID != "c1" || a.MessageID == "" {
		t.Fatalf("send ack=%+v", a)
	}

	wantErr := map[string]string{"e3": chat.CodeForbidden, "e4": chat.CodeValidation, "e6": chat.CodeValidation}
	for id, code := range wantErr {
		r := replies[id]
		if r.Type != v1.TypeError {
			t.Fatalf("%s: expected error reply, got %+v", id, r)
		}
		if p := decode[v1.ErrorPayload](t, r); p.Code != code {
			t.Fatalf("%s: code=%q want %q", id, p.Code, code)
		}
	}

	hist := replies["e5"]
	if hist.Type != v1.TypeHistory {
		t.Fatalf("history reply=%+v", hist)
	}
	if p := decode[v1.HistoryPayload](t, hist); len(p.Messages) != 1 || p.Messages[0].Content != "hi" {
		t.Fatalf("history payload=%+v", p)
	}
}

type pushRecorder struct {
	mu    sync.Mutex
	users []string
}

func (p *pushRecorder) Send(ctx context.Context, push notify.Push) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, push.UserID)
	return nil
}

func (p *pushRecorder) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.users...)
}

func pushTokens(t *testing.T, users ...string) *notify.MemoryTokenStore {
	t.Helper()
	st := notify.NewMemoryTokenStore()
	for _, u := range users {
		if err := st.Register(context.Background(), u, "ExponentPushToken["+u+"]", "ios", time.Now()); err != nil {
			t.Fatalf("register token: %v", err)
		}
	}
	return st
}

func TestSend_MemberOnlineAtSendTimeGetsNoPush(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, Config{})
	pusher := &pushRecorder{}
	fan, err := notify.NewFanout(notify.Config{Workers: 1}, e.rooms, pushTokens(t, "bob", "carol"), pusher)
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	e.mgr.notifier = fan

	room := e.room(t, chat.RoomGroup, "alice", "bob", "carol")
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")
	e.join(t, alice, room.ID)
	e.join(t, bob, room.ID)

	if _, err := e.mgr.Send(context.Background(), alice, SendInput{RoomID: room.ID, Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// bob leaves before the fanout worker ever runs.
	e.mgr.Disconnect(bob, ReasonClientGone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fan.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(pusher.sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no push for the offline member")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := pusher.sent(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("pushes=%v want [carol]", got)
	}
}

// remoteMirror reports users present in rooms on another instance.
type remoteMirror map[string][]string

func (remoteMirror) Publish(context.Context, []presence.MirrorEntry, time.Duration) error { return nil }
func (remoteMirror) Forget(context.Context, string, []string) error { return nil }
func (remoteMirror) Leave(context.Context, string, string) error { return nil }
func (remoteMirror) UserOnline(context.Context, string) (bool, error) { return true, nil }
func (m remoteMirror) RoomUsers(_ context.Context, roomID string) ([]string, error) {
	return m[roomID], nil
}

func TestSend_RemotePresenceDoesNotSuppressPush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := rooms.NewInMemoryDirectory()
	room, err := dir.Create(ctx, rooms.CreateInput{Kind: chat.RoomGroup, OwnerID: "alice", Members: []string{"bob"}})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	tracker := presence.NewTracker(presence.NewMemoryReceiptStore(), presence.WithMirror(remoteMirror{room.ID: {"bob"}}))
	notes := &recordingNotifier{}
	mgr, err := NewManager(Config{}, dir, messages.NewInMemoryStore(dir), tracker, WithNotifier(notes))
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(mgr.Close)

	alice, err := mgr.Connect(ctx, "alice")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := mgr.JoinRoom(ctx, alice, room.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	res, err := mgr.Send(ctx, alice, SendInput{RoomID: room.ID, Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// bob is listed by the mirror but has no connection that saw the event.
	if len(notes.online) != 1 || len(notes.online[0]) != 1 || notes.online[0][0] != "alice" {
		t.Fatalf("online at send=%v want [[alice]]", notes.online)
	}

	pusher := &pushRecorder{}
	fan, err := notify.NewFanout(notify.Config{}, dir, pushTokens(t, "bob"), pusher)
	if err != nil {
		t.Fatalf("fanout: %v", err)
	}
	out, err := fan.Notify(ctx, res.Message, notes.online[0])
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if out.Targets != 1 || out.Sent != 1 {
		t.Fatalf("result=%+v want bob pushed", out)
	}
}
