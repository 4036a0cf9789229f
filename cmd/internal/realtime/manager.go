// Package realtime is the connection manager: it owns live connections, their
// room subscriptions and the ordered fanout of room events.
package realtime

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/metrics"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/presence"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

// RoomDirectory is the part of the room directory the manager reads.
type RoomDirectory interface {
	Get(ctx context.Context, roomID string) (chat.Room, error)
}

// Notifier receives every delivered message for offline push fanout, with
// the users whose connections accepted the newMessage event. Enqueue must not
// block.
type Notifier interface {
	Enqueue(msg chat.Message, online []string) bool
}

type Config struct {
	SendQueue         int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxTextLen        int
	MaxInlineBytes    int64
}

func DefaultConfig() Config {
	return Config{
		SendQueue:         wsDefaultSendQueueSize,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		MaxTextLen:        4000,
		MaxInlineBytes:    5 << 20,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.SendQueue < wsMinSendQueueSize {
		c.SendQueue = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = d.MaxTextLen
	}
	if c.MaxInlineBytes <= 0 {
		c.MaxInlineBytes = d.MaxInlineBytes
	}
	return c
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg      Config
	rooms    RoomDirectory
	msgs     messages.Store
	presence *presence.Tracker
	files    *attachments.Pipeline
	notifier Notifier

	log *slog.Logger
	met *metrics.Metrics
	now func() time.Time

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	locks    roomLocks
	handlers map[string]handlerFunc
}

type Option func(*Manager)

// WithAttachments enables file messages.
func WithAttachments(p *attachments.Pipeline) Option { return func(m *Manager) { m.files = p } }

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithLogger(log *slog.Logger) Option { return func(m *Manager) { m.log = log } }

func WithMetrics(met *metrics.Metrics) Option { return func(m *Manager) { m.met = met } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(cfg Config, rooms RoomDirectory, msgs messages.Store, tracker *presence.Tracker, opts ...Option) (*Manager, error) {
	if rooms == nil || msgs == nil || tracker == nil {
		return nil, errors.New("realtime: missing dependency")
	}
	m := &Manager{
		cfg:      cfg.normalized(),
		rooms:    rooms,
		msgs:     msgs,
		presence: tracker,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		clients:  make(map[string]*Client),
		locks:    roomLocks{m: make(map[string]*roomLock)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.handlers = m.dispatchTable()
	tracker.OnAcknowledge(m.onReceipt)
	return m, nil
}

func (m *Manager) Config() Config { return m.cfg }

// ---- connection lifecycle ----

// Connect registers a new live connection for userID.
func (m *Manager) Connect(ctx context.Context, userID string) (*Client, error) {
	const op = "realtime.Connect"
	if strings.TrimSpace(userID) == "" {
		return nil, chat.OpError{Op: op, Kind: chat.ErrAuthRequired, Msg: "missing identity"}
	}
	id, err := ids.NewULID(m.now())
	if err != nil {
		return nil, err
	}
	c := newClient(id, userID, m.cfg.SendQueue)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, chat.OpError{Op: op, Kind: chat.ErrConnectionClosed, Msg: "shutting down"}
	}
	m.clients[id] = c
	m.mu.Unlock()

	if _, err := m.presence.Register(id, userID); err != nil {
		m.mu.Lock()
		delete(m.clients, id)
		m.mu.Unlock()
		c.invalidate(ReasonClientGone)
		return nil, err
	}
	m.met.ConnOpened()
	m.log.Info("ws.connect", "conn_id", id, "user_id", userID)
	return c, nil
}

// Disconnect tears down presence and invalidates the handle. It is idempotent.
// When this was the user's last connection, each of its rooms gets
// userStatus{online:false}.
func (m *Manager) Disconnect(c *Client, reason string) {
	if c == nil || !c.invalidate(reason) {
		return
	}
	m.mu.Lock()
	delete(m.clients, c.ID)
	m.mu.Unlock()

	userID, rooms, last := m.presence.Unregister(c.ID)
	m.met.ConnClosed()
	m.log.Info("ws.disconnect", "conn_id", c.ID, "user_id", c.UserID, "reason", reason)

	if !last {
		return
	}
	for _, roomID := range rooms {
		m.broadcastEvent(roomID, v1.TypeUserStatus, v1.UserStatusPayload{UserID: userID, RoomID: roomID, Online: false})
	}
}

// Heartbeat refreshes the connection's last activity.
func (m *Manager) Heartbeat(c *Client) error {
	if c.Closed() {
		return closedErr("realtime.Heartbeat")
	}
	return m.presence.Heartbeat(c.ID, m.now())
}

// ReapIdle disconnects connections silent for longer than the heartbeat timeout.
func (m *Manager) ReapIdle(now time.Time) int {
	expired := m.presence.Expired(now, m.cfg.HeartbeatTimeout)
	for _, id := range expired {
		m.mu.RLock()
		c := m.clients[id]
		m.mu.RUnlock()
		if c != nil {
			m.Disconnect(c, ReasonHeartbeat)
		}
	}
	return len(expired)
}

// RunReaper calls ReapIdle every heartbeat interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) error {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := m.ReapIdle(m.now()); n > 0 {
				m.log.Info("ws.reaper", "disconnected", n)
			}
		}
	}
}

// Close disconnects every client and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		all = append(all, c)
	}
	m.mu.Unlock()

	for _, c := range all {
		m.Disconnect(c, ReasonShutdown)
	}
}

func (m *Manager) client(id string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[id]
}

// ---- rooms ----

type JoinResult struct {
	RoomID      string
	LastReadSeq int64
	LatestSeq   int64
}

// JoinRoom subscribes c to roomID. Joining twice is a no-op apart from the
// returned counters.
func (m *Manager) JoinRoom(ctx context.Context, c *Client, roomID string) (JoinResult, error) {
	const op = "realtime.JoinRoom"
	if c.Closed() {
		return JoinResult{}, closedErr(op)
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return JoinResult{}, chat.Invalid(op, "missing room id")
	}
	room, err := m.rooms.Get(ctx, roomID)
	if err != nil {
		return JoinResult{}, err
	}
	if !room.HasMember(c.UserID) {
		return JoinResult{}, chat.OpError{Op: op, Kind: chat.ErrNotAMember}
	}

	receipt, err := m.presence.EnsureReceipt(ctx, room.ID, c.UserID)
	if err != nil {
		return JoinResult{}, err
	}
	latest, err := m.msgs.LatestSeq(ctx, room.ID)
	if err != nil {
		return JoinResult{}, err
	}

	first, err := m.presence.Subscribe(c.ID, room.ID)
	if err != nil {
		return JoinResult{}, err
	}
	if first {
		m.broadcastEvent(room.ID, v1.TypeUserStatus, v1.UserStatusPayload{UserID: c.UserID, RoomID: room.ID, Online: true})
	}
	m.log.Debug("ws.join", "conn_id", c.ID, "room_id", room.ID)
	return JoinResult{RoomID: room.ID, LastReadSeq: receipt.LastReadSeq, LatestSeq: latest}, nil
}

// LeaveRoom is a no-op when c is not subscribed.
func (m *Manager) LeaveRoom(ctx context.Context, c *Client, roomID string) error {
	if c.Closed() {
		return closedErr("realtime.LeaveRoom")
	}
	m.presence.Unsubscribe(c.ID, strings.TrimSpace(roomID))
	return nil
}

// History returns a page of roomID for a member.
func (m *Manager) History(ctx context.Context, userID, roomID string, before int64, limit int) (messages.Page, error) {
	if _, err := m.memberRoom(ctx, "realtime.History", roomID, userID); err != nil {
		return messages.Page{}, err
	}
	return m.msgs.History(ctx, messages.HistoryInput{RoomID: roomID, Before: before, Limit: limit})
}

// Acknowledge advances the user's read receipt. seq may not pass the room's
// latest sequence.
func (m *Manager) Acknowledge(ctx context.Context, userID, roomID string, seq int64) (chat.ReadReceipt, error) {
	const op = "realtime.Acknowledge"
	room, err := m.memberRoom(ctx, op, roomID, userID)
	if err != nil {
		return chat.ReadReceipt{}, err
	}
	latest, err := m.msgs.LatestSeq(ctx, room.ID)
	if err != nil {
		return chat.ReadReceipt{}, err
	}
	if seq > latest {
		return chat.ReadReceipt{}, chat.Invalid(op, "sequence is ahead of the room")
	}
	r, advanced, err := m.presence.Acknowledge(ctx, userID, room.ID, seq)
	if err != nil {
		return chat.ReadReceipt{}, err
	}
	if advanced {
		return r, nil
	}
	cur, err := m.presence.Receipt(ctx, room.ID, userID)
	if err != nil {
		return chat.ReadReceipt{}, err
	}
	cur.RoomID, cur.UserID = room.ID, userID
	return cur, nil
}

// onReceipt tells the other subscribers; the reader's own connections get the
// ack instead.
func (m *Manager) onReceipt(r chat.ReadReceipt) {
	env := newEnvelope(v1.TypeUpdateReadStatus, "", v1.ReadStatusPayload{RoomID: r.RoomID, UserID: r.UserID, Sequence: r.LastReadSeq}, m.now())
	m.broadcast(r.RoomID, r.UserID, env)
}

func (m *Manager) memberRoom(ctx context.Context, op, roomID, userID string) (chat.Room, error) {
	if strings.TrimSpace(roomID) == "" {
		return chat.Room{}, chat.Invalid(op, "missing room id")
	}
	room, err := m.rooms.Get(ctx, roomID)
	if err != nil {
		return chat.Room{}, err
	}
	if !room.HasMember(userID) {
		return chat.Room{}, chat.OpError{Op: op, Kind: chat.ErrNotAMember}
	}
	return room, nil
}

// sendableRoom applies the room state and send policy.
func (m *Manager) sendableRoom(ctx context.Context, op, roomID, userID string) (chat.Room, error) {
	room, err := m.memberRoom(ctx, op, roomID, userID)
	if err != nil {
		return chat.Room{}, err
	}
	if room.Archived() {
		return chat.Room{}, chat.OpError{Op: op, Kind: chat.ErrRoomClosed, Msg: "room is archived"}
	}
	if !room.CanSend(userID) {
		return chat.Room{}, chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "only the owner may post in a broadcast room"}
	}
	return room, nil
}

// ---- messages ----

// InlineFile is a file carried inside a send request.
type InlineFile struct {
	Name     string
	MIME     string
	Size     int64
	Data     []byte
	Compress bool
	Encrypt  bool
}

type SendInput struct {
	RoomID       string
	Type         chat.MessageType
	Text         string
	ClientMsgID  string
	AttachmentID string
	File         *InlineFile
}

type SendResult struct {
	Message   chat.Message
	Duplicate bool
}

// Send validates, persists and broadcasts one message. A repeated
// ClientMsgID returns the original message without a second broadcast.
func (m *Manager) Send(ctx context.Context, c *Client, in SendInput) (SendResult, error) {
	const op = "realtime.Send"
	if c.Closed() {
		return SendResult{}, closedErr(op)
	}
	typ, err := m.validateSend(op, &in)
	if err != nil {
		return SendResult{}, err
	}
	room, err := m.sendableRoom(ctx, op, in.RoomID, c.UserID)
	if err != nil {
		return SendResult{}, err
	}

	now := m.now()
	msgID, err := ids.NewULID(now)
	if err != nil {
		return SendResult{}, err
	}
	payload := chat.Payload{Text: in.Text}

	var att *attachments.Attachment
	if typ == chat.MessageFile {
		a, err := m.attachment(ctx, op, c.UserID, room.ID, in)
		if err != nil {
			return SendResult{}, err
		}
		att = &a
		payload.Attachment = a.Ref()
	}

	unlock := m.locks.lock(room.ID)
	defer unlock()

	if att != nil {
		if _, err := m.files.Bind(ctx, att.ID, msgID, c.UserID, room.ID); err != nil {
			m.dropInline(att, in.File != nil)
			return SendResult{}, err
		}
	}

	res, err := m.msgs.Append(ctx, messages.AppendInput{
		ID:          msgID,
		RoomID:      room.ID,
		SenderID:    c.UserID,
		Type:        typ,
		Payload:     payload,
		ClientMsgID: in.ClientMsgID,
		Now:         now,
	})
	if err != nil || res.Duplicated {
		if att != nil {
			m.release(att.ID, msgID, in.File != nil)
		}
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{Message: res.Message, Duplicate: true}, nil
	}

	msg, err := m.msgs.MarkDelivered(ctx, res.Message.ID, now)
	if err != nil {
		// The message is durable; the history fetch will surface it.
		m.log.Error("message.deliver.fail", "message_id", res.Message.ID, "err", err)
		msg = res.Message
	}
	m.met.MessagePersisted(string(typ))
	m.enqueueNotify(msg, m.broadcastMessage(msg))
	return SendResult{Message: msg}, nil
}

func (m *Manager) validateSend(op string, in *SendInput) (chat.MessageType, error) {
	typ, ok := chat.ParseMessageType(string(in.Type))
	if !ok {
		return "", chat.Invalid(op, "unknown message type")
	}
	if typ == chat.MessageSystem {
		return "", chat.Invalid(op, "system messages cannot be sent by clients")
	}
	in.RoomID = strings.TrimSpace(in.RoomID)
	in.Text = strings.TrimSpace(in.Text)
	in.ClientMsgID = strings.TrimSpace(in.ClientMsgID)
	if in.RoomID == "" {
		return "", chat.Invalid(op, "missing room id")
	}
	if !utf8.ValidString(in.Text) {
		return "", chat.Invalid(op, "text is not valid UTF-8")
	}
	if utf8.RuneCountInString(in.Text) > m.cfg.MaxTextLen {
		return "", chat.Invalid(op, "message too long")
	}
	if len(in.ClientMsgID) > 128 {
		return "", chat.Invalid(op, "clientMsgId too long")
	}

	hasID, hasFile := strings.TrimSpace(in.AttachmentID) != "", in.File != nil
	switch typ {
	case chat.MessageText:
		if in.Text == "" {
			return "", chat.Invalid(op, "empty message")
		}
		if hasID || hasFile {
			return "", chat.Invalid(op, "text messages cannot carry attachments")
		}
	case chat.MessageFile:
		if hasID == hasFile {
			return "", chat.Invalid(op, "file messages need exactly one of attachmentId or file")
		}
		if m.files == nil {
			return "", chat.Invalid(op, "attachments are disabled")
		}
		if hasFile && int64(len(in.File.Data)) > m.cfg.MaxInlineBytes {
			return "", chat.OpError{Op: op, Kind: chat.ErrFileTooLarge, Msg: "inline file too large"}
		}
	}
	return typ, nil
}

// attachment resolves an uploaded attachment or prepares an inline one.
func (m *Manager) attachment(ctx context.Context, op, userID, roomID string, in SendInput) (attachments.Attachment, error) {
	if in.File == nil {
		return m.files.Usable(ctx, strings.TrimSpace(in.AttachmentID), userID, roomID)
	}
	f := in.File
	size := f.Size
	if size <= 0 {
		size = int64(len(f.Data))
	}
	return m.files.Prepare(ctx, attachments.File{
		Name: f.Name,
		MIME: f.MIME,
		Size: size,
		Body: bytes.NewReader(f.Data),
	}, attachments.PrepareOptions{
		OwnerID:  userID,
		RoomID:   roomID,
		Compress: f.Compress,
		Encrypt:  f.Encrypt,
	})
}

func (m *Manager) dropInline(att *attachments.Attachment, inline bool) {
	if !inline {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.files.Discard(ctx, att.ID); err != nil {
		m.log.Warn("attachment.discard.fail", "attachment_id", att.ID, "err", err)
	}
}

func (m *Manager) release(attID, msgID string, discard bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.files.Release(ctx, attID, msgID, discard); err != nil {
		m.log.Warn("attachment.release.fail", "attachment_id", attID, "message_id", msgID, "err", err)
	}
}

// Deliver promotes a scheduled message: it is sequenced, broadcast and handed
// to push fanout. A message that is already delivered is returned as is.
func (m *Manager) Deliver(ctx context.Context, messageID string) (chat.Message, error) {
	const op = "realtime.Deliver"
	msg, err := m.msgs.Get(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if msg.State == chat.StateDelivered {
		return msg, nil
	}
	if msg.State == chat.StateFailed {
		return chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrValidation, Msg: "message already failed"}
	}
	if _, err := m.sendableRoom(ctx, op, msg.RoomID, msg.SenderID); err != nil {
		return chat.Message{}, err
	}

	unlock := m.locks.lock(msg.RoomID)
	defer unlock()

	if cur, err := m.msgs.Get(ctx, messageID); err != nil {
		return chat.Message{}, err
	} else if cur.State == chat.StateDelivered {
		return cur, nil
	}
	msg, err = m.msgs.MarkDelivered(ctx, messageID, m.now())
	if err != nil {
		return chat.Message{}, err
	}
	m.met.MessagePersisted(string(msg.Type))
	m.enqueueNotify(msg, m.broadcastMessage(msg))
	return msg, nil
}

// NotifyFailure tells the sender's live connections that a scheduled message
// will not be delivered.
func (m *Manager) NotifyFailure(ctx context.Context, msg chat.Message) {
	env := newEnvelope(v1.TypeMessageFailed, "", v1.MessageFailedPayload{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		Reason:    msg.FailureReason,
	}, m.now())
	for _, id := range m.presence.ConnsOfUser(msg.SenderID) {
		if c := m.client(id); c != nil {
			m.deliverTo(c, env)
		}
	}
}

// Delete tombstones a message on behalf of its sender.
func (m *Manager) Delete(ctx context.Context, userID, messageID string) (chat.Message, error) {
	const op = "realtime.Delete"
	if strings.TrimSpace(userID) == "" {
		return chat.Message{}, chat.OpError{Op: op, Kind: chat.ErrAuthRequired}
	}
	cur, err := m.msgs.Get(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if _, err := m.memberRoom(ctx, op, cur.RoomID, userID); err != nil {
		return chat.Message{}, err
	}

	unlock := m.locks.lock(cur.RoomID)
	msg, err := m.msgs.Tombstone(ctx, messageID, userID, m.now())
	if err == nil && cur.Payload.Deleted {
		unlock()
		return msg, nil
	}
	if err != nil {
		unlock()
		return chat.Message{}, err
	}
	m.announceDeleted(msg)
	unlock()

	if a := cur.Payload.Attachment; a != nil && m.files != nil {
		if err := m.files.Purge(ctx, a.ID, m.now()); err != nil {
			m.log.Warn("attachment.purge.fail", "attachment_id", a.ID, "message_id", msg.ID, "err", err)
		}
	}
	return msg, nil
}

// Expire is the system tombstone used when an attachment expires.
func (m *Manager) Expire(ctx context.Context, messageID string, now time.Time) (chat.Message, error) {
	cur, err := m.msgs.Get(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	unlock := m.locks.lock(cur.RoomID)
	defer unlock()

	msg, err := m.msgs.Expire(ctx, messageID, now)
	if err != nil {
		return chat.Message{}, err
	}
	if !cur.Payload.Deleted {
		m.announceDeleted(msg)
	}
	return msg, nil
}

func (m *Manager) announceDeleted(msg chat.Message) {
	m.met.MessageDeleted()
	if !msg.Sequenced() {
		return
	}
	m.broadcastEvent(msg.RoomID, v1.TypeMessageDeleted, v1.MessageDeletedPayload{MessageID: msg.ID, RoomID: msg.RoomID, Seq: msg.Seq})
}

func (m *Manager) enqueueNotify(msg chat.Message, online []string) {
	if m.notifier == nil {
		return
	}
	if !m.notifier.Enqueue(msg, online) {
		m.log.Debug("notify.enqueue.skip", "message_id", msg.ID)
	}
}

// ---- fanout ----

// Broadcast offers env to every connection subscribed to roomID and returns
// how many accepted it. A connection whose queue is full is disconnected.
func (m *Manager) Broadcast(roomID string, env v1.Envelope) int {
	return len(m.broadcast(roomID, "", env))
}

// broadcast returns the user of every connection that accepted env, one entry
// per connection. Connections of skipUser are left out.
func (m *Manager) broadcast(roomID, skipUser string, env v1.Envelope) []string {
	conns := m.presence.ConnsInRoom(roomID)
	targets := make([]*Client, 0, len(conns))
	m.mu.RLock()
	for _, id := range conns {
		if c := m.clients[id]; c != nil && (skipUser == "" || c.UserID != skipUser) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	reached := make([]string, 0, len(targets))
	for _, c := range targets {
		if m.deliverTo(c, env) {
			reached = append(reached, c.UserID)
		}
	}
	return reached
}

func (m *Manager) broadcastEvent(roomID, typ string, payload any) {
	m.broadcast(roomID, "", newEnvelope(typ, "", payload, m.now()))
}

// broadcastMessage must run under the room lock; the users it returns are the
// ones online at send time.
func (m *Manager) broadcastMessage(msg chat.Message) []string {
	return m.broadcast(msg.RoomID, "", newEnvelope(v1.TypeNewMessage, "", ToWire(msg), m.now()))
}

func (m *Manager) deliverTo(c *Client, env v1.Envelope) bool {
	if c.offer(env) {
		return true
	}
	if !c.Closed() {
		m.met.SlowConsumer()
		m.log.Warn("ws.slow_consumer", "conn_id", c.ID, "user_id", c.UserID, "queue", cap(c.send))
		m.Disconnect(c, ReasonSlowConsumer)
	}
	return false
}

func closedErr(op string) error {
	return chat.OpError{Op: op, Kind: chat.ErrConnectionClosed, Msg: "connection is closed"}
}

// ---- per-room serialization ----

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room and drops it when unused.
type roomLocks struct {
	mu sync.Mutex
	m  map[string]*roomLock
}

func (l *roomLocks) lock(roomID string) (unlock func()) {
	l.mu.Lock()
	rl := l.m[roomID]
	if rl == nil {
		rl = &roomLock{}
		l.m[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, roomID)
		}
		l.mu.Unlock()
	}
}
