// Package presence tracks live connections, their room subscriptions and the
// per-room read receipts that drive unread counts and push targeting.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// Presence is a snapshot of one live connection.
type Presence struct {
	ConnID   string
	UserID   string
	Rooms    []string
	LastSeen time.Time
}

// AckListener is called after a receipt moved forward.
type AckListener func(chat.ReadReceipt)

type conn struct {
	userID   string
	rooms    map[string]struct{}
	lastSeen time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	receipts ReceiptStore
	mirror   Mirror
	log      *slog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	conns  map[string]*conn
	byUser map[string]map[string]struct{}
	byRoom map[string]map[string]struct{}

	lmu       sync.RWMutex
	listeners []AckListener
}

type Option func(*Tracker)

// WithMirror shares local presence with other instances.
func WithMirror(m Mirror) Option { return func(t *Tracker) { t.mirror = m } }

func WithLogger(log *slog.Logger) Option { return func(t *Tracker) { t.log = log } }

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

func NewTracker(receipts ReceiptStore, opts ...Option) *Tracker {
	if receipts == nil {
		receipts = NewMemoryReceiptStore()
	}
	t := &Tracker{
		receipts: receipts,
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		conns:    make(map[string]*conn),
		byUser:   make(map[string]map[string]struct{}),
		byRoom:   make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Register records a new connection. first reports whether it is the user's
// only live connection on this instance.
func (t *Tracker) Register(connID, userID string) (first bool, err error) {
	if strings.TrimSpace(userID) == "" {
		return false, chat.OpError{Op: "presence.Register", Kind: chat.ErrAuthRequired, Msg: "missing user id"}
	}
	if strings.TrimSpace(connID) == "" {
		return false, chat.Invalid("presence.Register", "missing connection id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[connID]; ok {
		return false, nil
	}
	t.conns[connID] = &conn{userID: userID, rooms: make(map[string]struct{}), lastSeen: t.now()}
	set := t.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		t.byUser[userID] = set
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

// Unregister tears down a connection. last reports whether the user has no
// other live connection here; rooms lists the connection's subscriptions.
func (t *Tracker) Unregister(connID string) (userID string, rooms []string, last bool) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if !ok {
		t.mu.Unlock()
		return "", nil, false
	}
	delete(t.conns, connID)
	var left []string
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
		t.dropRoomLocked(roomID, connID)
		if !t.userInRoomLocked(c.userID, roomID) {
			left = append(left, roomID)
		}
	}
	if set := t.byUser[c.userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.byUser, c.userID)
			last = true
		}
	}
	t.mu.Unlock()

	sort.Strings(rooms)
	if t.mirror != nil {
		if last {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := t.mirror.Forget(ctx, c.userID, rooms); err != nil {
				t.log.Warn("presence.mirror.forget.fail", "user_id", c.userID, "err", err)
			}
		} else {
			sort.Strings(left)
			for _, roomID := range left {
				t.leaveMirror(c.userID, roomID)
			}
		}
	}
	return c.userID, rooms, last
}

// Subscribe marks connID as a live subscriber of roomID. It reports whether
// the user was not yet subscribed to the room through another connection.
func (t *Tracker) Subscribe(connID, roomID string) (firstForUser bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[connID]
	if !ok {
		return false, closedErr("presence.Subscribe")
	}
	if _, dup := c.rooms[roomID]; dup {
		return false, nil
	}
	firstForUser = !t.userInRoomLocked(c.userID, roomID)
	c.rooms[roomID] = struct{}{}
	set := t.byRoom[roomID]
	if set == nil {
		set = make(map[string]struct{})
		t.byRoom[roomID] = set
	}
	set[connID] = struct{}{}
	return firstForUser, nil
}

// Unsubscribe is a no-op when the subscription is absent. The mirror entry
// goes as soon as the user has no connection left in the room.
func (t *Tracker) Unsubscribe(connID, roomID string) {
	t.mu.Lock()
	c, ok := t.conns[connID]
	if !ok {
		t.mu.Unlock()
		return
	}
	_, subscribed := c.rooms[roomID]
	delete(c.rooms, roomID)
	t.dropRoomLocked(roomID, connID)
	left := subscribed && !t.userInRoomLocked(c.userID, roomID)
	t.mu.Unlock()

	if left && t.mirror != nil {
		t.leaveMirror(c.userID, roomID)
	}
}

func (t *Tracker) leaveMirror(userID, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.mirror.Leave(ctx, userID, roomID); err != nil {
		t.log.Warn("presence.mirror.leave.fail", "user_id", userID, "room_id", roomID, "err", err)
	}
}

func (t *Tracker) dropRoomLocked(roomID, connID string) {
	if set := t.byRoom[roomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.byRoom, roomID)
		}
	}
}

func (t *Tracker) userInRoomLocked(userID, roomID string) bool {
	for connID := range t.byRoom[roomID] {
		if c := t.conns[connID]; c != nil && c.userID == userID {
			return true
		}
	}
	return false
}

// Heartbeat refreshes last activity for connID.
func (t *Tracker) Heartbeat(connID string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.conns[connID]
	if !ok {
		return closedErr("presence.Heartbeat")
	}
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
	return nil
}

// Expired lists connections idle for longer than timeout.
func (t *Tracker) Expired(now time.Time, timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, c := range t.conns {
		if now.Sub(c.lastSeen) > timeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every local connection.
func (t *Tracker) Snapshot() []Presence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Presence, 0, len(t.conns))
	for id, c := range t.conns {
		p := Presence{ConnID: id, UserID: c.userID, LastSeen: c.lastSeen}
		for r := range c.rooms {
			p.Rooms = append(p.Rooms, r)
		}
		sort.Strings(p.Rooms)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// IsOnline reports whether userID has any live connection here or, with a
// mirror, on another instance.
func (t *Tracker) IsOnline(ctx context.Context, userID string) bool {
	t.mu.RLock()
	_, ok := t.byUser[userID]
	t.mu.RUnlock()
	if ok || t.mirror == nil {
		return ok
	}
	online, err := t.mirror.UserOnline(ctx, userID)
	if err != nil {
		t.log.Warn("presence.mirror.lookup.fail", "user_id", userID, "err", err)
		return false
	}
	return online
}

// OnlineMembersOf returns the users with a live connection subscribed to
// roomID here or, with a mirror, on another instance. Room events reach only
// local connections, so push targeting does not use this.
func (t *Tracker) OnlineMembersOf(ctx context.Context, roomID string) []string {
	seen := make(map[string]struct{})

	t.mu.RLock()
	for connID := range t.byRoom[roomID] {
		if c := t.conns[connID]; c != nil {
			seen[c.userID] = struct{}{}
		}
	}
	t.mu.RUnlock()

	if t.mirror != nil {
		remote, err := t.mirror.RoomUsers(ctx, roomID)
		if err != nil {
			t.log.Warn("presence.mirror.lookup.fail", "room_id", roomID, "err", err)
		}
		for _, u := range remote {
			seen[u] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ConnsInRoom returns local connection ids subscribed to roomID.
func (t *Tracker) ConnsInRoom(roomID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byRoom[roomID]))
	for id := range t.byRoom[roomID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnsOfUser returns local connection ids owned by userID.
func (t *Tracker) ConnsOfUser(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byUser[userID]))
	for id := range t.byUser[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OnAcknowledge registers fn for every receipt that moves forward.
func (t *Tracker) OnAcknowledge(fn AckListener) {
	if fn == nil {
		return
	}
	t.lmu.Lock()
	t.listeners = append(t.listeners, fn)
	t.lmu.Unlock()
}

// Acknowledge advances the user's receipt. Values at or below the stored one
// are a no-op and notify nobody.
func (t *Tracker) Acknowledge(ctx context.Context, userID, roomID string, seq int64) (chat.ReadReceipt, bool, error) {
	const op = "presence.Acknowledge"
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roomID) == "" {
		return chat.ReadReceipt{}, false, chat.Invalid(op, "missing user or room id")
	}
	if seq < 0 {
		return chat.ReadReceipt{}, false, chat.Invalid(op, "sequence must not be negative")
	}

	r, advanced, err := t.receipts.Advance(ctx, roomID, userID, seq, t.now())
	if err != nil || !advanced {
		return r, false, err
	}

	t.lmu.RLock()
	listeners := append([]AckListener(nil), t.listeners...)
	t.lmu.RUnlock()
	for _, fn := range listeners {
		fn(r)
	}
	return r, true, nil
}

func (t *Tracker) EnsureReceipt(ctx context.Context, roomID, userID string) (chat.ReadReceipt, error) {
	return t.receipts.Ensure(ctx, roomID, userID, t.now())
}

// Receipt returns the stored receipt, or a zero receipt when none exists.
func (t *Tracker) Receipt(ctx context.Context, roomID, userID string) (chat.ReadReceipt, error) {
	r, _, err := t.receipts.Get(ctx, roomID, userID)
	return r, err
}

func (t *Tracker) Receipts(ctx context.Context, roomID string) ([]chat.ReadReceipt, error) {
	return t.receipts.List(ctx, roomID)
}

// RunMirror publishes local presence every interval until ctx is done.
// Entries live for three intervals so a crashed instance ages out.
func (t *Tracker) RunMirror(ctx context.Context, interval time.Duration) error {
	if t.mirror == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.publish(ctx, 3*interval)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Tracker) publish(ctx context.Context, ttl time.Duration) {
	byUser := make(map[string]map[string]struct{})
	for _, p := range t.Snapshot() {
		set := byUser[p.UserID]
		if set == nil {
			set = make(map[string]struct{})
			byUser[p.UserID] = set
		}
		for _, r := range p.Rooms {
			set[r] = struct{}{}
		}
	}

	entries := make([]MirrorEntry, 0, len(byUser))
	for u, set := range byUser {
		e := MirrorEntry{UserID: u}
		for r := range set {
			e.Rooms = append(e.Rooms, r)
		}
		sort.Strings(e.Rooms)
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return
	}
	if err := t.mirror.Publish(ctx, entries, ttl); err != nil && ctx.Err() == nil {
		t.log.Warn("presence.mirror.publish.fail", "users", len(entries), "err", err)
	}
}

func closedErr(op string) error {
	return chat.OpError{Op: op, Kind: chat.ErrConnectionClosed, Msg: "connection is not registered"}
}
