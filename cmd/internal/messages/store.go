// Package messages is the durable, ordered per-room message log and the single
// source of truth for chat history.
package messages

import (
	"context"
	"strings"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Store persists and queries messages.
//
// Requirements:
//   - Sequence numbers are assigned atomically per room; delivered messages form a gapless series.
//   - Idempotency per (room_id, client_msg_id).
//   - Tombstones keep the sequence number.
type Store interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	AppendScheduled(ctx context.Context, in ScheduledInput) (chat.Message, error)
	History(ctx context.Context, in HistoryInput) (Page, error)
	Get(ctx context.Context, messageID string) (chat.Message, error)
	LatestSeq(ctx context.Context, roomID string) (int64, error)

	// MarkDelivered is idempotent. An unsequenced message receives the next room sequence.
	MarkDelivered(ctx context.Context, messageID string, now time.Time) (chat.Message, error)
	// MarkFailed is idempotent and never demotes a delivered message.
	MarkFailed(ctx context.Context, messageID, reason string) (chat.Message, error)

	// Tombstone deletes the payload on behalf of the original sender.
	Tombstone(ctx context.Context, messageID, requesterID string, now time.Time) (chat.Message, error)
	// Expire is the system tombstone used when an attachment expires.
	Expire(ctx context.Context, messageID string, now time.Time) (chat.Message, error)

	Close() error
}

// RoomLookup is the subset of the room directory the store needs.
type RoomLookup interface {
	Get(ctx context.Context, roomID string) (chat.Room, error)
}

// AppendInput describes a live message append request.
// ID may be preassigned so attachments can be bound before the append.
type AppendInput struct {
	ID          string
	RoomID      string
	SenderID    string
	Type        chat.MessageType
	Payload     chat.Payload
	ClientMsgID string
	Now         time.Time
}

// AppendResult is the append operation result.
type AppendResult struct {
	Message    chat.Message
	Duplicated bool
}

// ScheduledInput describes a deferred message. It is stored unsequenced.
type ScheduledInput struct {
	ID           string
	RoomID       string
	SenderID     string
	Type         chat.MessageType
	Payload      chat.Payload
	ScheduledFor time.Time
	Now          time.Time
}

// HistoryInput pages backwards from Before (exclusive). Before <= 0 means latest.
type HistoryInput struct {
	RoomID string
	Before int64
	Limit  int
}

// Page is a window of history, oldest first.
// NextBefore is the earliest sequence in the page and feeds the next call.
type Page struct {
	Messages   []chat.Message
	HasMore    bool
	NextBefore int64
}

func (in AppendInput) validate() error {
	const op = "messages.Append"
	if strings.TrimSpace(in.RoomID) == "" {
		return chat.Invalid(op, "missing room id")
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return chat.Invalid(op, "missing sender id")
	}
	if _, ok := chat.ParseMessageType(string(in.Type)); !ok {
		return chat.Invalid(op, "unknown message type")
	}
	return nil
}

func (in ScheduledInput) validate() error {
	const op = "messages.AppendScheduled"
	if strings.TrimSpace(in.RoomID) == "" || strings.TrimSpace(in.SenderID) == "" {
		return chat.Invalid(op, "missing room or sender id")
	}
	if in.ScheduledFor.IsZero() {
		return chat.Invalid(op, "missing scheduled time")
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

func messageNotFound(op, id string) error {
	return chat.NotFoundError{Op: op, Kind: chat.ErrMessageNotFound, Resource: id}
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
