// Package v1 defines the StudyMate chat realtime protocol v1.
//
// This package is dependency-light and shared between the server, the smoke
// client and tests so the wire format has a single definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the WebSocket upgrade.
const Subprotocol = "studymate.chat.v1"

// Type constants (wire-stable).
const (
	// Client -> server.
	TypeJoinRoom      = "joinRoom"
	TypeLeaveRoom     = "leaveRoom"
	TypeSendMessage   = "sendMessage"
	TypeFetchHistory  = "fetchHistory"
	TypeDeleteMessage = "deleteMessage"
	TypeHeartbeat     = "heartbeat"

	// TypeUpdateReadStatus flows both ways: clients acknowledge, the server
	// rebroadcasts the advanced receipt to the room.
	TypeUpdateReadStatus = "updateReadStatus"

	// Server -> client.
	TypeNewMessage     = "newMessage"
	TypeMessageDeleted = "messageDeleted"
	TypeMessageFailed  = "messageFailed"
	TypeUserStatus     = "userStatus"
	TypeHistory        = "history"
	TypeAck            = "ack"
	TypeError          = "error"
)

// ClientTypes are the events a client may send.
var ClientTypes = map[string]struct{}{
	TypeJoinRoom:         {},
	TypeLeaveRoom:        {},
	TypeSendMessage:      {},
	TypeFetchHistory:     {},
	TypeDeleteMessage:    {},
	TypeHeartbeat:        {},
	TypeUpdateReadStatus: {},
}

// Envelope is the canonical wire wrapper. Server replies carry the request id
// in ReplyTo.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks an inbound client envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Payloads ----

// JoinRoomPayload subscribes the connection to a room. UserID is accepted for
// older clients and must match the authenticated user when present.
type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"`
}

type JoinRoomAck struct {
	RoomID      string `json:"roomId"`
	LastReadSeq int64  `json:"lastReadSeq"`
	LatestSeq   int64  `json:"latestSeq"`
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

// InlineFile is a small file sent base64-encoded inside sendMessage.
type InlineFile struct {
	Name     string `json:"name"`
	MIME     string `json:"mime,omitempty"`
	Size     int64  `json:"size"`
	Data     string `json:"data"`
	Compress bool   `json:"compress,omitempty"`
	Encrypt  bool   `json:"encrypt,omitempty"`
}

type SendMessagePayload struct {
	RoomID       string      `json:"roomId"`
	Content      string      `json:"content"`
	UserID       string      `json:"userId,omitempty"`
	Type         string      `json:"type,omitempty"`
	ClientMsgID  string      `json:"clientMsgId,omitempty"`
	AttachmentID string      `json:"attachmentId,omitempty"`
	File         *InlineFile `json:"file,omitempty"`
}

type SendMessageAck struct {
	MessageID   string `json:"messageId"`
	RoomID      string `json:"roomId"`
	Seq         int64  `json:"seq"`
	ClientMsgID string `json:"clientMsgId,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

// Message is the wire form of a persisted message.
type Message struct {
	ID            string      `json:"id"`
	RoomID        string      `json:"roomId"`
	SenderID      string      `json:"senderId"`
	Seq           int64       `json:"seq"`
	Type          string      `json:"type"`
	Content       string      `json:"content,omitempty"`
	Attachment    *Attachment `json:"attachment,omitempty"`
	Deleted       bool        `json:"deleted,omitempty"`
	ClientMsgID   string      `json:"clientMsgId,omitempty"`
	State         string      `json:"state"`
	FailureReason string      `json:"failureReason,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	ScheduledFor  *time.Time  `json:"scheduledFor,omitempty"`
}

type ReadStatusPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Sequence int64  `json:"sequence"`
}

type UserStatusPayload struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
	Online bool   `json:"online"`
}

type FetchHistoryPayload struct {
	RoomID string `json:"roomId"`
	Before int64  `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type HistoryPayload struct {
	RoomID     string    `json:"roomId"`
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextBefore int64     `json:"nextBefore,omitempty"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Seq       int64  `json:"seq"`
}

type MessageFailedPayload struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	Reason    string `json:"reason,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
