// Package chat holds the domain types and error taxonomy shared by the chat core.
package chat

import (
	"strings"
	"time"
)

// RoomKind is the conversation type.
type RoomKind string

const (
	RoomDirect    RoomKind = "direct"
	RoomGroup     RoomKind = "group"
	RoomBroadcast RoomKind = "broadcast"
)

// Valid reports whether k is a known room kind.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomDirect, RoomGroup, RoomBroadcast:
		return true
	}
	return false
}

// Room is a conversation scope with a non-empty member set.
type Room struct {
	ID         string
	Kind       RoomKind
	Title      string
	OwnerID    string
	Members    []string
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

// HasMember reports whether userID belongs to the room.
func (r Room) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Archived reports whether the room no longer accepts messages.
func (r Room) Archived() bool { return r.ArchivedAt != nil }

// CanSend applies the room-kind send policy.
// Broadcast rooms accept messages from the owner only.
func (r Room) CanSend(userID string) bool {
	if r.Kind == RoomBroadcast {
		return userID == r.OwnerID
	}
	return r.HasMember(userID)
}

// MessageType is the payload kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// ParseMessageType maps wire input to a MessageType. Empty means text.
func ParseMessageType(s string) (MessageType, bool) {
	switch MessageType(strings.ToLower(strings.TrimSpace(s))) {
	case "", MessageText:
		return MessageText, true
	case MessageFile:
		return MessageFile, true
	case MessageSystem:
		return MessageSystem, true
	}
	return "", false
}

// DeliveryState is the lifecycle state of a message.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateScheduled DeliveryState = "scheduled"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// AttachmentRef is the weak link from a message payload to an attachment.
type AttachmentRef struct {
	ID   string `json:"id" msgpack:"id"`
	Name string `json:"name,omitempty" msgpack:"name"`
	MIME string `json:"mime" msgpack:"mime"`
	Size int64  `json:"size" msgpack:"size"`
}

// Payload is the content of a message.
// A tombstoned payload has Deleted set and no text or attachment.
type Payload struct {
	Text       string         `json:"text,omitempty" msgpack:"text"`
	Attachment *AttachmentRef `json:"attachment,omitempty" msgpack:"attachment"`
	Deleted    bool           `json:"deleted,omitempty" msgpack:"deleted"`
}

// Tombstone is the deletion marker payload.
func Tombstone() Payload { return Payload{Deleted: true} }

// Message is a persisted chat message.
// Seq is zero until the message is sequenced; scheduled messages receive
// their sequence on promotion.
type Message struct {
	ID            string
	RoomID        string
	SenderID      string
	Seq           int64
	Type          MessageType
	Payload       Payload
	ClientMsgID   string
	CreatedAt     time.Time
	ScheduledFor  *time.Time
	State         DeliveryState
	FailureReason string
	DeletedAt     *time.Time
}

// Sequenced reports whether the message has a room sequence number.
func (m Message) Sequenced() bool { return m.Seq > 0 }

// ReadReceipt is the per (room, user) last acknowledged sequence.
type ReadReceipt struct {
	RoomID      string    `json:"roomId"`
	UserID      string    `json:"userId"`
	LastReadSeq int64     `json:"lastReadSeq"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
