package httpapi

import (
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/scheduler"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

type createRoomRequest struct {
	Kind    string   `json:"kind"`
	Title   string   `json:"title"`
	Members []string `json:"members"`
}

type roomResponse struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Title      string     `json:"title,omitempty"`
	OwnerID    string     `json:"ownerId"`
	Members    []string   `json:"members"`
	CreatedAt  time.Time  `json:"createdAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

type roomsResponse struct {
	Rooms []roomResponse `json:"rooms"`
}

type readStateResponse struct {
	RoomID      string             `json:"roomId"`
	LastReadSeq int64              `json:"lastReadSeq"`
	LatestSeq   int64              `json:"latestSeq"`
	Unread      int64              `json:"unread"`
	Receipts    []chat.ReadReceipt `json:"receipts"`
	Online      []string           `json:"online"`
}

type attachmentResponse struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"roomId"`
	MessageID  string     `json:"messageId,omitempty"`
	Name       string     `json:"name"`
	MIME       string     `json:"mime"`
	Size       int64      `json:"size"`
	Compressed bool       `json:"compressed"`
	Encrypted  bool       `json:"encrypted"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type expiryRequest struct {
	ExpiresAt *time.Time `json:"expiresAt"`
}

type scheduleRequest struct {
	Message string    `json:"message"`
	Date    time.Time `json:"date"`
}

type scheduleResponse struct {
	Entry   scheduler.Entry `json:"entry"`
	Message v1.Message      `json:"message"`
}

type scheduledListResponse struct {
	Entries []scheduler.Entry `json:"entries"`
}

type pushTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

func toRoomResponse(r chat.Room) roomResponse {
	return roomResponse{
		ID:         r.ID,
		Kind:       string(r.Kind),
		Title:      r.Title,
		OwnerID:    r.OwnerID,
		Members:    r.Members,
		CreatedAt:  r.CreatedAt,
		ArchivedAt: r.ArchivedAt,
	}
}

func toAttachmentResponse(a attachments.Attachment) attachmentResponse {
	return attachmentResponse{
		ID:         a.ID,
		RoomID:     a.RoomID,
		MessageID:  a.MessageID,
		Name:       a.Name,
		MIME:       a.MIME,
		Size:       a.Size,
		Compressed: a.Compressed,
		Encrypted:  a.Encrypted(),
		ExpiresAt:  a.ExpiresAt,
		CreatedAt:  a.CreatedAt,
	}
}
