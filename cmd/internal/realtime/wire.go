package realtime

import (
	"encoding/json"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

// ToWire converts a stored message to its protocol form. The REST API uses
// the same shape.
func ToWire(m chat.Message) v1.Message {
	out := v1.Message{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		Seq:           m.Seq,
		Type:          string(m.Type),
		Content:       m.Payload.Text,
		Deleted:       m.Payload.Deleted,
		ClientMsgID:   m.ClientMsgID,
		State:         string(m.State),
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		ScheduledFor:  m.ScheduledFor,
	}
	if a := m.Payload.Attachment; a != nil {
		out.Attachment = &v1.Attachment{ID: a.ID, Name: a.Name, MIME: a.MIME, Size: a.Size}
	}
	return out
}

// ToWireAll converts a page of messages.
func ToWireAll(ms []chat.Message) []v1.Message {
	out := make([]v1.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToWire(m))
	}
	return out
}

func newEnvelope(typ, replyTo string, payload any, ts time.Time) v1.Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		ReplyTo: replyTo,
		TS:      ts,
		Payload: raw,
	}
}

// errorPayload hides internal errors behind a generic message.
func errorPayload(err error) v1.ErrorPayload {
	code := chat.Code(err)
	if !chat.Public(err) {
		return v1.ErrorPayload{Code: code, Message: "internal error"}
	}
	return v1.ErrorPayload{Code: code, Message: err.Error()}
}
