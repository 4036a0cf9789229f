package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

// reply is what a handler sends back to the requesting connection. An empty
// type sends nothing.
type reply struct {
	typ     string
	payload any
}

func ack(payload any) reply { return reply{typ: v1.TypeAck, payload: payload} }

type handlerFunc func(ctx context.Context, c *Client, raw json.RawMessage) (reply, error)

// typed decodes the payload into T before calling fn.
func typed[T any](fn func(ctx context.Context, c *Client, p T) (reply, error)) handlerFunc {
	return func(ctx context.Context, c *Client, raw json.RawMessage) (reply, error) {
		var p T
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return reply{}, chat.Invalid("realtime.decode", "invalid payload")
			}
		}
		return fn(ctx, c, p)
	}
}

func (m *Manager) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		v1.TypeJoinRoom:         typed(m.onJoinRoom),
		v1.TypeLeaveRoom:        typed(m.onLeaveRoom),
		v1.TypeSendMessage:      typed(m.onSendMessage),
		v1.TypeFetchHistory:     typed(m.onFetchHistory),
		v1.TypeDeleteMessage:    typed(m.onDeleteMessage),
		v1.TypeUpdateReadStatus: typed(m.onUpdateReadStatus),
		v1.TypeHeartbeat:        typed(m.onHeartbeat),
	}
}

// Dispatch runs the handler for env and queues the reply, or an error
// envelope, on c. Both carry env.ID in replyTo.
func (m *Manager) Dispatch(ctx context.Context, c *Client, env v1.Envelope) {
	var (
		r   reply
		err error
	)
	if verr := env.Validate(); verr != nil {
		err = chat.Invalid("realtime.Dispatch", verr.Error())
	} else if h := m.handlers[env.Type]; h == nil {
		err = chat.Invalid("realtime.Dispatch", "unsupported type: "+env.Type)
	} else {
		r, err = h(ctx, c, env.Payload)
	}

	if err != nil {
		m.met.WSEvent(env.Type, chat.Code(err))
		if !chat.Public(err) {
			m.log.Error("ws.event.fail", "conn_id", c.ID, "type", env.Type, "err", err)
		}
		m.deliverTo(c, newEnvelope(v1.TypeError, env.ID, errorPayload(err), m.now()))
		return
	}
	m.met.WSEvent(env.Type, "ok")
	if r.typ != "" {
		m.deliverTo(c, newEnvelope(r.typ, env.ID, r.payload, m.now()))
	}
}

// sameUser rejects payloads that name somebody other than the connection owner.
func sameUser(op string, c *Client, userID string) error {
	if u := strings.TrimSpace(userID); u != "" && u != c.UserID {
		return chat.OpError{Op: op, Kind: chat.ErrForbidden, Msg: "userId does not match the connection"}
	}
	return nil
}

func (m *Manager) onJoinRoom(ctx context.Context, c *Client, p v1.JoinRoomPayload) (reply, error) {
	if err := sameUser("realtime.joinRoom", c, p.UserID); err != nil {
		return reply{}, err
	}
	res, err := m.JoinRoom(ctx, c, p.RoomID)
	if err != nil {
		return reply{}, err
	}
	return ack(v1.JoinRoomAck{RoomID: res.RoomID, LastReadSeq: res.LastReadSeq, LatestSeq: res.LatestSeq}), nil
}

func (m *Manager) onLeaveRoom(ctx context.Context, c *Client, p v1.LeaveRoomPayload) (reply, error) {
	if err := m.LeaveRoom(ctx, c, p.RoomID); err != nil {
		return reply{}, err
	}
	return ack(v1.LeaveRoomPayload{RoomID: p.RoomID}), nil
}

func (m *Manager) onSendMessage(ctx context.Context, c *Client, p v1.SendMessagePayload) (reply, error) {
	const op = "realtime.sendMessage"
	if err := sameUser(op, c, p.UserID); err != nil {
		return reply{}, err
	}
	in := SendInput{
		RoomID:       p.RoomID,
		Type:         chat.MessageType(p.Type),
		Text:         p.Content,
		ClientMsgID:  p.ClientMsgID,
		AttachmentID: p.AttachmentID,
	}
	if f := p.File; f != nil {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return reply{}, chat.Invalid(op, "file data is not base64")
		}
		in.File = &InlineFile{Name: f.Name, MIME: f.MIME, Size: f.Size, Data: data, Compress: f.Compress, Encrypt: f.Encrypt}
		if in.Type == "" {
			in.Type = chat.MessageFile
		}
	}
	if in.Type == "" && in.AttachmentID != "" {
		in.Type = chat.MessageFile
	}

	res, err := m.Send(ctx, c, in)
	if err != nil {
		return reply{}, err
	}
	return ack(v1.SendMessageAck{
		MessageID:   res.Message.ID,
		RoomID:      res.Message.RoomID,
		Seq:         res.Message.Seq,
		ClientMsgID: res.Message.ClientMsgID,
		Duplicate:   res.Duplicate,
	}), nil
}

func (m *Manager) onFetchHistory(ctx context.Context, c *Client, p v1.FetchHistoryPayload) (reply, error) {
	if c.Closed() {
		return reply{}, closedErr("realtime.fetchHistory")
	}
	page, err := m.History(ctx, c.UserID, p.RoomID, p.Before, p.Limit)
	if err != nil {
		return reply{}, err
	}
	return reply{typ: v1.TypeHistory, payload: v1.HistoryPayload{
		RoomID:     p.RoomID,
		Messages:   ToWireAll(page.Messages),
		HasMore:    page.HasMore,
		NextBefore: page.NextBefore,
	}}, nil
}

func (m *Manager) onDeleteMessage(ctx context.Context, c *Client, p v1.DeleteMessagePayload) (reply, error) {
	if c.Closed() {
		return reply{}, closedErr("realtime.deleteMessage")
	}
	msg, err := m.Delete(ctx, c.UserID, strings.TrimSpace(p.MessageID))
	if err != nil {
		return reply{}, err
	}
	return ack(v1.MessageDeletedPayload{MessageID: msg.ID, RoomID: msg.RoomID, Seq: msg.Seq}), nil
}

func (m *Manager) onUpdateReadStatus(ctx context.Context, c *Client, p v1.ReadStatusPayload) (reply, error) {
	const op = "realtime.updateReadStatus"
	if c.Closed() {
		return reply{}, closedErr(op)
	}
	if err := sameUser(op, c, p.UserID); err != nil {
		return reply{}, err
	}
	r, err := m.Acknowledge(ctx, c.UserID, p.RoomID, p.Sequence)
	if err != nil {
		return reply{}, err
	}
	return ack(v1.ReadStatusPayload{RoomID: r.RoomID, UserID: r.UserID, Sequence: r.LastReadSeq}), nil
}

func (m *Manager) onHeartbeat(ctx context.Context, c *Client, _ struct{}) (reply, error) {
	return reply{}, m.Heartbeat(c)
}
