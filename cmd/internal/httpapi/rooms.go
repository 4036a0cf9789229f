package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/realtime"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/rooms"
	v1 "github.com/vnioa/StudyMate-sub002/shared/contracts/realtime/v1"
)

func (h *Handler) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	room, err := h.deps.Rooms.Create(r.Context(), rooms.CreateInput{
		Kind:    chat.RoomKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Title:   req.Title,
		OwnerID: userID,
		Members: req.Members,
		Now:     h.now(),
	})
	if err != nil {
		h.fail(w, "api.rooms.create.fail", err)
		return
	}
	h.log.Info("api.rooms.created", "room_id", room.ID, "kind", room.Kind, "owner_id", userID, "members", len(room.Members))
	writeJSON(w, http.StatusCreated, toRoomResponse(room))
}

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	list, err := h.deps.Rooms.ListForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, "api.rooms.list.fail", err)
		return
	}
	out := roomsResponse{Rooms: make([]roomResponse, 0, len(list))}
	for _, room := range list {
		out.Rooms = append(out.Rooms, toRoomResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	before, err := queryInt(q.Get("before"))
	if err != nil || before < 0 {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid before")
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid limit")
		return
	}

	roomID := r.PathValue("id")
	page, err := h.deps.Chat.History(r.Context(), userID, roomID, before, int(limit))
	if err != nil {
		h.fail(w, "api.history.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.HistoryPayload{
		RoomID:     roomID,
		Messages:   realtime.ToWireAll(page.Messages),
		HasMore:    page.HasMore,
		NextBefore: page.NextBefore,
	})
}

func (h *Handler) handleReadState(w http.ResponseWriter, r *http.Request) {
	const op = "api.readState"
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	room, err := h.memberRoom(r, op, userID)
	if err != nil {
		h.fail(w, "api.read_state.fail", err)
		return
	}

	mine, err := h.deps.Presence.Receipt(ctx, room.ID, userID)
	if err != nil {
		h.fail(w, "api.read_state.fail", err)
		return
	}
	latest, err := h.deps.Messages.LatestSeq(ctx, room.ID)
	if err != nil {
		h.fail(w, "api.read_state.fail", err)
		return
	}
	all, err := h.deps.Presence.Receipts(ctx, room.ID)
	if err != nil {
		h.fail(w, "api.read_state.fail", err)
		return
	}
	if all == nil {
		all = []chat.ReadReceipt{}
	}

	writeJSON(w, http.StatusOK, readStateResponse{
		RoomID:      room.ID,
		LastReadSeq: mine.LastReadSeq,
		LatestSeq:   latest,
		Unread:      max(latest-mine.LastReadSeq, 0),
		Receipts:    all,
		Online:      h.deps.Presence.OnlineMembersOf(ctx, room.ID),
	})
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	msg, err := h.deps.Chat.Delete(r.Context(), userID, strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		h.fail(w, "api.messages.delete.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, v1.MessageDeletedPayload{MessageID: msg.ID, RoomID: msg.RoomID, Seq: msg.Seq})
}

func queryInt(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
