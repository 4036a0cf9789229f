package httpapi

import (
	"net/http"
	"strings"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/realtime"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/scheduler"
)

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	entry, msg, err := h.deps.Scheduler.Schedule(r.Context(), scheduler.ScheduleInput{
		RoomID:   strings.TrimSpace(r.PathValue("id")),
		SenderID: userID,
		Text:     req.Message,
		DueAt:    req.Date,
	})
	if err != nil {
		h.fail(w, "api.scheduled.create.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleResponse{Entry: entry, Message: realtime.ToWire(msg)})
}

func (h *Handler) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	room, err := h.memberRoom(r, "api.scheduled.list", userID)
	if err != nil {
		h.fail(w, "api.scheduled.list.fail", err)
		return
	}
	entries, err := h.deps.Scheduler.List(r.Context(), room.ID, userID)
	if err != nil {
		h.fail(w, "api.scheduled.list.fail", err)
		return
	}
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, scheduledListResponse{Entries: entries})
}

func (h *Handler) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	entry, err := h.deps.Scheduler.Cancel(r.Context(), strings.TrimSpace(r.PathValue("id")), userID)
	if err != nil {
		h.fail(w, "api.scheduled.cancel.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
