package httpapi

import (
	"net/http"
	"strings"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

func (h *Handler) handleRegisterPushToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req pushTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.deps.Tokens.Register(r.Context(), userID, strings.TrimSpace(req.Token), strings.TrimSpace(req.Platform), h.now()); err != nil {
		h.fail(w, "api.push_tokens.register.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemovePushToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req pushTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "missing token")
		return
	}
	if err := h.deps.Tokens.Remove(r.Context(), userID, token); err != nil {
		h.fail(w, "api.push_tokens.remove.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
