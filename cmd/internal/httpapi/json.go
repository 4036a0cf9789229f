package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// httpStatus maps a taxonomy error to its REST status.
func httpStatus(err error) int {
	switch chat.Code(err) {
	case chat.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case chat.CodeValidation:
		return http.StatusBadRequest
	case chat.CodeAuthRequired:
		return http.StatusUnauthorized
	case chat.CodeForbidden, chat.CodeNotAMember:
		return http.StatusForbidden
	case chat.CodeRoomNotFound, chat.CodeMessageNotFound, chat.CodeAttachmentAbsent, chat.CodeScheduledAbsent:
		return http.StatusNotFound
	case chat.CodeAlreadyDelivered:
		return http.StatusConflict
	case chat.CodeGone:
		return http.StatusGone
	case chat.CodeRoomClosed:
		return http.StatusLocked
	case chat.CodeConnectionClosed:
		return http.StatusServiceUnavailable
	case chat.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error body. Errors outside the taxonomy are
// logged under event and reported as internal.
func (h *Handler) fail(w http.ResponseWriter, event string, err error) {
	if !chat.Public(err) {
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, chat.CodeInternal, "internal error")
		return
	}
	writeError(w, httpStatus(err), chat.Code(err), err.Error())
}
