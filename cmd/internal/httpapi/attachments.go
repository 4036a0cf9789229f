package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

// multipartMemory is how much of an upload is buffered before spilling to disk.
const multipartMemory = 8 << 20

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	const op = "api.attachments.upload"
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if allowed, retry := h.uploads.allow(userID, h.now()); !allowed {
		writeRateLimited(w, retry)
		return
	}

	room, err := h.memberRoom(r, op, userID)
	if err != nil {
		h.fail(w, "api.attachments.upload.fail", err)
		return
	}
	if room.Archived() {
		h.fail(w, "api.attachments.upload.fail", chat.OpError{Op: op, Kind: chat.ErrRoomClosed, Msg: "room is archived"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, chat.CodeFileTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid multipart body")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "missing file part")
		return
	}
	defer func() { _ = file.Close() }()

	opts := attachments.PrepareOptions{
		OwnerID: userID,
		RoomID:  room.ID,
		KeyRef:  strings.TrimSpace(r.FormValue("keyRef")),
	}
	if opts.Compress, err = formBool(r, "compress"); err != nil {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid compress flag")
		return
	}
	if opts.Encrypt, err = formBool(r, "encrypt"); err != nil {
		writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid encrypt flag")
		return
	}
	if raw := strings.TrimSpace(r.FormValue("expiresIn")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, chat.CodeValidation, "invalid expiresIn")
			return
		}
		exp := h.now().Add(d)
		opts.ExpiresAt = &exp
	}

	a, err := h.deps.Files.Prepare(r.Context(), attachments.File{
		Name: hdr.Filename,
		MIME: hdr.Header.Get("Content-Type"),
		Size: hdr.Size,
		Body: file,
	}, opts)
	if err != nil {
		h.fail(w, "api.attachments.upload.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAttachmentResponse(a))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	const op = "api.attachments.download"
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	id := strings.TrimSpace(r.PathValue("id"))
	meta, err := h.deps.Files.Stat(ctx, id)
	if err != nil {
		h.fail(w, "api.attachments.download.fail", err)
		return
	}
	member, err := h.deps.Rooms.IsMember(ctx, meta.RoomID, userID)
	if err != nil {
		h.fail(w, "api.attachments.download.fail", err)
		return
	}
	if !member {
		h.fail(w, "api.attachments.download.fail", chat.OpError{Op: op, Kind: chat.ErrNotAMember})
		return
	}

	rc, a, err := h.deps.Files.Open(ctx, id)
	if err != nil {
		h.fail(w, "api.attachments.download.fail", err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", a.MIME)
	if cd := mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}); cd != "" {
		w.Header().Set("Content-Disposition", cd)
	}
	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Info("api.attachments.download.copy_fail", "attachment_id", a.ID, "err", err)
	}
}

func (h *Handler) handleSetExpiry(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	var req expiryRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	a, err := h.deps.Files.SetExpiry(r.Context(), strings.TrimSpace(r.PathValue("id")), userID, req.ExpiresAt)
	if err != nil {
		h.fail(w, "api.attachments.expiry.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toAttachmentResponse(a))
}

func formBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
