// Package httpapi is the REST surface of the chat service: rooms, history,
// read state, attachments, scheduled messages and push token registration.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/attachments"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/auth/session"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/messages"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/notify"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/presence"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/realtime"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/rooms"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/scheduler"
)

// Deps are the services behind the endpoints. Files, Scheduler and Tokens are
// optional; their routes are not mounted when nil.
type Deps struct {
	Auth      session.Verifier
	Rooms     rooms.Directory
	Messages  messages.Store
	Chat      *realtime.Manager
	Presence  *presence.Tracker
	Files     *attachments.Pipeline
	Scheduler *scheduler.Service
	Tokens    notify.TokenStore
}

type Handler struct {
	log  *slog.Logger
	cfg  Config
	deps Deps

	uploads *uploadLimiter
	now     func() time.Time
}

type Option func(*Handler)

func WithClock(now func() time.Time) Option { return func(h *Handler) { h.now = now } }

func NewHandler(log *slog.Logger, cfg Config, deps Deps, opts ...Option) (*Handler, error) {
	if deps.Auth == nil || deps.Rooms == nil || deps.Messages == nil || deps.Chat == nil || deps.Presence == nil {
		return nil, errors.New("httpapi: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()
	h := &Handler{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		uploads: newUploadLimiter(cfg.UploadsPerMinute, cfg.UploadBurst),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /rooms", h.handleCreateRoom)
	mux.HandleFunc("GET /rooms", h.handleListRooms)
	mux.HandleFunc("GET /rooms/{id}/messages", h.handleHistory)
	mux.HandleFunc("GET /rooms/{id}/read-state", h.handleReadState)
	mux.HandleFunc("DELETE /messages/{id}", h.handleDeleteMessage)

	if h.deps.Files != nil {
		mux.HandleFunc("POST /rooms/{id}/attachments", h.handleUpload)
		mux.HandleFunc("GET /attachments/{id}", h.handleDownload)
		mux.HandleFunc("PUT /attachments/{id}/expiry", h.handleSetExpiry)
	}
	if h.deps.Scheduler != nil {
		mux.HandleFunc("POST /chats/{id}/schedule-message", h.handleSchedule)
		mux.HandleFunc("GET /chats/{id}/scheduled", h.handleListScheduled)
		mux.HandleFunc("DELETE /scheduled/{id}", h.handleCancelScheduled)
	}
	if h.deps.Tokens != nil {
		mux.HandleFunc("POST /push-tokens", h.handleRegisterPushToken)
		mux.HandleFunc("DELETE /push-tokens", h.handleRemovePushToken)
	}
}

// requireAuth writes 401 and returns false when the bearer token is missing or invalid.
func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, err := h.deps.Auth.Verify(session.BearerToken(r), h.now())
	if err != nil {
		writeError(w, http.StatusUnauthorized, chat.CodeAuthRequired, "missing or invalid token")
		return "", false
	}
	return claims.UserID, true
}

// memberRoom loads the room named by the {id} path value and checks that userID belongs to it.
func (h *Handler) memberRoom(r *http.Request, op, userID string) (chat.Room, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return chat.Room{}, chat.Invalid(op, "missing room id")
	}
	room, err := h.deps.Rooms.Get(r.Context(), id)
	if err != nil {
		return chat.Room{}, err
	}
	if !room.HasMember(userID) {
		return chat.Room{}, chat.OpError{Op: op, Kind: chat.ErrNotAMember}
	}
	return room, nil
}
