package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/service"
	"github.com/vedran77/chatrelay/internal/transport/http/middleware"
)

type ChatReader interface {
	ListChannels(ctx context.Context, caller uuid.UUID) ([]domain.ChannelWithMessages, error)
	ServerName() string
}

// Presence lists the users connected to this node.
type Presence interface {
	Users() []uuid.UUID
}

type ChatHandler struct {
	chat     ChatReader
	presence Presence
	log      *slog.Logger
}

func NewChatHandler(chat ChatReader, log *slog.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, log: log}
}

// SetPresence adds the connected user count to the health report.
func (h *ChatHandler) SetPresence(p Presence) {
	h.presence = p
}

func (h *ChatHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.presence != nil {
		body["connectedUsers"] = len(h.presence.Users())
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *ChatHandler) ServerName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": h.chat.ServerName()})
}

func (h *ChatHandler) ListChannels(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	channels, err := h.chat.ListChannels(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "list channels", err)
		return
	}

	writeJSON(w, http.StatusOK, channels)
}

func (h *ChatHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	var verr *service.ValidationError
	if errors.As(err, &verr) {
		writeValidationErrors(w, verr.Fields)
		return
	}

	code, message, _ := service.Describe(err)
	status := http.StatusInternalServerError
	switch code {
	case service.CodeBadRequest:
		status = http.StatusBadRequest
	case service.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case service.CodeForbidden:
		status = http.StatusForbidden
	case service.CodeNotFound:
		status = http.StatusNotFound
	default:
		h.log.Error("http: request failed", "op", op, "error", err)
	}
	writeError(w, status, code, message)
}
