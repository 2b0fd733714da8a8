package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/chatrelay/internal/auth"
	"github.com/vedran77/chatrelay/internal/repository"
	"github.com/vedran77/chatrelay/internal/service"
	"github.com/vedran77/chatrelay/pkg/protocol"
	"nhooyr.io/websocket"
)

const releaseTimeout = 5 * time.Second

// Sessions reference-counts the users connected to this node.
type Sessions interface {
	Acquire(ctx context.Context, userID uuid.UUID) error
	Release(ctx context.Context, userID uuid.UUID)
}

type Options struct {
	JWTSecret             string
	RejectUnauthenticated bool
	SendBuffer            int
}

// Handler upgrades HTTP requests to chat connections.
type Handler struct {
	hub      *Hub
	chat     ChatService
	sessions Sessions
	users    repository.UserRepository
	opts     Options
	log      *slog.Logger
}

func NewHandler(hub *Hub, chat ChatService, sessions Sessions, users repository.UserRepository, opts Options, log *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		chat:     chat,
		sessions: sessions,
		users:    users,
		opts:     opts,
		log:      log,
	}
}

// ServeHTTP authenticates via ?token=xxx (WebSocket can't send headers) and
// serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := uuid.Nil
	var expires time.Time
	claims, err := auth.ParseToken(r.URL.Query().Get("token"), h.opts.JWTSecret)
	switch {
	case err == nil:
		userID = claims.UserID
		expires = claims.ExpiresAt
		if err := h.users.Upsert(ctx, claims.User(time.Now())); err != nil {
			h.log.Error("ws: saving user profile", "user", userID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	case h.opts.RejectUnauthenticated:
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	default:
		h.log.Debug("ws: accepting unauthenticated connection", "remote", r.RemoteAddr)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin (dev mode)
	})
	if err != nil {
		h.log.Warn("ws: accept error", "error", err)
		return
	}

	// The binding must be in place before the snapshot is read.
	if userID != uuid.Nil {
		if err := h.sessions.Acquire(ctx, userID); err != nil {
			h.log.Error("ws: binding user", "user", userID, "error", err)
			conn.Close(websocket.StatusTryAgainLater, "routing unavailable")
			return
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			h.sessions.Release(rctx, userID)
		}()
	}

	client := NewClient(h.hub, conn, userID, h.chat, h.opts.SendBuffer, h.log)
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.hub.Unregister(client)

	if !expires.IsZero() {
		expiry := time.AfterFunc(time.Until(expires), func() {
			h.log.Info("ws: credentials expired", "user", userID)
			conn.Close(protocol.CloseUnauthorized, "credentials expired")
		})
		defer expiry.Stop()
	}

	go client.WritePump()
	h.sendSnapshot(ctx, client)
	client.ReadPump(ctx)
}

// sendSnapshot queues connection:success ahead of any event the hub already
// holds for the client.
func (h *Handler) sendSnapshot(ctx context.Context, client *Client) {
	if client.userID == uuid.Nil {
		code, message, _ := service.Describe(service.ErrUnauthenticated)
		client.sendError(code, message)
		client.markReady(nil)
		return
	}

	channels, err := h.chat.ListChannels(ctx, client.userID)
	if err != nil {
		h.log.Error("ws: building snapshot", "user", client.userID, "error", err)
		client.shutdown()
		return
	}

	data, err := protocol.Encode(protocol.TypeConnectionSuccess, "", protocol.SnapshotPayload{Channels: channels})
	if err != nil {
		h.log.Error("ws: encoding snapshot", "user", client.userID, "error", err)
		client.shutdown()
		return
	}
	client.markReady(data)
	h.log.Info("ws: client synced", "user", client.userID, "channels", len(channels))
}
