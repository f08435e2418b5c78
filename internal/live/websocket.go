package live

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// RoomLookup is the store surface the WebSocket handler needs.
type RoomLookup interface {
	GetChatRoom(ctx context.Context, id string) (*domain.ChatRoom, error)
}

// WebSocketHandler serves GET /ws/chatrooms/{id}.
type WebSocketHandler struct {
	rooms         RoomLookup
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(rooms RoomLookup, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		rooms:         rooms,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chatRoomID := chi.URLParam(r, "id")
	slog.Info("WebSocket connection request", "chat_room_id", chatRoomID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if _, err := h.rooms.GetChatRoom(r.Context(), chatRoomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "chat room not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to load chat room", "error", err, "chat_room_id", chatRoomID)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "chat_room_id", chatRoomID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "chat_room_id", chatRoomID)
		}
	}()

	sub := &wsSubscriber{conn: ws}
	h.hub.Register(chatRoomID, sub)
	defer h.hub.Unregister(chatRoomID, sub)

	h.readLoop(r.Context(), ws, chatRoomID)
	slog.Info("Live session ended", "chat_room_id", chatRoomID)
}

// readLoop answers pings until the client goes away. Room messages are sent
// over HTTP, so anything else is ignored.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, chatRoomID string) {
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "chat_room_id", chatRoomID)
			} else if ctx.Err() == nil {
				slog.Debug("WebSocket read error", "error", err, "chat_room_id", chatRoomID)
			}
			return
		}
		if msg.Type == "ping" {
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	return wsjson.Write(ctx, ws, v)
}
