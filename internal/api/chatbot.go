package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/leadchat/internal/agent"
	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxOperatorBodySize bounds operator request bodies (64KB).
const maxOperatorBodySize = 64 << 10

// RegisterRoutes registers chatbot and operator routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/domains/{domainID}/chatbot", h.GetChatBot)
		r.Route("/chatrooms/{chatRoomID}", func(r chi.Router) {
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.PostMessage)
			r.Post("/release", h.Release)
		})
	})
}

type chatBotResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	WelcomeMessage string `json:"welcome_message"`
	Helpdesk       bool   `json:"helpdesk"`
}

// GetChatBot returns the public chatbot settings of a domain.
func (h *Handler) GetChatBot(w http.ResponseWriter, r *http.Request) {
	domainID := chi.URLParam(r, "domainID")
	d, err := h.repo.GetDomain(r.Context(), domainID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "domain not found")
			return
		}
		slog.Error("Failed to load chatbot", "error", err, "domain_id", domainID)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	JSON(w, http.StatusOK, chatBotResponse{
		ID:             d.ID,
		Name:           d.Name,
		WelcomeMessage: d.WelcomeMessage,
		Helpdesk:       d.Helpdesk,
	})
}

type transcriptResponse struct {
	ChatRoom *domain.ChatRoom  `json:"chat_room"`
	Messages []*domain.Message `json:"messages"`
}

// ListMessages returns a chat room's stored transcript. The optional limit
// query parameter keeps only the most recent messages.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatRoomID := chi.URLParam(r, "chatRoomID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	room, err := h.repo.GetChatRoom(r.Context(), chatRoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "chat room not found")
			return
		}
		slog.Error("Failed to load chat room", "error", err, "chat_room_id", chatRoomID)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), chatRoomID, limit)
	if err != nil {
		slog.Error("Failed to list messages", "error", err, "chat_room_id", chatRoomID)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}

	JSON(w, http.StatusOK, transcriptResponse{ChatRoom: room, Messages: msgs})
}

type operatorMessageRequest struct {
	Author  string `json:"author" validate:"required,max=100"`
	Content string `json:"content" validate:"required,max=4000"`
}

// PostMessage stores a message from a human operator and publishes it live.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	chatRoomID := chi.URLParam(r, "chatRoomID")

	r.Body = http.MaxBytesReader(w, r.Body, maxOperatorBodySize)
	var req operatorMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Author = strings.TrimSpace(req.Author)
	req.Content = strings.TrimSpace(req.Content)
	if err := h.validate.Struct(req); err != nil {
		Error(w, http.StatusBadRequest, "author and content are required")
		return
	}

	msg, err := h.operator.SendOperatorMessage(r.Context(), chatRoomID, req.Author, req.Content)
	if err != nil {
		h.operatorError(w, "send operator message", chatRoomID, err)
		return
	}

	JSON(w, http.StatusCreated, msg)
}

// Release hands a live chat room back to the bot.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	chatRoomID := chi.URLParam(r, "chatRoomID")

	if err := h.operator.ReleaseChatRoom(r.Context(), chatRoomID); err != nil {
		h.operatorError(w, "release chat room", chatRoomID, err)
		return
	}

	slog.Info("Chat room released", "chat_room_id", chatRoomID)
	JSON(w, http.StatusOK, map[string]interface{}{"chat_room_id": chatRoomID, "live": false})
}

func (h *Handler) operatorError(w http.ResponseWriter, op, chatRoomID string, err error) {
	if errors.Is(err, agent.ErrNotFound) {
		Error(w, http.StatusNotFound, "chat room not found")
		return
	}
	slog.Error("Operator action failed", "op", op, "error", err, "chat_room_id", chatRoomID)
	Error(w, http.StatusInternalServerError, "internal error")
}
