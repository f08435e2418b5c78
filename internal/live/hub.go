// Package live fans chat room messages out to connected WebSocket clients.
package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/coder/websocket"
)

// writeTimeout bounds a single delivery to one subscriber.
const writeTimeout = 5 * time.Second

// Event is the payload delivered to room subscribers.
type Event struct {
	Type       string      `json:"type"`
	ChatRoomID string      `json:"chatRoom"`
	Role       domain.Role `json:"role"`
	Author     string      `json:"author,omitempty"`
	Content    string      `json:"content"`
	SentAt     time.Time   `json:"sentAt"`
}

// EventMessage is the Event type for chat room messages.
const EventMessage = "message"

// Subscriber receives events for one room.
type Subscriber interface {
	Send(ctx context.Context, ev Event) error
	Close(reason string) error
}

// Hub tracks subscribers per chat room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[Subscriber]struct{}
	log   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		rooms: make(map[string]map[Subscriber]struct{}),
		log:   log,
	}
}

// Register adds sub to a room.
func (h *Hub) Register(chatRoomID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.rooms[chatRoomID]; !exists {
		h.rooms[chatRoomID] = make(map[Subscriber]struct{})
	}
	h.rooms[chatRoomID][sub] = struct{}{}
	h.log.Info("Live subscriber registered", "chat_room_id", chatRoomID, "subscribers", len(h.rooms[chatRoomID]))
}

// Unregister removes sub from a room.
func (h *Hub) Unregister(chatRoomID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.rooms[chatRoomID]
	if !ok {
		return
	}
	if _, exists := subs[sub]; !exists {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, chatRoomID)
	}
	h.log.Info("Live subscriber unregistered", "chat_room_id", chatRoomID)
}

// Subscribers returns the number of subscribers in a room.
func (h *Hub) Subscribers(chatRoomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatRoomID])
}

// Broadcast delivers a message to every subscriber of the room.
func (h *Hub) Broadcast(ctx context.Context, chatRoomID, message string, role domain.Role, author string) error {
	h.Deliver(ctx, NewEvent(chatRoomID, message, role, author))
	return nil
}

// NewEvent builds a message event stamped with the current time.
func NewEvent(chatRoomID, message string, role domain.Role, author string) Event {
	return Event{
		Type:       EventMessage,
		ChatRoomID: chatRoomID,
		Role:       role,
		Author:     author,
		Content:    message,
		SentAt:     time.Now().UTC(),
	}
}

// Deliver sends ev to the room's local subscribers. Subscribers that fail a
// write are closed and dropped.
func (h *Hub) Deliver(ctx context.Context, ev Event) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.rooms[ev.ChatRoomID]))
	for sub := range h.rooms[ev.ChatRoomID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := sub.Send(writeCtx, ev)
		cancel()
		if err != nil {
			h.log.Debug("Live delivery failed", "chat_room_id", ev.ChatRoomID, "error", err)
			_ = sub.Close("delivery failed")
			h.Unregister(ev.ChatRoomID, sub)
		}
	}
}

// CloseRoom disconnects every subscriber of a room.
func (h *Hub) CloseRoom(chatRoomID string) {
	h.mu.Lock()
	subs := h.rooms[chatRoomID]
	delete(h.rooms, chatRoomID)
	h.mu.Unlock()

	for sub := range subs {
		_ = sub.Close("room closed")
	}
	if len(subs) > 0 {
		h.log.Info("Live room closed", "chat_room_id", chatRoomID, "subscribers", len(subs))
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[Subscriber]struct{})
	h.mu.Unlock()

	for _, subs := range rooms {
		for sub := range subs {
			_ = sub.Close("server shutting down")
		}
	}
}

// wsSubscriber adapts a websocket.Conn to Subscriber.
type wsSubscriber struct {
	conn *websocket.Conn
}

func (s *wsSubscriber) Send(ctx context.Context, ev Event) error {
	return writeJSON(ctx, s.conn, ev)
}

func (s *wsSubscriber) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}
