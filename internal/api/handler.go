// Package api provides HTTP handlers for chatbot settings, operators and health.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/go-playground/validator/v10"
)

// Operator performs human-operator actions on a chat room.
type Operator interface {
	SendOperatorMessage(ctx context.Context, chatRoomID, author, content string) (*domain.Message, error)
	ReleaseChatRoom(ctx context.Context, chatRoomID string) error
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	operator Operator
	validate *validator.Validate
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, operator Operator) *Handler {
	return &Handler{
		repo:     repo,
		operator: operator,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
