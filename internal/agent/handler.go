package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/leadchat/internal/config"
	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// TurnHandler runs chat turns. *Orchestrator implements it.
type TurnHandler interface {
	HandleMessage(ctx context.Context, req Request) (Result, error)
}

var _ TurnHandler = (*Orchestrator)(nil)

// RateLimiter implements a per-visitor sliding window rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// startEviction periodically removes expired keys so the map does not grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.evict(time.Now())
			}
		}
	}()
}

func (r *RateLimiter) evict(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-r.window)
	for key, times := range r.requests {
		var fresh []time.Time
		for _, t := range times {
			if t.After(cutoff) {
				fresh = append(fresh, t)
			}
		}
		if len(fresh) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = fresh
		}
	}
}

// Handler serves the visitor chat endpoint.
type Handler struct {
	turns       TurnHandler
	rateLimiter *RateLimiter
	validate    *validator.Validate
	maxBodySize int64
}

// NewHandler creates a chat handler. cfg may be nil for defaults.
func NewHandler(turns TurnHandler, cfg *config.Config) *Handler {
	limit, window := 20, time.Minute
	if cfg != nil {
		limit, window = cfg.RateLimit.Requests, cfg.RateLimit.Window
	}
	return &Handler{
		turns:       turns,
		rateLimiter: NewRateLimiter(limit, window),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxBodySize: defaultMaxRequestBodySize,
	}
}

type chatTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content" validate:"max=8000"`
}

type chatRequest struct {
	Chat    []chatTurn `json:"chat" validate:"max=200,dive"`
	Author  string     `json:"author" validate:"omitempty,oneof=user"`
	Message string     `json:"message" validate:"required,max=4000"`
}

// HandleChat handles POST /api/domains/{domainID}/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	visitorID := identity.VisitorIDFromContext(r.Context())
	if visitorID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.rateLimiter.Allow(visitorID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	body.Message = strings.TrimSpace(body.Message)
	if err := h.validate.Struct(body); err != nil {
		http.Error(w, `{"error": "invalid chat request"}`, http.StatusBadRequest)
		return
	}

	req := Request{
		DomainID: chi.URLParam(r, "domainID"),
		Author:   domain.RoleUser,
		Message:  body.Message,
	}
	for _, t := range body.Chat {
		req.Transcript = append(req.Transcript, domain.Turn{Role: domain.Role(t.Role), Content: t.Content})
	}

	requestID := chiMiddleware.GetReqID(r.Context())
	if requestID != "" {
		w.Header().Set(chiMiddleware.RequestIDHeader, requestID)
	}
	slog.Info("Chat request",
		"domain_id", req.DomainID,
		"visitor_id", visitorID,
		"request_id", requestID,
		"history_len", len(req.Transcript),
		"message_length", len(req.Message),
	)

	res, err := h.turns.HandleMessage(r.Context(), req)
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, ErrInvalidRequest):
		http.Error(w, `{"error": "invalid chat request"}`, http.StatusBadRequest)
		return
	case err != nil:
		// The visitor gets no reply; the failure class is already logged.
		res = Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Warn("failed to encode chat response", "error", err)
	}
}

// RegisterRoutes registers the visitor chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/domains/{domainID}/chat", h.HandleChat)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}
