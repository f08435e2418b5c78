//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/leadchat/internal/agent"
	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/live"
	"github.com/ashureev/leadchat/internal/store"
	"github.com/go-chi/chi/v5"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type apiEnv struct {
	store    *store.SQLiteStore
	domain   *domain.Domain
	customer *domain.Customer
	router   http.Handler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	owner := &domain.Owner{Name: "Owner", Email: "owner@shop.test"}
	if err := s.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("CreateOwner failed: %v", err)
	}
	d := &domain.Domain{Name: "Sunny Shop", OwnerID: owner.ID, WelcomeMessage: "Hi there", Helpdesk: true}
	if err := s.CreateDomain(ctx, d); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}
	c, err := s.CreateCustomer(ctx, d.ID, "bob@x.io", d.Questions)
	if err != nil {
		t.Fatalf("CreateCustomer failed: %v", err)
	}

	orch, err := agent.NewOrchestrator(agent.Deps{
		Repo:        s,
		Provider:    agent.NewMockProvider(),
		Broadcaster: live.NewHub(nil),
	}, agent.Options{})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	r := chi.NewRouter()
	NewHandler(s, orch).RegisterRoutes(r)
	NewHealthHandler(s, nil, 0).RegisterHealth(r)
	return &apiEnv{store: s, domain: d, customer: c, router: r}
}

func (e *apiEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestGetChatBot(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(http.MethodGet, "/api/domains/"+env.domain.ID+"/chatbot", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got chatBotResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Name != "Sunny Shop" || got.WelcomeMessage != "Hi there" || !got.Helpdesk {
		t.Errorf("unexpected chatbot: %+v", got)
	}

	if rec := env.do(http.MethodGet, "/api/domains/missing/chatbot", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing domain status = %d, want 404", rec.Code)
	}
}

func TestOperatorMessageAndTranscript(t *testing.T) {
	env := newAPIEnv(t)
	roomPath := "/api/chatrooms/" + env.customer.ChatRoom.ID

	rec := env.do(http.MethodPost, roomPath+"/messages", `{"author":"Dana","content":"  Hi Bob, Dana here.  "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var msg domain.Message
	if err := json.NewDecoder(rec.Body).Decode(&msg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Role != domain.RoleAssistant || msg.Content != "Hi Bob, Dana here." {
		t.Errorf("unexpected message: %+v", msg)
	}

	rec = env.do(http.MethodGet, roomPath+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var transcript transcriptResponse
	if err := json.NewDecoder(rec.Body).Decode(&transcript); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if transcript.ChatRoom.ID != env.customer.ChatRoom.ID || len(transcript.Messages) != 1 {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}

func TestOperatorBadRequests(t *testing.T) {
	env := newAPIEnv(t)
	roomPath := "/api/chatrooms/" + env.customer.ChatRoom.ID

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty content", http.MethodPost, roomPath + "/messages", `{"author":"Dana","content":"   "}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, roomPath + "/messages", `{"author":"Dana","content":"x","live":true}`, http.StatusBadRequest},
		{"trailing data", http.MethodPost, roomPath + "/messages", `{"author":"Dana","content":"x"}{}`, http.StatusBadRequest},
		{"unknown room post", http.MethodPost, "/api/chatrooms/missing/messages", `{"author":"Dana","content":"x"}`, http.StatusNotFound},
		{"unknown room list", http.MethodGet, "/api/chatrooms/missing/messages", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, roomPath + "/messages?limit=-1", "", http.StatusBadRequest},
		{"unknown room release", http.MethodPost, "/api/chatrooms/missing/release", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestReleaseClearsLiveAndMailed(t *testing.T) {
	env := newAPIEnv(t)
	ctx := context.Background()
	on := true
	if err := env.store.UpdateChatRoom(ctx, env.customer.ChatRoom.ID, domain.ChatRoomUpdate{Live: &on, Mailed: &on}); err != nil {
		t.Fatalf("UpdateChatRoom failed: %v", err)
	}

	rec := env.do(http.MethodPost, "/api/chatrooms/"+env.customer.ChatRoom.ID+"/release", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	room, err := env.store.GetChatRoom(ctx, env.customer.ChatRoom.ID)
	if err != nil {
		t.Fatalf("GetChatRoom failed: %v", err)
	}
	if room.Live || room.Mailed {
		t.Errorf("room not released: %+v", room)
	}
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	if rec := env.do(http.MethodGet, "/api/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })
	h := NewHealthHandler(env.store, down, 0)
	checks, healthy := h.Check(context.Background())
	if healthy || checks["redis"] != "unreachable" || checks["database"] != "ok" {
		t.Fatalf("checks = %v healthy = %v", checks, healthy)
	}

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
}
