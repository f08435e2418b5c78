package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
)

type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	prompts []string
	delay   time.Duration
}

func (p *scriptedProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	i := len(p.prompts)
	p.prompts = append(p.prompts, prompt)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if len(p.replies) == 0 {
		return "", nil
	}
	if i < len(p.replies) {
		return p.replies[i], nil
	}
	return p.replies[len(p.replies)-1], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *scriptedProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prompts) == 0 {
		return ""
	}
	return p.prompts[len(p.prompts)-1]
}

type broadcastCall struct {
	chatRoomID string
	message    string
	role       domain.Role
	author     string
}

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
	err   error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, chatRoomID, message string, role domain.Role, author string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{chatRoomID, message, role, author})
	return b.err
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type recordingNotifier struct {
	mu     sync.Mutex
	emails []string
	err    error
}

func (n *recordingNotifier) NotifyOwner(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, email)
	return n.err
}

func (n *recordingNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.emails)
}

type testEnv struct {
	store    *store.SQLiteStore
	domain   *domain.Domain
	provider *scriptedProvider
	live     *recordingBroadcaster
	notifier *recordingNotifier
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, provider *scriptedProvider, questions ...string) *testEnv {
	t.Helper()
	return newTestEnvWithRepo(t, provider, nil, questions...)
}

// newTestEnvWithRepo builds an environment whose orchestrator uses wrap(store)
// as its repository when wrap is not nil.
func newTestEnvWithRepo(t *testing.T, provider *scriptedProvider, wrap func(store.Repository) store.Repository, questions ...string) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	owner := &domain.Owner{Name: "Owner", Email: "owner@shop.test"}
	if err := s.CreateOwner(ctx, owner); err != nil {
		t.Fatalf("CreateOwner failed: %v", err)
	}
	d := &domain.Domain{Name: "Sunny Shop", OwnerID: owner.ID}
	for _, q := range questions {
		d.Questions = append(d.Questions, domain.Question{Text: q})
	}
	if err := s.CreateDomain(ctx, d); err != nil {
		t.Fatalf("CreateDomain failed: %v", err)
	}

	var repo store.Repository = s
	if wrap != nil {
		repo = wrap(s)
	}

	env := &testEnv{
		store:    s,
		domain:   d,
		provider: provider,
		live:     &recordingBroadcaster{},
		notifier: &recordingNotifier{},
	}
	env.orch, err = NewOrchestrator(Deps{
		Repo:        repo,
		Provider:    provider,
		Broadcaster: env.live,
		Notifier:    env.notifier,
	}, Options{
		CompletionTimeout: 2 * time.Second,
		Retry:             RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		PortalBaseURL:     "https://portal.test",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return env
}

func (e *testEnv) customer(t *testing.T, email string) *domain.Customer {
	t.Helper()
	c, err := e.store.FindCustomerByEmailPrefix(context.Background(), e.domain.ID, email)
	if err != nil {
		t.Fatalf("FindCustomerByEmailPrefix failed: %v", err)
	}
	return c
}

func (e *testEnv) createCustomer(t *testing.T, email string) *domain.Customer {
	t.Helper()
	c, err := e.store.CreateCustomer(context.Background(), e.domain.ID, email, e.domain.Questions)
	if err != nil {
		t.Fatalf("CreateCustomer failed: %v", err)
	}
	return c
}

func (e *testEnv) setLive(t *testing.T, chatRoomID string) {
	t.Helper()
	live := true
	if err := e.store.UpdateChatRoom(context.Background(), chatRoomID, domain.ChatRoomUpdate{Live: &live}); err != nil {
		t.Fatalf("UpdateChatRoom failed: %v", err)
	}
}

func (e *testEnv) room(t *testing.T, chatRoomID string) *domain.ChatRoom {
	t.Helper()
	room, err := e.store.GetChatRoom(context.Background(), chatRoomID)
	if err != nil {
		t.Fatalf("GetChatRoom failed: %v", err)
	}
	return room
}

func (e *testEnv) messages(t *testing.T, chatRoomID string) []*domain.Message {
	t.Helper()
	msgs, err := e.store.ListMessages(context.Background(), chatRoomID, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	return msgs
}

func (e *testEnv) send(t *testing.T, transcript []domain.Turn, message string) (Result, error) {
	t.Helper()
	return e.orch.HandleMessage(context.Background(), Request{
		DomainID:   e.domain.ID,
		Transcript: transcript,
		Author:     domain.RoleUser,
		Message:    message,
	})
}

func userTurn(content string) domain.Turn {
	return domain.Turn{Role: domain.RoleUser, Content: content}
}

func assistantTurn(content string) domain.Turn {
	return domain.Turn{Role: domain.RoleAssistant, Content: content}
}
