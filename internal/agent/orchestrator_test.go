package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"go.uber.org/goleak"
	"google.golang.org/genai"
)

func TestAnonymousVisitorGetsNewLeadReply(t *testing.T) {
	p := &scriptedProvider{replies: []string{"Hi there! Welcome to Sunny Shop."}}
	env := newTestEnv(t, p, "What's your budget?")

	res, err := env.send(t, nil, "hi, I'm interested")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Response == nil || res.Response.Content != "Hi there! Welcome to Sunny Shop." {
		t.Fatalf("unexpected response: %+v", res.Response)
	}
	if res.Live || res.ChatRoomID != "" {
		t.Fatalf("anonymous turn must not be live or bound to a room: %+v", res)
	}

	prompt := p.lastPrompt()
	if !strings.HasPrefix(prompt, "SYSTEM: ") {
		t.Fatalf("prompt should start with the system instruction: %q", prompt)
	}
	if !strings.Contains(prompt, "email address") || !strings.Contains(prompt, "Sunny Shop") {
		t.Fatalf("expected new-lead instruction in prompt: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "USER: hi, I'm interested") {
		t.Fatalf("prompt should end with the new user turn: %q", prompt)
	}
}

func TestNewEmailCreatesCustomerAndWelcomes(t *testing.T) {
	p := &scriptedProvider{replies: []string{"unused"}}
	env := newTestEnv(t, p, "What's your budget?", "When do you need this?")

	res, err := env.send(t, nil, "my email is a@b.com")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	want := "Welcome aboard a! I'm glad to connect with you. Is there anything you need help with?"
	if res.Response == nil || res.Response.Content != want {
		t.Fatalf("response = %+v, want welcome", res.Response)
	}
	if p.calls() != 0 {
		t.Fatalf("welcome turn must not call the model, got %d calls", p.calls())
	}

	c := env.customer(t, "a@b.com")
	if c == nil {
		t.Fatal("customer was not created")
	}
	if len(c.Questions) != 2 {
		t.Fatalf("question snapshot has %d questions, want 2", len(c.Questions))
	}
	if res.ChatRoomID != c.ChatRoom.ID {
		t.Fatalf("ChatRoomID = %q, want %q", res.ChatRoomID, c.ChatRoom.ID)
	}
	if c.ChatRoom.Live || c.ChatRoom.Mailed {
		t.Fatalf("new chat room should be neither live nor mailed: %+v", c.ChatRoom)
	}
}

func TestRepeatedEmailDoesNotCreateSecondCustomer(t *testing.T) {
	p := &scriptedProvider{replies: []string{"How can I help?"}}
	env := newTestEnv(t, p, "Q1")

	if _, err := env.send(t, nil, "a@b.com"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	first := env.customer(t, "a@b.com")

	res, err := env.send(t, []domain.Turn{userTurn("a@b.com")}, "it's a@b.com again")
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if res.Response == nil || strings.HasPrefix(res.Response.Content, "Welcome aboard") {
		t.Fatalf("second turn should be handled by the bot, got %+v", res.Response)
	}
	if again := env.customer(t, "a@b.com"); again.ID != first.ID {
		t.Fatalf("customer changed: %s -> %s", first.ID, again.ID)
	}
}

func TestLiveRoomPersistsBroadcastsAndNotifiesOnce(t *testing.T) {
	p := &scriptedProvider{replies: []string{"should not be used"}}
	env := newTestEnv(t, p, "Q1")
	c := env.createCustomer(t, "a@b.com")
	env.setLive(t, c.ChatRoom.ID)
	transcript := []domain.Turn{userTurn("my email is a@b.com")}

	res, err := env.send(t, transcript, "anyone there?")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !res.Live || res.ChatRoomID != c.ChatRoom.ID || res.Response != nil {
		t.Fatalf("unexpected live result: %+v", res)
	}
	if p.calls() != 0 {
		t.Fatalf("live room must not call the model, got %d calls", p.calls())
	}
	if env.live.count() != 1 || env.live.calls[0].message != "anyone there?" || env.live.calls[0].author != "a" {
		t.Fatalf("unexpected broadcasts: %+v", env.live.calls)
	}
	if env.notifier.count() != 1 || env.notifier.emails[0] != "owner@shop.test" {
		t.Fatalf("unexpected notifications: %+v", env.notifier.emails)
	}
	if room := env.room(t, c.ChatRoom.ID); !room.Mailed {
		t.Fatal("room should be mailed after notification")
	}

	if _, err := env.send(t, transcript, "hello?"); err != nil {
		t.Fatalf("second live turn failed: %v", err)
	}
	if env.notifier.count() != 1 {
		t.Fatalf("owner notified %d times, want 1", env.notifier.count())
	}
	msgs := env.messages(t, c.ChatRoom.ID)
	if len(msgs) != 2 || msgs[0].Content != "anyone there?" || msgs[1].Content != "hello?" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}
}

func TestFailedNotificationLeavesRoomUnmailed(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, "Q1")
	c := env.createCustomer(t, "a@b.com")
	env.setLive(t, c.ChatRoom.ID)
	env.notifier.setErr(errors.New("smtp down"))

	res, err := env.send(t, nil, "a@b.com here")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if !res.Live {
		t.Fatalf("expected live result, got %+v", res)
	}
	if env.room(t, c.ChatRoom.ID).Mailed {
		t.Fatal("mailed must not be set when the notification failed")
	}

	env.notifier.setErr(nil)
	if _, err := env.send(t, nil, "a@b.com still here"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if env.notifier.count() != 2 {
		t.Fatalf("expected a second notification attempt, got %d", env.notifier.count())
	}
	if !env.room(t, c.ChatRoom.ID).Mailed {
		t.Fatal("room should be mailed after a successful retry")
	}
}

func TestCompletionMarkerRecordsIntakeAnswer(t *testing.T) {
	p := &scriptedProvider{replies: []string{
		"Great. When do you need this? (complete)",
		"Thanks, we will be in touch.",
	}}
	env := newTestEnv(t, p, "What's your budget?", "When do you need this?")
	c := env.createCustomer(t, "a@b.com")

	transcript := []domain.Turn{
		userTurn("a@b.com"),
		assistantTurn("What's your budget? (complete)"),
	}
	res, err := env.send(t, transcript, "$500")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Response == nil || res.Response.Content != "Great. When do you need this?" {
		t.Fatalf("marker should be stripped from reply: %+v", res.Response)
	}

	got := env.customer(t, "a@b.com")
	answers := map[string]string{}
	for _, q := range got.Questions {
		if q.Answered() {
			answers[q.Text] = *q.Answer
		}
	}
	if answers["What's your budget?"] != "$500" || len(answers) != 1 {
		t.Fatalf("unexpected answers after first turn: %+v", answers)
	}

	msgs := env.messages(t, c.ChatRoom.ID)
	last := msgs[len(msgs)-1]
	if last.Role != domain.RoleAssistant || strings.Contains(last.Content, MarkerComplete) || !last.AsksIntake {
		t.Fatalf("unexpected stored reply: %+v", last)
	}

	// The widget only ever sees stripped text; the stored flag carries the marker.
	transcript = append(transcript, userTurn("$500"), assistantTurn(res.Response.Content))
	if _, err := env.send(t, transcript, "next month"); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	got = env.customer(t, "a@b.com")
	for _, q := range got.Questions {
		if q.Text == "When do you need this?" && (q.Answer == nil || *q.Answer != "next month") {
			t.Fatalf("second answer not recorded: %+v", q)
		}
	}
	if strings.Contains(p.lastPrompt(), "[What's your budget?") {
		t.Fatalf("answered questions should not be offered again: %q", p.lastPrompt())
	}
}

func TestHandOffMarkerFlipsRoomLive(t *testing.T) {
	p := &scriptedProvider{replies: []string{"This is beyond me (realtime)"}}
	env := newTestEnv(t, p, "Q1")
	c := env.createCustomer(t, "a@b.com")

	res, err := env.send(t, []domain.Turn{userTurn("a@b.com")}, "you are useless")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Response == nil || res.Response.Content != "This is beyond me" {
		t.Fatalf("unexpected hand-off reply: %+v", res.Response)
	}
	if !env.room(t, c.ChatRoom.ID).Live {
		t.Fatal("room should be live after hand-off")
	}
	msgs := env.messages(t, c.ChatRoom.ID)
	if len(msgs) != 2 || msgs[1].Content != "This is beyond me" {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	res, err = env.send(t, []domain.Turn{userTurn("a@b.com")}, "hello?")
	if err != nil {
		t.Fatalf("follow-up failed: %v", err)
	}
	if !res.Live || p.calls() != 1 {
		t.Fatalf("follow-up should skip the model: live=%v calls=%d", res.Live, p.calls())
	}
}

func TestLinkInCompletionIsReturnedSeparately(t *testing.T) {
	p := &scriptedProvider{replies: []string{"Book here: https://portal.test/portal/d/appointment/c."}}
	env := newTestEnv(t, p, "Q1")
	c := env.createCustomer(t, "a@b.com")

	res, err := env.send(t, nil, "a@b.com, I want to book")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Response == nil || res.Response.Content != linkMessage || res.Response.Link != "https://portal.test/portal/d/appointment/c" {
		t.Fatalf("unexpected link reply: %+v", res.Response)
	}
	msgs := env.messages(t, c.ChatRoom.ID)
	if got := msgs[len(msgs)-1].Content; got != linkMessage+" https://portal.test/portal/d/appointment/c" {
		t.Fatalf("stored link reply = %q", got)
	}

	appointment, payment := portalLinks("https://portal.test", env.domain.ID, c.ID)
	if prompt := p.lastPrompt(); !strings.Contains(prompt, appointment) || !strings.Contains(prompt, payment) {
		t.Fatalf("intake prompt should carry portal links: %q", prompt)
	}
}

func TestProviderFailureAbortsWithoutAssistantMessage(t *testing.T) {
	boom := errors.New("upstream 503")
	p := &scriptedProvider{errs: []error{boom, boom, boom}}
	env := newTestEnv(t, p, "Q1")
	c := env.createCustomer(t, "a@b.com")

	res, err := env.send(t, nil, "a@b.com hello")
	if !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("err = %v, want ErrProviderFailure", err)
	}
	if !res.Empty() {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if p.calls() != 2 {
		t.Fatalf("provider called %d times, want 2 attempts", p.calls())
	}
	msgs := env.messages(t, c.ChatRoom.ID)
	if len(msgs) != 1 || msgs[0].Role != domain.RoleUser {
		t.Fatalf("only the inbound message should be stored: %+v", msgs)
	}
}

func TestPermanentProviderErrorIsNotRetried(t *testing.T) {
	denied := fmt.Errorf("genai generate content: %w", genai.APIError{Code: 403, Status: "PERMISSION_DENIED"})
	p := &scriptedProvider{errs: []error{denied, denied}, replies: []string{"", "unreachable"}}
	env := newTestEnv(t, p)

	res, err := env.send(t, nil, "hello")
	if !errors.Is(err, ErrProviderFailure) || !res.Empty() {
		t.Fatalf("expected provider failure with empty result, got %+v, %v", res, err)
	}
	if p.calls() != 1 {
		t.Fatalf("provider called %d times, want 1", p.calls())
	}
}

func TestProviderRecoversOnRetry(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("transient")}, replies: []string{"", "Sure thing."}}
	env := newTestEnv(t, p)

	res, err := env.send(t, nil, "hello")
	if err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if res.Response == nil || res.Response.Content != "Sure thing." {
		t.Fatalf("unexpected response after retry: %+v", res.Response)
	}
}

func TestCompletionTimeoutYieldsNoResponse(t *testing.T) {
	p := &scriptedProvider{replies: []string{"too late"}, delay: time.Second}
	env := newTestEnv(t, p)
	env.orch.opts.CompletionTimeout = 20 * time.Millisecond

	start := time.Now()
	res, err := env.send(t, nil, "hello")
	if !errors.Is(err, ErrProviderFailure) || !res.Empty() {
		t.Fatalf("expected provider failure with empty result, got %+v, %v", res, err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("turn took %v, timeout not applied", elapsed)
	}
}

func TestEmptyCompletionStillRecordsAnswer(t *testing.T) {
	for _, reply := range []string{"   ", "(complete)"} {
		t.Run(reply, func(t *testing.T) {
			p := &scriptedProvider{replies: []string{reply}}
			env := newTestEnv(t, p, "Q1")
			c := env.createCustomer(t, "a@b.com")

			transcript := []domain.Turn{assistantTurn("Budget? (complete)")}
			res, err := env.send(t, transcript, "a@b.com 100 dollars")
			if err != nil || !res.Empty() {
				t.Fatalf("expected silent empty result, got %+v, %v", res, err)
			}
			if msgs := env.messages(t, c.ChatRoom.ID); len(msgs) != 1 {
				t.Fatalf("only the inbound message should be stored, got %d", len(msgs))
			}
			q := env.customer(t, "a@b.com").Questions[0]
			if q.Answer == nil || *q.Answer != "a@b.com 100 dollars" {
				t.Fatalf("answer should be recorded on an empty completion: %+v", q)
			}
		})
	}
}

func TestAnswerSurvivesEmptyCompletionAcrossTurns(t *testing.T) {
	p := &scriptedProvider{replies: []string{"", "Thanks, noted."}}
	env := newTestEnv(t, p, "What's your budget?", "When do you need this?")
	c := env.createCustomer(t, "a@b.com")

	asked := &domain.Message{ChatRoomID: c.ChatRoom.ID, Role: domain.RoleAssistant, Content: "What's your budget?", AsksIntake: true}
	if err := env.store.AppendMessage(context.Background(), asked); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	transcript := []domain.Turn{userTurn("a@b.com"), assistantTurn("What's your budget?")}
	if _, err := env.send(t, transcript, "$500"); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	transcript = append(transcript, userTurn("$500"))
	if _, err := env.send(t, transcript, "hello? anyone there?"); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}

	answers := map[string]string{}
	for _, q := range env.customer(t, "a@b.com").Questions {
		if q.Answered() {
			answers[q.Text] = *q.Answer
		}
	}
	if answers["What's your budget?"] != "$500" {
		t.Fatalf("budget answer = %q, want $500", answers["What's your budget?"])
	}
	if _, ok := answers["When do you need this?"]; ok {
		t.Fatalf("follow-up message must not answer an unasked question: %+v", answers)
	}
}

func TestUnknownDomainIsNotFound(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	_, err := env.orch.HandleMessage(context.Background(), Request{DomainID: "missing", Message: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{})
	tests := []Request{
		{DomainID: env.domain.ID, Message: "   "},
		{Message: "hi"},
		{DomainID: env.domain.ID, Message: "hi", Author: domain.RoleAssistant},
	}
	for _, req := range tests {
		if _, err := env.orch.HandleMessage(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("HandleMessage(%+v) err = %v, want ErrInvalidRequest", req, err)
		}
	}
}

type failingAppendRepo struct {
	store.Repository
	err error
}

func (r failingAppendRepo) AppendMessage(context.Context, *domain.Message) error {
	return r.err
}

func TestPersistenceFailureSkipsModelCall(t *testing.T) {
	p := &scriptedProvider{replies: []string{"hi"}}
	env := newTestEnvWithRepo(t, p, func(r store.Repository) store.Repository {
		return failingAppendRepo{Repository: r, err: errors.New("disk I/O error")}
	}, "Q1")
	env.createCustomer(t, "a@b.com")

	res, err := env.send(t, nil, "a@b.com hello")
	if !errors.Is(err, ErrPersistence) || !res.Empty() {
		t.Fatalf("expected persistence failure, got %+v, %v", res, err)
	}
	if p.calls() != 0 {
		t.Fatalf("model must not be called after a failed write, got %d calls", p.calls())
	}
}

func TestBusyStoreIsRetried(t *testing.T) {
	var mu sync.Mutex
	failures := 1
	p := &scriptedProvider{replies: []string{"hi"}}
	env := newTestEnvWithRepo(t, p, func(r store.Repository) store.Repository {
		return &flakyAppendRepo{Repository: r, mu: &mu, failures: &failures}
	}, "Q1")
	c := env.createCustomer(t, "a@b.com")

	if _, err := env.send(t, nil, "a@b.com hello"); err != nil {
		t.Fatalf("HandleMessage failed: %v", err)
	}
	if msgs := env.messages(t, c.ChatRoom.ID); len(msgs) != 2 {
		t.Fatalf("expected inbound and reply stored, got %d", len(msgs))
	}
}

type flakyAppendRepo struct {
	store.Repository
	mu       *sync.Mutex
	failures *int
}

func (r *flakyAppendRepo) AppendMessage(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	if *r.failures > 0 {
		*r.failures--
		r.mu.Unlock()
		return errors.New("insert message: database is locked (5) (SQLITE_BUSY)")
	}
	r.mu.Unlock()
	return r.Repository.AppendMessage(ctx, msg)
}

func TestConcurrentFirstMessagesCreateOneCustomer(t *testing.T) {
	p := &scriptedProvider{replies: []string{"Happy to help."}}
	env := newTestEnv(t, p, "Q1")
	// The store's pool goroutines belong to env and end in t.Cleanup.
	defer goleak.VerifyNone(t,
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
	)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.send(t, nil, "hello from x@y.io")
		}(i)
	}
	wg.Wait()

	welcomes := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("turn %d failed: %v", i, errs[i])
		}
		if results[i].Response != nil && strings.HasPrefix(results[i].Response.Content, "Welcome aboard x!") {
			welcomes++
		}
	}
	if welcomes != 1 {
		t.Fatalf("welcomes = %d, want exactly 1", welcomes)
	}
	if env.orch.locks.Len() != 0 {
		t.Fatalf("room locks leaked: %d", env.orch.locks.Len())
	}
}

func TestConcurrentLiveTurnsNotifyOnce(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{}, "Q1")
	c := env.createCustomer(t, "a@b.com")
	env.setLive(t, c.ChatRoom.ID)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.send(t, nil, "a@b.com ping"); err != nil {
				t.Errorf("live turn failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if env.notifier.count() != 1 {
		t.Fatalf("owner notified %d times, want 1", env.notifier.count())
	}
	if got := len(env.messages(t, c.ChatRoom.ID)); got != n {
		t.Fatalf("stored %d messages, want %d", got, n)
	}
}

func TestOperatorMessageAndRelease(t *testing.T) {
	p := &scriptedProvider{replies: []string{"Back to the bot."}}
	env := newTestEnv(t, p, "Q1")
	c := env.createCustomer(t, "a@b.com")
	env.setLive(t, c.ChatRoom.ID)
	ctx := context.Background()

	msg, err := env.orch.SendOperatorMessage(ctx, c.ChatRoom.ID, "Owner", "Hi, I'm a human.")
	if err != nil {
		t.Fatalf("SendOperatorMessage failed: %v", err)
	}
	if msg.Role != domain.RoleAssistant || msg.Seq == 0 {
		t.Fatalf("unexpected operator message: %+v", msg)
	}
	if env.live.count() != 1 || env.live.calls[0].role != domain.RoleAssistant {
		t.Fatalf("operator message not broadcast: %+v", env.live.calls)
	}

	if err := env.orch.ReleaseChatRoom(ctx, c.ChatRoom.ID); err != nil {
		t.Fatalf("ReleaseChatRoom failed: %v", err)
	}
	room := env.room(t, c.ChatRoom.ID)
	if room.Live || room.Mailed {
		t.Fatalf("released room should be bot-handled and unmailed: %+v", room)
	}

	res, err := env.send(t, nil, "a@b.com thanks")
	if err != nil || res.Response == nil || res.Response.Content != "Back to the bot." {
		t.Fatalf("bot should answer after release: %+v, %v", res, err)
	}

	if err := env.orch.ReleaseChatRoom(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("release of unknown room err = %v, want ErrNotFound", err)
	}
}
