package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
	"golang.org/x/sync/semaphore"
)

// Options tunes the orchestrator.
type Options struct {
	CompletionTimeout time.Duration
	MaxConcurrency    int64
	Retry             RetryPolicy
	IntakeOrder       store.QuestionOrder
	PortalBaseURL     string
	// HistoryLimit bounds how many stored messages are read to find the
	// previous assistant turn.
	HistoryLimit int
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		CompletionTimeout: 20 * time.Second,
		MaxConcurrency:    8,
		Retry:             DefaultRetryPolicy(),
		IntakeOrder:       store.OrderByPosition,
		PortalBaseURL:     "http://localhost:3000",
		HistoryLimit:      20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CompletionTimeout <= 0 {
		o.CompletionTimeout = d.CompletionTimeout
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = d.Retry
	}
	if o.IntakeOrder == "" {
		o.IntakeOrder = d.IntakeOrder
	}
	if o.PortalBaseURL == "" {
		o.PortalBaseURL = d.PortalBaseURL
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	return o
}

// Deps are the collaborators of an Orchestrator. Broadcaster, Notifier,
// Metrics and Log are optional.
type Deps struct {
	Repo        store.Repository
	Provider    Provider
	Broadcaster Broadcaster
	Notifier    Notifier
	Metrics     *Metrics
	Log         ConversationLogger
}

// Orchestrator runs one chat turn at a time per conversation.
type Orchestrator struct {
	repo     store.Repository
	provider Provider
	live     Broadcaster
	notifier Notifier
	metrics  *Metrics
	log      ConversationLogger

	resolver *IdentityResolver
	intake   *IntakeTracker
	locks    *keyedLocks
	slots    *semaphore.Weighted
	opts     Options
}

// NewOrchestrator wires an orchestrator from deps.
func NewOrchestrator(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Repo == nil {
		return nil, errors.New("orchestrator requires a repository")
	}
	if deps.Provider == nil {
		return nil, errors.New("orchestrator requires a completion provider")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = noopBroadcaster{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Log == nil {
		deps.Log = noopConversationLogger{}
	}
	opts = opts.withDefaults()

	return &Orchestrator{
		repo:     deps.Repo,
		provider: deps.Provider,
		live:     deps.Broadcaster,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Log,
		resolver: NewIdentityResolver(deps.Repo),
		intake:   NewIntakeTracker(deps.Repo, opts.IntakeOrder),
		locks:    newKeyedLocks(),
		slots:    semaphore.NewWeighted(opts.MaxConcurrency),
		opts:     opts,
	}, nil
}

// turn carries what apply needs to execute a plan.
type turn struct {
	req      Request
	domain   *domain.Domain
	customer *domain.Customer
	roomID   string
	state    State
}

// HandleMessage runs one inbound message through the state machine. Failures
// are logged and returned classified by ErrNotFound, ErrProviderFailure,
// ErrPersistence or ErrInvalidRequest; the Result is then empty.
func (o *Orchestrator) HandleMessage(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	t := &turn{req: req, state: StateAnonymous}

	res, err := o.handle(ctx, t)
	o.metrics.observeTurn(t.state, turnOutcome(res, err), time.Since(start))
	if err != nil {
		slog.Warn("Chat turn aborted",
			"domain_id", req.DomainID,
			"chat_room_id", t.roomID,
			"state", t.state,
			"error_class", errorClass(err),
			"error", err,
		)
		return Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) handle(ctx context.Context, t *turn) (Result, error) {
	req := t.req
	if req.DomainID == "" || strings.TrimSpace(req.Message) == "" {
		return Result{}, fmt.Errorf("%w: domain and message are required", ErrInvalidRequest)
	}
	if req.Author != "" && req.Author != domain.RoleUser {
		return Result{}, fmt.Errorf("%w: author must be %q", ErrInvalidRequest, domain.RoleUser)
	}

	d, err := retryStore(ctx, o.opts.Retry, func() (*domain.Domain, error) {
		return o.repo.GetDomain(ctx, req.DomainID)
	})
	if err != nil {
		return Result{}, storeError("load domain", err)
	}
	t.domain = d

	email := CandidateEmail(req.Message, req.Transcript)
	if email == "" {
		return o.anonymousTurn(ctx, t)
	}

	ident, err := o.resolve(ctx, d, email)
	if err != nil {
		return Result{}, err
	}

	t.customer = ident.Customer
	t.roomID = ident.Customer.ChatRoom.ID
	if ident.Outcome == NewCustomer {
		return o.welcomeTurn(t, email), nil
	}

	unlock, err := o.locks.Lock(ctx, roomKey(t.roomID))
	if err != nil {
		return Result{}, fmt.Errorf("%w: waiting for chat room: %w", ErrPersistence, err)
	}
	defer unlock()

	return o.identifiedTurn(ctx, t)
}

// resolve serializes identity resolution per domain and address so that
// concurrent first messages agree on one customer.
func (o *Orchestrator) resolve(ctx context.Context, d *domain.Domain, email string) (Identity, error) {
	unlock, err := o.locks.Lock(ctx, identityKey(d.ID, email))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: waiting for identity: %w", ErrPersistence, err)
	}
	defer unlock()

	ident, err := retryStore(ctx, o.opts.Retry, func() (Identity, error) {
		return o.resolver.Resolve(ctx, d, email)
	})
	if err != nil {
		return Identity{}, storeError("resolve identity", err)
	}
	return ident, nil
}

func (o *Orchestrator) anonymousTurn(ctx context.Context, t *turn) (Result, error) {
	prompt := BuildPrompt(PromptInput{
		Stage:        StageNewLead,
		BusinessName: t.domain.Name,
		Transcript:   t.req.Transcript,
		Message:      t.req.Message,
	})
	o.logInbound(t)

	completion, err := o.complete(ctx, StageNewLead, prompt)
	if err != nil {
		return Result{}, err
	}
	text := StripMarkers(completion)
	if text == "" {
		return Result{}, nil
	}

	reply := &Reply{Role: domain.RoleAssistant, Content: text}
	o.logReply(t, reply, nil)
	return Result{Response: reply}, nil
}

func (o *Orchestrator) welcomeTurn(t *turn, email string) Result {
	reply := &Reply{Role: domain.RoleAssistant, Content: welcomeMessage(email)}
	o.logInbound(t)
	o.logReply(t, reply, map[string]any{"outcome": NewCustomer.String()})
	return Result{Response: reply, ChatRoomID: t.roomID}
}

func (o *Orchestrator) identifiedTurn(ctx context.Context, t *turn) (Result, error) {
	room, err := retryStore(ctx, o.opts.Retry, func() (*domain.ChatRoom, error) {
		return o.repo.GetChatRoom(ctx, t.roomID)
	})
	if err != nil {
		return Result{}, storeError("load chat room", err)
	}
	st := roomState{Live: room.Live, Mailed: room.Mailed}
	o.logInbound(t)

	if room.Live {
		t.state = StateIdentifiedLive
		return o.apply(ctx, t, planInbound(st))
	}
	t.state = StateIdentifiedBot

	askedIntake, err := o.previousAskedIntake(ctx, t)
	if err != nil {
		return Result{}, err
	}
	if _, err := o.apply(ctx, t, planInbound(st)); err != nil {
		return Result{}, err
	}

	appointment, payment := portalLinks(o.opts.PortalBaseURL, t.domain.ID, t.customer.ID)
	prompt := BuildPrompt(PromptInput{
		Stage:          StageIntake,
		BusinessName:   t.domain.Name,
		Questions:      openQuestions(t.customer.Questions),
		AppointmentURL: appointment,
		PaymentURL:     payment,
		Transcript:     t.req.Transcript,
		Message:        t.req.Message,
	})

	completion, err := o.complete(ctx, StageIntake, prompt)
	if err != nil {
		return Result{}, err
	}
	return o.apply(ctx, t, planCompletion(Interpret(askedIntake, completion)))
}

// previousAskedIntake reports whether the assistant turn right before this
// message asked an intake question, going by the stored transcript and,
// failing that, a raw marker in the caller's transcript. A stored user
// message after that assistant turn already answered it.
func (o *Orchestrator) previousAskedIntake(ctx context.Context, t *turn) (bool, error) {
	msgs, err := retryStore(ctx, o.opts.Retry, func() ([]*domain.Message, error) {
		return o.repo.ListMessages(ctx, t.roomID, o.opts.HistoryLimit)
	})
	if err != nil {
		return false, storeError("list messages", err)
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		if last.Role == domain.RoleUser {
			return false, nil
		}
		if last.AsksIntake {
			return true, nil
		}
	}
	for i := len(t.req.Transcript) - 1; i >= 0; i-- {
		if t.req.Transcript[i].Role == domain.RoleAssistant {
			return HasCompletionMarker(t.req.Transcript[i].Content), nil
		}
	}
	return false, nil
}

// complete calls the provider within the completion timeout and the
// concurrency limit, retrying transient failures.
func (o *Orchestrator) complete(ctx context.Context, stage Stage, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.CompletionTimeout)
	defer cancel()

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for provider slot: %w", ErrProviderFailure, err)
	}
	defer o.slots.Release(1)

	start := time.Now()
	text, err := retryProvider(ctx, o.opts.Retry, func() (string, error) {
		return o.provider.Generate(ctx, prompt)
	})
	o.metrics.observeCompletion(stage, err, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}
	return text, nil
}

// apply executes a plan in order and stops at the first failed prerequisite.
// Broadcast and notification failures are logged; a failed notification
// skips marking the room mailed so the next turn notifies again.
func (o *Orchestrator) apply(ctx context.Context, t *turn, actions []Action) (Result, error) {
	var res Result
	notified := false

	for _, a := range actions {
		switch a.Kind {
		case ActionPersistInbound:
			if err := o.appendMessage(ctx, t.roomID, domain.RoleUser, t.req.Message, false); err != nil {
				return Result{}, err
			}

		case ActionBroadcastInbound:
			author := domain.EmailLocalPart(t.customer.Email)
			if err := o.live.Broadcast(ctx, t.roomID, t.req.Message, domain.RoleUser, author); err != nil {
				slog.Warn("Live broadcast failed", "chat_room_id", t.roomID, "error", err)
			}

		case ActionNotifyOwner:
			notified = o.notifyOwner(ctx, t) == nil

		case ActionMarkMailed:
			if !notified {
				continue
			}
			mailed := true
			err := retryStoreErr(ctx, o.opts.Retry, func() error {
				return o.repo.UpdateChatRoom(ctx, t.roomID, domain.ChatRoomUpdate{Mailed: &mailed})
			})
			if err != nil {
				return Result{}, storeError("mark chat room mailed", err)
			}

		case ActionRecordAnswer:
			q, err := retryStore(ctx, o.opts.Retry, func() (*domain.Question, error) {
				return o.intake.RecordAnswer(ctx, t.customer.ID, t.req.Message)
			})
			if err != nil {
				return Result{}, storeError("record intake answer", err)
			}
			if q != nil {
				o.metrics.answerRecorded()
				slog.Info("Intake answer recorded", "chat_room_id", t.roomID, "question_id", q.ID)
			}

		case ActionMarkLive:
			live := true
			err := retryStoreErr(ctx, o.opts.Retry, func() error {
				return o.repo.UpdateChatRoom(ctx, t.roomID, domain.ChatRoomUpdate{Live: &live})
			})
			if err != nil {
				return Result{}, storeError("mark chat room live", err)
			}
			o.metrics.handOff()
			slog.Info("Chat room handed off", "domain_id", t.domain.ID, "chat_room_id", t.roomID)

		case ActionPersistReply:
			if err := o.appendMessage(ctx, t.roomID, domain.RoleAssistant, a.Content, a.AsksIntake); err != nil {
				return Result{}, err
			}

		case ActionRespond:
			res = Result{Response: a.Reply, Live: a.Live}
			if a.Live || a.Reply != nil {
				res.ChatRoomID = t.roomID
			}
			if a.Reply != nil {
				o.logReply(t, a.Reply, map[string]any{"state": string(t.state)})
			}
		}
	}
	return res, nil
}

func (o *Orchestrator) appendMessage(ctx context.Context, roomID string, role domain.Role, content string, asksIntake bool) error {
	msg := &domain.Message{ChatRoomID: roomID, Role: role, Content: content, AsksIntake: asksIntake}
	err := retryStoreErr(ctx, o.opts.Retry, func() error {
		return o.repo.AppendMessage(ctx, msg)
	})
	if err != nil {
		return storeError("append "+string(role)+" message", err)
	}
	return nil
}

func (o *Orchestrator) notifyOwner(ctx context.Context, t *turn) error {
	owner, err := retryStore(ctx, o.opts.Retry, func() (*domain.Owner, error) {
		return o.repo.GetOwnerContact(ctx, t.domain.ID)
	})
	if err == nil {
		err = o.notifier.NotifyOwner(ctx, owner.Email)
	}
	o.metrics.notification(err)
	if err != nil {
		slog.Warn("Owner notification failed", "domain_id", t.domain.ID, "chat_room_id", t.roomID, "error", err)
		return err
	}
	slog.Info("Owner notified of live chat", "domain_id", t.domain.ID, "chat_room_id", t.roomID)
	return nil
}

func (o *Orchestrator) logInbound(t *turn) {
	o.log.Log(ConversationLogEvent{
		DomainID:   t.req.DomainID,
		ChatRoomID: t.roomID,
		Channel:    "chat_http",
		Direction:  "inbound",
		EventType:  "chat_user_message",
		ContentRaw: t.req.Message,
	})
}

func (o *Orchestrator) logReply(t *turn, reply *Reply, meta map[string]any) {
	raw := reply.Content
	if reply.Link != "" {
		raw += " " + reply.Link
	}
	o.log.Log(ConversationLogEvent{
		DomainID:   t.req.DomainID,
		ChatRoomID: t.roomID,
		Channel:    "chat_http",
		Direction:  "outbound",
		EventType:  "chat_assistant_message",
		ContentRaw: raw,
		Meta:       meta,
	})
}

// SendOperatorMessage stores a message written by a human operator and
// publishes it on the live channel.
func (o *Orchestrator) SendOperatorMessage(ctx context.Context, chatRoomID, author, content string) (*domain.Message, error) {
	unlock, err := o.locks.Lock(ctx, roomKey(chatRoomID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	msg := &domain.Message{ChatRoomID: chatRoomID, Role: domain.RoleAssistant, Content: content}
	err = retryStoreErr(ctx, o.opts.Retry, func() error {
		return o.repo.AppendMessage(ctx, msg)
	})
	if err != nil {
		return nil, storeError("append operator message", err)
	}
	if err := o.live.Broadcast(ctx, chatRoomID, content, domain.RoleAssistant, author); err != nil {
		slog.Warn("Live broadcast failed", "chat_room_id", chatRoomID, "error", err)
	}
	return msg, nil
}

// ReleaseChatRoom hands a live chat room back to the bot and clears the
// notification flag so the next hand-off notifies again.
func (o *Orchestrator) ReleaseChatRoom(ctx context.Context, chatRoomID string) error {
	unlock, err := o.locks.Lock(ctx, roomKey(chatRoomID))
	if err != nil {
		return err
	}
	defer unlock()

	off := false
	err = retryStoreErr(ctx, o.opts.Retry, func() error {
		return o.repo.UpdateChatRoom(ctx, chatRoomID, domain.ChatRoomUpdate{Live: &off, Mailed: &off})
	})
	if err != nil {
		return storeError("release chat room", err)
	}
	slog.Info("Chat room released to bot", "chat_room_id", chatRoomID)
	return nil
}

func openQuestions(qs []domain.Question) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		if !q.Answered() {
			out = append(out, q.Text)
		}
	}
	return out
}

func storeError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrProviderFailure):
		return "provider_failure"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		return "unknown"
	}
}

func turnOutcome(res Result, err error) string {
	switch {
	case err != nil:
		return errorClass(err)
	case res.Live:
		return "live"
	case res.Response == nil:
		return "empty"
	default:
		return "reply"
	}
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(context.Context, string, string, domain.Role, string) error {
	return nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyOwner(context.Context, string) error { return nil }
