package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

// ExtractEmails returns every email-looking substring of text in order of appearance.
func ExtractEmails(text string) []string {
	return emailPattern.FindAllString(text, -1)
}

// CandidateEmail returns the email that identifies the visitor for this turn:
// the first one in message, otherwise the first one in the most recent user
// turn of transcript that has one.
func CandidateEmail(message string, transcript []domain.Turn) string {
	if m := emailPattern.FindString(message); m != "" {
		return m
	}
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role != domain.RoleUser {
			continue
		}
		if m := emailPattern.FindString(transcript[i].Content); m != "" {
			return m
		}
	}
	return ""
}

// Outcome is the result class of identity resolution.
type Outcome int

const (
	// NoMatch means no candidate email is known yet.
	NoMatch Outcome = iota
	// NewCustomer means a customer was created for the candidate email this turn.
	NewCustomer
	// ExistingCustomer means the candidate email matched a stored customer.
	ExistingCustomer
)

func (o Outcome) String() string {
	switch o {
	case NewCustomer:
		return "new_customer"
	case ExistingCustomer:
		return "existing_customer"
	default:
		return "no_match"
	}
}

// Identity is the resolved visitor for a turn.
type Identity struct {
	Outcome  Outcome
	Email    string
	Customer *domain.Customer
}

// IdentityResolver maps a candidate email to a customer of a domain.
type IdentityResolver struct {
	repo store.Repository
}

// NewIdentityResolver creates a resolver backed by repo.
func NewIdentityResolver(repo store.Repository) *IdentityResolver {
	return &IdentityResolver{repo: repo}
}

// Resolve looks up the customer whose email starts with email and creates one,
// together with its question snapshot and chat room, when none exists.
func (r *IdentityResolver) Resolve(ctx context.Context, d *domain.Domain, email string) (Identity, error) {
	if email == "" {
		return Identity{Outcome: NoMatch}, nil
	}

	c, err := r.repo.FindCustomerByEmailPrefix(ctx, d.ID, email)
	if err != nil {
		return Identity{}, fmt.Errorf("find customer: %w", err)
	}
	if c != nil {
		return Identity{Outcome: ExistingCustomer, Email: email, Customer: c}, nil
	}

	c, err = r.repo.CreateCustomer(ctx, d.ID, email, d.UnansweredQuestions())
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost a creation race with a concurrent turn for the same address.
		c, err = r.repo.FindCustomerByEmailPrefix(ctx, d.ID, email)
		if err != nil {
			return Identity{}, fmt.Errorf("find customer after conflict: %w", err)
		}
		if c == nil {
			return Identity{}, fmt.Errorf("customer %s vanished after conflict: %w", email, store.ErrNotFound)
		}
		return Identity{Outcome: ExistingCustomer, Email: email, Customer: c}, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("create customer: %w", err)
	}

	slog.Info("Customer created",
		"domain_id", d.ID,
		"customer_id", c.ID,
		"chat_room_id", c.ChatRoom.ID,
		"questions", len(c.Questions),
	)
	return Identity{Outcome: NewCustomer, Email: email, Customer: c}, nil
}

// welcomeMessage is the canned greeting for a newly identified customer.
func welcomeMessage(email string) string {
	return fmt.Sprintf("Welcome aboard %s! I'm glad to connect with you. Is there anything you need help with?",
		domain.EmailLocalPart(email))
}
