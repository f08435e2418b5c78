// Package domain contains core domain types for the support chat assistant.
package domain

import (
	"time"
)

// Domain is a tenant's configured chatbot instance.
type Domain struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	OwnerID        string     `json:"owner_id"`
	WelcomeMessage string     `json:"welcome_message,omitempty"`
	Helpdesk       bool       `json:"helpdesk"`
	Questions      []Question `json:"questions"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Question is an intake question. A nil Answer means unanswered.
type Question struct {
	ID       string  `json:"id"`
	Text     string  `json:"question"`
	Position int     `json:"position"`
	Answer   *string `json:"answered,omitempty"`
}

// Answered reports whether an answer has been recorded.
func (q Question) Answered() bool {
	return q.Answer != nil
}

// Owner is the account that owns a domain and receives hand-off notifications.
type Owner struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UnansweredQuestions returns the domain questions that have no answer yet,
// in position order.
func (d *Domain) UnansweredQuestions() []Question {
	out := make([]Question, 0, len(d.Questions))
	for _, q := range d.Questions {
		if !q.Answered() {
			out = append(out, q)
		}
	}
	return out
}
