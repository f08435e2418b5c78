package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/leadchat/internal/domain"
	"github.com/ashureev/leadchat/internal/store"
)

// IntakeTracker walks a customer through their snapshot of intake questions.
type IntakeTracker struct {
	repo  store.Repository
	order store.QuestionOrder
}

// NewIntakeTracker creates a tracker. An empty order falls back to position order.
func NewIntakeTracker(repo store.Repository, order store.QuestionOrder) *IntakeTracker {
	if order == "" {
		order = store.OrderByPosition
	}
	return &IntakeTracker{repo: repo, order: order}
}

// NextUnanswered returns the question the customer should answer next, or nil.
func (t *IntakeTracker) NextUnanswered(ctx context.Context, customerID string) (*domain.Question, error) {
	q, err := t.repo.FindFirstUnansweredQuestion(ctx, customerID, t.order)
	if err != nil {
		return nil, fmt.Errorf("find unanswered question: %w", err)
	}
	return q, nil
}

// RecordAnswer stores answer against the next unanswered question and returns
// that question. It returns nil, nil when every question is answered.
func (t *IntakeTracker) RecordAnswer(ctx context.Context, customerID, answer string) (*domain.Question, error) {
	q, err := t.NextUnanswered(ctx, customerID)
	if err != nil || q == nil {
		return nil, err
	}
	if err := t.repo.RecordAnswer(ctx, q.ID, answer); err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}
	a := answer
	q.Answer = &a
	return q, nil
}
