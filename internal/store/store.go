// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/leadchat/internal/domain"
)

var (
	// ErrNotFound is returned when a domain, owner or chat room does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a customer with the same email already exists in a domain.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotLive is returned when marking a chat room mailed while it is not live.
	ErrNotLive = errors.New("chat room is not live")
)

// QuestionOrder selects how the first unanswered intake question is chosen.
type QuestionOrder string

const (
	// OrderByPosition follows the order the questions were configured in.
	OrderByPosition QuestionOrder = "position"
	// OrderByText orders questions lexicographically by their text.
	OrderByText QuestionOrder = "text"
)

// Repository defines the record store consumed by the chat assistant.
type Repository interface {
	// CreateOwner inserts an owner account.
	CreateOwner(ctx context.Context, owner *domain.Owner) error

	// CreateDomain inserts a domain together with its intake questions.
	CreateDomain(ctx context.Context, d *domain.Domain) error

	// GetDomain retrieves a domain and its questions in position order.
	GetDomain(ctx context.Context, domainID string) (*domain.Domain, error)

	// GetOwnerContact returns the owner account of a domain.
	GetOwnerContact(ctx context.Context, domainID string) (*domain.Owner, error)

	// FindCustomerByEmailPrefix returns the first customer of the domain whose
	// email starts with prefix, or nil if there is none.
	FindCustomerByEmailPrefix(ctx context.Context, domainID, prefix string) (*domain.Customer, error)

	// CreateCustomer atomically creates a customer, its question snapshot and an empty chat room.
	CreateCustomer(ctx context.Context, domainID, email string, questions []domain.Question) (*domain.Customer, error)

	// GetChatRoom retrieves a chat room by ID.
	GetChatRoom(ctx context.Context, chatRoomID string) (*domain.ChatRoom, error)

	// UpdateChatRoom applies a partial flag update to a chat room.
	UpdateChatRoom(ctx context.Context, chatRoomID string, upd domain.ChatRoomUpdate) error

	// AppendMessage appends msg to the transcript of msg.ChatRoomID and fills in
	// its ID, Seq and CreatedAt.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the last limit messages of a chat room in insertion order.
	// A limit <= 0 returns the whole transcript.
	ListMessages(ctx context.Context, chatRoomID string, limit int) ([]*domain.Message, error)

	// FindFirstUnansweredQuestion returns the customer's first unanswered question, or nil.
	FindFirstUnansweredQuestion(ctx context.Context, customerID string, order QuestionOrder) (*domain.Question, error)

	// RecordAnswer stores the answer for a customer question.
	RecordAnswer(ctx context.Context, questionID, answer string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
