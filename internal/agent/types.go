// Package agent implements the support chat assistant: identity resolution,
// intake tracking, prompt construction, completion interpretation and the
// per-turn orchestration that ties them together.
package agent

import (
	"errors"

	"github.com/ashureev/leadchat/internal/domain"
)

var (
	// ErrNotFound is returned when the domain, customer or chat room of a turn does not exist.
	ErrNotFound = errors.New("not found")
	// ErrProviderFailure is returned when the completion provider errors or times out.
	ErrProviderFailure = errors.New("completion provider failure")
	// ErrPersistence is returned when a store read or write fails.
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidRequest is returned for requests that cannot start a turn.
	ErrInvalidRequest = errors.New("invalid request")
)

// Request is one inbound visitor message with the transcript the widget holds.
type Request struct {
	DomainID   string
	Transcript []domain.Turn
	Author     domain.Role
	Message    string
}

// Reply is the assistant message returned to the visitor.
type Reply struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
	Link    string      `json:"link,omitempty"`
}

// Result is the outcome of a turn. An empty Result means no usable response.
type Result struct {
	Response   *Reply `json:"response,omitempty"`
	Live       bool   `json:"live,omitempty"`
	ChatRoomID string `json:"chatRoom,omitempty"`
}

// Empty reports whether the turn produced nothing for the caller.
func (r Result) Empty() bool {
	return r.Response == nil && !r.Live
}

// State is the conversation state a turn runs in.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateIdentifiedLive State = "identified_live"
	StateIdentifiedBot  State = "identified_bot"
)
