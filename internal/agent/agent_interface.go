package agent

import (
	"context"

	"github.com/ashureev/leadchat/internal/domain"
)

// Provider generates a completion for a flattened prompt.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Broadcaster publishes a chat room message to the live channel.
// Delivery is best effort; callers log and continue on error.
type Broadcaster interface {
	Broadcast(ctx context.Context, chatRoomID, message string, role domain.Role, author string) error
}

// Notifier tells a domain owner that a conversation needs a human.
type Notifier interface {
	NotifyOwner(ctx context.Context, email string) error
}

// Ensure the bundled providers implement Provider.
var (
	_ Provider = (*GenAIProvider)(nil)
	_ Provider = (*MockProvider)(nil)
)
