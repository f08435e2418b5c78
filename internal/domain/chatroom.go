package domain

import (
	"time"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatRoom holds the hand-off state of a customer's conversation.
// Live is set once a human has taken over; Mailed once the owner was notified.
type ChatRoom struct {
	ID        string    `json:"id"`
	Live      bool      `json:"live"`
	Mailed    bool      `json:"mailed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatRoomUpdate is a partial update of chat room flags. Nil fields are left unchanged.
type ChatRoomUpdate struct {
	Live   *bool
	Mailed *bool
}

// Message is a single immutable transcript entry. AsksIntake marks an
// assistant message that asked one of the customer's intake questions.
type Message struct {
	ID         string    `json:"id"`
	ChatRoomID string    `json:"chat_room_id"`
	Seq        int64     `json:"seq"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	AsksIntake bool      `json:"asks_intake,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Turn is a role/content pair as supplied by callers in a transcript.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
