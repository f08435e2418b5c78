package domain

import (
	"strings"
	"time"
)

// Customer is an identified visitor of a domain. Questions is a snapshot of
// the domain's intake questions taken when the customer was created.
type Customer struct {
	ID        string     `json:"id"`
	DomainID  string     `json:"domain_id"`
	Email     string     `json:"email"`
	Questions []Question `json:"questions"`
	ChatRoom  ChatRoom   `json:"chat_room"`
	CreatedAt time.Time  `json:"created_at"`
}

// DisplayName returns the local part of the customer's email.
func (c *Customer) DisplayName() string {
	return EmailLocalPart(c.Email)
}

// EmailLocalPart returns everything before the first '@'.
func EmailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
