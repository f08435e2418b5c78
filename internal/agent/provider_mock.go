package agent

import (
	"context"
	"strings"
)

// MockProvider is a deterministic provider for local runs without model access.
type MockProvider struct{}

// NewMockProvider creates a MockProvider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Generate answers from simple keyword rules on the last user line of prompt.
func (m *MockProvider) Generate(_ context.Context, prompt string) (string, error) {
	last := strings.ToLower(lastUserLine(prompt))
	intake := strings.Contains(prompt, MarkerComplete)

	switch {
	case !intake:
		return "Thanks for reaching out! Could you share your email so we can follow up?", nil
	case strings.Contains(last, "human") || strings.Contains(last, "person"):
		return "That is beyond what I can help with, a real person will continue the conversation. " + MarkerHandOff, nil
	case strings.Contains(last, "book") || strings.Contains(last, "appointment"):
		if link := linkAfter(prompt, "book an appointment, send them this link: "); link != "" {
			return "Sure, here you go: " + link, nil
		}
	}
	return "Thanks! Could you tell me a bit more about what you need? " + MarkerComplete, nil
}

func lastUserLine(prompt string) string {
	idx := strings.LastIndex(prompt, "\nUSER: ")
	if idx < 0 {
		return prompt
	}
	return prompt[idx+len("\nUSER: "):]
}

func linkAfter(prompt, prefix string) string {
	_, rest, ok := strings.Cut(prompt, prefix)
	if !ok {
		return ""
	}
	link, _, _ := strings.Cut(rest, "\n")
	return strings.TrimSpace(link)
}
