package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/genai"
)

func TestIsTransientProviderError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}, true},
		{"server error", fmt.Errorf("genai generate content: %w", genai.APIError{Code: 503}), true},
		{"pointer server error", &genai.APIError{Code: 500}, true},
		{"bad request", genai.APIError{Code: 400, Status: "INVALID_ARGUMENT"}, false},
		{"forbidden", fmt.Errorf("genai generate content: %w", genai.APIError{Code: 403}), false},
		{"unknown error", errors.New("connection reset by peer"), true},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled", fmt.Errorf("call: %w", context.Canceled), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientProviderError(tt.err); got != tt.want {
				t.Fatalf("isTransientProviderError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryProviderStopsOnPermanentError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	calls := 0
	_, err := retryProvider(context.Background(), policy, func() (string, error) {
		calls++
		return "", fmt.Errorf("genai generate content: %w", genai.APIError{Code: 403, Status: "PERMISSION_DENIED"})
	})
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 403 {
		t.Fatalf("err = %v, want the 403 API error", err)
	}
	if calls != 1 {
		t.Fatalf("provider called %d times, want 1", calls)
	}

	calls = 0
	text, err := retryProvider(context.Background(), policy, func() (string, error) {
		calls++
		if calls < 3 {
			return "", genai.APIError{Code: 429}
		}
		return "ok", nil
	})
	if err != nil || text != "ok" || calls != 3 {
		t.Fatalf("got %q, %v after %d calls, want ok after 3", text, err, calls)
	}
}
