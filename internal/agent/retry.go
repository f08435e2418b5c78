package agent

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ashureev/leadchat/internal/shared"
	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"
)

// RetryPolicy bounds retries of transient store and provider failures.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the retry policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	}
}

// retryStore runs op again only for SQLite busy/locked errors.
func retryStore[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !shared.IsSQLiteConflictError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.options()...)
}

// retryStoreErr is retryStore for operations without a result.
func retryStoreErr(ctx context.Context, p RetryPolicy, op func() error) error {
	_, err := retryStore(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// retryProvider runs op again only for transient provider errors.
func retryProvider(ctx context.Context, p RetryPolicy, op func() (string, error)) (string, error) {
	return backoff.Retry(ctx, func() (string, error) {
		text, err := op()
		if err != nil && (ctx.Err() != nil || !isTransientProviderError(err)) {
			return "", backoff.Permanent(err)
		}
		return text, err
	}, p.options()...)
}

// isTransientProviderError reports whether a provider call may succeed when
// repeated. API errors are transient only for 429 and 5xx; errors without a
// status, such as dropped connections, are treated as transient.
func isTransientProviderError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	default:
		return true
	}
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
