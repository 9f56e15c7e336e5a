package providers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig bounds the exponential backoff applied to transient provider
// failures (429, 5xx, connection resets). MaxRetries is attempts beyond the
// first try.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig mirrors the orchestrator's own retry posture (§4.3):
// a handful of attempts with a short base delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// HTTPError wraps a non-2xx provider response. RetryAfter holds the parsed
// Retry-After header; RetryDo does not read it, so the backoff schedule
// alone sets the delay before the next attempt.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

func (e *HTTPError) retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header (seconds form only; HTTP-date
// forms are rare from LLM APIs and not worth the extra parsing surface).
func ParseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// RetryDo runs fn with exponential backoff, retrying HTTPErrors that are
// retryable() and any other error (network failures, decode errors) up to
// cfg.MaxRetries times. A RetryHook installed via WithRetryHook is invoked
// before each retry sleep so callers can surface "provider busy" status.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			return val, backoff.Permanent(err)
		}
		attempt++
		if hook := retryHookFromContext(ctx); hook != nil && attempt <= cfg.MaxRetries {
			hook(attempt, cfg.MaxRetries, err)
		}
		return val, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries+1)),
	)
}

// --- Retry hook context plumbing (channels surface retry attempts to users) ---

type retryHookKey struct{}

// RetryHook is called before each retried attempt with the 1-based attempt
// number, the configured max retries, and the error that triggered the retry.
type RetryHook func(attempt, maxAttempts int, err error)

// WithRetryHook attaches hook to ctx so RetryDo can invoke it from within a
// provider call without threading it through every signature.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

func retryHookFromContext(ctx context.Context) RetryHook {
	hook, _ := ctx.Value(retryHookKey{}).(RetryHook)
	return hook
}
