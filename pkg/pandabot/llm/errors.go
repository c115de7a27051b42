package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrorKind classifies backend faults.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx or subprocess hiccup
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded"
	ErrorTimeout                     // deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota
	ErrorContext                     // prompt too long
	ErrorBadRequest                  // 400
	ErrorFatal                       // anything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a retry may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorRetryable, ErrorRateLimit, ErrorOverloaded, ErrorTimeout:
		return true
	}
	return false
}

// Error is a classified backend fault.
type Error struct {
	Kind       ErrorKind
	Backend    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s backend: %s (status %d): %v", e.Backend, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a classified error, ErrorTimeout for context
// deadlines, and ErrorFatal otherwise.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ErrorFatal
}

// Classify maps an HTTP status and error body to a kind.
func Classify(statusCode int, body string) ErrorKind {
	b := strings.ToLower(body)

	switch {
	case strings.Contains(b, "context_length_exceeded"),
		strings.Contains(b, "prompt is too long"),
		strings.Contains(b, "maximum context length"):
		return ErrorContext
	case statusCode == 402, strings.Contains(b, "billing"), strings.Contains(b, "insufficient_quota"),
		strings.Contains(b, "credit balance"):
		return ErrorBilling
	case statusCode == 429, strings.Contains(b, "rate_limit"), strings.Contains(b, "rate limit"),
		strings.Contains(b, "too many requests"):
		return ErrorRateLimit
	case statusCode == 529, strings.Contains(b, "overloaded"):
		return ErrorOverloaded
	case statusCode == 408, strings.Contains(b, "timeout"), strings.Contains(b, "timed out"),
		strings.Contains(b, "deadline"):
		return ErrorTimeout
	}

	switch {
	case statusCode == 400:
		return ErrorBadRequest
	case statusCode == 401, statusCode == 403:
		return ErrorAuth
	case statusCode >= 500:
		return ErrorRetryable
	default:
		return ErrorFatal
	}
}

// RetryPolicy bounds retries inside a backend.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

func (p RetryPolicy) delay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return min(retryAfter, p.MaxDelay)
	}
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-retryable kind, or the
// policy is exhausted. The last error is returned.
func Retry(ctx context.Context, p RetryPolicy, logger *slog.Logger, fn func(attempt int) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		kind := KindOf(err)
		if !kind.Retryable() || attempt >= p.MaxRetries || ctx.Err() != nil {
			return err
		}

		var retryAfter time.Duration
		var le *Error
		if errors.As(err, &le) {
			retryAfter = le.RetryAfter
		}
		wait := p.delay(attempt, retryAfter)
		if logger != nil {
			logger.Warn("backend call failed, retrying", "attempt", attempt+1, "kind", kind.String(),
				"wait", wait, "error", err)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}
