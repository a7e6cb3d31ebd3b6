package models

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a failed add-member attempt. The fallback
// coordinator dispatches on this closed set rather than on error types.
type FailureKind string

const (
	// FailureTransient covers timeouts, proxy trouble, and generic network
	// errors; retried on the same account with backoff.
	FailureTransient FailureKind = "transient"
	// FailureRateLimited is an explicit platform throttle carrying a wait.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureAccountInvalid means the account itself is unusable (banned,
	// bad credentials, second-factor demanded).
	FailureAccountInvalid FailureKind = "account_invalid"
	// FailureConfigFatal aborts the whole run.
	FailureConfigFatal FailureKind = "config_fatal"
)

// Failure is the error the platform client returns for classified failures.
type Failure struct {
	Kind       FailureKind
	Detail     string
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", f.Kind, f.Detail, f.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// NewFailure builds a classified failure error.
func NewFailure(kind FailureKind, detail string) *Failure {
	return &Failure{Kind: kind, Detail: detail}
}

// NewRateLimited builds a rate-limit failure with the platform-provided wait.
func NewRateLimited(detail string, retryAfter time.Duration) *Failure {
	return &Failure{Kind: FailureRateLimited, Detail: detail, RetryAfter: retryAfter}
}

// Outcome is the resolved result of one add-member attempt, success or not.
type Outcome struct {
	OK         bool
	Kind       FailureKind
	Detail     string
	RetryAfter time.Duration
}

// Success is the outcome of a completed attempt.
func Success() Outcome {
	return Outcome{OK: true}
}

// Classify maps an error from the platform client onto the failure taxonomy.
// A nil error is a success; unclassified errors and deadline expiry count as
// transient so the caller retries rather than crashing.
func Classify(err error) Outcome {
	if err == nil {
		return Success()
	}
	var f *Failure
	if errors.As(err, &f) {
		return Outcome{Kind: f.Kind, Detail: f.Detail, RetryAfter: f.RetryAfter}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Kind: FailureTransient, Detail: "platform call timed out"}
	}
	return Outcome{Kind: FailureTransient, Detail: err.Error()}
}
