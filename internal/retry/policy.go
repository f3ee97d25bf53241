// Package retry implements the bounded-retry engine shared by cache jobs,
// saga step resumption, and webhook deliveries: backoff computation,
// failure classification, and a polling worker pool over claimable tasks.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/porticohq/portico/pkg/types"
)

// Backoff bounds applied when the policy leaves fields zero.
const (
	defaultBaseDelaySeconds = 30
	defaultMaxDelaySeconds  = 3600
)

// DefaultPolicy returns the default retry configuration.
func DefaultPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		MaxAttempts:      3,
		BaseDelaySeconds: defaultBaseDelaySeconds,
		MaxDelaySeconds:  defaultMaxDelaySeconds,
		Jitter:           true,
	}
}

// Backoff returns the wait duration before the attempt after attempt
// failed ones: min(maxDelay, baseDelay * 2^(attempt-1)), optionally
// multiplied by a uniform factor in [0.5, 1.5] when jitter is on.
func Backoff(policy types.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelaySeconds
	if base <= 0 {
		base = defaultBaseDelaySeconds
	}
	maxDelay := policy.MaxDelaySeconds
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelaySeconds
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	d := time.Duration(delay * float64(time.Second))
	if policy.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}

// AttemptError carries the failure classification for one task attempt.
type AttemptError struct {
	Category   types.FailureCategory
	RetryAfter time.Duration // rate-limit hint; zero when absent
	Err        error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Transient wraps an error retried per policy (network failure, 5xx).
func Transient(err error) error {
	return &AttemptError{Category: types.FailureTransient, Err: err}
}

// Permanent wraps an error that short-circuits to FAILED without
// consuming remaining attempts (4xx auth/validation).
func Permanent(err error) error {
	return &AttemptError{Category: types.FailurePermanent, Err: err}
}

// RateLimited wraps a 429-class error with the reported reset delay.
func RateLimited(err error, retryAfter time.Duration) error {
	return &AttemptError{Category: types.FailureRateLimited, RetryAfter: retryAfter, Err: err}
}

// Categorize classifies an attempt error. Unclassified errors and
// timeouts are treated as transient; the attempt budget bounds them.
func Categorize(err error) (types.FailureCategory, time.Duration) {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Category, ae.RetryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.FailureTimeout, 0
	}
	return types.FailureTransient, 0
}

// IsRetryable reports whether a failure category consumes an attempt
// rather than short-circuiting.
func IsRetryable(category types.FailureCategory) bool {
	return category != types.FailurePermanent
}
