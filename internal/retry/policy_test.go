package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/porticohq/portico/pkg/types"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	policy := types.RetryPolicy{
		MaxAttempts:      5,
		BaseDelaySeconds: 60,
		MaxDelaySeconds:  300,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second}, // capped
		{5, 300 * time.Second},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, Backoff(policy, tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestBackoffNonDecreasing(t *testing.T) {
	for _, base := range []int{1, 30, 600} {
		for _, maxDelay := range []int{60, 900, 3600} {
			policy := types.RetryPolicy{BaseDelaySeconds: base, MaxDelaySeconds: maxDelay}
			prev := time.Duration(0)
			for attempt := 1; attempt <= 12; attempt++ {
				d := Backoff(policy, attempt)
				assert.GreaterOrEqual(t, d, prev, "base=%d max=%d attempt=%d", base, maxDelay, attempt)
				assert.LessOrEqual(t, d, time.Duration(maxDelay)*time.Second)
				prev = d
			}
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := types.RetryPolicy{BaseDelaySeconds: 100, MaxDelaySeconds: 3600, Jitter: true}

	for i := 0; i < 200; i++ {
		d := Backoff(policy, 1)
		assert.GreaterOrEqual(t, d, 50*time.Second)
		assert.LessOrEqual(t, d, 150*time.Second)
	}
}

func TestBackoffDefaultsWhenZero(t *testing.T) {
	d := Backoff(types.RetryPolicy{}, 1)
	assert.Equal(t, 30*time.Second, d)

	d = Backoff(types.RetryPolicy{}, 0) // attempt clamped to 1
	assert.Equal(t, 30*time.Second, d)
}

func TestCategorize(t *testing.T) {
	cat, after := Categorize(Transient(errors.New("boom")))
	assert.Equal(t, types.FailureTransient, cat)
	assert.Zero(t, after)

	cat, _ = Categorize(Permanent(errors.New("401 unauthorized")))
	assert.Equal(t, types.FailurePermanent, cat)

	cat, after = Categorize(RateLimited(errors.New("429"), 90*time.Second))
	assert.Equal(t, types.FailureRateLimited, cat)
	assert.Equal(t, 90*time.Second, after)

	cat, _ = Categorize(fmt.Errorf("wrapping: %w", context.DeadlineExceeded))
	assert.Equal(t, types.FailureTimeout, cat)

	cat, _ = Categorize(errors.New("mystery"))
	assert.Equal(t, types.FailureTransient, cat)
}

func TestCategorizeUnwrapsNestedAttemptError(t *testing.T) {
	wrapped := fmt.Errorf("delivering: %w", Permanent(errors.New("410 gone")))
	cat, _ := Categorize(wrapped)
	assert.Equal(t, types.FailurePermanent, cat)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(types.FailureTransient))
	assert.True(t, IsRetryable(types.FailureTimeout))
	assert.True(t, IsRetryable(types.FailureRateLimited))
	assert.False(t, IsRetryable(types.FailurePermanent))
}
