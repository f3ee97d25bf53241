package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Fetch(context.Context, string, map[string]string) (*FetchResult, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return &FetchResult{Data: json.RawMessage(`{"ok":true}`), SchemaHash: "abc"}, nil
}

func TestBreakerOpensAfterConsecutiveTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := &scriptedClient{errs: []error{
		Transient(errors.New("502")),
		Transient(errors.New("502")),
		Transient(errors.New("502")),
	}}
	c := NewBreakerClient(inner, BreakerConfig{FailThreshold: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := c.Fetch(ctx, "int-1", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	// Breaker is open now; the upstream is not called again.
	_, err := c.Fetch(ctx, "int-1", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, inner.calls)
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	ctx := context.Background()
	inner := &scriptedClient{errs: []error{
		Permanent(errors.New("401")),
		Permanent(errors.New("401")),
		Permanent(errors.New("401")),
		Permanent(errors.New("401")),
	}}
	c := NewBreakerClient(inner, BreakerConfig{FailThreshold: 2, Cooldown: time.Minute})

	for i := 0; i < 4; i++ {
		_, err := c.Fetch(ctx, "int-1", nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, 4, inner.calls, "permanent errors must keep reaching the upstream")
}

func TestBreakerIsolatesIntegrations(t *testing.T) {
	ctx := context.Background()
	failing := &scriptedClient{errs: []error{
		Transient(errors.New("down")),
		Transient(errors.New("down")),
	}}
	c := NewBreakerClient(failing, BreakerConfig{FailThreshold: 2, Cooldown: time.Minute})

	_, _ = c.Fetch(ctx, "int-bad", nil)
	_, _ = c.Fetch(ctx, "int-bad", nil)
	_, err := c.Fetch(ctx, "int-bad", nil)
	require.ErrorIs(t, err, ErrCircuitOpen)

	// A different integration still goes through.
	res, err := c.Fetch(ctx, "int-good", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.SchemaHash)
}

func TestHashSchemaStableAcrossValuesAndOrder(t *testing.T) {
	a := HashSchema(json.RawMessage(`{"name":"alpha","count":1,"tags":["x"]}`))
	b := HashSchema(json.RawMessage(`{"count":99,"tags":["y"],"name":"beta"}`))
	assert.Equal(t, a, b)

	changed := HashSchema(json.RawMessage(`{"name":"alpha","count":"1","tags":["x"]}`))
	assert.NotEqual(t, a, changed, "type change must change the hash")

	missing := HashSchema(json.RawMessage(`{"name":"alpha","tags":["x"]}`))
	assert.NotEqual(t, a, missing, "dropped field must change the hash")
}

func TestAsErrorDefaultsToTransient(t *testing.T) {
	ie := AsError(errors.New("plain"))
	assert.Equal(t, Transient(errors.New("plain")).Category, ie.Category)

	rl := AsError(RateLimited(errors.New("429"), 30*time.Second))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}
