package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticohq/portico/internal/provider"
)

// TestLocking verifies acquire, double-acquire, different-key, release, re-acquire.
func TestLocking(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.AcquireLock(ctx, "ct-lock:saga1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Double acquire fails
	ok, err = prov.AcquireLock(ctx, "ct-lock:saga1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different key succeeds
	ok, err = prov.AcquireLock(ctx, "ct-lock:saga2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Release
	require.NoError(t, prov.ReleaseLock(ctx, "ct-lock:saga1"))

	// Re-acquire after release
	ok, err = prov.AcquireLock(ctx, "ct-lock:saga1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestLockExpiry verifies locks expire after their TTL.
func TestLockExpiry(t *testing.T, prov provider.Provider) {
	ctx := context.Background()

	ok, err := prov.AcquireLock(ctx, "ct-expiring-lock", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = prov.AcquireLock(ctx, "ct-expiring-lock", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(3 * time.Second)

	ok, err = prov.AcquireLock(ctx, "ct-expiring-lock", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
