package valkey

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to the server named by VALKEY_TEST_ADDR.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		t.Skip("VALKEY_TEST_ADDR not set")
	}
	c, err := NewClient(Config{Address: addr, KeyPrefix: "azinbox-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestLock_UnlockOnlyByOwner(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	token, ok, err := c.TryLock(ctx, "reconciler:schedule", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.TryLock(ctx, "reconciler:schedule", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held")

	require.NoError(t, c.Unlock(ctx, "reconciler:schedule", "someone-else"))
	_, ok, err = c.TryLock(ctx, "reconciler:schedule", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a foreign token does not release the lock")

	require.NoError(t, c.Unlock(ctx, "reconciler:schedule", token))
	_, ok, err = c.TryLock(ctx, "reconciler:schedule", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released by its owner")
}
