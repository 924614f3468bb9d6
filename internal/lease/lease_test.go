package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManagers(t *testing.T) (*Manager, *Manager, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	first, err := NewManager(mr.Addr(), "worker-1", time.Minute)
	require.NoError(t, err)
	second, err := NewManager(mr.Addr(), "worker-2", time.Minute)
	require.NoError(t, err)

	return first, second, mr
}

func TestNewManager_InvalidAddress(t *testing.T) {
	_, err := NewManager("invalid:99999", "worker-1", time.Minute)
	assert.Error(t, err)
}

func TestAcquire_Exclusive(t *testing.T) {
	first, second, mr := setupTestManagers(t)
	defer mr.Close()
	defer func() { _ = first.Close() }()
	defer func() { _ = second.Close() }()

	ctx := context.Background()

	ok, err := first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, first.Held(ctx, "task-1"))
	assert.False(t, second.Held(ctx, "task-1"))
}

func TestAcquire_ReentryByOwnerFails(t *testing.T) {
	first, _, mr := setupTestManagers(t)
	defer mr.Close()
	defer func() { _ = first.Close() }()

	ctx := context.Background()

	ok, err := first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)

	// SET NX does not distinguish self from stranger; a live grant blocks.
	ok, err = first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenew(t *testing.T) {
	first, second, mr := setupTestManagers(t)
	defer mr.Close()
	defer func() { _ = first.Close() }()
	defer func() { _ = second.Close() }()

	ctx := context.Background()

	ok, err := first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, first.Renew(ctx, "task-1"))
	assert.ErrorIs(t, second.Renew(ctx, "task-1"), ErrNotHeld)
}

func TestExpiry_AllowsTakeover(t *testing.T) {
	first, second, mr := setupTestManagers(t)
	defer mr.Close()
	defer func() { _ = first.Close() }()
	defer func() { _ = second.Close() }()

	ctx := context.Background()

	ok, err := first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	assert.False(t, first.Held(ctx, "task-1"))
	assert.ErrorIs(t, first.Renew(ctx, "task-1"), ErrNotHeld)

	ok, err = second.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelease(t *testing.T) {
	first, second, mr := setupTestManagers(t)
	defer mr.Close()
	defer func() { _ = first.Close() }()
	defer func() { _ = second.Close() }()

	ctx := context.Background()

	ok, err := first.Acquire(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, second.Release(ctx, "task-1"), ErrNotHeld)
	assert.True(t, first.Held(ctx, "task-1"))

	assert.NoError(t, first.Release(ctx, "task-1"))

	ok, err = second.Acquire(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
