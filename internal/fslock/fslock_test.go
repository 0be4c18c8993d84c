package fslock

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/multipkg/internal/core"
)

func TestAcquireRelease(t *testing.T) {
	root := t.TempDir()
	lock := New(root, slog.Default())

	require.NoError(t, lock.Acquire(context.Background(), "install x", time.Second, 10*time.Millisecond))
	require.NoError(t, lock.Release())

	// Reacquirable after release.
	require.NoError(t, lock.Acquire(context.Background(), "install y", time.Second, 10*time.Millisecond))
	require.NoError(t, lock.Release())
}

func TestContendedLockReportsHolder(t *testing.T) {
	root := t.TempDir()
	holder := New(root, slog.Default())
	require.NoError(t, holder.Acquire(context.Background(), "bubble-build x-1.0.0", time.Second, 10*time.Millisecond))
	defer holder.Release()

	waiter := New(root, slog.Default())
	err := waiter.Acquire(context.Background(), "install y", 150*time.Millisecond, 20*time.Millisecond)
	require.Error(t, err)

	var locked *core.ErrLocked
	require.ErrorAs(t, err, &locked)
	assert.Contains(t, locked.Holder, "bubble-build x-1.0.0")
	assert.Greater(t, locked.Waited, time.Duration(0))
}

func TestWithLockReleasesOnError(t *testing.T) {
	root := t.TempDir()
	lock := New(root, slog.Default())

	err := lock.WithLock(context.Background(), "op", time.Second, 10*time.Millisecond, func() error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// The lock must be free again.
	second := New(root, slog.Default())
	require.NoError(t, second.Acquire(context.Background(), "op2", 200*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, second.Release())
}

func TestAcquireCancelled(t *testing.T) {
	root := t.TempDir()
	holder := New(root, slog.Default())
	require.NoError(t, holder.Acquire(context.Background(), "op", time.Second, 10*time.Millisecond))
	defer holder.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(root, slog.Default()).Acquire(ctx, "op2", time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, core.ErrCancelled)
}
