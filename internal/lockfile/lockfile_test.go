package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.lock")
}

func TestAcquireExclusiveAndRelease(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	l, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	// Reacquirable after release.
	l2, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}

func TestExclusiveExcludesExclusive(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	l, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)
	defer l.Release()

	start := time.Now()
	_, err = AcquireExclusive(ctx, path, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second, "timeout must be honored promptly")
}

func TestExclusiveExcludesShared(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	l, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)
	defer l.Release()

	_, err = AcquireShared(ctx, path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSharedAllowsShared(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	a, err := AcquireShared(ctx, path, time.Second)
	require.NoError(t, err)
	defer a.Release()

	b, err := AcquireShared(ctx, path, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

func TestSharedBlocksExclusive(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	a, err := AcquireShared(ctx, path, time.Second)
	require.NoError(t, err)

	_, err = AcquireExclusive(ctx, path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	require.NoError(t, a.Release())
	b, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := lockPath(t)
	ctx := context.Background()

	l, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = l.Release()
	}()

	got, err := AcquireExclusive(ctx, path, time.Second)
	require.NoError(t, err, "waiter acquires once the holder releases")
	require.NoError(t, got.Release())
}

func TestAcquireHonorsContextCancel(t *testing.T) {
	path := lockPath(t)

	l, err := AcquireExclusive(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer l.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err = AcquireExclusive(ctx, path, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestHolderInfoWritten(t *testing.T) {
	path := lockPath(t)

	l, err := AcquireExclusive(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer l.Release()

	info, err := ReadInfo(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.False(t, info.AcquiredAt.IsZero())
}

func TestReleaseNilSafe(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())

	got := &Lock{}
	assert.NoError(t, got.Release())
}
