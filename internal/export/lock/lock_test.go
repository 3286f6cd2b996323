package lock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, OrgKey("org-1"), time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, OrgKey("org-1"), time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.Acquire(ctx, OrgKey("org-2"), time.Minute)
	require.NoError(t, err, "different orgs share no lock")
	other()

	release()
	release()

	again, err := l.Acquire(ctx, OrgKey("org-1"), time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "expired lock can be re-acquired")

	// Releasing the stale holder must not drop the fresh lock.
	staleRelease()
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
	fresh()
}

func TestMemoryLocker_RenewedWhileHeld(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	ttl := 60 * time.Millisecond

	release, err := l.Acquire(ctx, OrgKey("org-1"), ttl)
	require.NoError(t, err)

	time.Sleep(4 * ttl)
	_, err = l.Acquire(ctx, OrgKey("org-1"), ttl)
	assert.ErrorIs(t, err, ErrLocked, "a lock held past its ttl is still held")

	release()
	again, err := l.Acquire(ctx, OrgKey("org-1"), ttl)
	require.NoError(t, err)
	again()
}

func TestKeepAlive_StopsWhenLost(t *testing.T) {
	calls := make(chan struct{}, 10)
	lost := make(chan error, 1)
	stop := keepAlive(30*time.Millisecond, func(context.Context) (bool, error) {
		calls <- struct{}{}
		return false, nil
	}, func(err error) { lost <- err })
	defer stop()

	select {
	case err := <-lost:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keepAlive did not report the lost lock")
	}
	assert.Len(t, calls, 1)
}

func TestMemoryLocker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryLocker().Acquire(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer rdb.Close()

	l := NewRedisLocker(rdb, nil)
	key := OrgKey("test-" + time.Now().Format("150405.000000000"))
	defer rdb.Del(ctx, key)

	release, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, key, time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	// Held past the ttl by renewal.
	short, err := l.Acquire(ctx, key+":short", 300*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(time.Second)
	_, err = l.Acquire(ctx, key+":short", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
	short()
	rdb.Del(ctx, key+":short")

	release()
	release()
	again, err := l.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	again()
}
