package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func redisLocker(t *testing.T, ttl time.Duration) *RedisLocker {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewRedisStore(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s.WithPrefix("router-test-" + uuid.NewString()).Locker(ttl)
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker := redisLocker(t, time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "ws-a")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "ws-a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// other workspaces are independent
	other, err := locker.Lock(ctx, "ws-b")
	require.NoError(t, err)
	other()

	unlock()
	unlock()

	again, err := locker.Lock(ctx, "ws-a")
	require.NoError(t, err)
	again()
}

func TestRedisLockerRenewsWhileHeld(t *testing.T) {
	locker := redisLocker(t, 300*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "ws-a")
	require.NoError(t, err)
	defer unlock()

	time.Sleep(time.Second)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, "ws-a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
