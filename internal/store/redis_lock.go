package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL   = 30 * time.Second
	defaultLockRetry = 50 * time.Millisecond
)

var releaseLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker serializes work on a workspace across router instances that
// share one Redis. A held lock is renewed until it is released; a crashed
// holder's lock lapses after the TTL.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// Locker returns a workspace locker on the store's connection.
func (r *RedisStore) Locker(ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: r.client, prefix: r.prefix, ttl: ttl, retry: defaultLockRetry}
}

func (l *RedisLocker) key(workspaceID string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, workspaceID)
}

// Lock blocks until the workspace is free or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, workspaceID string) (func(), error) {
	key := l.key(workspaceID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock on workspace %s: %w", workspaceID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock on workspace %s: %w", workspaceID, ctx.Err())
		case <-time.After(l.retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
			defer cancel()
			// a failed release lapses with the TTL
			_ = releaseLock.Run(ctx, l.client, []string{key}, token).Err()
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			_ = renewLock.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
			cancel()
		}
	}
}
