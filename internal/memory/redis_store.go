package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each workspace conversation as one JSON value with a TTL.
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration
	maxMessages int
	prefix      string
	// owned is set when the store opened client itself and must close it.
	owned bool
}

func NewRedisStore(redisURL string, ttl time.Duration, maxMessages int) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, ttl, maxMessages)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient shares an existing client. Close leaves a shared
// client open for its owner.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, maxMessages int) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, maxMessages: maxMessages, prefix: "router"}
}

// WithPrefix changes the key namespace.
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	r.prefix = prefix
	return r
}

func (r *RedisStore) sessionKey(workspaceID string) string {
	return fmt.Sprintf("%s:conversation:%s", r.prefix, workspaceID)
}

func (r *RedisStore) LoadSession(ctx context.Context, workspaceID string) (*SessionData, error) {
	data, err := r.client.Get(ctx, r.sessionKey(workspaceID)).Result()
	if errors.Is(err, redis.Nil) {
		return newSession(workspaceID, time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation from Redis: %w", err)
	}

	var session SessionData
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to parse conversation data: %w", err)
	}
	return &session, nil
}

func (r *RedisStore) SaveMessage(ctx context.Context, workspaceID string, msg Message) error {
	session, err := r.LoadSession(ctx, workspaceID)
	if err != nil {
		return err
	}
	session.appendMessage(msg, r.maxMessages)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	// every write refreshes the TTL
	if err := r.client.Set(ctx, r.sessionKey(workspaceID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation to Redis: %w", err)
	}
	return nil
}

func (r *RedisStore) ClearSession(ctx context.Context, workspaceID string) error {
	if err := r.client.Del(ctx, r.sessionKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
