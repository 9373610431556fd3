package memory

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentReturnsConversationInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore(0), nil)

	require.NoError(t, m.SaveUserMessage(ctx, "ws", "show my writing profile"))
	require.NoError(t, m.SaveAssistantMessage(ctx, "ws", "[OK] profile.show completed"))
	require.NoError(t, m.SaveUserMessage(ctx, "other", "unrelated"))

	lines, err := m.Recent(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, RoleUser, lines[0].Role)
	assert.Equal(t, "show my writing profile", lines[0].Message)
	assert.Equal(t, RoleAssistant, lines[1].Role)
}

func TestRecentIsWindowed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore(0), nil).WithWindow(2)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveUserMessage(ctx, "ws", fmt.Sprintf("message %d", i)))
	}

	lines, err := m.Recent(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "message 3", lines[0].Message)
	assert.Equal(t, "message 4", lines[1].Message)
}

func TestManagerReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(0)
	require.NoError(t, NewManager(store, nil).SaveUserMessage(ctx, "ws", "summarize papers"))

	lines, err := NewManager(store, nil).Recent(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "summarize papers", lines[0].Message)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewInMemoryStore(0), nil)
	require.NoError(t, m.SaveUserMessage(ctx, "ws", "hello"))
	require.NoError(t, m.Clear(ctx, "ws"))

	lines, err := m.Recent(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestInMemoryStoreTrims(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore(3)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveMessage(ctx, "ws", Message{Role: RoleUser, Content: fmt.Sprint(i), Timestamp: time.Now()}))
	}
	session, err := store.LoadSession(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, session.Messages, 3)
	assert.Equal(t, "2", session.Messages[0].Content)
	assert.Equal(t, 5, session.Metadata.MessageCount)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	store, err := NewRedisStore(url, time.Minute, 2)
	require.NoError(t, err)
	defer store.Close()
	store.WithPrefix("test-" + uuid.NewString())

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveMessage(ctx, "ws", Message{Role: RoleUser, Content: fmt.Sprint(i), Timestamp: time.Now()}))
	}
	session, err := store.LoadSession(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "1", session.Messages[0].Content)

	require.NoError(t, store.ClearSession(ctx, "ws"))
	session, err = store.LoadSession(ctx, "ws")
	require.NoError(t, err)
	assert.Empty(t, session.Messages)
}

func TestSharedRedisClientOutlivesStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	store := NewRedisStoreWithClient(client, time.Minute, DefaultMaxMessages)

	require.NoError(t, store.Close())
	// the owner's close is the first one
	require.NoError(t, client.Close())
}
