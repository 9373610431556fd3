package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avvvet/intent-router/internal/models"
)

// RedisStore implements Store on Redis. Events are kept in one list per
// workspace; tickets and queues are JSON strings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return &RedisStore{client: client, prefix: "router"}, nil
}

// WithPrefix namespaces every key. Tests use it to isolate runs.
func (r *RedisStore) WithPrefix(prefix string) *RedisStore {
	return &RedisStore{client: r.client, prefix: prefix}
}

func (r *RedisStore) sequenceKey() string { return r.prefix + ":sequence" }

func (r *RedisStore) eventsKey(workspaceID string) string {
	return fmt.Sprintf("%s:events:%s", r.prefix, workspaceID)
}

func (r *RedisStore) ticketKey(ticketID string) string {
	return fmt.Sprintf("%s:ticket:%s", r.prefix, ticketID)
}

func (r *RedisStore) ticketIndexKey() string { return r.prefix + ":tickets" }

func (r *RedisStore) queueKey(workspaceID string) string {
	return fmt.Sprintf("%s:queue:%s", r.prefix, workspaceID)
}

// AppendEvent watches the workspace's list so two instances extending the
// same head cannot both succeed.
func (r *RedisStore) AppendEvent(ctx context.Context, event *models.IntentEvent) error {
	key := r.eventsKey(event.WorkspaceID)
	txf := func(tx *redis.Tx) error {
		if event.PrevHash != "" {
			data, err := tx.LIndex(ctx, key, -1).Result()
			switch {
			case err == redis.Nil:
			case err != nil:
				return fmt.Errorf("failed to read chain head: %w", err)
			default:
				var head models.IntentEvent
				if err := json.Unmarshal([]byte(data), &head); err != nil {
					return fmt.Errorf("failed to parse event: %w", err)
				}
				if head.Hash != event.PrevHash {
					return fmt.Errorf("%w: workspace %s", ErrChainConflict, event.WorkspaceID)
				}
			}
		}

		seq, err := tx.Incr(ctx, r.sequenceKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate event sequence: %w", err)
		}
		event.Sequence = seq
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: workspace %s changed concurrently", ErrChainConflict, event.WorkspaceID)
	}
	if err != nil && !errors.Is(err, ErrChainConflict) {
		return fmt.Errorf("failed to append event to Redis: %w", err)
	}
	return err
}

func (r *RedisStore) ReadEvents(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error) {
	raw, err := r.client.LRange(ctx, r.eventsKey(workspaceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events from Redis: %w", err)
	}
	var events []models.IntentEvent
	for _, item := range raw {
		var event models.IntentEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if chatTurnID != "" && event.ChatTurnID != chatTurnID {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (r *RedisStore) LastEvent(ctx context.Context, workspaceID string) (*models.IntentEvent, error) {
	data, err := r.client.LIndex(ctx, r.eventsKey(workspaceID), -1).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last event: %w", err)
	}
	var event models.IntentEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &event, nil
}

func (r *RedisStore) CreateTicket(ctx context.Context, ticket *models.ConfirmationTicket) error {
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.ticketKey(ticket.TicketID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save ticket to Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: ticket %s", ErrDuplicate, ticket.TicketID)
	}
	if err := r.client.SAdd(ctx, r.ticketIndexKey(), ticket.TicketID).Err(); err != nil {
		return fmt.Errorf("failed to index ticket: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTicket(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error) {
	data, err := r.client.Get(ctx, r.ticketKey(ticketID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket from Redis: %w", err)
	}
	var ticket models.ConfirmationTicket
	if err := json.Unmarshal([]byte(data), &ticket); err != nil {
		return nil, fmt.Errorf("failed to parse ticket: %w", err)
	}
	return &ticket, nil
}

// TransitionTicket uses WATCH so concurrent resolutions of the same ticket
// cannot both succeed.
func (r *RedisStore) TransitionTicket(ctx context.Context, ticketID string, from, to models.TicketStatus, at time.Time) error {
	key := r.ticketKey(ticketID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load ticket from Redis: %w", err)
		}
		var ticket models.ConfirmationTicket
		if err := json.Unmarshal([]byte(data), &ticket); err != nil {
			return fmt.Errorf("failed to parse ticket: %w", err)
		}
		if ticket.Status != from {
			return fmt.Errorf("%w: ticket %s is %s", ErrStaleTransition, ticketID, ticket.Status)
		}
		ticket.Status = to
		resolved := at.UTC()
		ticket.ResolvedAt = &resolved
		updated, err := json.Marshal(&ticket)
		if err != nil {
			return fmt.Errorf("failed to marshal ticket: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: ticket %s changed concurrently", ErrStaleTransition, ticketID)
	}
	return err
}

func (r *RedisStore) ListTickets(ctx context.Context, workspaceID string, status models.TicketStatus) ([]models.ConfirmationTicket, error) {
	ids, err := r.client.SMembers(ctx, r.ticketIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	var tickets []models.ConfirmationTicket
	for _, id := range ids {
		ticket, err := r.GetTicket(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if workspaceID != "" && ticket.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && ticket.Status != status {
			continue
		}
		tickets = append(tickets, *ticket)
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].CreatedAt.Before(tickets[j].CreatedAt) })
	return tickets, nil
}

func (r *RedisStore) SaveQueue(ctx context.Context, queue *models.Queue) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := r.client.Set(ctx, r.queueKey(queue.WorkspaceID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save queue to Redis: %w", err)
	}
	return nil
}

func (r *RedisStore) LoadQueue(ctx context.Context, workspaceID string) (*models.Queue, error) {
	data, err := r.client.Get(ctx, r.queueKey(workspaceID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue from Redis: %w", err)
	}
	var queue models.Queue
	if err := json.Unmarshal([]byte(data), &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	return &queue, nil
}

func (r *RedisStore) DeleteQueue(ctx context.Context, workspaceID string) error {
	if err := r.client.Del(ctx, r.queueKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

// Client exposes the underlying connection so other components can share it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
