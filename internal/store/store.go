// Package store persists the router's durable state: the event log,
// confirmation tickets and suspended dispatch queues all live in one store
// so a restart between suspension and resumption loses nothing.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/intent-router/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleTransition = errors.New("stale status transition")
	ErrDuplicate       = errors.New("record already exists")
	ErrChainConflict   = errors.New("event does not extend the chain head")
)

// EventStore is append-only. AppendEvent assigns the event's Sequence. An
// event carrying a PrevHash is only appended while that hash is still the
// workspace's head; otherwise AppendEvent fails with ErrChainConflict.
type EventStore interface {
	AppendEvent(ctx context.Context, event *models.IntentEvent) error
	// ReadEvents returns events of a workspace in append order; an empty
	// chatTurnID selects every turn.
	ReadEvents(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error)
	LastEvent(ctx context.Context, workspaceID string) (*models.IntentEvent, error)
}

// TicketStore keeps confirmation tickets.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *models.ConfirmationTicket) error
	GetTicket(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error)
	// TransitionTicket moves a ticket out of from. It fails with
	// ErrStaleTransition when the ticket is no longer in from.
	TransitionTicket(ctx context.Context, ticketID string, from, to models.TicketStatus, at time.Time) error
	ListTickets(ctx context.Context, workspaceID string, status models.TicketStatus) ([]models.ConfirmationTicket, error)
}

// QueueStore keeps at most one unfinished queue per workspace.
type QueueStore interface {
	SaveQueue(ctx context.Context, queue *models.Queue) error
	LoadQueue(ctx context.Context, workspaceID string) (*models.Queue, error)
	DeleteQueue(ctx context.Context, workspaceID string) error
}

// Store is the full durable backend.
type Store interface {
	EventStore
	TicketStore
	QueueStore
	Close() error
}

// Open builds the store selected by driver: "sqlite", "redis" or "memory".
func Open(driver, sqlitePath, redisURL string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return OpenSQLite(sqlitePath)
	case "redis":
		return NewRedisStore(redisURL)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
