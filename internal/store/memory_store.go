package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avvvet/intent-router/internal/models"
)

// MemoryStore keeps everything in process memory. Records are stored as JSON
// so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sequence int64
	events   map[string][][]byte
	tickets  map[string][]byte
	queues   map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:  make(map[string][][]byte),
		tickets: make(map[string][]byte),
		queues:  make(map[string][]byte),
	}
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.IntentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if list := s.events[event.WorkspaceID]; event.PrevHash != "" && len(list) > 0 {
		var head models.IntentEvent
		if err := json.Unmarshal(list[len(list)-1], &head); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		if head.Hash != event.PrevHash {
			return fmt.Errorf("%w: workspace %s", ErrChainConflict, event.WorkspaceID)
		}
	}

	s.sequence++
	event.Sequence = s.sequence
	data, err := json.Marshal(event)
	if err != nil {
		s.sequence--
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	s.events[event.WorkspaceID] = append(s.events[event.WorkspaceID], data)
	return nil
}

func (s *MemoryStore) ReadEvents(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.IntentEvent
	for _, data := range s.events[workspaceID] {
		var event models.IntentEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if chatTurnID != "" && event.ChatTurnID != chatTurnID {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *MemoryStore) LastEvent(ctx context.Context, workspaceID string) (*models.IntentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[workspaceID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	var event models.IntentEvent
	if err := json.Unmarshal(list[len(list)-1], &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &event, nil
}

func (s *MemoryStore) CreateTicket(ctx context.Context, ticket *models.ConfirmationTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tickets[ticket.TicketID]; ok {
		return fmt.Errorf("%w: ticket %s", ErrDuplicate, ticket.TicketID)
	}
	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	s.tickets[ticket.TicketID] = data
	return nil
}

func (s *MemoryStore) GetTicket(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.tickets[ticketID]
	if !ok {
		return nil, ErrNotFound
	}
	var ticket models.ConfirmationTicket
	if err := json.Unmarshal(data, &ticket); err != nil {
		return nil, fmt.Errorf("failed to parse ticket: %w", err)
	}
	return &ticket, nil
}

func (s *MemoryStore) TransitionTicket(ctx context.Context, ticketID string, from, to models.TicketStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.tickets[ticketID]
	if !ok {
		return ErrNotFound
	}
	var ticket models.ConfirmationTicket
	if err := json.Unmarshal(data, &ticket); err != nil {
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
	s.tickets[ticketID] = updated
	return nil
}

func (s *MemoryStore) ListTickets(ctx context.Context, workspaceID string, status models.TicketStatus) ([]models.ConfirmationTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ConfirmationTicket
	for _, data := range s.tickets {
		var ticket models.ConfirmationTicket
		if err := json.Unmarshal(data, &ticket); err != nil {
			return nil, fmt.Errorf("failed to parse ticket: %w", err)
		}
		if workspaceID != "" && ticket.WorkspaceID != workspaceID {
			continue
		}
		if status != "" && ticket.Status != status {
			continue
		}
		out = append(out, ticket)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveQueue(ctx context.Context, queue *models.Queue) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	s.mu.Lock()
	s.queues[queue.WorkspaceID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadQueue(ctx context.Context, workspaceID string) (*models.Queue, error) {
	s.mu.RLock()
	data, ok := s.queues[workspaceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var queue models.Queue
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	return &queue, nil
}

func (s *MemoryStore) DeleteQueue(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	delete(s.queues, workspaceID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
