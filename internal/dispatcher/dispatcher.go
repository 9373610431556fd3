// Package dispatcher sequences the intents of a chat turn.
//
// Each workspace has at most one unfinished queue. Intents run strictly in
// clause order; the queue suspends on a clarification or a confirmation
// ticket and the first failure cancels everything behind it. The queue is
// saved to the store at every transition, so a suspended turn survives a
// restart.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/registry"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
)

// DefaultClarificationTTL is how long a clarification question stays open.
const DefaultClarificationTTL = 30 * time.Minute

var (
	ErrInvalidRequest = errors.New("invalid turn request")
	ErrNoOpenTicket   = errors.New("no confirmation ticket is waiting in this workspace")
)

// Resolver looks up the descriptor owning an action.
type Resolver interface {
	Resolve(action string) (registry.Descriptor, bool)
}

// Locker serializes work on one workspace. The returned unlock func releases
// the lock.
type Locker interface {
	Lock(ctx context.Context, workspaceID string) (func(), error)
}

// Workspaces reports whether a workspace is active.
type Workspaces interface {
	Active(workspaceID string) (bool, error)
}

// Deps are the collaborators a Dispatcher sequences between.
type Deps struct {
	Registry   Resolver
	Parser     parser.Parser
	Classifier *safety.Classifier
	Confirm    *confirm.Manager
	Log        *eventlog.Log
	Queues     store.QueueStore
	Workspaces Workspaces
	// Locks defaults to an in-process lock per workspace.
	Locks Locker
}

type Dispatcher struct {
	Deps
	logger           *zap.Logger
	now              func() time.Time
	clarificationTTL time.Duration
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.Named("dispatcher") }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithClarificationTTL sets the clarification lifetime; zero never expires.
func WithClarificationTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) { d.clarificationTTL = ttl }
}

func New(deps Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		Deps:             deps,
		logger:           zap.NewNop(),
		now:              time.Now,
		clarificationTTL: DefaultClarificationTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.Locks == nil {
		d.Locks = &localLocker{}
	}
	return d
}

type localLocker struct {
	slots sync.Map // workspace id -> chan struct{}
}

func (l *localLocker) Lock(ctx context.Context, workspaceID string) (func(), error) {
	v, _ := l.slots.LoadOrStore(workspaceID, make(chan struct{}, 1))
	slot := v.(chan struct{})
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to acquire lock on workspace %s: %w", workspaceID, ctx.Err())
	}
}

// HandleTurn processes one inbound chat message. While the workspace's queue
// is suspended the message is the reply to that suspension; otherwise it is
// parsed into a new queue.
//
// ctx bounds lock acquisition, parsing and handler calls. Once the turn has
// started, its events and queue are written even if ctx is cancelled.
func (d *Dispatcher) HandleTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.ChatTurnID == "" {
		req.ChatTurnID = uuid.NewString()
	}

	unlock, err := d.Locks.Lock(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	call := ctx
	ctx = context.WithoutCancel(ctx)

	if resp, ok, err := d.checkWorkspace(req.WorkspaceID, req.ChatTurnID); !ok || err != nil {
		return resp, err
	}

	resp := &models.TurnResponse{ChatTurnID: req.ChatTurnID, WorkspaceID: req.WorkspaceID, Messages: []string{}}

	q, err := d.loadQueue(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if q != nil {
		switch {
		case q.Suspended():
			handled, err := d.reply(ctx, call, q, req.Message, resp)
			if err != nil {
				return nil, err
			}
			if handled {
				return resp, nil
			}
			// the lapsed queue is reported in the messages only
			resp.Failure = nil
		case !q.Done():
			// interrupted before it could suspend or finish
			d.logger.Warn("resuming interrupted queue",
				zap.String("workspace_id", q.WorkspaceID),
				zap.String("chat_turn_id", q.ChatTurnID))
			if err := d.drive(ctx, call, q, resp); err != nil {
				return nil, err
			}
			if q.Suspended() {
				return resp, nil
			}
		}
	}

	return d.newTurn(ctx, call, req, resp)
}

// ResolveTicket applies an explicit decision to the ticket the workspace is
// waiting on and continues the queue.
func (d *Dispatcher) ResolveTicket(ctx context.Context, req models.ConfirmRequest) (*models.TurnResponse, error) {
	unlock, err := d.Locks.Lock(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	call := ctx
	ctx = context.WithoutCancel(ctx)

	q, err := d.loadQueue(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if q == nil || !q.Suspended() || q.Current().TicketID == "" || q.Current().TicketID != req.TicketID {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenTicket, req.TicketID)
	}
	if resp, ok, err := d.checkWorkspace(req.WorkspaceID, q.ChatTurnID); !ok || err != nil {
		return resp, err
	}

	ticket, err := d.Confirm.Resolve(ctx, req.TicketID, req.Decision, req.Phrase)
	if errors.Is(err, confirm.ErrUnknownDecision) || ticket == nil {
		return nil, err
	}

	resp := &models.TurnResponse{ChatTurnID: q.ChatTurnID, WorkspaceID: q.WorkspaceID, Messages: []string{}}
	if err := d.afterResolution(ctx, call, q, ticket, err, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Queue returns the workspace's unfinished queue, or nil.
func (d *Dispatcher) Queue(ctx context.Context, workspaceID string) (*models.Queue, error) {
	unlock, err := d.Locks.Lock(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.loadQueue(ctx, workspaceID)
}

func (d *Dispatcher) checkWorkspace(workspaceID, chatTurnID string) (*models.TurnResponse, bool, error) {
	active, err := d.Workspaces.Active(workspaceID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check workspace: %w", err)
	}
	if active {
		return nil, true, nil
	}
	code := models.ErrorNoWorkspace
	text := prompts.NoWorkspace(workspaceID)
	return &models.TurnResponse{
		ChatTurnID:   chatTurnID,
		WorkspaceID:  workspaceID,
		Kind:         models.KindError,
		Messages:     []string{text},
		ErrorCode:    &code,
		ErrorMessage: &text,
	}, false, nil
}

func (d *Dispatcher) newTurn(ctx, call context.Context, req models.TurnRequest, resp *models.TurnResponse) (*models.TurnResponse, error) {
	intents, err := d.Parser.Parse(call, req.Message, req.WorkspaceID, req.ChatTurnID)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	resp.ChatTurnID = req.ChatTurnID
	if len(intents) == 0 {
		resp.Kind = models.KindFallback
		resp.Intents = nil
		resp.Messages = append(resp.Messages, prompts.NoMatch(req.Message), prompts.ManualHint)
		return resp, nil
	}

	now := d.now().UTC()
	q := &models.Queue{
		WorkspaceID: req.WorkspaceID,
		ChatTurnID:  req.ChatTurnID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i := range intents {
		// safety class is known from the start so the ack can show it
		if _, err := d.Classifier.Classify(ctx, &intents[i]); err != nil && !errors.Is(err, safety.ErrUnknownAction) {
			d.logger.Debug("classification deferred", zap.String("intent_id", intents[i].IntentID), zap.Error(err))
		}
		q.Items = append(q.Items, models.QueueItem{Intent: intents[i], Status: models.ItemQueued})
	}
	d.logger.Info("turn queued",
		zap.String("workspace_id", q.WorkspaceID),
		zap.String("chat_turn_id", q.ChatTurnID),
		zap.Int("intents", len(q.Items)))

	if err := d.saveQueue(ctx, q); err != nil {
		return nil, err
	}
	if err := d.drive(ctx, call, q, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (d *Dispatcher) loadQueue(ctx context.Context, workspaceID string) (*models.Queue, error) {
	q, err := d.Queues.LoadQueue(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return q, nil
}

func (d *Dispatcher) saveQueue(ctx context.Context, q *models.Queue) error {
	q.UpdatedAt = d.now().UTC()
	if err := d.Queues.SaveQueue(ctx, q); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}
