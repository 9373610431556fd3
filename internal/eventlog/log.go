// Package eventlog is the append-only record of every intent lifecycle
// transition. Events of a workspace are hash chained so a reviewer can
// detect edits made directly in the backing store.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/store"
)

// GenesisHash is the PrevHash of the first event in a workspace.
const GenesisHash = "genesis"

// appendAttempts bounds re-chaining when another writer moved the head.
const appendAttempts = 3

var (
	ErrChainBroken  = errors.New("event hash chain is broken")
	ErrInvalidEvent = errors.New("invalid intent event")
)

// Hook observes events after they are durably appended.
type Hook func(event models.IntentEvent)

// Log appends and reads intent events on top of a store.EventStore.
type Log struct {
	store  store.EventStore
	now    func() time.Time
	logger *zap.Logger

	locks sync.Map // workspace id -> *sync.Mutex

	hookMu sync.RWMutex
	hooks  []Hook
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) { l.logger = logger.Named("eventlog") }
}

func New(s store.EventStore, opts ...Option) *Log {
	l := &Log{
		store:  s,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnAppend registers a hook called after every successful append.
func (l *Log) OnAppend(h Hook) {
	l.hookMu.Lock()
	l.hooks = append(l.hooks, h)
	l.hookMu.Unlock()
}

func (l *Log) workspaceLock(workspaceID string) *sync.Mutex {
	mu, _ := l.locks.LoadOrStore(workspaceID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Append stamps, chains and durably stores event. The event is written before
// Append returns, so callers may act on it immediately.
func (l *Log) Append(ctx context.Context, event *models.IntentEvent) error {
	if err := validate(event); err != nil {
		return err
	}

	mu := l.workspaceLock(event.WorkspaceID)
	mu.Lock()
	defer mu.Unlock()

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	event.Timestamp = event.Timestamp.UTC()

	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if err = l.chain(ctx, event); err != nil {
			return err
		}
		err = l.store.AppendEvent(ctx, event)
		if !errors.Is(err, store.ErrChainConflict) {
			break
		}
		l.logger.Warn("chain head moved, re-chaining event",
			zap.String("workspace_id", event.WorkspaceID),
			zap.String("intent_id", event.IntentID),
			zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return fmt.Errorf("failed to append %s for intent %s: %w", event.EventType, event.IntentID, err)
	}

	l.logger.Debug("intent event appended",
		zap.String("workspace_id", event.WorkspaceID),
		zap.String("chat_turn_id", event.ChatTurnID),
		zap.String("intent_id", event.IntentID),
		zap.String("event_type", string(event.EventType)),
		zap.Int64("sequence", event.Sequence),
		zap.String("reason_code", event.Details.ReasonCode),
	)

	l.hookMu.RLock()
	hooks := l.hooks
	l.hookMu.RUnlock()
	for _, h := range hooks {
		h(*event)
	}
	return nil
}

// chain links event to the workspace's current head and stamps its hash.
func (l *Log) chain(ctx context.Context, event *models.IntentEvent) error {
	prev := GenesisHash
	last, err := l.store.LastEvent(ctx, event.WorkspaceID)
	switch {
	case err == nil:
		prev = last.Hash
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	event.PrevHash = prev

	hash, err := computeHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash
	return nil
}

// Read returns the events of a workspace, optionally restricted to one chat
// turn, ordered by timestamp and then insertion order.
func (l *Log) Read(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error) {
	events, err := l.store.ReadEvents(ctx, workspaceID, chatTurnID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Sequence < events[j].Sequence
	})
	return events, nil
}

// Verify walks the workspace chain in insertion order and recomputes every hash.
func (l *Log) Verify(ctx context.Context, workspaceID string) error {
	events, err := l.store.ReadEvents(ctx, workspaceID, "")
	if err != nil {
		return err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	prev := GenesisHash
	for i := range events {
		event := &events[i]
		if event.PrevHash != prev {
			return fmt.Errorf("%w: event %s (sequence %d) links to %q, expected %q",
				ErrChainBroken, event.EventID, event.Sequence, event.PrevHash, prev)
		}
		want, err := computeHash(event)
		if err != nil {
			return err
		}
		if event.Hash != want {
			return fmt.Errorf("%w: event %s (sequence %d) content does not match its hash",
				ErrChainBroken, event.EventID, event.Sequence)
		}
		prev = event.Hash
	}
	return nil
}

func validate(event *models.IntentEvent) error {
	switch {
	case event == nil:
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	case !event.EventType.Valid():
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, event.EventType)
	case event.WorkspaceID == "":
		return fmt.Errorf("%w: workspace id is required", ErrInvalidEvent)
	case event.IntentID == "":
		return fmt.Errorf("%w: intent id is required", ErrInvalidEvent)
	case event.ChatTurnID == "":
		return fmt.Errorf("%w: chat turn id is required", ErrInvalidEvent)
	case event.EventType == models.EventIntentFailed && event.Details.ReasonCode == "":
		return fmt.Errorf("%w: intent_failed needs a reason code", ErrInvalidEvent)
	}
	return nil
}

// computeHash covers everything except the store-assigned sequence and the
// hash itself.
func computeHash(event *models.IntentEvent) (string, error) {
	hashable := struct {
		EventID     string              `json:"event_id"`
		EventType   models.EventType    `json:"event_type"`
		IntentID    string              `json:"intent_id"`
		WorkspaceID string              `json:"workspace_id"`
		ChatTurnID  string              `json:"chat_turn_id"`
		Timestamp   time.Time           `json:"timestamp"`
		Details     models.EventDetails `json:"details"`
		PrevHash    string              `json:"prev_hash"`
	}{
		EventID:     event.EventID,
		EventType:   event.EventType,
		IntentID:    event.IntentID,
		WorkspaceID: event.WorkspaceID,
		ChatTurnID:  event.ChatTurnID,
		Timestamp:   event.Timestamp.UTC(),
		Details:     event.Details,
		PrevHash:    event.PrevHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
