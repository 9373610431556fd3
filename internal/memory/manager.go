// Package memory keeps a per-workspace conversation so the model-backed
// parser can see what was said before the current turn.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/memory"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/prompts"
)

// DefaultWindow is how many lines Recent returns.
const DefaultWindow = 10

// Manager caches one langchaingo buffer per workspace in front of a Store.
type Manager struct {
	store    Store
	logger   *zap.Logger
	window   int
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*memory.ConversationBuffer
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		logger:   logger.Named("memory"),
		window:   DefaultWindow,
		now:      time.Now,
		sessions: make(map[string]*memory.ConversationBuffer),
	}
}

// WithWindow sets how many recent lines feed the prompt.
func (m *Manager) WithWindow(n int) *Manager {
	m.window = n
	return m
}

// session must be called with m.mu held.
func (m *Manager) session(ctx context.Context, workspaceID string) (*memory.ConversationBuffer, error) {
	if buf, ok := m.sessions[workspaceID]; ok {
		return buf, nil
	}

	data, err := m.store.LoadSession(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	buf := memory.NewConversationBuffer()
	for _, msg := range data.Messages {
		var chatMsg llms.ChatMessage
		switch msg.Role {
		case RoleUser:
			chatMsg = llms.HumanChatMessage{Content: msg.Content}
		case RoleAssistant:
			chatMsg = llms.AIChatMessage{Content: msg.Content}
		case RoleSystem:
			chatMsg = llms.SystemChatMessage{Content: msg.Content}
		default:
			m.logger.Warn("unknown message role, skipping", zap.String("role", msg.Role))
			continue
		}
		if err := buf.ChatHistory.AddMessage(ctx, chatMsg); err != nil {
			return nil, fmt.Errorf("failed to add message to memory: %w", err)
		}
	}

	m.sessions[workspaceID] = buf
	m.logger.Debug("conversation loaded",
		zap.String("workspace_id", workspaceID),
		zap.Int("messages", len(data.Messages)))
	return buf, nil
}

func (m *Manager) SaveUserMessage(ctx context.Context, workspaceID, message string) error {
	return m.save(ctx, workspaceID, RoleUser, message)
}

func (m *Manager) SaveAssistantMessage(ctx context.Context, workspaceID, message string) error {
	return m.save(ctx, workspaceID, RoleAssistant, message)
}

func (m *Manager) save(ctx context.Context, workspaceID, role, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.session(ctx, workspaceID)
	if err != nil {
		return err
	}

	if role == RoleUser {
		err = buf.ChatHistory.AddUserMessage(ctx, message)
	} else {
		err = buf.ChatHistory.AddAIMessage(ctx, message)
	}
	if err != nil {
		return fmt.Errorf("failed to add %s message to memory: %w", role, err)
	}

	msg := Message{Role: role, Content: message, Timestamp: m.now().UTC()}
	if err := m.store.SaveMessage(ctx, workspaceID, msg); err != nil {
		return fmt.Errorf("failed to persist %s message: %w", role, err)
	}
	return nil
}

// Recent returns the last lines of the workspace conversation, oldest first.
func (m *Manager) Recent(ctx context.Context, workspaceID string) ([]prompts.ConversationLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, err := m.session(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	messages, err := buf.ChatHistory.Messages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if m.window > 0 && len(messages) > m.window {
		messages = messages[len(messages)-m.window:]
	}

	lines := make([]prompts.ConversationLine, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.GetType() {
		case llms.ChatMessageTypeHuman:
			role = RoleUser
		case llms.ChatMessageTypeAI:
			role = RoleAssistant
		case llms.ChatMessageTypeSystem:
			role = RoleSystem
		default:
			continue
		}
		lines = append(lines, prompts.ConversationLine{Role: role, Message: msg.GetContent()})
	}
	return lines, nil
}

// Clear drops the cached buffer and the stored conversation.
func (m *Manager) Clear(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	delete(m.sessions, workspaceID)
	m.mu.Unlock()

	if err := m.store.ClearSession(ctx, workspaceID); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	if closer, ok := m.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
