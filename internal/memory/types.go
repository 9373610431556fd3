package memory

import (
	"context"
	"time"
)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultMaxMessages caps a stored conversation.
const DefaultMaxMessages = 50

// Message is one remembered chat line.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionData is the conversation kept for one workspace.
type SessionData struct {
	WorkspaceID string    `json:"workspace_id"`
	Messages    []Message `json:"messages"`
	Metadata    Metadata  `json:"metadata"`
}

type Metadata struct {
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
}

// Store persists conversations.
type Store interface {
	// LoadSession returns an empty session when none is stored.
	LoadSession(ctx context.Context, workspaceID string) (*SessionData, error)
	SaveMessage(ctx context.Context, workspaceID string, msg Message) error
	ClearSession(ctx context.Context, workspaceID string) error
}

func newSession(workspaceID string, now time.Time) *SessionData {
	return &SessionData{
		WorkspaceID: workspaceID,
		Messages:    []Message{},
		Metadata:    Metadata{StartedAt: now, LastActivity: now},
	}
}

// appendMessage adds msg and keeps at most limit messages (0 keeps all).
func (s *SessionData) appendMessage(msg Message, limit int) {
	s.Messages = append(s.Messages, msg)
	if limit > 0 && len(s.Messages) > limit {
		s.Messages = s.Messages[len(s.Messages)-limit:]
	}
	s.Metadata.LastActivity = msg.Timestamp
	s.Metadata.MessageCount++
	if s.Metadata.MessageCount == 1 {
		s.Metadata.StartedAt = msg.Timestamp
	}
}
