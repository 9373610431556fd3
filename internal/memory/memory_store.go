package memory

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps conversations for the life of the process.
type InMemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*SessionData
	maxMessages int
}

func NewInMemoryStore(maxMessages int) *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*SessionData), maxMessages: maxMessages}
}

func (s *InMemoryStore) LoadSession(ctx context.Context, workspaceID string) (*SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workspaceID]
	if !ok {
		return newSession(workspaceID, time.Now()), nil
	}
	out := *session
	out.Messages = append([]Message(nil), session.Messages...)
	return &out, nil
}

func (s *InMemoryStore) SaveMessage(ctx context.Context, workspaceID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[workspaceID]
	if !ok {
		session = newSession(workspaceID, msg.Timestamp)
		s.sessions[workspaceID] = session
	}
	session.appendMessage(msg, s.maxMessages)
	return nil
}

func (s *InMemoryStore) ClearSession(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, workspaceID)
	return nil
}
