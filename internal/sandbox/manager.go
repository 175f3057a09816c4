package sandbox

import (
	"context"
	"log/slog"
	"sync"
)

// Manager maintains one live session per agent. A session survives across
// tasks so an agent keeps its working state; after a timeout the session is
// poisoned and must be invalidated so the next task gets a fresh one.
type Manager struct {
	client Client
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session // agentID -> session
}

func NewManager(client Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:   client,
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// SessionFor returns the agent's live session, opening one if needed.
func (m *Manager) SessionFor(ctx context.Context, agentID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[agentID]; ok {
		return s, nil
	}
	s, err := m.client.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("opened session for agent", "agent_id", agentID, "session_id", s.ID())
	m.sessions[agentID] = s
	return s, nil
}

// Invalidate closes and forgets the agent's session. Call after a timeout or
// transient failure so the next attempt runs in a clean environment.
func (m *Manager) Invalidate(agentID string) {
	m.mu.Lock()
	s, ok := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()
	if ok {
		m.logger.Debug("invalidated session", "agent_id", agentID, "session_id", s.ID())
		_ = s.Close()
	}
}

// Close closes every live session and the underlying client.
func (m *Manager) Close() error {
	m.mu.Lock()
	for id, s := range m.sessions {
		_ = s.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return m.client.Close()
}
