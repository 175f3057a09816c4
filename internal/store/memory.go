package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ankittk/crew/pkg/models"
)

// Memory is the in-memory Store. It is the default backend: all state lives
// in maps owned by this object, guarded by one RWMutex. Lookups and
// transitions are quick; nothing here blocks on I/O.
type Memory struct {
	mu        sync.RWMutex
	teams     map[string]*models.Team
	agents    map[string]*models.Agent
	tasks     map[string]*models.Task
	artifacts map[string]*models.Artifact
	messages  map[string][]models.Message // keyed by team id, append-only
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		teams:     make(map[string]*models.Team),
		agents:    make(map[string]*models.Agent),
		tasks:     make(map[string]*models.Task),
		artifacts: make(map[string]*models.Artifact),
		messages:  make(map[string][]models.Message),
	}
}

func (m *Memory) CreateTeam(ctx context.Context, name, supervisor, ownerID string) (models.Team, error) {
	if name == "" {
		return models.Team{}, errors.New("team name required")
	}
	t := models.Team{
		TeamID:     NewID(),
		Name:       name,
		Supervisor: supervisor,
		OwnerID:    ownerID,
		CreatedAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.teams[t.TeamID] = &t
	m.mu.Unlock()
	return t, nil
}

func (m *Memory) GetTeam(ctx context.Context, teamID string) (models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[teamID]
	if !ok {
		return models.Team{}, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	out := *t
	out.AgentCount, out.TaskCount = m.countsLocked(teamID)
	return out, nil
}

func (m *Memory) ListTeams(ctx context.Context) ([]models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Team, 0, len(m.teams))
	for _, t := range m.teams {
		c := *t
		c.AgentCount, c.TaskCount = m.countsLocked(t.TeamID)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out, nil
}

func (m *Memory) countsLocked(teamID string) (agents, tasks int) {
	for _, a := range m.agents {
		if a.TeamID == teamID {
			agents++
		}
	}
	for _, t := range m.tasks {
		if t.TeamID == teamID {
			tasks++
		}
	}
	return agents, tasks
}

func (m *Memory) DeleteTeam(ctx context.Context, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	delete(m.teams, teamID)
	delete(m.messages, teamID)
	for id, a := range m.agents {
		if a.TeamID == teamID {
			delete(m.agents, id)
		}
	}
	return nil
}

func (m *Memory) CreateAgent(ctx context.Context, teamID, name, role string, languages []string) (models.Agent, error) {
	if name == "" {
		return models.Agent{}, errors.New("agent name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return models.Agent{}, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	a := models.Agent{
		AgentID:   NewID(),
		TeamID:    teamID,
		Name:      name,
		Role:      role,
		Languages: append([]string(nil), languages...),
		Status:    models.AgentAvailable,
		CreatedAt: time.Now().UTC(),
	}
	m.agents[a.AgentID] = &a
	return copyAgent(&a), nil
}

func (m *Memory) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return models.Agent{}, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return copyAgent(a), nil
}

func (m *Memory) ListAgents(ctx context.Context, teamID string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.teams[teamID]; !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	var out []models.Agent
	for _, a := range m.agents {
		if a.TeamID == teamID {
			out = append(out, copyAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) RemoveAgent(ctx context.Context, teamID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if a.TeamID != teamID {
		return fmt.Errorf("agent %s not in team %s: %w", agentID, teamID, ErrInvalidState)
	}
	// Tasks assigned to the removed agent keep their current status.
	delete(m.agents, agentID)
	return nil
}

func (m *Memory) ClaimAgent(ctx context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return false, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if a.Status != models.AgentAvailable {
		return false, nil
	}
	a.Status = models.AgentBusy
	return true, nil
}

func (m *Memory) SetAgentStatus(ctx context.Context, agentID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.Status = status
	return nil
}

func (m *Memory) SetAgentRecovery(ctx context.Context, agentID string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.RecoveryAttempts = attempts
	return nil
}

func (m *Memory) IncrementAgentCompleted(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	a.CompletedTasks++
	return nil
}

func (m *Memory) ReconcileAgents(ctx context.Context, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.agents {
		if a.Status != models.AgentBusy && a.Status != models.AgentRecovering {
			continue
		}
		if a.RecoveryAttempts > maxAttempts {
			a.Status = models.AgentFailed
		} else {
			a.Status = models.AgentAvailable
		}
		n++
	}
	return n, nil
}

func (m *Memory) AddMessage(ctx context.Context, teamID, author, content string) (models.Message, error) {
	if content == "" {
		return models.Message{}, errors.New("message content required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return models.Message{}, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	msg := models.Message{
		MessageID: NewID(),
		TeamID:    teamID,
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	m.messages[teamID] = append(m.messages[teamID], msg)
	return msg, nil
}

func (m *Memory) ListMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.teams[teamID]; !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	msgs := m.messages[teamID]
	out := append([]models.Message(nil), msgs...)
	if limit > 0 && len(out) > limit {
		// Most recent tail of the log.
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[t.TeamID]; !ok {
		return models.Task{}, fmt.Errorf("team %s: %w", t.TeamID, ErrNotFound)
	}
	a, ok := m.agents[t.AgentID]
	if !ok {
		return models.Task{}, fmt.Errorf("agent %s: %w", t.AgentID, ErrNotFound)
	}
	if a.TeamID != t.TeamID {
		return models.Task{}, fmt.Errorf("agent %s not in team %s: %w", t.AgentID, t.TeamID, ErrInvalidState)
	}
	if t.TaskID == "" {
		t.TaskID = NewID()
	}
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	stored := t
	m.tasks[stored.TaskID] = &stored
	return t, nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *Memory) ListTasks(ctx context.Context, teamID string, limit int) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.teams[teamID]; !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, ErrNotFound)
	}
	var out []models.Task
	for _, t := range m.tasks {
		if t.TeamID == teamID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetTaskStatus(ctx context.Context, taskID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	t.Status = status
	return nil
}

func (m *Memory) SetTaskResult(ctx context.Context, taskID, status string, res *models.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	t.Status = status
	if res != nil {
		c := *res
		t.Result = &c
	}
	if status == models.TaskCompleted || status == models.TaskError {
		now := time.Now().UTC()
		t.CompletedAt = &now
	}
	return nil
}

func (m *Memory) CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	stored := a
	m.mu.Lock()
	m.artifacts[stored.ArtifactID] = &stored
	m.mu.Unlock()
	return a, nil
}

func (m *Memory) GetArtifact(ctx context.Context, artifactID string) (models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[artifactID]
	if !ok {
		return models.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	return *a, nil
}

func (m *Memory) ListArtifacts(ctx context.Context, scopeID string, limit int) ([]models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Artifact
	for _, a := range m.artifacts {
		if a.ScopeID == scopeID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteArtifact(ctx context.Context, artifactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifactID]; !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	// Only the record is removed; the underlying sandbox file stays.
	delete(m.artifacts, artifactID)
	return nil
}

func (m *Memory) HasArtifactFingerprint(ctx context.Context, scopeID, path, fingerprint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.artifacts {
		if a.ScopeID == scopeID && a.Path == path && a.Fingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Close() error { return nil }

func copyAgent(a *models.Agent) models.Agent {
	c := *a
	c.Languages = append([]string(nil), a.Languages...)
	return c
}

func copyTask(t *models.Task) models.Task {
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return c
}
