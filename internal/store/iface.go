// Package store defines the persistence interface for teams, agents, tasks,
// and artifacts, plus the default in-memory implementation. The coordinator
// owns one Store and passes it by injection; persistent backends live in the
// sqlite and postgres subpackages.
package store

import (
	"context"

	"github.com/ankittk/crew/pkg/models"
)

// Store is the persistence interface for the delegation subsystem.
// Implementations: *Memory (default), *sqlite.Store, and *postgres.Store.
type Store interface {
	// Teams
	CreateTeam(ctx context.Context, name, supervisor, ownerID string) (models.Team, error)
	GetTeam(ctx context.Context, teamID string) (models.Team, error)
	ListTeams(ctx context.Context) ([]models.Team, error)
	DeleteTeam(ctx context.Context, teamID string) error

	// Agents
	CreateAgent(ctx context.Context, teamID, name, role string, languages []string) (models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (models.Agent, error)
	ListAgents(ctx context.Context, teamID string) ([]models.Agent, error)
	RemoveAgent(ctx context.Context, teamID, agentID string) error
	// ClaimAgent atomically moves an available agent to busy. Returns false
	// when the agent is not available; this is the double-assignment guard.
	ClaimAgent(ctx context.Context, agentID string) (bool, error)
	SetAgentStatus(ctx context.Context, agentID, status string) error
	SetAgentRecovery(ctx context.Context, agentID string, attempts int) error
	IncrementAgentCompleted(ctx context.Context, agentID string) error
	// ReconcileAgents returns busy/recovering agents to available (or failed
	// when attempts exceed maxAttempts). Called once at startup; any such
	// agent has no in-flight execution after a process restart.
	ReconcileAgents(ctx context.Context, maxAttempts int) (int, error)

	// Messages (append-only team chat log)
	AddMessage(ctx context.Context, teamID, author, content string) (models.Message, error)
	ListMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error)

	// Tasks
	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	GetTask(ctx context.Context, taskID string) (models.Task, error)
	ListTasks(ctx context.Context, teamID string, limit int) ([]models.Task, error)
	SetTaskStatus(ctx context.Context, taskID, status string) error
	SetTaskResult(ctx context.Context, taskID, status string, res *models.Result) error

	// Artifacts
	CreateArtifact(ctx context.Context, a models.Artifact) (models.Artifact, error)
	GetArtifact(ctx context.Context, artifactID string) (models.Artifact, error)
	ListArtifacts(ctx context.Context, scopeID string, limit int) ([]models.Artifact, error)
	DeleteArtifact(ctx context.Context, artifactID string) error
	// HasArtifactFingerprint reports whether an artifact with the same
	// (scope, path, fingerprint) already exists; the idempotent-scan key.
	HasArtifactFingerprint(ctx context.Context, scopeID, path, fingerprint string) (bool, error)

	// Lifecycle
	Close() error
}
