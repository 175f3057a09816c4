// Package models provides shared types for the crew delegation subsystem and
// external tools. These types mirror the coordinator API and are stable for
// use by the CLI and other consumers.
package models

import "time"

// Team is a named group of agents collaborating on tasks under one supervisor.
type Team struct {
	TeamID     string    `json:"team_id"`
	Name       string    `json:"name"`
	Supervisor string    `json:"supervisor"`
	OwnerID    string    `json:"owner_id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	AgentCount int       `json:"agent_count,omitempty"`
	TaskCount  int       `json:"task_count,omitempty"`
}

// Agent is a role-scoped team member that executes tasks of a matching role.
// Languages is only meaningful for the coder role.
type Agent struct {
	AgentID          string    `json:"agent_id"`
	TeamID           string    `json:"team_id"`
	Name             string    `json:"name"`
	Role             string    `json:"role"`
	Languages        []string  `json:"languages,omitempty"`
	Status           string    `json:"status"`
	RecoveryAttempts int       `json:"recovery_attempts,omitempty"`
	CompletedTasks   int       `json:"completed_tasks,omitempty"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// Task is a unit of delegated work. The assigned agent is fixed at creation
// and always belongs to the task's team.
type Task struct {
	TaskID      string     `json:"task_id"`
	TeamID      string     `json:"team_id"`
	AgentID     string     `json:"agent_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Language    string     `json:"language,omitempty"`
	Creator     string     `json:"creator,omitempty"`
	Status      string     `json:"status"`
	Result      *Result    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Message is one entry on a team's chat log. The log is append-only:
// messages are never edited or renumbered.
type Message struct {
	MessageID string    `json:"message_id"`
	TeamID    string    `json:"team_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Result is the outcome of one task execution. Every role strategy produces
// this same shape so completion handling is role-agnostic.
type Result struct {
	Status   string `json:"status"` // "ok" or "error"
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// OK reports whether the result represents a successful execution.
func (r *Result) OK() bool { return r != nil && r.Status == ResultOK }

// Artifact is a file produced by a task's execution, discovered by scanning
// the sandbox output directory. Identity is stable for the producing session;
// re-scanning an unchanged file never creates a duplicate.
type Artifact struct {
	ArtifactID  string    `json:"artifact_id"`
	ScopeID     string    `json:"scope_id"` // owning task (or team) id
	SessionID   string    `json:"session_id,omitempty"`
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	Inline      []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// Event is one entry on the coordinator's event feed: a task or agent status
// transition. Delivery is at-least-once; subscribers must tolerate duplicates.
type Event struct {
	Type      string    `json:"type"`
	TeamID    string    `json:"team_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	OldState  string    `json:"old_state,omitempty"`
	NewState  string    `json:"new_state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
