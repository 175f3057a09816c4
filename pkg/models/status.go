package models

// Task statuses used throughout the codebase. Task status is monotonic except
// for the bounded recovery cycle error -> in_progress.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskError      = "error"
)

// Agent availability statuses.
const (
	AgentAvailable  = "available"
	AgentBusy       = "busy"
	AgentRecovering = "recovering"
	AgentFailed     = "failed"
)

// Agent roles.
const (
	RoleCoder      = "coder"
	RoleReviewer   = "reviewer"
	RoleTester     = "tester"
	RoleResearcher = "researcher"
	RoleDocumenter = "documenter"
	RoleSupervisor = "supervisor"
)

// Result statuses shared by all role strategies.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Event types published on the coordinator feed.
const (
	EventTaskStatus        = "task_status"
	EventAgentStatus       = "agent_status"
	EventRecoveryExhausted = "recovery_exhausted"
	EventArtifactAdded     = "artifact_added"
)

// ValidRoles maps every known role for input validation.
var ValidRoles = map[string]bool{
	RoleCoder:      true,
	RoleReviewer:   true,
	RoleTester:     true,
	RoleResearcher: true,
	RoleDocumenter: true,
	RoleSupervisor: true,
}

// Default limits.
const (
	DefaultMaxRecoveryAttempts = 3
	DefaultExecTimeoutSec      = 30
	DefaultInlineArtifactBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultArtifactListLimit   = 500
	DefaultMessageListLimit    = 200
	DefaultEventChannelBuffer  = 256
)
