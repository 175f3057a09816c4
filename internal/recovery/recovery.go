// Package recovery owns the retry policy around task execution. The executor
// performs single attempts; the manager decides whether a failed attempt is
// retried after a backoff or declared terminal.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/ankittk/crew/internal/events"
	"github.com/ankittk/crew/internal/executor"
	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// Attempter runs one execution attempt for a task.
type Attempter interface {
	Attempt(ctx context.Context, taskID string) error
}

// Manager drives a task through attempts until it completes or the agent's
// recovery budget is spent.
type Manager struct {
	store       store.Store
	attempter   Attempter
	bus         *events.Bus
	maxAttempts int
	backoffBase time.Duration
	sleep       func(context.Context, time.Duration)
	logger      *slog.Logger
}

// Config for NewManager. Zero values fall back to defaults; Sleep is
// injectable so tests run without real delays.
type Config struct {
	Store       store.Store
	Attempter   Attempter
	Bus         *events.Bus
	MaxAttempts int
	BackoffBase time.Duration
	Sleep       func(context.Context, time.Duration)
	Logger      *slog.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxRecoveryAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		attempter:   cfg.Attempter,
		bus:         cfg.Bus,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		sleep:       cfg.Sleep,
		logger:      cfg.Logger,
	}
}

// Backoff returns the deterministic wait before retry n (1-based):
// base * 2^(n-1).
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Run executes the task until it completes or recovery is exhausted. The
// agent's recovery counter never exceeds the attempt limit; exhaustion marks
// the agent failed and emits exactly one RecoveryExhausted event. Run blocks
// through backoff waits; callers normally invoke it on its own goroutine.
func (m *Manager) Run(ctx context.Context, taskID string) {
	for {
		if m.terminal(ctx, taskID) {
			return
		}
		err := m.attempter.Attempt(ctx, taskID)
		if err == nil {
			return
		}

		task, terr := m.store.GetTask(ctx, taskID)
		if terr != nil {
			m.logger.Error("recovery lost its task", "task_id", taskID, "err", terr)
			return
		}
		agent, aerr := m.store.GetAgent(ctx, task.AgentID)
		if aerr != nil {
			m.logger.Error("recovery lost its agent", "task_id", taskID, "agent_id", task.AgentID, "err", aerr)
			return
		}

		if agent.RecoveryAttempts >= m.maxAttempts {
			m.exhaust(ctx, task, agent)
			return
		}

		attempt := agent.RecoveryAttempts + 1
		if err := m.store.SetAgentRecovery(ctx, agent.AgentID, attempt); err != nil {
			m.logger.Error("record recovery attempt", "agent_id", agent.AgentID, "err", err)
			return
		}
		if err := m.store.SetAgentStatus(ctx, agent.AgentID, models.AgentRecovering); err != nil {
			m.logger.Error("mark agent recovering", "agent_id", agent.AgentID, "err", err)
			return
		}
		m.publishAgent(task, agent.AgentID, agent.Status, models.AgentRecovering, "recovery")
		otel.RecordRecoveryAttempt(ctx, task.TeamID, agent.AgentID)
		m.logger.Info("retrying task",
			"task_id", task.TaskID, "agent_id", agent.AgentID,
			"attempt", attempt, "max", m.maxAttempts, "backoff", m.Backoff(attempt))

		m.sleep(ctx, m.Backoff(attempt))
		if ctx.Err() != nil {
			return
		}

		// The agent goes straight back to busy for the retry; an
		// intermediate available window would let a concurrent delegation
		// steal it mid-recovery.
		if err := m.store.SetAgentStatus(ctx, agent.AgentID, models.AgentBusy); err != nil {
			m.logger.Error("reclaim agent for retry", "agent_id", agent.AgentID, "err", err)
			return
		}
		m.publishAgent(task, agent.AgentID, models.AgentRecovering, models.AgentBusy, "retry")
	}
}

// terminal reports whether the task is already in a final state: completed,
// or error with its agent failed. Further recovery ticks on a terminal task
// are no-ops.
func (m *Manager) terminal(ctx context.Context, taskID string) bool {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return true
	}
	switch task.Status {
	case models.TaskCompleted:
		return true
	case models.TaskError:
		agent, err := m.store.GetAgent(ctx, task.AgentID)
		if err != nil {
			return true
		}
		return agent.Status == models.AgentFailed
	}
	return false
}

func (m *Manager) exhaust(ctx context.Context, task models.Task, agent models.Agent) {
	if err := m.store.SetAgentStatus(ctx, agent.AgentID, models.AgentFailed); err != nil {
		m.logger.Error("mark agent failed", "agent_id", agent.AgentID, "err", err)
	}
	m.publishAgent(task, agent.AgentID, agent.Status, models.AgentFailed, "recovery exhausted")
	m.publish(models.Event{
		Type:    models.EventRecoveryExhausted,
		TeamID:  task.TeamID,
		TaskID:  task.TaskID,
		AgentID: agent.AgentID,
		Reason:  lastErrorReason(task),
	})
	otel.RecordRecoveryExhausted(ctx, task.TeamID, agent.AgentID)
	m.logger.Warn("recovery exhausted",
		"task_id", task.TaskID, "agent_id", agent.AgentID, "attempts", agent.RecoveryAttempts)
}

func lastErrorReason(task models.Task) string {
	if task.Result != nil && task.Result.Error != "" {
		return task.Result.Error
	}
	return executor.ReasonFailed
}

func (m *Manager) publishAgent(task models.Task, agentID, oldState, newState, reason string) {
	m.publish(models.Event{
		Type:     models.EventAgentStatus,
		TeamID:   task.TeamID,
		TaskID:   task.TaskID,
		AgentID:  agentID,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	})
}

func (m *Manager) publish(ev models.Event) {
	otel.RecordEvent(context.Background())
	m.bus.Publish(ev)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
