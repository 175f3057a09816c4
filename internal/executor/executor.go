// Package executor drives a single task attempt: it runs the role strategy
// in the agent's session, records the result, and emits status events. Retry
// policy lives in the recovery package; the executor itself never retries.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ankittk/crew/internal/artifact"
	"github.com/ankittk/crew/internal/events"
	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// Reasons carried on task error events.
const (
	ReasonTimeout = "timeout"
	ReasonSandbox = "sandbox"
	ReasonFailed  = "failed"
)

// AttemptError reports a failed attempt to the recovery manager.
type AttemptError struct {
	Reason string
	Err    error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt failed (%s): %v", e.Reason, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Executor runs single task attempts.
type Executor struct {
	store      store.Store
	sessions   *sandbox.Manager
	scanner    *artifact.Scanner
	bus        *events.Bus
	strategies map[string]Strategy
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-task execution locks
}

func New(st store.Store, sessions *sandbox.Manager, scanner *artifact.Scanner, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		sessions:   sessions,
		scanner:    scanner,
		bus:        bus,
		strategies: DefaultStrategies(),
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (e *Executor) taskLock(taskID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[taskID] = l
	}
	return l
}

// Attempt runs one execution attempt for the task. Returns nil when the task
// completed; an *AttemptError when the attempt failed and the recovery
// manager should decide what happens next. No two attempts for the same task
// run concurrently.
func (e *Executor) Attempt(ctx context.Context, taskID string) error {
	lock := e.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	agent, err := e.store.GetAgent(ctx, task.AgentID)
	if err != nil {
		return err
	}
	strategy, ok := e.strategies[agent.Role]
	if !ok {
		return fmt.Errorf("no strategy for role %q", agent.Role)
	}

	if err := e.transitionTask(ctx, task, models.TaskInProgress, ""); err != nil {
		return err
	}
	otel.RecordTaskOp(ctx, "execute", task.TeamID, models.TaskInProgress)

	sess, err := e.sessions.SessionFor(ctx, agent.AgentID)
	if err != nil {
		return e.failAttempt(ctx, task, agent, ReasonSandbox, err)
	}

	start := time.Now()
	result, runErr := strategy.Run(ctx, sess, task)
	otel.RecordSandboxCommand(ctx, agent.AgentID, time.Since(start))
	if runErr != nil {
		reason := ReasonSandbox
		if errors.Is(runErr, sandbox.ErrTimeout) {
			reason = ReasonTimeout
		}
		if reason == ReasonTimeout || sandbox.IsTransient(runErr) {
			// Post-timeout sessions may be poisoned: next attempt gets a
			// fresh one.
			e.sessions.Invalidate(agent.AgentID)
		}
		return e.failAttempt(ctx, task, agent, reason, runErr)
	}

	if result.Status != models.ResultOK {
		res := result
		if err := e.store.SetTaskResult(ctx, task.TaskID, models.TaskError, &res); err != nil {
			return err
		}
		e.publishTask(task, models.TaskInProgress, models.TaskError, ReasonFailed)
		otel.RecordTaskOp(ctx, "fail", task.TeamID, models.TaskError)
		return &AttemptError{Reason: ReasonFailed, Err: errors.New(result.Error)}
	}

	return e.complete(ctx, task, agent, sess, result)
}

func (e *Executor) complete(ctx context.Context, task models.Task, agent models.Agent, sess sandbox.Session, result models.Result) error {
	if err := e.store.SetTaskResult(ctx, task.TaskID, models.TaskCompleted, &result); err != nil {
		return err
	}
	e.publishTask(task, models.TaskInProgress, models.TaskCompleted, "")
	otel.RecordTaskOp(ctx, "complete", task.TeamID, models.TaskCompleted)

	if err := e.store.SetAgentStatus(ctx, agent.AgentID, models.AgentAvailable); err != nil {
		return err
	}
	e.publishAgent(task, agent.AgentID, agent.Status, models.AgentAvailable, "")
	if err := e.store.IncrementAgentCompleted(ctx, agent.AgentID); err != nil {
		return err
	}
	// A success after N>0 recoveries starts the next failure from scratch.
	if err := e.store.SetAgentRecovery(ctx, agent.AgentID, 0); err != nil {
		return err
	}

	added, err := e.scanner.Scan(ctx, task.TaskID, sess)
	if err != nil {
		e.logger.Warn("artifact scan failed", "task_id", task.TaskID, "err", err)
		return nil
	}
	for _, a := range added {
		otel.RecordArtifact(ctx, task.TeamID)
		e.publish(models.Event{
			Type:     models.EventArtifactAdded,
			TeamID:   task.TeamID,
			TaskID:   task.TaskID,
			AgentID:  agent.AgentID,
			NewState: a.Path,
		})
	}
	return nil
}

// failAttempt records the error result and hands the task to recovery by
// returning an *AttemptError. The agent stays busy; recovery owns its state
// from here.
func (e *Executor) failAttempt(ctx context.Context, task models.Task, agent models.Agent, reason string, cause error) error {
	res := &models.Result{
		Status: models.ResultError,
		Error:  cause.Error(),
	}
	if err := e.store.SetTaskResult(ctx, task.TaskID, models.TaskError, res); err != nil {
		return err
	}
	e.publishTask(task, models.TaskInProgress, models.TaskError, reason)
	otel.RecordTaskOp(ctx, "fail", task.TeamID, models.TaskError)
	e.logger.Warn("task attempt failed",
		"task_id", task.TaskID, "agent_id", agent.AgentID, "reason", reason, "err", cause)
	return &AttemptError{Reason: reason, Err: cause}
}

func (e *Executor) transitionTask(ctx context.Context, task models.Task, newState, reason string) error {
	if err := e.store.SetTaskStatus(ctx, task.TaskID, newState); err != nil {
		return err
	}
	e.publishTask(task, task.Status, newState, reason)
	return nil
}

func (e *Executor) publishTask(task models.Task, oldState, newState, reason string) {
	e.publish(models.Event{
		Type:     models.EventTaskStatus,
		TeamID:   task.TeamID,
		TaskID:   task.TaskID,
		AgentID:  task.AgentID,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	})
}

func (e *Executor) publishAgent(task models.Task, agentID, oldState, newState, reason string) {
	e.publish(models.Event{
		Type:     models.EventAgentStatus,
		TeamID:   task.TeamID,
		TaskID:   task.TaskID,
		AgentID:  agentID,
		OldState: oldState,
		NewState: newState,
		Reason:   reason,
	})
}

func (e *Executor) publish(ev models.Event) {
	otel.RecordEvent(context.Background())
	e.bus.Publish(ev)
}
