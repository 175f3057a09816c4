// Package coordinator is the façade over teams, agents, tasks and the event
// feed. Mutations are audited; delegation hands tasks to the recovery-wrapped
// executor on background goroutines and returns synchronously.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ankittk/crew/internal/artifact"
	"github.com/ankittk/crew/internal/audit"
	"github.com/ankittk/crew/internal/events"
	"github.com/ankittk/crew/internal/executor"
	"github.com/ankittk/crew/internal/otel"
	"github.com/ankittk/crew/internal/recovery"
	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

// ErrNoEligibleAgent means delegation found no agent matching the requested
// role and language. Surfaced immediately; never retried.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// Config wires a Coordinator.
type Config struct {
	Store       store.Store
	Sandbox     sandbox.Client
	Audit       audit.Sink
	Logger      *slog.Logger
	MaxAttempts int
	BackoffBase time.Duration

	// Sleep overrides the recovery backoff wait. Tests inject a no-op.
	Sleep func(context.Context, time.Duration)
}

// Coordinator owns the delegation pipeline and the event feed.
type Coordinator struct {
	store    store.Store
	bus      *events.Bus
	sessions *sandbox.Manager
	recovery *recovery.Manager
	audit    audit.Sink
	logger   *slog.Logger

	mu       sync.Mutex
	teamLock map[string]*sync.Mutex // serializes delegation per team

	wg sync.WaitGroup // in-flight background executions
}

// New builds the pipeline and reconciles agent state left over from a
// previous process (mid-flight agents become available again, or failed when
// their recovery budget was already spent).
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sandbox == nil {
		return nil, errors.New("sandbox client required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxRecoveryAttempts
	}

	bus := events.NewBus()
	sessions := sandbox.NewManager(cfg.Sandbox, cfg.Logger)
	scanner := artifact.NewScanner(cfg.Store, cfg.Logger)
	exec := executor.New(cfg.Store, sessions, scanner, bus, cfg.Logger)
	rec := recovery.NewManager(recovery.Config{
		Store:       cfg.Store,
		Attempter:   exec,
		Bus:         bus,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Sleep:       cfg.Sleep,
		Logger:      cfg.Logger,
	})

	n, err := cfg.Store.ReconcileAgents(ctx, cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("reconcile agents: %w", err)
	}
	if n > 0 {
		cfg.Logger.Info("reconciled agents from previous run", "count", n)
	}

	return &Coordinator{
		store:    cfg.Store,
		bus:      bus,
		sessions: sessions,
		recovery: rec,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		teamLock: make(map[string]*sync.Mutex),
	}, nil
}

// Close waits for in-flight executions and releases sandbox sessions.
func (c *Coordinator) Close() error {
	c.wg.Wait()
	return c.sessions.Close()
}

// WaitIdle blocks until every background execution started so far finished.
func (c *Coordinator) WaitIdle() {
	c.wg.Wait()
}

// CreateTeam registers a new team.
func (c *Coordinator) CreateTeam(ctx context.Context, name, supervisor, ownerID string) (models.Team, error) {
	team, err := c.store.CreateTeam(ctx, name, supervisor, ownerID)
	if err != nil {
		return models.Team{}, err
	}
	c.audit.Record(ctx, audit.Entry{Action: "team.create", Actor: ownerID, TeamID: team.TeamID, Detail: name})
	c.logger.Info("created team", "team_id", team.TeamID, "name", name)
	return team, nil
}

func (c *Coordinator) GetTeam(ctx context.Context, teamID string) (models.Team, error) {
	return c.store.GetTeam(ctx, teamID)
}

func (c *Coordinator) ListTeams(ctx context.Context) ([]models.Team, error) {
	return c.store.ListTeams(ctx)
}

// DeleteTeam removes the team and its agents. Tasks keep their records.
func (c *Coordinator) DeleteTeam(ctx context.Context, teamID, ownerID string) error {
	if err := c.store.DeleteTeam(ctx, teamID); err != nil {
		return err
	}
	c.audit.Record(ctx, audit.Entry{Action: "team.delete", Actor: ownerID, TeamID: teamID})
	return nil
}

// AddAgent registers a new agent with status available and a zero recovery
// counter.
func (c *Coordinator) AddAgent(ctx context.Context, teamID, name, role string, languages []string, ownerID string) (models.Agent, error) {
	if !models.ValidRoles[role] {
		return models.Agent{}, fmt.Errorf("invalid role %q", role)
	}
	agent, err := c.store.CreateAgent(ctx, teamID, name, role, languages)
	if err != nil {
		return models.Agent{}, err
	}
	c.audit.Record(ctx, audit.Entry{Action: "agent.add", Actor: ownerID, TeamID: teamID, AgentID: agent.AgentID, Detail: role})
	c.logger.Info("added agent", "team_id", teamID, "agent_id", agent.AgentID, "role", role)
	return agent, nil
}

// RemoveAgent removes the agent, discarding its recovery state. Tasks
// already assigned to it keep their current status; nothing is cancelled.
func (c *Coordinator) RemoveAgent(ctx context.Context, teamID, agentID, ownerID string) error {
	if err := c.store.RemoveAgent(ctx, teamID, agentID); err != nil {
		return err
	}
	c.sessions.Invalidate(agentID)
	c.audit.Record(ctx, audit.Entry{Action: "agent.remove", Actor: ownerID, TeamID: teamID, AgentID: agentID})
	return nil
}

// PostMessage appends to the team's chat log.
func (c *Coordinator) PostMessage(ctx context.Context, teamID, author, content string) (models.Message, error) {
	msg, err := c.store.AddMessage(ctx, teamID, author, content)
	if err != nil {
		return models.Message{}, err
	}
	c.audit.Record(ctx, audit.Entry{Action: "message.post", Actor: author, TeamID: teamID})
	return msg, nil
}

func (c *Coordinator) ListMessages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	return c.store.ListMessages(ctx, teamID, limit)
}

func (c *Coordinator) GetAgent(ctx context.Context, agentID string) (models.Agent, error) {
	return c.store.GetAgent(ctx, agentID)
}

func (c *Coordinator) ListAgents(ctx context.Context, teamID string) ([]models.Agent, error) {
	return c.store.ListAgents(ctx, teamID)
}

// DelegateRequest describes a task to delegate.
type DelegateRequest struct {
	TeamID      string
	Title       string
	Description string
	Role        string
	Language    string // required when Role is coder
	Creator     string
}

// DelegateTask picks an eligible available agent, assigns the task, and
// starts execution in the background. Two concurrent delegations for one
// team never select the same agent: selection is serialized per team and the
// claim itself is a compare-and-set on the agent's status.
func (c *Coordinator) DelegateTask(ctx context.Context, req DelegateRequest) (models.Task, error) {
	if !models.ValidRoles[req.Role] {
		return models.Task{}, fmt.Errorf("invalid role %q", req.Role)
	}
	if _, err := c.store.GetTeam(ctx, req.TeamID); err != nil {
		return models.Task{}, err
	}

	lock := c.lockFor(req.TeamID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := c.selectAgent(ctx, req)
	if err != nil {
		return models.Task{}, err
	}

	task, err := c.store.CreateTask(ctx, models.Task{
		TeamID:      req.TeamID,
		AgentID:     agent.AgentID,
		Title:       req.Title,
		Description: req.Description,
		Language:    req.Language,
		Creator:     req.Creator,
	})
	if err != nil {
		// Roll the claim back so the agent is not stranded busy.
		_ = c.store.SetAgentStatus(ctx, agent.AgentID, models.AgentAvailable)
		return models.Task{}, err
	}

	c.publish(models.Event{
		Type: models.EventAgentStatus, TeamID: req.TeamID, TaskID: task.TaskID,
		AgentID: agent.AgentID, OldState: models.AgentAvailable, NewState: models.AgentBusy,
	})
	c.publish(models.Event{
		Type: models.EventTaskStatus, TeamID: req.TeamID, TaskID: task.TaskID,
		AgentID: agent.AgentID, NewState: models.TaskPending,
	})
	otel.RecordTaskOp(ctx, "delegate", req.TeamID, models.TaskPending)
	c.audit.Record(ctx, audit.Entry{Action: "task.delegate", Actor: req.Creator, TeamID: req.TeamID, AgentID: agent.AgentID, TaskID: task.TaskID, Detail: req.Title})
	c.logger.Info("delegated task",
		"team_id", req.TeamID, "task_id", task.TaskID, "agent_id", agent.AgentID, "role", req.Role)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.recovery.Run(context.WithoutCancel(ctx), task.TaskID)
	}()
	return task, nil
}

// selectAgent applies the selection policy: matching role (and language for
// coders), status available, fewest completed tasks, then lowest id for a
// deterministic final tie-break. The returned agent has been claimed busy.
func (c *Coordinator) selectAgent(ctx context.Context, req DelegateRequest) (models.Agent, error) {
	for {
		agents, err := c.store.ListAgents(ctx, req.TeamID)
		if err != nil {
			return models.Agent{}, err
		}

		var candidates []models.Agent
		for _, a := range agents {
			if a.Role != req.Role {
				continue
			}
			if req.Role == models.RoleCoder && !hasLanguage(a.Languages, req.Language) {
				continue
			}
			candidates = append(candidates, a)
		}
		if len(candidates) == 0 {
			return models.Agent{}, fmt.Errorf("team %s: role %s language %q: %w", req.TeamID, req.Role, req.Language, ErrNoEligibleAgent)
		}

		var available []models.Agent
		for _, a := range candidates {
			if a.Status == models.AgentAvailable {
				available = append(available, a)
			}
		}
		if len(available) == 0 {
			return models.Agent{}, fmt.Errorf("team %s: all %d matching agents unavailable: %w", req.TeamID, len(candidates), ErrNoEligibleAgent)
		}

		sort.Slice(available, func(i, j int) bool {
			if available[i].CompletedTasks != available[j].CompletedTasks {
				return available[i].CompletedTasks < available[j].CompletedTasks
			}
			return available[i].AgentID < available[j].AgentID
		})

		ok, err := c.store.ClaimAgent(ctx, available[0].AgentID)
		if err != nil {
			return models.Agent{}, err
		}
		if ok {
			return available[0], nil
		}
		// Lost the claim race (e.g. recovery reclaimed the agent); pick again.
	}
}

func hasLanguage(languages []string, want string) bool {
	for _, l := range languages {
		if l == want {
			return true
		}
	}
	return false
}

func (c *Coordinator) lockFor(teamID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.teamLock[teamID]
	if !ok {
		l = &sync.Mutex{}
		c.teamLock[teamID] = l
	}
	return l
}

func (c *Coordinator) GetTask(ctx context.Context, taskID string) (models.Task, error) {
	return c.store.GetTask(ctx, taskID)
}

func (c *Coordinator) ListTasks(ctx context.Context, teamID string, limit int) ([]models.Task, error) {
	return c.store.ListTasks(ctx, teamID, limit)
}

// TaskResult returns the task's result, or NotFound while no attempt has
// finished yet.
func (c *Coordinator) TaskResult(ctx context.Context, taskID string) (models.Result, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return models.Result{}, err
	}
	if task.Result == nil {
		return models.Result{}, fmt.Errorf("task %s has no result yet: %w", taskID, store.ErrNotFound)
	}
	return *task.Result, nil
}

func (c *Coordinator) GetArtifact(ctx context.Context, artifactID string) (models.Artifact, error) {
	return c.store.GetArtifact(ctx, artifactID)
}

func (c *Coordinator) ListArtifacts(ctx context.Context, scopeID string, limit int) ([]models.Artifact, error) {
	return c.store.ListArtifacts(ctx, scopeID, limit)
}

// DeleteArtifact removes an artifact record. The underlying sandbox file, if
// any, is left alone; the session owns its output dir.
func (c *Coordinator) DeleteArtifact(ctx context.Context, artifactID, ownerID string) error {
	a, err := c.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteArtifact(ctx, artifactID); err != nil {
		return err
	}
	c.audit.Record(ctx, audit.Entry{Action: "artifact.remove", Actor: ownerID, TaskID: a.ScopeID, Detail: a.Path})
	return nil
}

// Subscribe registers a callback on the event feed and returns an
// unsubscribe func.
func (c *Coordinator) Subscribe(fn func(models.Event)) func() {
	id := c.bus.Subscribe(fn)
	otel.AddSubscriber()
	return func() {
		c.bus.Unsubscribe(id)
		otel.RemoveSubscriber()
	}
}

// SubscribeChan returns a buffered event stream and its cancel func.
func (c *Coordinator) SubscribeChan() (<-chan models.Event, func()) {
	ch, cancel := c.bus.SubscribeChan()
	otel.AddSubscriber()
	return ch, func() {
		cancel()
		otel.RemoveSubscriber()
	}
}

func (c *Coordinator) publish(ev models.Event) {
	otel.RecordEvent(context.Background())
	c.bus.Publish(ev)
}
