package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ankittk/crew/internal/artifact"
	"github.com/ankittk/crew/internal/events"
	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

type fixture struct {
	store    store.Store
	fake     *sandbox.Fake
	sessions *sandbox.Manager
	bus      *events.Bus
	exec     *Executor

	mu     sync.Mutex
	events []models.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	fake := sandbox.NewFake()
	sessions := sandbox.NewManager(fake, nil)
	bus := events.NewBus()
	f := &fixture{
		store:    st,
		fake:     fake,
		sessions: sessions,
		bus:      bus,
		exec:     New(st, sessions, artifact.NewScanner(st, nil), bus, nil),
	}
	bus.Subscribe(func(ev models.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	t.Cleanup(func() { _ = sessions.Close() })
	return f
}

func (f *fixture) taskStates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		if ev.Type == models.EventTaskStatus {
			out = append(out, ev.NewState)
		}
	}
	return out
}

// seedTask creates a team, one claimed coder agent, and a pending task.
func seedTask(t *testing.T, f *fixture, role, language, payload string) (models.Agent, models.Task) {
	t.Helper()
	ctx := context.Background()
	team, err := f.store.CreateTeam(ctx, "t1", "S", "owner")
	if err != nil {
		t.Fatal(err)
	}
	agent, err := f.store.CreateAgent(ctx, team.TeamID, "a1", role, []string{"python"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.store.ClaimAgent(ctx, agent.AgentID); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	task, err := f.store.CreateTask(ctx, models.Task{
		TeamID:      team.TeamID,
		AgentID:     agent.AgentID,
		Title:       "work",
		Description: payload,
		Language:    language,
	})
	if err != nil {
		t.Fatal(err)
	}
	return agent, task
}

func TestAttemptCoderSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "hello\n"}}
	agent, task := seedTask(t, f, models.RoleCoder, "python", `print("hello")`)
	ctx := context.Background()

	if err := f.exec.Attempt(ctx, task.TaskID); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	got, _ := f.store.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskCompleted || got.Result == nil || got.Result.Output != "hello\n" {
		t.Fatalf("task after attempt: %+v", got)
	}
	ga, _ := f.store.GetAgent(ctx, agent.AgentID)
	if ga.Status != models.AgentAvailable || ga.CompletedTasks != 1 || ga.RecoveryAttempts != 0 {
		t.Fatalf("agent after attempt: %+v", ga)
	}

	cmds := f.fake.Commands()
	if len(cmds) != 1 || cmds[0][0] != "python3" {
		t.Fatalf("commands: %v", cmds)
	}
	if states := f.taskStates(); len(states) != 2 || states[0] != models.TaskInProgress || states[1] != models.TaskCompleted {
		t.Fatalf("event states: %v", states)
	}
}

func TestAttemptTimeoutInvalidatesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Enqueue(sandbox.Outcome{Err: sandbox.ErrTimeout})
	agent, task := seedTask(t, f, models.RoleCoder, "python", "while True: pass")
	ctx := context.Background()

	before, _ := f.sessions.SessionFor(ctx, agent.AgentID)

	err := f.exec.Attempt(ctx, task.TaskID)
	var ae *AttemptError
	if !errors.As(err, &ae) || ae.Reason != ReasonTimeout {
		t.Fatalf("Attempt: got %v, want timeout AttemptError", err)
	}

	got, _ := f.store.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskError || got.Result == nil || got.Result.Status != models.ResultError {
		t.Fatalf("task after timeout: %+v", got)
	}
	// Agent state is recovery's business; the executor leaves it busy.
	ga, _ := f.store.GetAgent(ctx, agent.AgentID)
	if ga.Status != models.AgentBusy {
		t.Fatalf("agent after timeout: %q", ga.Status)
	}

	after, _ := f.sessions.SessionFor(ctx, agent.AgentID)
	if before.ID() == after.ID() {
		t.Fatal("post-timeout session must be replaced")
	}
}

func TestAttemptNonZeroExit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stderr: "boom\n", ExitCode: 2}}
	_, task := seedTask(t, f, models.RoleCoder, "python", "raise SystemExit(2)")

	err := f.exec.Attempt(context.Background(), task.TaskID)
	var ae *AttemptError
	if !errors.As(err, &ae) || ae.Reason != ReasonFailed {
		t.Fatalf("Attempt: got %v", err)
	}
	got, _ := f.store.GetTask(context.Background(), task.TaskID)
	if got.Result == nil || got.Result.ExitCode != 2 || got.Result.Error != "boom" {
		t.Fatalf("result: %+v", got.Result)
	}
}

func TestAttemptUnsupportedLanguage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, task := seedTask(t, f, models.RoleCoder, "cobol", "DISPLAY 'hello'.")

	err := f.exec.Attempt(context.Background(), task.TaskID)
	var ae *AttemptError
	if !errors.As(err, &ae) || ae.Reason != ReasonFailed {
		t.Fatalf("Attempt: got %v", err)
	}
	if cmds := f.fake.Commands(); len(cmds) != 0 {
		t.Fatalf("no command should run: %v", cmds)
	}
}

func TestAttemptReportRoleProducesArtifact(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	agent, task := seedTask(t, f, models.RoleReviewer, "", "review the diff")
	ctx := context.Background()

	if err := f.exec.Attempt(ctx, task.TaskID); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	arts, err := f.store.ListArtifacts(ctx, task.TaskID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) != 1 || arts[0].Name != task.TaskID+"-notes.md" {
		t.Fatalf("artifacts: %+v", arts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var artEvents, agentEvents int
	for _, ev := range f.events {
		switch ev.Type {
		case models.EventArtifactAdded:
			artEvents++
		case models.EventAgentStatus:
			agentEvents++
			if ev.AgentID != agent.AgentID || ev.NewState != models.AgentAvailable {
				t.Fatalf("agent event: %+v", ev)
			}
		}
	}
	if artEvents != 1 || agentEvents != 1 {
		t.Fatalf("events: artifact=%d agent=%d", artEvents, agentEvents)
	}
}

func TestNoConcurrentAttemptsForOneTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, task := seedTask(t, f, models.RoleCoder, "python", `print("hi")`)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.exec.Attempt(context.Background(), task.TaskID)
		}()
	}
	wg.Wait()

	if f.fake.MaxConcurrent > 1 {
		t.Fatalf("concurrent commands on one session: %d", f.fake.MaxConcurrent)
	}
}
