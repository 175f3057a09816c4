package coordinator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/crew/internal/audit"
	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/pkg/models"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Record(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingSink) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	coord *Coordinator
	store store.Store
	fake  *sandbox.Fake
	sink  *recordingSink

	mu     sync.Mutex
	events []models.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemory(),
		fake:  sandbox.NewFake(),
		sink:  &recordingSink{},
	}
	coord, err := New(context.Background(), Config{
		Store:   f.store,
		Sandbox: f.fake,
		Audit:   f.sink,
		Sleep:   func(context.Context, time.Duration) {},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.coord = coord
	coord.Subscribe(func(ev models.Event) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	t.Cleanup(func() { _ = coord.Close() })
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

func TestHelloWorldScenario(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "hello\n"}}
	ctx := context.Background()

	team, err := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	if err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	agent, err := f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")
	if err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	task, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID:      team.TeamID,
		Title:       "print hello",
		Description: `print("hello")`,
		Role:        models.RoleCoder,
		Language:    "python",
		Creator:     "owner",
	})
	if err != nil {
		t.Fatalf("DelegateTask: %v", err)
	}
	f.coord.WaitIdle()

	got, _ := f.coord.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("task status: %q", got.Status)
	}
	res, err := f.coord.TaskResult(ctx, task.TaskID)
	if err != nil || !strings.Contains(res.Output, "hello") {
		t.Fatalf("result: %+v, %v", res, err)
	}
	ga, _ := f.coord.GetAgent(ctx, agent.AgentID)
	if ga.Status != models.AgentAvailable || ga.CompletedTasks != 1 {
		t.Fatalf("agent: %+v", ga)
	}

	want := []string{models.TaskPending, models.TaskInProgress, models.TaskCompleted}
	if states := f.taskStates(); !reflect.DeepEqual(states, want) {
		t.Fatalf("event states: got %v, want %v", states, want)
	}
	if acts := f.sink.actions(); !reflect.DeepEqual(acts, []string{"team.create", "agent.add", "task.delegate"}) {
		t.Fatalf("audit actions: %v", acts)
	}
}

func TestDelegateEmptyTeam(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	_, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "x", Role: models.RoleCoder, Language: "python",
	})
	if !errors.Is(err, ErrNoEligibleAgent) {
		t.Fatalf("DelegateTask: got %v, want ErrNoEligibleAgent", err)
	}
	tasks, _ := f.coord.ListTasks(ctx, team.TeamID, 0)
	if len(tasks) != 0 {
		t.Fatalf("no task record must be created: %v", tasks)
	}
}

func TestDelegateLanguageMismatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	_, _ = f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")

	_, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "x", Role: models.RoleCoder, Language: "go",
	})
	if !errors.Is(err, ErrNoEligibleAgent) {
		t.Fatalf("language mismatch: got %v", err)
	}
}

func TestDelegateUnknownTeam(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.coord.DelegateTask(context.Background(), DelegateRequest{
		TeamID: "missing", Title: "x", Role: models.RoleCoder, Language: "python",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown team: got %v", err)
	}
}

func TestConcurrentDelegationSingleAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	// Keep the agent busy long enough for the loser to observe it.
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "ok\n"}}
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	_, _ = f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.coord.DelegateTask(ctx, DelegateRequest{
				TeamID: team.TeamID, Title: "t", Description: `print("ok")`,
				Role: models.RoleCoder, Language: "python",
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else if !errors.Is(err, ErrNoEligibleAgent) {
			t.Fatalf("unexpected delegation error: %v", err)
		}
	}
	// Execution may finish between two delegations, so more than one can
	// win over time, but the busy agent is never double-assigned: the task
	// count always equals the number of wins.
	tasks, _ := f.coord.ListTasks(ctx, team.TeamID, 0)
	if len(tasks) != won {
		t.Fatalf("wins=%d but %d tasks created", won, len(tasks))
	}
	if won == 0 {
		t.Fatal("at least one delegation should win")
	}
}

func TestSelectionPrefersLeastLoaded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "ok\n"}}
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	a1, _ := f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")
	a2, _ := f.coord.AddAgent(ctx, team.TeamID, "A2", models.RoleCoder, []string{"python"}, "owner")

	// Equal load: the lower (older) id wins deterministically.
	task, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "t", Description: `print("ok")`,
		Role: models.RoleCoder, Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.AgentID != a1.AgentID {
		t.Fatalf("tie-break: got %s, want %s", task.AgentID, a1.AgentID)
	}
	f.coord.WaitIdle()

	// A1 now has one completed task: the next delegation balances to A2.
	task2, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "t2", Description: `print("ok")`,
		Role: models.RoleCoder, Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task2.AgentID != a2.AgentID {
		t.Fatalf("load balance: got %s, want %s", task2.AgentID, a2.AgentID)
	}
	f.coord.WaitIdle()
}

func TestTimeoutRecoveryThroughFacade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Enqueue(
		sandbox.Outcome{Err: sandbox.ErrTimeout},
		sandbox.Outcome{Err: sandbox.ErrTimeout},
	)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "hello\n"}}
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	agent, _ := f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")

	task, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "flaky", Description: `print("hello")`,
		Role: models.RoleCoder, Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord.WaitIdle()

	got, _ := f.coord.GetTask(ctx, task.TaskID)
	if got.Status != models.TaskCompleted {
		t.Fatalf("task: %+v", got)
	}
	ga, _ := f.coord.GetAgent(ctx, agent.AgentID)
	if ga.RecoveryAttempts != 0 || ga.Status != models.AgentAvailable {
		t.Fatalf("agent: %+v", ga)
	}

	want := []string{
		models.TaskPending,
		models.TaskInProgress, models.TaskError,
		models.TaskInProgress, models.TaskError,
		models.TaskInProgress, models.TaskCompleted,
	}
	if states := f.taskStates(); !reflect.DeepEqual(states, want) {
		t.Fatalf("event states:\n got %v\nwant %v", states, want)
	}
}

func TestRemoveAgentLeavesTasksAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "ok\n"}}
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	agent, _ := f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")
	task, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "t", Description: `print("ok")`,
		Role: models.RoleCoder, Language: "python",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord.WaitIdle()

	other, _ := f.coord.CreateTeam(ctx, "T2", "S", "owner")
	if err := f.coord.RemoveAgent(ctx, other.TeamID, agent.AgentID, "owner"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("cross-team removal: got %v, want ErrInvalidState", err)
	}

	if err := f.coord.RemoveAgent(ctx, team.TeamID, agent.AgentID, "owner"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	got, err := f.coord.GetTask(ctx, task.TaskID)
	if err != nil || got.Status != models.TaskCompleted {
		t.Fatalf("task after agent removal: %+v, %v", got, err)
	}
}

func TestSubscribeChanStreamsEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "ok\n"}}
	ctx := context.Background()

	ch, cancel := f.coord.SubscribeChan()
	defer cancel()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	_, _ = f.coord.AddAgent(ctx, team.TeamID, "A1", models.RoleCoder, []string{"python"}, "owner")
	if _, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "t", Description: `print("ok")`,
		Role: models.RoleCoder, Language: "python",
	}); err != nil {
		t.Fatal(err)
	}
	f.coord.WaitIdle()

	ev := <-ch
	if ev.TeamID != team.TeamID {
		t.Fatalf("first streamed event: %+v", ev)
	}
}

func TestDeleteArtifactRemovesRecordOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Default = sandbox.Outcome{Result: sandbox.ExecResult{Stdout: "ok\n"}}
	ctx := context.Background()

	team, _ := f.coord.CreateTeam(ctx, "T1", "S", "owner")
	_, _ = f.coord.AddAgent(ctx, team.TeamID, "R1", models.RoleReviewer, nil, "owner")
	task, err := f.coord.DelegateTask(ctx, DelegateRequest{
		TeamID: team.TeamID, Title: "review", Description: "looks fine",
		Role: models.RoleReviewer, Creator: "owner",
	})
	if err != nil {
		t.Fatal(err)
	}
	f.coord.WaitIdle()

	arts, err := f.coord.ListArtifacts(ctx, task.TaskID, 0)
	if err != nil || len(arts) != 1 {
		t.Fatalf("artifacts: %v, %v", arts, err)
	}

	if err := f.coord.DeleteArtifact(ctx, arts[0].ArtifactID, "owner"); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if _, err := f.coord.GetArtifact(ctx, arts[0].ArtifactID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetArtifact after delete: got %v, want ErrNotFound", err)
	}
	// The task record is untouched.
	got, err := f.coord.GetTask(ctx, task.TaskID)
	if err != nil || got.Status != models.TaskCompleted {
		t.Fatalf("task after artifact delete: %+v, %v", got, err)
	}

	acts := f.sink.actions()
	if acts[len(acts)-1] != "artifact.remove" {
		t.Fatalf("audit actions: %v", acts)
	}
}

func TestAddAgentInvalidRole(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	team, _ := f.coord.CreateTeam(context.Background(), "T1", "S", "owner")
	if _, err := f.coord.AddAgent(context.Background(), team.TeamID, "A1", "wizard", nil, "owner"); err == nil {
		t.Fatal("invalid role must be rejected")
	}
}
