package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ankittk/crew/internal/sandbox"
	"github.com/ankittk/crew/pkg/models"
)

// Strategy executes one task attempt inside a session and produces a Result.
// All strategies share the Result shape so completion handling stays
// role-agnostic. A returned error means the attempt itself failed (sandbox
// fault, timeout); a Result with status "error" means the work failed.
type Strategy interface {
	Run(ctx context.Context, sess sandbox.Session, task models.Task) (models.Result, error)
}

// DefaultStrategies returns the role -> strategy lookup table.
func DefaultStrategies() map[string]Strategy {
	report := &reportStrategy{}
	return map[string]Strategy{
		models.RoleCoder:      &coderStrategy{},
		models.RoleReviewer:   report,
		models.RoleTester:     report,
		models.RoleResearcher: report,
		models.RoleDocumenter: report,
		models.RoleSupervisor: report,
	}
}

// languageRuntime describes how a coder task's payload is materialized and
// executed for one language.
type languageRuntime struct {
	file string
	argv []string
}

var languageRuntimes = map[string]languageRuntime{
	"python":     {file: "main.py", argv: []string{"python3", "main.py"}},
	"go":         {file: "main.go", argv: []string{"go", "run", "main.go"}},
	"javascript": {file: "main.js", argv: []string{"node", "main.js"}},
	"ruby":       {file: "main.rb", argv: []string{"ruby", "main.rb"}},
	"bash":       {file: "main.sh", argv: []string{"bash", "main.sh"}},
}

// coderStrategy writes the task's code payload to the language's entry file
// and runs the matching interpreter.
type coderStrategy struct{}

func (coderStrategy) Run(ctx context.Context, sess sandbox.Session, task models.Task) (models.Result, error) {
	rt, ok := languageRuntimes[strings.ToLower(task.Language)]
	if !ok {
		return models.Result{
			Status: models.ResultError,
			Error:  fmt.Sprintf("unsupported language %q", task.Language),
		}, nil
	}
	if err := sess.WriteFile(ctx, rt.file, []byte(task.Description)); err != nil {
		return models.Result{}, err
	}
	res, err := sess.RunCommand(ctx, rt.argv)
	if err != nil {
		return models.Result{}, err
	}
	return resultFromExec(res), nil
}

// reportStrategy covers the non-coder roles: the task's description is the
// work instruction, and the strategy records a markdown report in the output
// directory so the artifact scan picks it up.
type reportStrategy struct{}

func (reportStrategy) Run(ctx context.Context, sess sandbox.Session, task models.Task) (models.Result, error) {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(task.Title)
	b.WriteString("\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n")

	name := fmt.Sprintf("%s/%s-notes.md", sess.OutputDir(), task.TaskID)
	if err := sess.WriteFile(ctx, name, []byte(b.String())); err != nil {
		return models.Result{}, err
	}
	return models.Result{
		Status: models.ResultOK,
		Output: fmt.Sprintf("notes written to %s", name),
	}, nil
}

func resultFromExec(res sandbox.ExecResult) models.Result {
	out := models.Result{
		Output:   res.Stdout,
		ExitCode: res.ExitCode,
	}
	if res.ExitCode == 0 {
		out.Status = models.ResultOK
		return out
	}
	out.Status = models.ResultError
	out.Error = strings.TrimSpace(res.Stderr)
	if out.Error == "" {
		out.Error = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return out
}
