package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ankittk/crew/internal/coordinator"
	"github.com/ankittk/crew/pkg/models"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Delegate and inspect tasks",
	}
	cmd.AddCommand(newTaskDelegateCmd())
	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskShowCmd())
	cmd.AddCommand(newTaskResultCmd())
	return cmd
}

func newTaskDelegateCmd() *cobra.Command {
	var teamID, title, description, file, role, language string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "delegate",
		Short: "Delegate a task to an eligible agent and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || title == "" {
				return errors.New("--team and --title are required")
			}
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				description = string(b)
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !quiet {
				unsubscribe := rt.coord.Subscribe(func(ev models.Event) {
					switch ev.Type {
					case models.EventTaskStatus:
						if ev.OldState == "" {
							return
						}
						line := fmt.Sprintf("task %s: %s -> %s", ev.TaskID, ev.OldState, ev.NewState)
						if ev.Reason != "" {
							line += " (" + ev.Reason + ")"
						}
						_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
					case models.EventRecoveryExhausted:
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "task %s: recovery exhausted (%s)\n", ev.TaskID, ev.Reason)
					case models.EventArtifactAdded:
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "task %s: artifact %s\n", ev.TaskID, ev.NewState)
					}
				})
				defer unsubscribe()
			}

			task, err := rt.coord.DelegateTask(cmd.Context(), coordinator.DelegateRequest{
				TeamID:      teamID,
				Title:       title,
				Description: description,
				Role:        role,
				Language:    language,
				Creator:     rt.owner.UserID(),
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Delegated task %s to agent %s\n", task.TaskID, task.AgentID)

			rt.coord.WaitIdle()
			return printResult(cmd, rt, task.TaskID)
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&description, "description", "", "Task payload: code for coder tasks, instructions otherwise")
	cmd.Flags().StringVar(&file, "file", "", "Read the task payload from a file instead of --description")
	cmd.Flags().StringVar(&role, "role", models.RoleCoder, "Required agent role")
	cmd.Flags().StringVar(&language, "language", "", "Required language (coder role)")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress status events while waiting")
	return cmd
}

func printResult(cmd *cobra.Command, rt *runtime, taskID string) error {
	task, err := rt.coord.GetTask(cmd.Context(), taskID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Status: %s\n", task.Status)
	if task.Result == nil {
		return nil
	}
	if task.Result.Output != "" {
		_, _ = fmt.Fprintf(out, "Output:\n%s", task.Result.Output)
	}
	if task.Result.Error != "" {
		_, _ = fmt.Fprintf(out, "Error: %s\n", task.Result.Error)
	}
	if task.Status == models.TaskError {
		_, _ = fmt.Fprintf(out, "Exit code: %d\n", task.Result.ExitCode)
	}
	return nil
}

func newTaskListCmd() *cobra.Command {
	var teamID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a team's tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return errors.New("--team is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			tasks, err := rt.coord.ListTasks(cmd.Context(), teamID, limit)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
				return nil
			}
			for _, t := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %q status=%s agent=%s\n",
					t.TaskID, t.Title, t.Status, t.AgentID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum tasks to list")
	return cmd
}

func newTaskShowCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			t, err := rt.coord.GetTask(cmd.Context(), taskID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Task %s %q\n", t.TaskID, t.Title)
			_, _ = fmt.Fprintf(out, "  team=%s agent=%s status=%s creator=%s\n", t.TeamID, t.AgentID, t.Status, t.Creator)
			_, _ = fmt.Fprintf(out, "  created=%s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
			if t.CompletedAt != nil {
				_, _ = fmt.Fprintf(out, "  completed=%s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	return cmd
}

func newTaskResultCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Print a task's result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--id is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			return printResult(cmd, rt, taskID)
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "Task id")
	return cmd
}
