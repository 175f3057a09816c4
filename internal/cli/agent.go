package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/crew/pkg/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
	}
	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentRemoveCmd())
	return cmd
}

func newAgentAddCmd() *cobra.Command {
	var teamID, name, role, languages string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an agent to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || name == "" {
				return errors.New("--team and --name are required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			var langs []string
			if languages != "" {
				langs = strings.Split(languages, ",")
			}
			a, err := rt.coord.AddAgent(cmd.Context(), teamID, name, role, langs, rt.owner.UserID())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Added agent %q (%s) role=%s\n", a.Name, a.AgentID, a.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().StringVar(&name, "name", "", "Agent name")
	cmd.Flags().StringVar(&role, "role", models.RoleCoder, "Role: coder, reviewer, tester, researcher, documenter, supervisor")
	cmd.Flags().StringVar(&languages, "languages", "", "Comma-separated languages (coder role only)")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a team's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return errors.New("--team is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			agents, err := rt.coord.ListAgents(cmd.Context(), teamID)
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				langs := ""
				if len(a.Languages) > 0 {
					langs = " [" + strings.Join(a.Languages, ",") + "]"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %q role=%s status=%s completed=%d%s\n",
					a.AgentID, a.Name, a.Role, a.Status, a.CompletedTasks, langs)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	return cmd
}

func newAgentRemoveCmd() *cobra.Command {
	var teamID, agentID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an agent (its tasks keep their status)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || agentID == "" {
				return errors.New("--team and --agent are required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.coord.RemoveAgent(cmd.Context(), teamID, agentID, rt.owner.UserID()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Removed.")
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().StringVar(&agentID, "agent", "", "Agent id")
	return cmd
}
