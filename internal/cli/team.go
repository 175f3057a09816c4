package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newTeamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "team",
		Short: "Manage teams",
	}
	cmd.AddCommand(newTeamAddCmd())
	cmd.AddCommand(newTeamListCmd())
	cmd.AddCommand(newTeamRemoveCmd())
	cmd.AddCommand(newTeamSayCmd())
	cmd.AddCommand(newTeamLogCmd())
	return cmd
}

func newTeamSayCmd() *cobra.Command {
	var teamID, message string
	cmd := &cobra.Command{
		Use:   "say",
		Short: "Post a message to the team's chat log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" || message == "" {
				return errors.New("--team and --message are required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			msg, err := rt.coord.PostMessage(cmd.Context(), teamID, rt.owner.UserID(), message)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Posted %s\n", msg.MessageID)
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().StringVar(&message, "message", "", "Message content")
	return cmd
}

func newTeamLogCmd() *cobra.Command {
	var teamID string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the team's chat log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return errors.New("--team is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			msgs, err := rt.coord.ListMessages(cmd.Context(), teamID, limit)
			if err != nil {
				return err
			}
			if len(msgs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
				return nil
			}
			for _, m := range msgs {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n",
					m.CreatedAt.Format("2006-01-02 15:04:05"), m.Author, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum messages to show")
	return cmd
}

func newTeamAddCmd() *cobra.Command {
	var name string
	var supervisor string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return errors.New("--name is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			t, err := rt.coord.CreateTeam(cmd.Context(), name, supervisor, rt.owner.UserID())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created team %q (%s)\n", t.Name, t.TeamID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Team name")
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "Supervisor name")
	return cmd
}

func newTeamListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			teams, err := rt.coord.ListTeams(cmd.Context())
			if err != nil {
				return err
			}
			if len(teams) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No teams.")
				return nil
			}
			for _, t := range teams {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %q (supervisor=%s agents=%d tasks=%d)\n",
					t.TeamID, t.Name, t.Supervisor, t.AgentCount, t.TaskCount)
			}
			return nil
		},
	}
}

func newTeamRemoveCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a team and its agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if teamID == "" {
				return errors.New("--team is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.coord.DeleteTeam(cmd.Context(), teamID, rt.owner.UserID()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Removed.")
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "Team id")
	return cmd
}
