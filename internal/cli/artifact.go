package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect task artifacts",
	}
	cmd.AddCommand(newArtifactListCmd())
	cmd.AddCommand(newArtifactGetCmd())
	cmd.AddCommand(newArtifactRmCmd())
	return cmd
}

func newArtifactRmCmd() *cobra.Command {
	var artifactID string
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Remove an artifact record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifactID == "" {
				return errors.New("--id is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.coord.DeleteArtifact(cmd.Context(), artifactID, rt.owner.UserID()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed artifact %s\n", artifactID)
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactID, "id", "", "Artifact id")
	return cmd
}

func newArtifactListCmd() *cobra.Command {
	var taskID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List artifacts produced by a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return errors.New("--task is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			arts, err := rt.coord.ListArtifacts(cmd.Context(), taskID, limit)
			if err != nil {
				return err
			}
			if len(arts) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No artifacts.")
				return nil
			}
			for _, a := range arts {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "- %s %s (%s, %d bytes)\n",
					a.ArtifactID, a.Path, a.ContentType, a.Size)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "Task id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum artifacts to list")
	return cmd
}

func newArtifactGetCmd() *cobra.Command {
	var artifactID, outPath string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print an artifact's content (or write it with --out)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifactID == "" {
				return errors.New("--id is required")
			}
			rt, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			a, err := rt.coord.GetArtifact(cmd.Context(), artifactID)
			if err != nil {
				return err
			}
			if len(a.Inline) == 0 {
				return fmt.Errorf("artifact %s has no inline content (size %d); it lives in session %s", a.ArtifactID, a.Size, a.SessionID)
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, a.Inline, 0o644); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", outPath, len(a.Inline))
				return nil
			}
			_, _ = cmd.OutOrStdout().Write(a.Inline)
			return nil
		},
	}
	cmd.Flags().StringVar(&artifactID, "id", "", "Artifact id")
	cmd.Flags().StringVar(&outPath, "out", "", "Write content to this file instead of stdout")
	return cmd
}
