package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ankittk/crew/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:          "crew",
		Short:        "Crew delegates tasks to sandboxed agent teams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			ctx := config.WithHome(cmd.Context(), home)
			cmd.SetContext(withMetricsAddr(ctx, metricsAddr))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override crew home directory (default: ~/.crew, env: CREW_HOME)")
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs (e.g. :9090)")

	cmd.AddCommand(newTeamCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newArtifactCmd())
	cmd.AddCommand(newConfigCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
