package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newRestartCmd creates the "crew restart" subcommand.
func newRestartCmd() *cobra.Command {
	return newRestartCmdWithClient(nil)
}

// newRestartCmdWithClient creates the restart command with an injectable
// control client; nil selects the production client.
func newRestartCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <role>",
		Short: "Restart an agent",
		Long:  "Stops and starts the agent process for a role. A manual restart resets\nthe automatic restart budget.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			rec, err := c.RestartAgent(cmd.Context(), args[0])
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "restarted %s (port %d)\n", rec.Role, rec.Port)
			return nil
		},
	}
}
