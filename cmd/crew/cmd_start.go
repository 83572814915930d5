package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newStartCmd creates the "crew start" subcommand.
func newStartCmd() *cobra.Command {
	return newStartCmdWithClient(nil)
}

// newStartCmdWithClient creates the start command with an injectable
// control client; nil selects the production client.
func newStartCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "start <role>",
		Short: "Start a registered agent",
		Long:  "Spawns the agent process for a role and waits for it to become ready.\nAn agent that is already running is left alone.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			rec, err := c.StartAgent(cmd.Context(), args[0])
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "started %s (port %d)\n", rec.Role, rec.Port)
			return nil
		},
	}
}
