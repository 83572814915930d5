package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "crew stop" subcommand.
func newStopCmd() *cobra.Command {
	return newStopCmdWithClient(nil)
}

// newStopCmdWithClient creates the stop command with an injectable control
// client; nil selects the production client.
func newStopCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <role>",
		Short: "Stop a running agent",
		Long:  "Terminates the agent process for a role. An in-flight task is marked\nfailed before the process goes down; stopping an already stopped agent\nis a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			rec, err := c.StopAgent(cmd.Context(), args[0])
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", rec.Role)
			return nil
		},
	}
}
