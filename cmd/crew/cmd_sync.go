package main

import (
	"errors"
	"fmt"

	"crew/pkg/orchestrator"

	"github.com/spf13/cobra"
)

// newSyncCmd creates the "crew sync" subcommand.
func newSyncCmd() *cobra.Command {
	return newSyncCmdWithClient(nil)
}

// newSyncCmdWithClient creates the sync command with an injectable control
// client; nil selects the production client.
func newSyncCmdWithClient(client controlAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a code-host sync cycle now",
		Long:  "Asks the daemon for an immediate synchronizer cycle instead of waiting\nfor the next scheduled one. Cycles are single-flight: when one is\nalready running this reports so and does nothing.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveControl(client)
			if err != nil {
				return err
			}

			resp, err := c.Sync(cmd.Context())
			if errors.Is(err, orchestrator.ErrDaemonDown) {
				return daemonDownHint(err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case !resp.Started:
				fmt.Fprintln(out, "sync cycle already running")
			case resp.Detail != "":
				fmt.Fprintf(out, "sync: %s\n", resp.Detail)
			default:
				fmt.Fprintln(out, "sync cycle finished")
			}
			return nil
		},
	}
}
