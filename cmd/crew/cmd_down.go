package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// downWaitTimeout is how long down waits for the daemon to exit after
// SIGTERM before reporting that it is still shutting down.
const downWaitTimeout = 15 * time.Second

// newDownCmd creates the "crew down" subcommand.
func newDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the daemon and its agent group",
		Long:  "Sends SIGTERM to the daemon. The daemon stops every agent on the way\ndown unless detach_agents is set, in which case agents keep running and\nthe next daemon re-attaches to them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			return runDown(cmd, paths.PIDPath)
		},
	}
}

func runDown(cmd *cobra.Command, pidPath string) error {
	out := cmd.OutOrStdout()

	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}

	switch status {
	case StatusStopped:
		fmt.Fprintln(out, "daemon is not running")
		return nil
	case StatusStale:
		fmt.Fprintln(out, "removing stale PID file (process already dead)")
		return RemovePIDFile(pidPath)
	case StatusRunning:
		fmt.Fprintf(out, "sending SIGTERM to daemon (PID %d)\n", pid)
		if err := StopDaemon(pidPath); err != nil {
			return err
		}
		if WaitForExit(pid, downWaitTimeout) {
			fmt.Fprintln(out, "daemon stopped")
		} else {
			fmt.Fprintln(out, "daemon is still shutting down; check 'crew status'")
		}
		return nil
	}

	return nil
}
