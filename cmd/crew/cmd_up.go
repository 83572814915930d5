package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"crew/pkg/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// DaemonSpawner abstracts spawning the daemon subprocess for testability.
type DaemonSpawner interface {
	SpawnDaemon() (pid int, err error)
}

// ExecDaemonSpawner spawns a real child process running `crew serve`, with
// its output appended to the daemon log file.
type ExecDaemonSpawner struct {
	LogPath string
}

// SpawnDaemon forks a child running the current binary with the serve verb.
func (e *ExecDaemonSpawner) SpawnDaemon() (int, error) {
	child := exec.CommandContext(context.Background(), os.Args[0], "serve") //nolint:gosec // intentionally re-executing self
	logFile, err := os.OpenFile(e.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("open daemon log %s: %w", e.LogPath, err)
	}
	child.Stdout = logFile
	child.Stderr = logFile
	if err := child.Start(); err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	_ = logFile.Close()
	return child.Process.Pid, nil
}

// daemonReadyTimeout is the default wait for the control API after spawn.
const daemonReadyTimeout = 10 * time.Second

// daemonReadyInterval is how often the control API is probed during startup.
const daemonReadyInterval = 100 * time.Millisecond

// newUpCmd creates the "crew up" subcommand.
func newUpCmd() *cobra.Command {
	return newUpCmdWithDeps(nil, nil)
}

// newUpCmdWithDeps creates the up command with injectable control client and
// spawner; nil selects the production implementations.
func newUpCmdWithDeps(client controlAPI, spawner DaemonSpawner) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the daemon and every registered agent",
		Long:  "Spawns the orchestrator daemon in the background when it is not already\nrunning, waits for the control API, then starts all registered agents in\nparallel. Exits non-zero when any agent misses its startup timeout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := bootstrapCrewHome(paths.CrewHome); err != nil {
				return err
			}
			c, err := resolveControl(client)
			if err != nil {
				return err
			}
			sp := spawner
			if sp == nil {
				if err := os.MkdirAll(paths.LogsDir, 0o700); err != nil {
					return fmt.Errorf("create log dir: %w", err)
				}
				sp = &ExecDaemonSpawner{LogPath: paths.LogsDir + "/daemon.log"}
			}
			return runUp(cmd.Context(), cmd.OutOrStdout(), c, sp, paths.PIDPath, daemonReadyTimeout, daemonReadyInterval)
		},
	}
}

// runUp implements the up flow: ensure the daemon, wait for the control API,
// start every registered agent concurrently.
func runUp(ctx context.Context, w io.Writer, client controlAPI, spawner DaemonSpawner, pidPath string, readyTimeout, readyInterval time.Duration) error {
	status, pid, err := DaemonStatus(pidPath)
	if err != nil {
		return err
	}
	switch status {
	case StatusRunning:
		fmt.Fprintf(w, "daemon already running (PID %d)\n", pid)
	case StatusStale:
		_ = RemovePIDFile(pidPath)
		fallthrough
	case StatusStopped:
		pid, err = spawner.SpawnDaemon()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "daemon started (PID %d)\n", pid)
	}

	if err := waitDaemonReady(ctx, client, readyTimeout, readyInterval); err != nil {
		return err
	}

	agents, err := client.Agents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		fmt.Fprintln(w, "no agents registered; add one with 'crew create <role>'")
		return nil
	}

	// Start in parallel; every agent gets its attempt even when a sibling
	// fails. Report in registry order afterwards.
	results := make([]string, len(agents))
	errs := make([]error, len(agents))
	var g errgroup.Group
	for i, a := range agents {
		if a.Status == protocol.AgentRunning {
			results[i] = fmt.Sprintf("%s already running (port %d)", a.Role, a.Port)
			continue
		}
		g.Go(func() error {
			started, startErr := client.StartAgent(ctx, a.Role)
			if startErr != nil {
				errs[i] = startErr
				results[i] = fmt.Sprintf("failed to start %s: %v", a.Role, startErr)
				return nil
			}
			results[i] = fmt.Sprintf("started %s (port %d)", started.Role, started.Port)
			return nil
		})
	}
	_ = g.Wait()

	for _, line := range results {
		fmt.Fprintln(w, line)
	}
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d agent(s) failed to start", failed)
	}
	return nil
}

// waitDaemonReady polls the control API until it answers or the timeout
// elapses.
func waitDaemonReady(ctx context.Context, client controlAPI, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval*5)
		_, err := client.Status(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon not ready after %s: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
