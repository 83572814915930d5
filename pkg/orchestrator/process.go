package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long Kill waits after SIGTERM before escalating to
// SIGKILL on the process group.
const killGrace = 3 * time.Second

// ExecProcessManager implements ProcessManager by spawning agent
// subprocesses and tracking them for lifecycle management.
//
// Thread-safe: all access to the process map is protected by a mutex.
type ExecProcessManager struct {
	crewHome string
	mu       sync.Mutex
	procs    map[string]*trackedProc
	wg       sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a given role. Production spawns
	// `crew agent --role <role>` via self-exec; tests inject a dummy.
	cmdFactory func(role string) *exec.Cmd
}

// trackedProc pairs a spawned process with the channel its reaper closes on
// exit, so Kill can wait for the grace period without a second Wait.
type trackedProc struct {
	proc *os.Process
	done chan struct{}
}

// NewAgentProcessManager creates an ExecProcessManager that spawns real
// `crew agent --role <role>` processes by re-executing the current binary.
// Each agent writes its output to crewHome/logs/<role>.log.
func NewAgentProcessManager(crewHome string) *ExecProcessManager {
	pm := &ExecProcessManager{
		crewHome: crewHome,
		procs:    make(map[string]*trackedProc),
	}
	self := os.Args[0]
	pm.cmdFactory = func(role string) *exec.Cmd {
		//nolint:gosec // intentionally spawning agent subprocess
		return exec.CommandContext(context.Background(), self, "agent", "--role", role)
	}
	return pm
}

// NewExecProcessManagerWithFactory creates an ExecProcessManager with a
// custom command factory, for tests that need a controllable subprocess.
//
//crew:testonly
func NewExecProcessManagerWithFactory(crewHome string, factory func(role string) *exec.Cmd) *ExecProcessManager {
	return &ExecProcessManager{
		crewHome:   crewHome,
		procs:      make(map[string]*trackedProc),
		cmdFactory: factory,
	}
}

// Spawn starts the agent process for a role and tracks it. Each agent gets
// its own process group (Setpgid) so Kill can terminate the whole tree,
// including anything the agent shelled out to in its workspace.
func (pm *ExecProcessManager) Spawn(role string) (*os.Process, error) {
	cmd := pm.cmdFactory(role)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if pm.crewHome == "" {
		fmt.Fprintf(os.Stderr, "warning: crew home not set; agent %s output goes to daemon log\n", role)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return pm.startAndTrack(role, cmd, nil)
	}

	logDir := filepath.Join(pm.crewHome, "logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	logPath := filepath.Join(logDir, role+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
	if err != nil {
		return nil, fmt.Errorf("open agent log %s: %w", logPath, err)
	}

	cmd.Stdout = logFile
	cmd.Stderr = logFile

	return pm.startAndTrack(role, cmd, logFile)
}

// startAndTrack starts cmd, closes the parent's copy of the log fd, records
// the process, and launches a reaper goroutine to avoid zombies.
func (pm *ExecProcessManager) startAndTrack(role string, cmd *exec.Cmd, logFile *os.File) (*os.Process, error) {
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("spawn agent %s: %w", role, err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}

	tp := &trackedProc{proc: cmd.Process, done: make(chan struct{})}

	pm.mu.Lock()
	pm.procs[role] = tp
	pm.mu.Unlock()

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		_ = cmd.Wait()
		close(tp.done)
	}()

	return tp.proc, nil
}

// Kill terminates the agent process for a role: SIGTERM to the process
// group, a bounded grace period, then SIGKILL. The pid argument covers
// agents re-attached from the registry after a daemon restart, which were
// spawned by an earlier daemon and are not in the tracked map. Kill is
// idempotent; an already-dead process is not an error.
func (pm *ExecProcessManager) Kill(role string, pid int) error {
	pm.mu.Lock()
	tp, tracked := pm.procs[role]
	delete(pm.procs, role)
	pm.mu.Unlock()

	if tracked {
		return killGroup(tp.proc.Pid, tp.done)
	}
	if pid <= 0 || !pm.Alive(pid) {
		return nil
	}
	return killGroup(pid, nil)
}

// killGroup signals the process group. When done is non-nil the reaper tells
// us about exit; otherwise liveness is polled, since a non-child cannot be
// waited on.
func killGroup(pgid int, done chan struct{}) error {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Process group already gone; try the single pid as a fallback.
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return nil //nolint:nilerr // SIGTERM failure means already exited
	}

	deadline := time.After(killGrace)
	if done != nil {
		select {
		case <-done:
			return nil
		case <-deadline:
		}
	} else {
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
	poll:
		for {
			select {
			case <-tick.C:
				if syscall.Kill(pgid, syscall.Signal(0)) != nil {
					return nil
				}
			case <-deadline:
				break poll
			}
		}
	}

	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	if done != nil {
		<-done
	}
	return nil
}

// Alive reports whether a process with the given pid exists. Signal 0
// probes for existence without delivering anything.
func (pm *ExecProcessManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Wait blocks until all reaper goroutines have completed.
func (pm *ExecProcessManager) Wait() {
	pm.wg.Wait()
}
