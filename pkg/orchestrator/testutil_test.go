package orchestrator //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"crew/pkg/protocol"
	"crew/pkg/team"
)

// waitFor polls condition every tick until it returns true or timeout
// expires, replacing time.Sleep for synchronization.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "crew.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

// fakeProcs implements ProcessManager without spawning anything. Liveness is
// driven by the alive set.
type fakeProcs struct {
	mu       sync.Mutex
	nextPID  int
	alive    map[int]bool
	spawns   []string
	kills    []string
	spawnErr error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 1000, alive: make(map[int]bool)}
}

func (f *fakeProcs) Spawn(role string) (*os.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPID++
	f.alive[f.nextPID] = true
	f.spawns = append(f.spawns, role)
	proc, err := os.FindProcess(f.nextPID)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (f *fakeProcs) Kill(role string, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, role)
	delete(f.alive, pid)
	return nil
}

func (f *fakeProcs) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcs) Wait() {}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeProcs) markDead(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

// fakeSpaces implements WorkspaceManager in memory.
type fakeSpaces struct {
	mu         sync.Mutex
	prepared   []string
	removed    []string
	prepareErr error
}

func (f *fakeSpaces) Prepare(_ context.Context, profile team.Profile, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepareErr != nil {
		return "", "", f.prepareErr
	}
	role := profile.Role.String()
	f.prepared = append(f.prepared, role)
	return "/work/" + role, protocol.BranchPrefix + role, nil
}

func (f *fakeSpaces) Remove(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeSpaces) Prune(context.Context) error { return nil }

// fakeAgentAPI stands in for a live agent process behind the client
// interface.
type fakeAgentAPI struct {
	mu        sync.Mutex
	status    protocol.StatusResponse
	statusErr error
	failNext  int
	assigned  []protocol.Task
	assignErr error
}

func (f *fakeAgentAPI) Status(context.Context) (protocol.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return protocol.StatusResponse{}, &protocol.AgentUnreachableError{Role: f.status.Role, Reason: "probe refused"}
	}
	return f.status, f.statusErr
}

func (f *fakeAgentAPI) Assign(_ context.Context, task protocol.Task) (protocol.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return protocol.StatusResponse{}, f.assignErr
	}
	f.assigned = append(f.assigned, task)
	f.status.Phase = protocol.PhaseWorking
	f.status.Task = &task
	return f.status, nil
}

func (f *fakeAgentAPI) assignedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigned)
}

func (f *fakeAgentAPI) setStatus(status protocol.StatusResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeAgentAPI) setAssignErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignErr = err
}

func (f *fakeAgentAPI) setStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// setFailNext makes the next n status probes fail, after which the fake
// answers normally again.
func (f *fakeAgentAPI) setFailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// newTestOrchestrator wires an Orchestrator with fakes and a client factory
// answering from the agents map.
func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeProcs, *fakeSpaces, map[string]*fakeAgentAPI) {
	t.Helper()
	db := openTestDB(t)
	procs := newFakeProcs()
	spaces := &fakeSpaces{}
	agents := make(map[string]*fakeAgentAPI)
	var mu sync.Mutex

	o := New(cfg, db, procs, spaces, team.Builtin())
	o.clientFor = func(role string, _ int) AgentAPI {
		mu.Lock()
		defer mu.Unlock()
		api, ok := agents[role]
		if !ok {
			api = &fakeAgentAPI{status: protocol.StatusResponse{Role: role, Phase: protocol.PhaseIdle}}
			agents[role] = api
		}
		return api
	}
	return o, procs, spaces, agents
}
