// Package integration_test wires real components together: a real
// orchestrator over a file-backed database, agents serving real loopback
// HTTP on their allocated ports, and the synchronizer against a scripted
// host. Only the OS process boundary and the external services are faked.
package integration_test

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

	"crew/pkg/agent"
	"crew/pkg/llm"
	"crew/pkg/orchestrator"
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

// scriptBackend is a settable scripted completion backend shared by every
// in-process agent the harness spawns.
type scriptBackend struct {
	mu   sync.Mutex
	fn   func(ctx context.Context, call int, req llm.Request) (*llm.Response, error)
	reqs []llm.Request
}

func (f *scriptBackend) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	call := len(f.reqs)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, call, req)
}

func (f *scriptBackend) set(fn func(context.Context, int, llm.Request) (*llm.Response, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *scriptBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func replyWith(content string) func(context.Context, int, llm.Request) (*llm.Response, error) {
	return func(context.Context, int, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: content, PromptTokens: 40, CompletionTokens: 8}, nil
	}
}

// blockUntilCancelled mimics the real client surfacing a cancelled backend
// call as a transient error wrapping the context cause.
func blockUntilCancelled(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, &protocol.BackendError{Op: "chat", Transient: true, Err: ctx.Err()}
}

// inprocAgent is one "agent process" hosted inside the test binary.
type inprocAgent struct {
	cancel context.CancelFunc
	srv    *agent.Server
	done   chan struct{}
}

// inprocProcs implements orchestrator.ProcessManager by running a real
// agent with a real loopback HTTP server per spawn, so the orchestrator's
// readiness probes, dispatch, and health checks travel the wire they do in
// production. PIDs are synthetic; liveness is the running map.
type inprocProcs struct {
	db      *sql.DB
	catalog *team.Catalog
	backend llm.CompletionBackend

	mu      sync.Mutex
	nextPID int
	running map[int]*inprocAgent
}

func newInprocProcs(db *sql.DB, backend llm.CompletionBackend) *inprocProcs {
	return &inprocProcs{
		db:      db,
		catalog: team.Builtin(),
		backend: backend,
		nextPID: 90000,
		running: make(map[int]*inprocAgent),
	}
}

func (p *inprocProcs) Spawn(role string) (*os.Process, error) {
	ctx := context.Background()
	rec, err := orchestrator.NewRegistry(p.db).Get(ctx, role)
	if err != nil {
		return nil, err
	}
	profile, ok := p.catalog.Get(team.Role(role))
	if !ok {
		return nil, &protocol.NoSuchAgentError{Role: role}
	}

	a, err := agent.New(agent.Config{
		Profile:     profile,
		Name:        rec.Name,
		Workspace:   rec.Workspace,
		Branch:      rec.Branch,
		Store:       agent.NewStore(p.db),
		Backend:     p.backend,
		StepTimeout: 2 * time.Second,
		MaxAttempts: 1,
	})
	if err != nil {
		return nil, err
	}

	srv := agent.NewServer(a, rec.Port)
	if err := srv.Start(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(runCtx)
	}()

	p.mu.Lock()
	p.nextPID++
	pid := p.nextPID
	p.running[pid] = &inprocAgent{cancel: cancel, srv: srv, done: done}
	p.mu.Unlock()

	return os.FindProcess(pid)
}

func (p *inprocProcs) Kill(_ string, pid int) error {
	p.mu.Lock()
	ia := p.running[pid]
	delete(p.running, pid)
	p.mu.Unlock()
	if ia == nil {
		return nil
	}

	ia.cancel()
	drainCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = ia.srv.Shutdown(drainCtx)
	<-ia.done
	return nil
}

func (p *inprocProcs) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running[pid] != nil
}

func (p *inprocProcs) Wait() {}

// stopAll tears down every still-running in-process agent.
func (p *inprocProcs) stopAll() {
	p.mu.Lock()
	pids := make([]int, 0, len(p.running))
	for pid := range p.running {
		pids = append(pids, pid)
	}
	p.mu.Unlock()
	for _, pid := range pids {
		_ = p.Kill("", pid)
	}
}

// memSpaces implements orchestrator.WorkspaceManager without touching git.
type memSpaces struct{}

func (memSpaces) Prepare(_ context.Context, profile team.Profile, _ string) (string, string, error) {
	role := profile.Role.String()
	return "/work/" + role, protocol.BranchPrefix + role, nil
}

func (memSpaces) Remove(context.Context, string) error { return nil }
func (memSpaces) Prune(context.Context) error          { return nil }

// crewHarness is one assembled crew: shared database, orchestrator, and
// in-process agent spawning against the scripted backend.
type crewHarness struct {
	db      *sql.DB
	orch    *orchestrator.Orchestrator
	backend *scriptBackend
}

// newCrewHarness assembles a harness. Each test passes its own portBase so
// parallel tests in the package never contend for ports.
func newCrewHarness(t *testing.T, portBase int) *crewHarness {
	t.Helper()
	db := openTestDB(t)
	backend := &scriptBackend{fn: replyWith("TASK COMPLETE")}
	procs := newInprocProcs(db, backend)
	t.Cleanup(procs.stopAll)

	orch := orchestrator.New(orchestrator.Config{
		CrewHome:       t.TempDir(),
		RepoRoot:       t.TempDir(),
		PortBase:       portBase,
		PortCount:      4,
		StartupTimeout: 5 * time.Second,
	}, db, procs, memSpaces{}, team.Builtin())

	return &crewHarness{db: db, orch: orch, backend: backend}
}
