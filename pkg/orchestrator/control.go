package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"crew/pkg/agent"
	"crew/pkg/eventlog"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

// DefaultControlPort is the daemon's control API port, just below the agent
// port range.
const DefaultControlPort = 8300

// Syncer triggers one code-host synchronization cycle. Implemented by the
// forge synchronizer; nil when no forge is configured.
type Syncer interface {
	SyncNow(ctx context.Context) (protocol.SyncResponse, error)
}

// ControlServer exposes the orchestrator over the loopback control API for
// the CLI and the chat bridge.
type ControlServer struct {
	orch   *Orchestrator
	syncer Syncer
	events *eventlog.Reader
	mux    *http.ServeMux
	srv    *http.Server
}

// NewControlServer wires the control API routes. The events reader may be
// nil; the events endpoint then answers 503.
func NewControlServer(orch *Orchestrator, syncer Syncer, events *eventlog.Reader, port int) *ControlServer {
	if port == 0 {
		port = DefaultControlPort
	}
	s := &ControlServer{orch: orch, syncer: syncer, events: events, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET "+protocol.PathAPIStatus, s.handleStatus)
	s.mux.HandleFunc("GET "+protocol.PathAPIAgents, s.handleListAgents)
	s.mux.HandleFunc("POST "+protocol.PathAPIAgents, s.handleCreateAgent)
	s.mux.HandleFunc("POST "+protocol.PathAPIAgents+"/{role}/start", s.handleLifecycle(func(ctx context.Context, role string) error {
		return s.orch.Start(ctx, role)
	}))
	s.mux.HandleFunc("POST "+protocol.PathAPIAgents+"/{role}/stop", s.handleLifecycle(func(ctx context.Context, role string) error {
		return s.orch.Stop(ctx, role)
	}))
	s.mux.HandleFunc("POST "+protocol.PathAPIAgents+"/{role}/restart", s.handleLifecycle(func(ctx context.Context, role string) error {
		return s.orch.Restart(ctx, role)
	}))
	s.mux.HandleFunc("DELETE "+protocol.PathAPIAgents+"/{role}", s.handleLifecycle(func(ctx context.Context, role string) error {
		return s.orch.Remove(ctx, role)
	}))
	s.mux.HandleFunc("POST "+protocol.PathAPITasks, s.handleCreateTask)
	s.mux.HandleFunc("POST "+protocol.PathAPITasks+"/{id}/requeue", s.handleRequeue)
	s.mux.HandleFunc("POST "+protocol.PathAPISync, s.handleSync)
	s.mux.HandleFunc("GET "+protocol.PathAPIEvents, s.handleEvents)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table, for serving through a test listener.
func (s *ControlServer) Handler() http.Handler { return s.mux }

// Start binds the control listener and serves in the background.
func (s *ControlServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", s.srv.Addr, err)
	}
	go func() { _ = s.srv.Serve(ln) }()
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status(r.Context())
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *ControlServer) handleListAgents(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.Status(r.Context())
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status.Agents)
}

func (s *ControlServer) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	role, err := team.Parse(req.Role)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.orch.Create(r.Context(), role, req.Name, req.Model, req.ModelOptions)
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, summarize(rec))
}

func (s *ControlServer) handleLifecycle(op func(ctx context.Context, role string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := r.PathValue("role")
		if err := op(r.Context(), role); err != nil {
			s.writeError(w, controlStatusFor(err), err)
			return
		}
		rec, err := s.orch.Registry().Get(r.Context(), role)
		if err != nil {
			// The record is gone after a remove; answer with no body.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, summarize(rec))
	}
}

func (s *ControlServer) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Title == "" || req.Role == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("title and role are required"))
		return
	}
	resp, err := s.orch.CreateTask(r.Context(), req)
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *ControlServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Requeue(r.Context(), id); err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	task, err := s.orch.Tasks().Task(r.Context(), id)
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *ControlServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("no code host configured"))
		return
	}
	resp, err := s.syncer.SyncNow(r.Context())
	if err != nil {
		s.writeError(w, controlStatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *ControlServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("event log unavailable"))
		return
	}
	opts := eventlog.QueryOpts{
		Kind:   r.URL.Query().Get("kind"),
		Source: r.URL.Query().Get("source"),
		Role:   r.URL.Query().Get("role"),
		TaskID: r.URL.Query().Get("task"),
	}
	if v := r.URL.Query().Get("since_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since_id %q", v))
			return
		}
		opts.SinceID = n
		opts.Ascending = true
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		opts.Limit = n
	}
	events, err := s.events.Query(r.Context(), opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// controlStatusFor maps typed orchestrator errors onto HTTP status codes.
func controlStatusFor(err error) int {
	var noSuch *protocol.NoSuchAgentError
	var dup *protocol.DuplicateRoleError
	var busy *protocol.AlreadyBusyError
	var invalid *protocol.InvalidTransitionError
	var ports *protocol.PortExhaustedError
	var unreachable *protocol.AgentUnreachableError
	switch {
	case errors.As(err, &noSuch), errors.Is(err, agent.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &busy), errors.As(err, &invalid):
		return http.StatusConflict
	case errors.As(err, &ports):
		return http.StatusServiceUnavailable
	case errors.As(err, &unreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *ControlServer) writeError(w http.ResponseWriter, status int, err error) {
	body := protocol.ErrorResponse{Error: err.Error(), Kind: protocol.KindOf(err)}
	var busy *protocol.AlreadyBusyError
	if errors.As(err, &busy) {
		body.Role = busy.Role
		body.TaskID = busy.TaskID
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
