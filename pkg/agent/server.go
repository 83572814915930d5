package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"crew/pkg/protocol"
)

// Server exposes one agent over its loopback HTTP API.
type Server struct {
	agent *Agent
	mux   *http.ServeMux
	srv   *http.Server
}

// NewServer wires the agent API routes for the given port. The listener is
// bound by Start.
func NewServer(agent *Agent, port int) *Server {
	s := &Server{agent: agent, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET "+protocol.PathStatus, s.handleStatus)
	s.mux.HandleFunc("POST "+protocol.PathAssign, s.handleAssign)
	s.mux.HandleFunc("POST "+protocol.PathStep, s.handleStep)
	s.mux.HandleFunc("GET "+protocol.PathHistory, s.handleHistory)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table, for serving through a test listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the loopback listener and serves in the background. A bind
// failure surfaces here so the caller can fail fast instead of discovering
// a dead port on the first health check.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("agent listen on %s: %w", s.srv.Addr, err)
	}
	go func() { _ = s.srv.Serve(ln) }()
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req protocol.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "", fmt.Errorf("decode assign request: %w", err))
		return
	}
	if err := s.agent.Assign(r.Context(), req.Task); err != nil {
		s.writeError(w, statusFor(err), req.Task.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Status())
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req protocol.StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "", fmt.Errorf("decode step request: %w", err))
		return
	}
	resp, err := s.agent.Step(r.Context(), req.Input, req.Source)
	if err != nil {
		taskID := ""
		if st := s.agent.Status(); st.Task != nil {
			taskID = st.Task.ID
		}
		s.writeError(w, statusFor(err), taskID, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := DefaultWindowTurns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "", fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	turns, err := s.agent.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.HistoryResponse{Role: s.agent.Role(), Turns: turns})
}

// statusFor maps typed errors onto HTTP status codes.
func statusFor(err error) int {
	var busy *protocol.AlreadyBusyError
	var invalid *protocol.InvalidTransitionError
	var backend *protocol.BackendError
	switch {
	case errors.As(err, &busy), errors.As(err, &invalid):
		return http.StatusConflict
	case errors.As(err, &backend):
		if backend.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, taskID string, err error) {
	writeJSON(w, status, protocol.ErrorResponse{
		Error:  err.Error(),
		Kind:   protocol.KindOf(err),
		Role:   s.agent.Role(),
		TaskID: taskID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
