package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"crew/pkg/agent"
	"crew/pkg/llm"
	"crew/pkg/protocol"
)

func newTestServer(t *testing.T, a *agent.Agent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(agent.NewServer(a, 0).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload)) //nolint:noctx // test helper
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return v
}

func TestServerStatus(t *testing.T) {
	store := openSharedStore(t)
	a := newTestAgent(t, store, &fakeBackend{fn: replyWith("ok")}, 1)
	startAgent(t, a)
	srv := newTestServer(t, a)

	resp, err := http.Get(srv.URL + protocol.PathStatus) //nolint:noctx // test request
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}
	status := decodeBody[protocol.StatusResponse](t, resp)
	if status.Role != "backend" {
		t.Errorf("Role = %q, want backend", status.Role)
	}
	if status.Phase != protocol.PhaseIdle {
		t.Errorf("Phase = %v, want idle", status.Phase)
	}
}

func TestServerAssignAndConflict(t *testing.T) {
	store := openSharedStore(t)
	release := make(chan struct{})
	backend := &fakeBackend{fn: func(ctx context.Context, _ int, _ llm.Request) (*llm.Response, error) {
		select {
		case <-release:
			return &llm.Response{Content: "done"}, nil
		case <-ctx.Done():
			return nil, &protocol.BackendError{Op: "chat", Transient: true, Err: ctx.Err()}
		}
	}}
	a := newTestAgent(t, store, backend, 1)
	startAgent(t, a)
	defer close(release)
	srv := newTestServer(t, a)

	first := createTask(t, store, "t1", "backend")
	second := createTask(t, store, "t2", "backend")

	resp := postJSON(t, srv.URL+protocol.PathAssign, protocol.AssignRequest{Task: first})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d, want 200", resp.StatusCode)
	}
	status := decodeBody[protocol.StatusResponse](t, resp)
	if status.Task == nil || status.Task.ID != "t1" {
		t.Fatalf("assign response task = %+v, want t1", status.Task)
	}

	conflict := postJSON(t, srv.URL+protocol.PathAssign, protocol.AssignRequest{Task: second})
	if conflict.StatusCode != http.StatusConflict {
		t.Fatalf("busy assign status = %d, want 409", conflict.StatusCode)
	}
	errResp := decodeBody[protocol.ErrorResponse](t, conflict)
	if errResp.Kind != protocol.KindResource {
		t.Errorf("error kind = %v, want resource", errResp.Kind)
	}
	if errResp.Role != "backend" {
		t.Errorf("error role = %q, want backend", errResp.Role)
	}
}

func TestServerStep(t *testing.T) {
	store := openSharedStore(t)
	a := newTestAgent(t, store, &fakeBackend{fn: replyWith("the index is fine")}, 1)
	startAgent(t, a)
	srv := newTestServer(t, a)

	resp := postJSON(t, srv.URL+protocol.PathStep, protocol.StepRequest{Input: "check the index", Source: "chat"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step status = %d, want 200", resp.StatusCode)
	}
	step := decodeBody[protocol.StepResponse](t, resp)
	if step.Reply != "the index is fine" {
		t.Errorf("Reply = %q", step.Reply)
	}
	if step.Phase != protocol.PhaseIdle {
		t.Errorf("Phase = %v, want idle", step.Phase)
	}
}

func TestServerStepBackendUnavailable(t *testing.T) {
	store := openSharedStore(t)
	backend := &fakeBackend{fn: func(context.Context, int, llm.Request) (*llm.Response, error) {
		return nil, transientBackendErr()
	}}
	a := newTestAgent(t, store, backend, 1)
	startAgent(t, a)
	srv := newTestServer(t, a)

	resp := postJSON(t, srv.URL+protocol.PathStep, protocol.StepRequest{Input: "hello", Source: "chat"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("step status = %d, want 503", resp.StatusCode)
	}
	errResp := decodeBody[protocol.ErrorResponse](t, resp)
	if errResp.Kind != protocol.KindTransientBackend {
		t.Errorf("error kind = %v, want transient_backend", errResp.Kind)
	}
}

func TestServerHistory(t *testing.T) {
	store := openSharedStore(t)
	a := newTestAgent(t, store, &fakeBackend{fn: replyWith("noted")}, 1)
	startAgent(t, a)
	srv := newTestServer(t, a)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, srv.URL+protocol.PathStep, protocol.StepRequest{Input: fmt.Sprintf("note %d", i), Source: "chat"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("step status = %d, want 200", resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + protocol.PathHistory + "?limit=3") //nolint:noctx // test request
	if err != nil {
		t.Fatalf("GET /history failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want 200", resp.StatusCode)
	}
	history := decodeBody[protocol.HistoryResponse](t, resp)
	if history.Role != "backend" {
		t.Errorf("Role = %q, want backend", history.Role)
	}
	if len(history.Turns) != 3 {
		t.Errorf("history returned %d turns, want 3", len(history.Turns))
	}

	bad, err := http.Get(srv.URL + protocol.PathHistory + "?limit=zero") //nolint:noctx // test request
	if err != nil {
		t.Fatalf("GET /history failed: %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", bad.StatusCode)
	}
}

func TestServerRejectsMalformedBody(t *testing.T) {
	store := openSharedStore(t)
	a := newTestAgent(t, store, &fakeBackend{fn: replyWith("ok")}, 1)
	startAgent(t, a)
	srv := newTestServer(t, a)

	resp, err := http.Post(srv.URL+protocol.PathStep, "application/json", bytes.NewReader([]byte("{"))) //nolint:noctx // test request
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
}
