package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an error for operator-facing reporting and recovery policy.
type Kind string

// Error kind constants.
const (
	KindConfiguration    Kind = "configuration"     // bad or missing credentials, invalid role: fatal, no retry
	KindResource         Kind = "resource"          // port or workspace failure: fails the single call only
	KindTransientBackend Kind = "transient_backend" // rate limit, timeout, network blip: bounded retry
	KindProcess          Kind = "process"           // agent crashed or unresponsive: bounded auto-restart
	KindSyncConflict     Kind = "sync_conflict"     // remote changed mid-sync: skip this cycle, retry next
)

// kinder is implemented by typed errors that carry a Kind.
type kinder interface {
	ErrorKind() Kind
}

// KindOf returns the Kind carried by err or any error it wraps.
// Errors without a kind report KindProcess, the conservative default.
func KindOf(err error) Kind {
	var k kinder
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return KindProcess
}

// DuplicateRoleError is returned when creating an agent for a role that
// already has a registry record.
type DuplicateRoleError struct {
	Role string
}

func (e *DuplicateRoleError) Error() string {
	return fmt.Sprintf("agent for role %s already exists", e.Role)
}

// ErrorKind implements kinder.
func (e *DuplicateRoleError) ErrorKind() Kind { return KindResource }

// WorkspaceInitError is returned when the isolated workspace for a new agent
// cannot be prepared. The create call fails and no registry record is kept.
type WorkspaceInitError struct {
	Role string
	Path string
	Err  error
}

func (e *WorkspaceInitError) Error() string {
	return fmt.Sprintf("workspace init failed for role %s at %s: %v", e.Role, e.Path, e.Err)
}

func (e *WorkspaceInitError) Unwrap() error { return e.Err }

// ErrorKind implements kinder.
func (e *WorkspaceInitError) ErrorKind() Kind { return KindResource }

// PortExhaustedError is returned when no free port remains in the reserved
// allocation range.
type PortExhaustedError struct {
	Base  int
	Count int
}

func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port in range %d-%d", e.Base, e.Base+e.Count-1)
}

// ErrorKind implements kinder.
func (e *PortExhaustedError) ErrorKind() Kind { return KindResource }

// NoSuchAgentError is returned when an operation names a role with no
// registered agent.
type NoSuchAgentError struct {
	Role string
}

func (e *NoSuchAgentError) Error() string {
	return fmt.Sprintf("no agent registered for role %s", e.Role)
}

// ErrorKind implements kinder.
func (e *NoSuchAgentError) ErrorKind() Kind { return KindConfiguration }

// AlreadyBusyError is returned by an agent that receives an assignment while
// a task is already active. Callers queue instead of dropping.
type AlreadyBusyError struct {
	Role   string
	TaskID string // task currently held by the agent
}

func (e *AlreadyBusyError) Error() string {
	return fmt.Sprintf("agent %s is busy with task %s", e.Role, e.TaskID)
}

// ErrorKind implements kinder.
func (e *AlreadyBusyError) ErrorKind() Kind { return KindResource }

// AgentUnreachableError is returned when an agent process cannot be reached
// over its control port.
type AgentUnreachableError struct {
	Role   string
	Reason string
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable: %s", e.Role, e.Reason)
}

// ErrorKind implements kinder.
func (e *AgentUnreachableError) ErrorKind() Kind { return KindProcess }

// BackendError is returned when a completion backend call fails. Transient
// reports whether the caller should retry with backoff.
type BackendError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s failed (HTTP %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ErrorKind implements kinder.
func (e *BackendError) ErrorKind() Kind {
	if e.Transient {
		return KindTransientBackend
	}
	return KindConfiguration
}

// InvalidTransitionError is returned when a task state change does not follow
// the forward-only graph.
type InvalidTransitionError struct {
	TaskID string
	From   TaskState
	To     TaskState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s cannot move from %s to %s", e.TaskID, e.From, e.To)
}

// ErrorKind implements kinder.
func (e *InvalidTransitionError) ErrorKind() Kind { return KindResource }

// RemoteError reconstructs a typed error from an ErrorResponse body so that
// Kind classification survives a hop over the HTTP APIs.
type RemoteError struct {
	Status int // HTTP status code of the failed call
	Resp   ErrorResponse
}

func (e *RemoteError) Error() string {
	if e.Resp.Error != "" {
		return e.Resp.Error
	}
	return fmt.Sprintf("remote call failed with HTTP %d", e.Status)
}

// ErrorKind implements kinder.
func (e *RemoteError) ErrorKind() Kind {
	if e.Resp.Kind != "" {
		return e.Resp.Kind
	}
	return KindProcess
}

// SyncConflictError is returned when a tracker write fails because the remote
// object changed under the synchronizer. The issue is skipped for the current
// cycle and retried on the next.
type SyncConflictError struct {
	Issue  int
	Op     string
	Status int
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict on issue #%d during %s (HTTP %d)", e.Issue, e.Op, e.Status)
}

// ErrorKind implements kinder.
func (e *SyncConflictError) ErrorKind() Kind { return KindSyncConflict }

// OperatorMessage formats err for operator display, always naming the error
// kind and, when known, the role and task. Internal error chains are never
// shown raw.
func OperatorMessage(role, taskID string, err error) string {
	msg := fmt.Sprintf("[%s] %v", KindOf(err), err)
	if role != "" {
		msg = fmt.Sprintf("role=%s %s", role, msg)
	}
	if taskID != "" {
		msg = fmt.Sprintf("task=%s %s", taskID, msg)
	}
	return msg
}
