// Package llm abstracts the language-completion backend behind a small
// interface so agents can be tested without a live model server. The
// production implementation talks to an Ollama server.
package llm

import "context"

// Message roles on the completion wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior exchange unit sent to the backend.
type Message struct {
	Role    string
	Content string
}

// Request is a single completion call: system context plus the windowed
// conversation.
type Request struct {
	Model    string // empty uses the backend's default model
	System   string
	Messages []Message
	Options  map[string]any // sampling options passed through to the backend
}

// Response carries the completion text and token accounting.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// CompletionBackend produces one completion per call. Complete blocks until
// the backend answers, the context is cancelled, or its deadline passes;
// it is the only long-blocking operation an agent performs.
type CompletionBackend interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
