package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"crew/pkg/protocol"
)

// OllamaBackend implements CompletionBackend against an Ollama server.
type OllamaBackend struct {
	client       *api.Client
	defaultModel string
}

// NewOllamaBackend builds a backend for the server at host (e.g.
// "http://127.0.0.1:11434"). An empty host falls back to the OLLAMA_HOST
// environment variable and its default.
func NewOllamaBackend(host, defaultModel string) (*OllamaBackend, error) {
	if defaultModel == "" {
		return nil, fmt.Errorf("ollama backend: default model is required")
	}
	if host == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama backend: %w", err)
		}
		return &OllamaBackend{client: client, defaultModel: defaultModel}, nil
	}

	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("ollama backend: parse host %q: %w", host, err)
	}
	return &OllamaBackend{
		client:       api.NewClient(base, http.DefaultClient),
		defaultModel: defaultModel,
	}, nil
}

// Complete implements CompletionBackend. Streaming is disabled; the reply
// arrives as a single chunk with eval counts attached.
func (b *OllamaBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  req.Options,
	}

	var out Response
	err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.Content += resp.Message.Content
		if resp.Done {
			out.PromptTokens = resp.Metrics.PromptEvalCount
			out.CompletionTokens = resp.Metrics.EvalCount
		}
		return nil
	})
	if err != nil {
		return nil, classify("chat", err)
	}
	return &out, nil
}

// classify wraps a raw client error as a protocol.BackendError with the
// transient flag set per the retry policy: rate limiting and server-side
// failures retry, auth and bad-model errors do not. Errors without an HTTP
// status (network blips, timeouts, cancellation) keep their chain intact so
// callers can still detect context errors with errors.Is.
func classify(op string, err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		transient := se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
		return &protocol.BackendError{Op: op, StatusCode: se.StatusCode, Transient: transient, Err: err}
	}
	return &protocol.BackendError{Op: op, Transient: true, Err: err}
}
