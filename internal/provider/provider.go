// Package provider defines the text-generation backend interface and its
// Ollama implementation.
package provider

import (
	"context"
	"errors"
)

// Backend errors.
var (
	// ErrBackendUnavailable indicates the backend call failed or timed out.
	// Callers in the eviction path fall back to deterministic summaries
	// instead of surfacing this to the client.
	ErrBackendUnavailable = errors.New("provider: backend unavailable")

	// ErrInvalidResponse indicates the backend returned an unparsable body.
	ErrInvalidResponse = errors.New("provider: invalid response")
)

// Generator produces free-form text from a prompt. This is the only
// surface the summarizer depends on.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Backend is the full text-generation backend: prompt completion for the
// summarizer plus conversational chat for the proxied request path.
type Backend interface {
	Generator

	// Chat forwards a conversation and returns the assistant reply.
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (*ChatResult, error)

	// Models lists the models available on the backend.
	Models(ctx context.Context) ([]ModelInfo, error)
}
