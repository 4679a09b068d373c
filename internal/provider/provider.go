// Package provider implements the provider registry and fallback router: a
// name→entry map of upstream LLM providers, eligibility filtering, and
// primary-first priority-ordered fallback, including streaming.
package provider

import (
	"context"
	"fmt"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
)

// ChatRequest is the normalized request the router passes to a provider's
// Chat/ChatStream call.
type ChatRequest struct {
	Model     string
	Messages  []gwtypes.Message
	MaxTokens int
}

// ChatResult is a non-streaming completion result.
type ChatResult struct {
	Content          string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streaming completion. A chunk with Err
// set terminates the stream: before the first content chunk it is a
// fail-over point for the router, after it the error surfaces to the
// consumer as a stream error.
type StreamChunk struct {
	DeltaContent     string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	Done             bool
	Err              error
}

// EmbeddingsRequest is the normalized request for an embeddings call.
type EmbeddingsRequest struct {
	Model  string
	Inputs []string
}

// EmbeddingsResult is the outcome of an embeddings call.
type EmbeddingsResult struct {
	Vectors      [][]float64
	PromptTokens int
}

// ChatProvider performs non-streaming chat completions.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// StreamingChatProvider additionally supports streaming chat completions.
// Providers that do not implement it are treated as non-streaming-capable by
// the eligibility filter.
type StreamingChatProvider interface {
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}

// EmbeddingsProvider performs embeddings calls.
type EmbeddingsProvider interface {
	Embeddings(ctx context.Context, req EmbeddingsRequest) (EmbeddingsResult, error)
}

// Error is the typed upstream failure the router inspects to decide whether
// to fail over to the next provider in the chain.
type Error struct {
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provider: status %d: %s: %v", e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// DefaultRetryableStatuses is the default fail-over set: {429, 502, 503}.
// Callers may supply a narrower or wider set.
var DefaultRetryableStatuses = map[int]bool{429: true, 502: true, 503: true}

// CostFunc computes the cost in USD for an operation's token usage. A
// registry entry that omits one falls back to the pipeline's fixed
// per-operation scalars.
type CostFunc func(operation string, tokensIn, tokensOut int) float64
