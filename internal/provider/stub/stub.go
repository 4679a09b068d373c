// Package stub implements a deterministic provider used for local
// development, tests, and demo deployments that have no upstream model
// credentials configured.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/provider"
)

// Provider returns a canned completion derived from a hash of the last user
// message, so repeated calls with the same input are reproducible in tests
// and demos.
type Provider struct {
	Name string
}

// New constructs a stub Provider.
func New(name string) *Provider {
	return &Provider{Name: name}
}

func (p *Provider) Chat(_ context.Context, req provider.ChatRequest) (provider.ChatResult, error) {
	content := reply(req)
	return provider.ChatResult{
		Content:          content,
		FinishReason:     "stop",
		PromptTokens:     estimateTokens(req.Messages),
		CompletionTokens: estimateTokensInString(content),
	}, nil
}

func (p *Provider) ChatStream(_ context.Context, req provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	content := reply(req)
	words := strings.Fields(content)
	out := make(chan provider.StreamChunk)
	promptTokens := estimateTokens(req.Messages)

	go func() {
		defer close(out)
		completion := 0
		for i, w := range words {
			piece := w
			if i > 0 {
				piece = " " + w
			}
			completion++
			out <- provider.StreamChunk{
				DeltaContent:     piece,
				PromptTokens:     promptTokens,
				CompletionTokens: completion,
			}
		}
		out <- provider.StreamChunk{
			FinishReason:     "stop",
			PromptTokens:     promptTokens,
			CompletionTokens: completion,
			Done:             true,
		}
	}()
	return out, nil
}

func (p *Provider) Embeddings(_ context.Context, req provider.EmbeddingsRequest) (provider.EmbeddingsResult, error) {
	vectors := make([][]float64, len(req.Inputs))
	tokens := 0
	for i, in := range req.Inputs {
		vectors[i] = deterministicVector(in, 16)
		tokens += estimateTokensInString(in)
	}
	return provider.EmbeddingsResult{Vectors: vectors, PromptTokens: tokens}, nil
}

func reply(req provider.ChatRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	sum := sha256.Sum256([]byte(last))
	return "stub response " + hex.EncodeToString(sum[:4]) + ": " + truncate(last, 80)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func estimateTokens(messages []gwtypes.Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokensInString(m.Content)
	}
	return total
}

func estimateTokensInString(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Fields(s))
}

func deterministicVector(input string, dims int) []float64 {
	sum := sha256.Sum256([]byte(input))
	vec := make([]float64, dims)
	for i := 0; i < dims; i++ {
		vec[i] = float64(sum[i%len(sum)]) / 255.0
	}
	return vec
}
