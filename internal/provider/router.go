package provider

import (
	"context"
	"errors"
	"fmt"
)

// Outcome records which provider ultimately served a request and the full
// eligible chain it was routed over. FallbackChain lists every eligible
// provider in order, including any after the one that served; the first
// len(Attempts)+1 names are the ones actually tried, and on success the
// serving provider is FallbackChain[len(Attempts)].
type Outcome struct {
	ProviderName string
	FallbackChain []string
	Attempts      []AttemptError
	PromptTokens  int
	CompletionTokens int
	CostUSD       float64
	// CostComputed reports whether the serving entry declared a CostFunc; the
	// pipeline's fixed scalars apply when this is false.
	CostComputed bool
	// CostFn is the serving entry's cost function, carried for the streaming
	// path where token totals are only known once the stream drains.
	CostFn CostFunc
}

// AttemptError records one failed attempt in the fallback chain.
type AttemptError struct {
	ProviderName string
	Status       int
	Message      string
}

// Router selects and invokes providers with fallback.
type Router struct {
	registry          *Registry
	retryableStatuses map[int]bool
	fallbackEnabled   bool
}

// NewRouter constructs a Router. A nil retryable set falls back to
// DefaultRetryableStatuses.
func NewRouter(registry *Registry, retryableStatuses map[int]bool, fallbackEnabled bool) *Router {
	if retryableStatuses == nil {
		retryableStatuses = DefaultRetryableStatuses
	}
	return &Router{registry: registry, retryableStatuses: retryableStatuses, fallbackEnabled: fallbackEnabled}
}

func (r *Router) chain(operation, primary, model string, allowed []string) ([]Entry, error) {
	chain, err := r.registry.FallbackChain(operation, primary, model)
	if err != nil {
		return nil, err
	}
	if len(allowed) > 0 {
		chain = filterAllowed(chain, allowed)
		if len(chain) == 0 {
			// No upstream was contacted: the policy's provider allow-list
			// excluded every eligible entry. Typed so the caller can render
			// it as a 403 rather than an upstream failure.
			return nil, &Error{Status: 403, Message: fmt.Sprintf("no provider in the policy allow-list is eligible for operation %q model %q", operation, model)}
		}
	}
	if !r.fallbackEnabled && len(chain) > 1 {
		chain = chain[:1]
	}
	return chain, nil
}

func filterAllowed(chain []Entry, allowed []string) []Entry {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	out := chain[:0:0]
	for _, e := range chain {
		if set[e.Name] {
			out = append(out, e)
		}
	}
	return out
}

func (r *Router) retryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return r.retryableStatuses[perr.Status]
	}
	return false
}

// Chat runs the fallback chain for a non-streaming completion.
func (r *Router) Chat(ctx context.Context, primary, model string, req ChatRequest) (ChatResult, Outcome, error) {
	return r.ChatAllowed(ctx, primary, model, nil, req)
}

// ChatAllowed behaves like Chat but additionally restricts the fallback
// chain to providers named in allowed (empty means unrestricted), used when
// a Policy Decision's provider_constraints.allowed_providers is set.
func (r *Router) ChatAllowed(ctx context.Context, primary, model string, allowed []string, req ChatRequest) (ChatResult, Outcome, error) {
	chain, err := r.chain("chat", primary, model, allowed)
	if err != nil {
		return ChatResult{}, Outcome{}, err
	}

	out := Outcome{FallbackChain: namesOf(chain)}
	var lastErr error
	for _, entry := range chain {
		res, err := entry.Chat.Chat(ctx, req)
		if err == nil {
			out.ProviderName = entry.Name
			out.PromptTokens = res.PromptTokens
			out.CompletionTokens = res.CompletionTokens
			out.CostUSD = cost(entry, "chat", res.PromptTokens, res.CompletionTokens)
			out.CostComputed = entry.Cost != nil
			return res, out, nil
		}
		lastErr = err
		out.Attempts = append(out.Attempts, attemptError(entry.Name, err))
		if !r.retryable(err) {
			break
		}
	}
	return ChatResult{}, out, fmt.Errorf("provider: all providers exhausted: %w", lastErr)
}

// ChatStream runs the fallback chain for a streaming completion. Fallback
// to the next provider is only attempted if the failure occurs before the
// first chunk is observed; once streaming has begun, a
// mid-stream failure surfaces to the caller as a stream error rather than
// silently retrying on a different provider.
func (r *Router) ChatStream(ctx context.Context, primary, model string, req ChatRequest) (<-chan StreamChunk, Outcome, error) {
	return r.ChatStreamAllowed(ctx, primary, model, nil, req)
}

// ChatStreamAllowed behaves like ChatStream but additionally restricts the
// fallback chain to providers named in allowed (empty means unrestricted).
func (r *Router) ChatStreamAllowed(ctx context.Context, primary, model string, allowed []string, req ChatRequest) (<-chan StreamChunk, Outcome, error) {
	chain, err := r.chain("chat_stream", primary, model, allowed)
	if err != nil {
		return nil, Outcome{}, err
	}

	out := Outcome{FallbackChain: namesOf(chain)}
	var lastErr error
	for _, entry := range chain {
		streamer, ok := entry.streaming()
		if !ok {
			continue
		}
		upstream, err := streamer.ChatStream(ctx, req)
		if err != nil {
			lastErr = err
			out.Attempts = append(out.Attempts, attemptError(entry.Name, err))
			if !r.retryable(err) {
				break
			}
			continue
		}

		first, ok := <-upstream
		if !ok {
			lastErr = fmt.Errorf("provider: %s: stream closed before first chunk", entry.Name)
			out.Attempts = append(out.Attempts, attemptError(entry.Name, lastErr))
			continue
		}
		if first.Err != nil {
			lastErr = first.Err
			out.Attempts = append(out.Attempts, attemptError(entry.Name, first.Err))
			if !r.retryable(first.Err) {
				break
			}
			continue
		}

		out.ProviderName = entry.Name
		out.CostFn = entry.Cost
		down := make(chan StreamChunk)
		go relayStream(down, upstream, first)
		return down, out, nil
	}
	return nil, out, fmt.Errorf("provider: all providers exhausted: %w", lastErr)
}

func relayStream(down chan<- StreamChunk, upstream <-chan StreamChunk, first StreamChunk) {
	defer close(down)
	chunk := first
	for {
		down <- chunk
		if chunk.Done {
			return
		}
		next, ok := <-upstream
		if !ok {
			return
		}
		chunk = next
	}
}

// Embeddings runs the fallback chain for an embeddings call.
func (r *Router) Embeddings(ctx context.Context, primary, model string, req EmbeddingsRequest) (EmbeddingsResult, Outcome, error) {
	return r.EmbeddingsAllowed(ctx, primary, model, nil, req)
}

// EmbeddingsAllowed behaves like Embeddings but additionally restricts the
// fallback chain to providers named in allowed (empty means unrestricted).
func (r *Router) EmbeddingsAllowed(ctx context.Context, primary, model string, allowed []string, req EmbeddingsRequest) (EmbeddingsResult, Outcome, error) {
	chain, err := r.chain("embeddings", primary, model, allowed)
	if err != nil {
		return EmbeddingsResult{}, Outcome{}, err
	}

	out := Outcome{FallbackChain: namesOf(chain)}
	var lastErr error
	for _, entry := range chain {
		res, err := entry.Embeddings.Embeddings(ctx, req)
		if err == nil {
			out.ProviderName = entry.Name
			out.PromptTokens = res.PromptTokens
			out.CostUSD = cost(entry, "embeddings", res.PromptTokens, 0)
			out.CostComputed = entry.Cost != nil
			return res, out, nil
		}
		lastErr = err
		out.Attempts = append(out.Attempts, attemptError(entry.Name, err))
		if !r.retryable(err) {
			break
		}
	}
	return EmbeddingsResult{}, out, fmt.Errorf("provider: all providers exhausted: %w", lastErr)
}

func namesOf(chain []Entry) []string {
	names := make([]string, len(chain))
	for i, e := range chain {
		names[i] = e.Name
	}
	return names
}

func attemptError(name string, err error) AttemptError {
	var perr *Error
	if errors.As(err, &perr) {
		return AttemptError{ProviderName: name, Status: perr.Status, Message: perr.Message}
	}
	return AttemptError{ProviderName: name, Status: 0, Message: err.Error()}
}

// cost computes USD cost for an operation using the entry's CostFunc when
// present; otherwise it returns 0, leaving the pipeline's fixed-scalar
// fallback to apply.
func cost(entry Entry, operation string, tokensIn, tokensOut int) float64 {
	if entry.Cost == nil {
		return 0
	}
	return entry.Cost(operation, tokensIn, tokensOut)
}
