package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/sovereign-rag/gateway/internal/budget"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/provider"
	"github.com/stretchr/testify/require"
)

// fakeStreamProvider replays a fixed chunk sequence. It also satisfies
// ChatProvider so it can be registered as a chat-capable entry.
type fakeStreamProvider struct {
	chunks []provider.StreamChunk
}

func (f *fakeStreamProvider) Chat(context.Context, provider.ChatRequest) (provider.ChatResult, error) {
	return provider.ChatResult{Content: "unused", FinishReason: "stop"}, nil
}

func (f *fakeStreamProvider) ChatStream(context.Context, provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			out <- c
		}
	}()
	return out, nil
}

func streamConfig(t *testing.T, chunks []provider.StreamChunk) (Config, string) {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(provider.Entry{
		Name:         "primary",
		Chat:         &fakeStreamProvider{chunks: chunks},
		Capabilities: provider.Capabilities{Chat: true, Streaming: true},
		Enabled:      true,
	})
	auditWriter, auditPath := newTestAuditWriterAt(t)
	cfg := Config{
		Policy:          fakePolicy{decision: allowDecision()},
		PolicyMode:      gwtypes.PolicyModeEnforce,
		Budget:          budget.NewMemory(budget.Limits{WindowSeconds: 60, DefaultCeiling: 100000}),
		Router:          provider.NewRouter(reg, nil, true),
		DefaultProvider: "primary",
		Audit:           auditWriter,
		GatewayVersion:  "test",
	}
	return cfg, auditPath
}

func contentChunks(words ...string) []provider.StreamChunk {
	chunks := make([]provider.StreamChunk, 0, len(words)+1)
	for i, w := range words {
		chunks = append(chunks, provider.StreamChunk{DeltaContent: w, CompletionTokens: i + 1, PromptTokens: 3})
	}
	chunks = append(chunks, provider.StreamChunk{FinishReason: "stop", Done: true, PromptTokens: 3, CompletionTokens: len(words)})
	return chunks
}

func drain(frames <-chan ChatStreamFrame) []string {
	var out []string
	for f := range frames {
		out = append(out, string(f.Data))
	}
	return out
}

func TestHandleChatStreamEndsWithDoneAndAudits(t *testing.T) {
	cfg, auditPath := streamConfig(t, contentChunks("hello", " there", " friend"))
	o := New(cfg)

	frames, appErr := o.HandleChatStream(context.Background(), testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	collected := drain(frames)
	require.NotEmpty(t, collected)
	require.Equal(t, "data: [DONE]\n\n", collected[len(collected)-1])
	for _, frame := range collected {
		require.True(t, strings.HasPrefix(frame, "data: "))
		require.True(t, strings.HasSuffix(frame, "\n\n"))
	}

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.True(t, events[0].Streaming)
	require.Empty(t, events[0].StreamError)
	require.Equal(t, 3, events[0].TokensIn)
	require.Equal(t, 3, events[0].TokensOut)
	require.Greater(t, events[0].CostUSD, 0.0)
	require.Equal(t, "primary", events[0].Provider)
}

func TestHandleChatStreamClientDisconnectStillAudits(t *testing.T) {
	cfg, auditPath := streamConfig(t, contentChunks("one", " two", " three", " four"))
	o := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	frames, appErr := o.HandleChatStream(ctx, testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	// Read one frame, then walk away the way a closed client socket does.
	<-frames
	cancel()
	for range frames {
	}

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.True(t, events[0].Streaming)
	require.Greater(t, events[0].TokensIn, 0)
}

func TestHandleChatStreamSynthesizesFinishChunk(t *testing.T) {
	// Upstream closes without a finish_reason or Done marker.
	chunks := []provider.StreamChunk{
		{DeltaContent: "partial", PromptTokens: 2, CompletionTokens: 1},
	}
	cfg, auditPath := streamConfig(t, chunks)
	o := New(cfg)

	frames, appErr := o.HandleChatStream(context.Background(), testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	collected := drain(frames)
	require.Equal(t, "data: [DONE]\n\n", collected[len(collected)-1])
	require.Contains(t, collected[len(collected)-2], `"finish_reason":"stop"`)

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.True(t, events[0].Streaming)
}

func TestHandleChatStreamProviderErrorMidStream(t *testing.T) {
	chunks := []provider.StreamChunk{
		{DeltaContent: "start", PromptTokens: 2, CompletionTokens: 1},
		{Err: &provider.Error{Status: 502, Message: "upstream died"}},
	}
	cfg, auditPath := streamConfig(t, chunks)
	o := New(cfg)

	frames, appErr := o.HandleChatStream(context.Background(), testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	collected := drain(frames)
	for _, frame := range collected {
		require.NotEqual(t, "data: [DONE]\n\n", frame)
	}

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.Equal(t, "provider_stream_error", events[0].StreamError)
}

func TestHandleChatStreamMidStreamBudgetCutoff(t *testing.T) {
	words := make([]string, 0, 24)
	for i := 0; i < 24; i++ {
		words = append(words, "word")
	}
	cfg, auditPath := streamConfig(t, contentChunks(words...))
	// Ceiling large enough to admit the request, small enough that accrued
	// completion tokens trip the running check after a few chunks.
	cfg.Budget = budget.NewMemory(budget.Limits{WindowSeconds: 60, DefaultCeiling: 12})
	o := New(cfg)

	frames, appErr := o.HandleChatStream(context.Background(), testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	collected := drain(frames)
	// A budget cutoff is a normal termination: the length chunk is followed
	// by the [DONE] sentinel.
	require.Equal(t, "data: [DONE]\n\n", collected[len(collected)-1])
	require.Contains(t, collected[len(collected)-2], `"finish_reason":"length"`)

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.Empty(t, events[0].StreamError)
	require.NotNil(t, events[0].Budget)
	require.True(t, events[0].Budget.MidStreamTerminated)
}

func TestHandleChatStreamFailsOverOnStreamInitError(t *testing.T) {
	reg := provider.NewRegistry()
	reg.Register(provider.Entry{
		Name:         "primary",
		Chat:         &fakeStreamProvider{chunks: []provider.StreamChunk{{Err: &provider.Error{Status: 503, Message: "cold"}}}},
		Capabilities: provider.Capabilities{Chat: true, Streaming: true},
		Priority:     0,
		Enabled:      true,
	})
	reg.Register(provider.Entry{
		Name:         "secondary",
		Chat:         &fakeStreamProvider{chunks: contentChunks("ok")},
		Capabilities: provider.Capabilities{Chat: true, Streaming: true},
		Priority:     1,
		Enabled:      true,
	})
	auditWriter, auditPath := newTestAuditWriterAt(t)
	o := New(Config{
		Policy:          fakePolicy{decision: allowDecision()},
		PolicyMode:      gwtypes.PolicyModeEnforce,
		Router:          provider.NewRouter(reg, nil, true),
		DefaultProvider: "primary",
		Audit:           auditWriter,
		GatewayVersion:  "test",
	})

	frames, appErr := o.HandleChatStream(context.Background(), testReqCtx(), &gwtypes.ChatRequest{
		Model:    "gpt-x",
		Messages: []gwtypes.Message{{Role: gwtypes.RoleUser, Content: "hi"}},
	})
	require.Nil(t, appErr)

	collected := drain(frames)
	require.Equal(t, "data: [DONE]\n\n", collected[len(collected)-1])

	events := readAuditEvents(t, auditPath)
	require.Len(t, events, 1)
	require.Equal(t, "secondary", events[0].Provider)
	require.Equal(t, 2, events[0].ProviderAttempts)
}
