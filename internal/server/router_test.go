package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sovereign-rag/gateway/internal/audit"
	"github.com/sovereign-rag/gateway/internal/budget"
	"github.com/sovereign-rag/gateway/internal/config"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/orchestrator"
	"github.com/sovereign-rag/gateway/internal/provider"
	"github.com/sovereign-rag/gateway/internal/redaction"
	"github.com/sovereign-rag/gateway/internal/schema"
	"github.com/stretchr/testify/require"
)

type fakePolicy struct {
	decision gwtypes.PolicyDecision
}

func (f fakePolicy) Evaluate(context.Context, gwtypes.PolicyInput) (gwtypes.PolicyDecision, error) {
	return f.decision, nil
}

func allowDecision() gwtypes.PolicyDecision {
	return gwtypes.PolicyDecision{DecisionID: "dec-1", Allow: true, PolicyHash: "hash", EvaluatedAt: time.Now()}
}

type fakeChatProvider struct{}

func (f *fakeChatProvider) Chat(context.Context, provider.ChatRequest) (provider.ChatResult, error) {
	return provider.ChatResult{Content: "hello there", FinishReason: "stop", PromptTokens: 10, CompletionTokens: 5}, nil
}

func (f *fakeChatProvider) ChatStream(context.Context, provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	out := make(chan provider.StreamChunk)
	go func() {
		defer close(out)
		out <- provider.StreamChunk{DeltaContent: "hello", PromptTokens: 10, CompletionTokens: 1}
		out <- provider.StreamChunk{DeltaContent: " there", PromptTokens: 10, CompletionTokens: 2}
		out <- provider.StreamChunk{FinishReason: "stop", Done: true, PromptTokens: 10, CompletionTokens: 2}
	}()
	return out, nil
}

type fakeEmbeddingsProvider struct{}

func (f *fakeEmbeddingsProvider) Embeddings(context.Context, provider.EmbeddingsRequest) (provider.EmbeddingsResult, error) {
	return provider.EmbeddingsResult{Vectors: [][]float64{{0.1, 0.2}}, PromptTokens: 4}, nil
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	reg := provider.NewRegistry()
	reg.Register(provider.Entry{
		Name:         "primary",
		Chat:         &fakeChatProvider{},
		Embeddings:   &fakeEmbeddingsProvider{},
		Capabilities: provider.Capabilities{Chat: true, Streaming: true, Embeddings: true},
		Priority:     0,
		Enabled:      true,
	})
	router := provider.NewRouter(reg, nil, true)

	schemas, err := schema.Load()
	require.NoError(t, err)
	auditPath := filepath.Join(t.TempDir(), "audit.ndjson")
	writer, err := audit.New(auditPath, schemas)
	require.NoError(t, err)
	t.Cleanup(writer.Close)

	return orchestrator.New(orchestrator.Config{
		Policy:           fakePolicy{decision: allowDecision()},
		PolicyMode:       gwtypes.PolicyModeEnforce,
		Redaction:        redaction.New(),
		RedactionEnabled: true,
		Budget:           budget.NewMemory(budget.Limits{WindowSeconds: 60, DefaultCeiling: 100000}),
		Router:           router,
		DefaultProvider:  "primary",
		Audit:            writer,
		GatewayVersion:   "test",
	})
}

func testDependencies(t *testing.T) Dependencies {
	t.Helper()
	return Dependencies{
		Orchestrator: newTestOrchestrator(t),
		Config: config.Config{
			Auth:   config.AuthConfig{APIKeys: []string{"test-key"}},
			Models: config.ModelsConfig{Default: "gpt-x", Catalog: []config.ModelCatalogEntry{{ID: "gpt-x", Owner: "openai", Chat: true}}},
		},
	}
}

func authedRequest(method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("x-srg-tenant-id", "tenant-a")
	req.Header.Set("x-srg-user-id", "user-1")
	req.Header.Set("x-srg-classification", "public")
	return req
}

func TestHealthzAndReadyzBypassAuth(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var envelope map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "auth_missing", envelope["error"]["code"])
}

func TestChatCompletionsRequiresTenantHeaders(t *testing.T) {
	router := NewRouter(testDependencies(t))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer test-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var envelope map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "missing_required_headers", envelope["error"]["code"])
}

func TestChatCompletionsSuccess(t *testing.T) {
	router := NewRouter(testDependencies(t))

	body := []byte(`{"model":"gpt-x","messages":[{"role":"user","content":"hi there"}]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp gwtypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hello there", resp.Choices[0].Message.Content)
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	router := NewRouter(testDependencies(t))

	body := []byte(`{"model":"gpt-x","messages":[]}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", body))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestChatCompletionsStreams(t *testing.T) {
	router := NewRouter(testDependencies(t))

	body := []byte(`{"model":"gpt-x","messages":[{"role":"user","content":"hi there"}],"stream":true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/chat/completions", body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	require.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestEmbeddingsAcceptsStringOrArrayInput(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/embeddings", []byte(`{"model":"gpt-x","input":"hello"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/embeddings", []byte(`{"model":"gpt-x","input":["a","b"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp gwtypes.EmbeddingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
}

func TestModelsListsCatalog(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var list gwtypes.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	require.Equal(t, "gpt-x", list.Data[0].ID)
}

func TestTraceEndpointDisabledByDefault(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/traces/req-1", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var envelope map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "tracing_disabled", envelope["error"]["code"])
}

func TestMetricsUnavailableWithoutRecorder(t *testing.T) {
	router := NewRouter(testDependencies(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
