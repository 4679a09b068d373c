package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sovereign-rag/gateway/internal/config"
	"github.com/sovereign-rag/gateway/internal/gwerrors"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/metrics"
	"github.com/sovereign-rag/gateway/internal/orchestrator"
	"github.com/sovereign-rag/gateway/internal/trace"
)

type requestIDContextKey struct{}

func withRequestIDValue(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

const requestIDHeader = "x-request-id"

// Dependencies wires the router to the components it dispatches to.
type Dependencies struct {
	Orchestrator *orchestrator.Orchestrator
	Trace        *trace.Collector
	Metrics      *metrics.Recorder
	Config       config.Config
	Logger       *slog.Logger
}

type handler struct {
	deps    Dependencies
	logger  *slog.Logger
	apiKeys map[string]struct{}
}

// NewRouter builds the gateway's HTTP surface: health/readiness, model
// listing, chat completions (streaming and non-streaming), embeddings, trace
// retrieval, and metrics. Every response carries an x-request-id header;
// every /v1/* route requires bearer auth plus the
// x-srg-tenant-id/x-srg-user-id/x-srg-classification headers.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{
		deps:    deps,
		logger:  logger.With(slog.String("component", "router")),
		apiKeys: apiKeySet(deps.Config.Auth.APIKeys),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /readyz", h.handleReadyz)
	mux.HandleFunc("GET /metrics", h.handleMetrics)
	mux.HandleFunc("GET /v1/models", h.withAuth(h.handleModels))
	mux.HandleFunc("POST /v1/chat/completions", h.withAuth(h.handleChatCompletions))
	mux.HandleFunc("POST /v1/embeddings", h.withAuth(h.handleEmbeddings))
	mux.HandleFunc("GET /v1/traces/{request_id}", h.withAuth(h.handleTrace))

	return withRequestID(mux)
}

func apiKeySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.TrimSpace(k)] = struct{}{}
	}
	return set
}

// withRequestID assigns (or preserves) the request-id for every request and
// stamps it on the response before any handler writes a body, so it is
// present even on panics recovered upstream.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(withRequestIDValue(r.Context(), requestID))
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces bearer auth and the required tenant/user/classification
// headers on /v1/* routes, then builds the immutable RequestContext the
// orchestrator expects.
func (h *handler) withAuth(next func(http.ResponseWriter, *http.Request, gwtypes.RequestContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromContext(r.Context())

		key, ok := bearerToken(r)
		if !ok {
			h.renderError(w, requestID, gwerrors.AuthMissing())
			return
		}
		if _, known := h.apiKeys[key]; !known {
			h.renderError(w, requestID, gwerrors.AuthInvalid())
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get("x-srg-tenant-id"))
		userID := strings.TrimSpace(r.Header.Get("x-srg-user-id"))
		classification := strings.TrimSpace(r.Header.Get("x-srg-classification"))
		var missing []string
		if tenantID == "" {
			missing = append(missing, "x-srg-tenant-id")
		}
		if userID == "" {
			missing = append(missing, "x-srg-user-id")
		}
		if classification == "" {
			missing = append(missing, "x-srg-classification")
		}
		if len(missing) > 0 {
			h.renderError(w, requestID, gwerrors.MissingRequiredHeaders(
				fmt.Sprintf("missing required headers: %s", strings.Join(missing, ", "))))
			return
		}

		reqCtx := gwtypes.RequestContext{
			RequestID:      requestID,
			TenantID:       tenantID,
			UserID:         userID,
			Classification: gwtypes.Classification(classification),
			Endpoint:       r.URL.Path,
			StartedAt:      time.Now().UTC(),
		}
		next(w, r, reqCtx)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	if value == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(value, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{
		"policy_schema": "ok",
		"audit_schema":  "ok",
		"provider":      "ok",
	}
	if h.deps.Orchestrator == nil {
		deps["provider"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "dependencies": deps})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "dependencies": deps})
}

func (h *handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	h.deps.Metrics.Handler().ServeHTTP(w, r)
}

func (h *handler) handleModels(w http.ResponseWriter, r *http.Request, reqCtx gwtypes.RequestContext) {
	catalog := h.deps.Config.Models.Catalog
	cards := make([]gwtypes.ModelCard, 0, len(catalog))
	for _, entry := range catalog {
		cards = append(cards, gwtypes.ModelCard{ID: entry.ID, Object: "model", OwnedBy: entry.Owner})
	}
	writeJSON(w, http.StatusOK, gwtypes.ModelList{Object: "list", Data: cards})
}

func (h *handler) handleChatCompletions(w http.ResponseWriter, r *http.Request, reqCtx gwtypes.RequestContext) {
	var req gwtypes.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.renderError(w, reqCtx.RequestID, gwerrors.RequestValidationFailed("request body is not valid JSON"))
		return
	}
	if err := validateChatRequest(&req); err != nil {
		h.renderError(w, reqCtx.RequestID, gwerrors.RequestValidationFailed(err.Error()))
		return
	}

	start := time.Now()
	if req.Stream {
		h.streamChatCompletions(w, r, reqCtx, &req, start)
		return
	}

	resp, appErr := h.deps.Orchestrator.HandleChat(r.Context(), reqCtx, &req)
	if appErr != nil {
		h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeError, appErr.Status, start)
		h.renderError(w, reqCtx.RequestID, appErr)
		return
	}
	h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeSuccess, http.StatusOK, start)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) streamChatCompletions(w http.ResponseWriter, r *http.Request, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest, start time.Time) {
	frames, appErr := h.deps.Orchestrator.HandleChatStream(r.Context(), reqCtx, req)
	if appErr != nil {
		h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeError, appErr.Status, start)
		h.renderError(w, reqCtx.RequestID, appErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeError, http.StatusInternalServerError, start)
		h.renderError(w, reqCtx.RequestID, gwerrors.Internal(fmt.Errorf("response writer does not support flushing")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for frame := range frames {
		if _, err := w.Write(frame.Data); err != nil {
			h.logger.Warn("stream write failed", slog.String("request_id", reqCtx.RequestID), slog.Any("error", err))
			return
		}
		flusher.Flush()
	}
	h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeSuccess, http.StatusOK, start)
}

func (h *handler) handleEmbeddings(w http.ResponseWriter, r *http.Request, reqCtx gwtypes.RequestContext) {
	var wire embeddingsWireRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		h.renderError(w, reqCtx.RequestID, gwerrors.RequestValidationFailed("request body is not valid JSON"))
		return
	}
	inputs, err := wire.normalizedInputs()
	if err != nil {
		h.renderError(w, reqCtx.RequestID, gwerrors.RequestValidationFailed(err.Error()))
		return
	}
	req := gwtypes.EmbeddingsRequest{Model: wire.Model, InputTexts: inputs}

	start := time.Now()
	resp, appErr := h.deps.Orchestrator.HandleEmbeddings(r.Context(), reqCtx, &req)
	if appErr != nil {
		h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeError, appErr.Status, start)
		h.renderError(w, reqCtx.RequestID, appErr)
		return
	}
	h.observeOutcome(reqCtx.Endpoint, metrics.RequestOutcomeSuccess, http.StatusOK, start)
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleTrace(w http.ResponseWriter, r *http.Request, reqCtx gwtypes.RequestContext) {
	if !h.deps.Config.Tracing.Enabled || h.deps.Trace == nil {
		h.renderError(w, reqCtx.RequestID, gwerrors.TracingDisabled())
		return
	}
	traceID := r.PathValue("request_id")
	spans, ok := h.deps.Trace.Spans(traceID)
	if !ok {
		h.renderError(w, reqCtx.RequestID, gwerrors.TraceNotFound(traceID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": traceID,
		"spans":      spans,
	})
}

func (h *handler) observeOutcome(endpoint string, outcome metrics.RequestOutcome, status int, start time.Time) {
	if h.deps.Metrics == nil {
		return
	}
	h.deps.Metrics.ObserveRequest(endpoint, outcome, status, time.Since(start))
}

func (h *handler) renderError(w http.ResponseWriter, requestID string, appErr *gwerrors.AppError) {
	body, err := appErr.Render(requestID)
	if err != nil {
		h.logger.Error("error envelope encode failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.Status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func validateChatRequest(req *gwtypes.ChatRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("model is required")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages must be non-empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case gwtypes.RoleSystem, gwtypes.RoleUser, gwtypes.RoleAssistant:
		default:
			return fmt.Errorf("messages[%d].role must be one of system, user, assistant", i)
		}
		if strings.TrimSpace(m.Content) == "" {
			return fmt.Errorf("messages[%d].content must be non-empty", i)
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if req.MaxTokens < 0 || req.MaxTokens > 8192 {
		return fmt.Errorf("max_tokens must be between 1 and 8192")
	}
	if req.RAG != nil && req.RAG.Enabled {
		if req.RAG.TopK < 0 || req.RAG.TopK > 20 {
			return fmt.Errorf("rag.top_k must be between 1 and 20")
		}
	}
	return nil
}

// embeddingsWireRequest mirrors the OpenAI embeddings request body, where
// input may be a single string or a list of strings.
type embeddingsWireRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func (e embeddingsWireRequest) normalizedInputs() ([]string, error) {
	if strings.TrimSpace(e.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(e.Input) == 0 {
		return nil, fmt.Errorf("input is required")
	}

	var single string
	if err := json.Unmarshal(e.Input, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, fmt.Errorf("input must be non-empty")
		}
		return []string{single}, nil
	}

	var list []string
	if err := json.Unmarshal(e.Input, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("input must be non-empty")
		}
		return list, nil
	}

	return nil, fmt.Errorf("input must be a string or an array of strings")
}
