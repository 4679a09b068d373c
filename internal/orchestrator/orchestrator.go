// Package orchestrator implements the request pipeline: the staged
// algorithm that turns a validated Chat or Embeddings request into a
// response, webhooks, a trace, and exactly one audit event.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sovereign-rag/gateway/internal/audit"
	"github.com/sovereign-rag/gateway/internal/budget"
	"github.com/sovereign-rag/gateway/internal/gwerrors"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/jsonutil"
	"github.com/sovereign-rag/gateway/internal/metrics"
	"github.com/sovereign-rag/gateway/internal/policy"
	"github.com/sovereign-rag/gateway/internal/provider"
	"github.com/sovereign-rag/gateway/internal/redaction"
	"github.com/sovereign-rag/gateway/internal/retrieval"
	"github.com/sovereign-rag/gateway/internal/trace"
	"github.com/sovereign-rag/gateway/internal/transform"
	"github.com/sovereign-rag/gateway/internal/webhook"
)

const (
	chatCostScalar       = 1e-6
	embeddingsCostScalar = 2e-7
	midStreamCheckEvery  = 5
)

// Config wires every dependency the orchestrator needs. All fields except
// Redaction, Budget, Audit, Webhook, Trace are required; a nil Redaction,
// Budget, Webhook, or Trace disables that stage entirely.
type Config struct {
	Policy          policy.Engine
	PolicyMode      gwtypes.PolicyMode
	Redaction       *redaction.Engine
	RedactionEnabled bool
	Retrieval       *retrieval.Orchestrator
	DefaultAllowConnectors []string
	DefaultTopK     int
	Budget          budget.Tracker
	Router          *provider.Router
	DefaultProvider string
	Transform       *transform.Applier
	Audit           *audit.Writer
	Webhook         *webhook.Dispatcher
	Trace           *trace.Collector
	Metrics         *metrics.Recorder
	GatewayVersion  string
	Logger          *slog.Logger
}

// Orchestrator implements HandleChat, HandleChatStream, and
// HandleEmbeddings over a fixed set of stage dependencies.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.PolicyMode != gwtypes.PolicyModeObserve {
		cfg.PolicyMode = gwtypes.PolicyModeEnforce
	}
	return &Orchestrator{cfg: cfg, logger: logger.With(slog.String("component", "orchestrator"))}
}

// stageOutcome carries everything accumulated across stages so the final
// audit event can be built regardless of which stage terminated the
// request.
type stageOutcome struct {
	reqCtx              gwtypes.RequestContext
	requestPayloadHash  string
	redactedPayloadHash string
	providerRequestHash string
	providerResponseHash string

	decision   gwtypes.PolicyDecision
	policyMode gwtypes.PolicyMode

	transformsApplied []string
	citations         []gwtypes.Citation

	inputRedactionCount  int
	outputRedactionCount int

	requestedModel string
	selectedModel string
	providerName  string
	fallbackChain []string
	attempts      int
	tokensIn      int
	tokensOut     int
	costUSD       float64
	costFn        provider.CostFunc
	streaming     bool
	streamError   string

	webhookEvents []string

	budgetSummary *budget.Summary
	midStreamTerminated bool
	budgetEstimated     bool
}

func newStageOutcome(reqCtx gwtypes.RequestContext, mode gwtypes.PolicyMode) *stageOutcome {
	return &stageOutcome{reqCtx: reqCtx, policyMode: mode}
}

// HandleChat runs the full non-streaming pipeline.
func (o *Orchestrator) HandleChat(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest) (*gwtypes.ChatResponse, *gwerrors.AppError) {
	if o.cfg.Trace != nil {
		span := o.cfg.Trace.StartSpan(reqCtx.RequestID, "gateway.request", "", uuid.NewString(), map[string]any{
			"endpoint": reqCtx.Endpoint, "tenant_id": reqCtx.TenantID,
		})
		resp, appErr := o.handleChat(ctx, reqCtx, req)
		status := gwtypes.SpanOK
		if appErr != nil {
			span.AddEvent("error", map[string]any{"code": appErr.Code})
			status = gwtypes.SpanError
		}
		span.End(ctx, status)
		return resp, appErr
	}
	return o.handleChat(ctx, reqCtx, req)
}

func (o *Orchestrator) handleChat(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest) (*gwtypes.ChatResponse, *gwerrors.AppError) {
	working, decision, out, appErr := o.preflightChat(ctx, reqCtx, req)
	if appErr != nil {
		return nil, appErr
	}

	allowedProviders := providerAllowList(decision)
	chatReq := provider.ChatRequest{Model: working.Model, Messages: working.Messages, MaxTokens: working.MaxTokens}
	res, routed, err := o.cfg.Router.ChatAllowed(ctx, o.cfg.DefaultProvider, working.Model, allowedProviders, chatReq)
	applyOutcome(out, routed)
	o.observeFallback(routed)
	if err != nil {
		appErr := mapProviderError(err)
		o.dispatchWebhook(ctx, out, "provider_error", map[string]any{"request_id": reqCtx.RequestID, "error": err.Error()})
		kind, _ := policyKind(out)
		o.writeAudit(ctx, out, kind, routed.ProviderName, appErr.Message)
		return nil, appErr
	}

	out.tokensIn = res.PromptTokens
	out.tokensOut = res.CompletionTokens
	out.costUSD = resolveCost(routed, "chat", res.PromptTokens, res.CompletionTokens)

	message := gwtypes.Message{Role: gwtypes.RoleAssistant, Content: res.Content}
	if reqCtx.Classification.RequiresRedaction() && o.cfg.RedactionEnabled && o.cfg.Redaction != nil {
		r := o.cfg.Redaction.RedactText(message.Content)
		message.Content = r.Text
		out.outputRedactionCount = r.Count
		o.observeRedaction(r.CategoryCounts, "output")
	}
	if len(out.citations) > 0 {
		message.Citations = out.citations
	}

	respHash, err := jsonutil.SHA256Hex(message)
	if err != nil {
		return nil, gwerrors.Internal(fmt.Errorf("hash provider response: %w", err))
	}
	out.providerResponseHash = respHash

	o.recordBudgetUsage(ctx, reqCtx.TenantID, out.tokensIn+out.tokensOut, out)
	o.dispatchPostSuccessWebhooks(ctx, reqCtx, out)

	kind, denyReason := policyKind(out)
	finishReason := "stop"
	resp := &gwtypes.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   working.Model,
		Choices: []gwtypes.ChatChoice{{Index: 0, Message: &message, FinishReason: &finishReason}},
		Usage: gwtypes.Usage{
			PromptTokens:     out.tokensIn,
			CompletionTokens: out.tokensOut,
			TotalTokens:      out.tokensIn + out.tokensOut,
		},
	}

	if appErr := o.writeAuditOrFail(ctx, out, kind, out.providerName, denyReason); appErr != nil {
		return nil, appErr
	}
	return resp, nil
}

// HandleEmbeddings implements the embeddings-only subset of the stage
// algorithm: no transforms, RAG, or streaming, but the same
// redaction/budget/audit/cost-model stages.
func (o *Orchestrator) HandleEmbeddings(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.EmbeddingsRequest) (*gwtypes.EmbeddingsResponse, *gwerrors.AppError) {
	if o.cfg.Trace != nil {
		span := o.cfg.Trace.StartSpan(reqCtx.RequestID, "gateway.request", "", uuid.NewString(), map[string]any{
			"endpoint": reqCtx.Endpoint, "tenant_id": reqCtx.TenantID,
		})
		resp, appErr := o.handleEmbeddings(ctx, reqCtx, req)
		status := gwtypes.SpanOK
		if appErr != nil {
			span.AddEvent("error", map[string]any{"code": appErr.Code})
			status = gwtypes.SpanError
		}
		span.End(ctx, status)
		return resp, appErr
	}
	return o.handleEmbeddings(ctx, reqCtx, req)
}

func (o *Orchestrator) handleEmbeddings(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.EmbeddingsRequest) (*gwtypes.EmbeddingsResponse, *gwerrors.AppError) {
	out := newStageOutcome(reqCtx, o.cfg.PolicyMode)
	out.requestedModel = req.Model
	out.selectedModel = req.Model

	payloadHash, err := jsonutil.SHA256Hex(req)
	if err != nil {
		return nil, gwerrors.Internal(fmt.Errorf("hash request: %w", err))
	}
	out.requestPayloadHash = payloadHash

	decision, appErr := o.evaluatePolicy(ctx, reqCtx, req.Model, req.EstimatedWordCount(), nil, out)
	if appErr != nil {
		return nil, appErr
	}
	out.decision = decision

	if !decision.Allow && out.policyMode == gwtypes.PolicyModeEnforce {
		o.dispatchWebhook(ctx, out, "policy_denied", map[string]any{"request_id": reqCtx.RequestID, "tenant_id": reqCtx.TenantID, "reason": decision.DenyReason})
		o.writeAudit(ctx, out, gwtypes.PolicyDecisionDeny, "policy-gate", decision.DenyReason)
		return nil, gwerrors.PolicyDenied(decision.DenyReason)
	}

	inputs := req.InputTexts
	if reqCtx.Classification.RequiresRedaction() && o.cfg.RedactionEnabled && o.cfg.Redaction != nil {
		redacted := make([]string, len(inputs))
		for i, s := range inputs {
			r := o.cfg.Redaction.RedactText(s)
			redacted[i] = r.Text
			out.inputRedactionCount += r.Count
			o.observeRedaction(r.CategoryCounts, "input")
		}
		inputs = redacted
	}

	requestedBudgetTokens := maxInt(req.EstimatedWordCount(), 1)
	if o.cfg.Budget != nil {
		if appErr := o.checkBudget(ctx, reqCtx.TenantID, requestedBudgetTokens, out); appErr != nil {
			return nil, appErr
		}
	}

	redactedHash, err := jsonutil.SHA256Hex(inputs)
	if err != nil {
		return nil, gwerrors.Internal(fmt.Errorf("hash redacted payload: %w", err))
	}
	out.redactedPayloadHash = redactedHash

	allowedProviders := providerAllowList(decision)
	embReq := provider.EmbeddingsRequest{Model: req.Model, Inputs: inputs}
	res, routed, err := o.cfg.Router.EmbeddingsAllowed(ctx, o.cfg.DefaultProvider, req.Model, allowedProviders, embReq)
	applyOutcome(out, routed)
	o.observeFallback(routed)
	if err != nil {
		appErr := mapProviderError(err)
		o.dispatchWebhook(ctx, out, "provider_error", map[string]any{"request_id": reqCtx.RequestID, "error": err.Error()})
		kind, _ := policyKind(out)
		o.writeAudit(ctx, out, kind, routed.ProviderName, appErr.Message)
		return nil, appErr
	}

	out.tokensIn = res.PromptTokens
	out.costUSD = resolveCost(routed, "embeddings", res.PromptTokens, 0)

	o.recordBudgetUsage(ctx, reqCtx.TenantID, out.tokensIn, out)
	o.dispatchPostSuccessWebhooks(ctx, reqCtx, out)

	data := make([]gwtypes.EmbeddingItem, len(res.Vectors))
	for i, vec := range res.Vectors {
		data[i] = gwtypes.EmbeddingItem{Index: i, Object: "embedding", Embedding: vec}
	}
	resp := &gwtypes.EmbeddingsResponse{
		Object: "list",
		Model:  req.Model,
		Data:   data,
		Usage:  gwtypes.Usage{PromptTokens: out.tokensIn, TotalTokens: out.tokensIn},
	}

	kind, denyReason := policyKind(out)
	if appErr := o.writeAuditOrFail(ctx, out, kind, out.providerName, denyReason); appErr != nil {
		return nil, appErr
	}
	return resp, nil
}

// preflightChat runs stages 1-11 shared by the non-streaming and streaming
// paths: payload hashing, policy evaluation and the deny gate, transform
// application, RAG retrieval, input redaction, the model allow-list check,
// and the budget pre-check. The returned stageOutcome already carries every
// field an audit event needs if a later stage fails.
func (o *Orchestrator) preflightChat(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest) (*gwtypes.ChatRequest, gwtypes.PolicyDecision, *stageOutcome, *gwerrors.AppError) {
	out := newStageOutcome(reqCtx, o.cfg.PolicyMode)
	out.requestedModel = req.Model
	out.selectedModel = req.Model

	payloadHash, err := jsonutil.SHA256Hex(req)
	if err != nil {
		return nil, gwtypes.PolicyDecision{}, out, gwerrors.Internal(fmt.Errorf("hash request: %w", err))
	}
	out.requestPayloadHash = payloadHash

	decision, appErr := o.evaluatePolicy(ctx, reqCtx, req.Model, req.EstimatedWordCount(), connectorTargets(req), out)
	if appErr != nil {
		return nil, gwtypes.PolicyDecision{}, out, appErr
	}
	out.decision = decision

	if !decision.Allow && out.policyMode == gwtypes.PolicyModeEnforce {
		o.dispatchWebhook(ctx, out, "policy_denied", map[string]any{"request_id": reqCtx.RequestID, "tenant_id": reqCtx.TenantID, "reason": decision.DenyReason})
		o.writeAudit(ctx, out, gwtypes.PolicyDecisionDeny, "policy-gate", decision.DenyReason)
		return nil, decision, out, gwerrors.PolicyDenied(decision.DenyReason)
	}

	// Later stages mutate the working request (guardrail prepend, context
	// message, in-place redaction); the inbound payload stays untouched so
	// request_payload_hash remains the pre-pipeline view.
	working := req.Clone()
	if o.cfg.Transform != nil && len(decision.Transforms) > 0 {
		transformed, err := o.cfg.Transform.Apply(req, decision.Transforms, transform.Context{
			TenantID:       reqCtx.TenantID,
			UserID:         reqCtx.UserID,
			Endpoint:       reqCtx.Endpoint,
			Classification: string(reqCtx.Classification),
			RequestedModel: req.Model,
		})
		if err != nil {
			return nil, decision, out, gwerrors.Internal(fmt.Errorf("apply transforms: %w", err))
		}
		working = transformed
		out.selectedModel = working.Model
		for _, t := range decision.Transforms {
			out.transformsApplied = append(out.transformsApplied, string(t.Type))
		}
	}
	if decision.MaxTokensOverride != nil && *decision.MaxTokensOverride > 0 {
		working.MaxTokens = *decision.MaxTokensOverride
	}

	if working.RAG != nil && working.RAG.Enabled {
		if appErr := o.runRetrieval(ctx, working, decision, out); appErr != nil {
			return nil, decision, out, appErr
		}
	}

	if reqCtx.Classification.RequiresRedaction() && o.cfg.RedactionEnabled && o.cfg.Redaction != nil {
		result := o.cfg.Redaction.RedactMessages(working.Messages)
		working.Messages = result.Messages
		out.inputRedactionCount = result.Count
		o.observeRedaction(result.CategoryCounts, "input")
	}

	if decision.ProviderConstraints != nil && len(decision.ProviderConstraints.AllowedModels) > 0 {
		if !containsString(decision.ProviderConstraints.AllowedModels, working.Model) {
			o.writeAudit(ctx, out, gwtypes.PolicyDecisionDeny, "policy-gate", fmt.Sprintf("model %q forbidden", working.Model))
			return nil, decision, out, gwerrors.ModelForbidden(working.Model)
		}
	}

	requestedBudgetTokens := maxInt(working.EstimatedWordCount(), 1) + maxInt(working.MaxTokens, 0)
	if o.cfg.Budget != nil {
		if appErr := o.checkBudget(ctx, reqCtx.TenantID, requestedBudgetTokens, out); appErr != nil {
			return nil, decision, out, appErr
		}
	}

	redactedHash, err := jsonutil.SHA256Hex(working.Messages)
	if err != nil {
		return nil, decision, out, gwerrors.Internal(fmt.Errorf("hash redacted payload: %w", err))
	}
	out.redactedPayloadHash = redactedHash

	providerReqHash, err := jsonutil.SHA256Hex(map[string]any{"model": working.Model, "messages": working.Messages, "max_tokens": working.MaxTokens})
	if err != nil {
		return nil, decision, out, gwerrors.Internal(fmt.Errorf("hash provider request: %w", err))
	}
	out.providerRequestHash = providerReqHash

	return working, decision, out, nil
}

// evaluatePolicy builds the PolicyInput, calls the configured engine, and
// resolves a timeout/contract failure according to the configured mode:
// enforce fails closed, observe synthesizes an allow.
func (o *Orchestrator) evaluatePolicy(ctx context.Context, reqCtx gwtypes.RequestContext, model string, estimatedTokens int, connectorTargets []string, out *stageOutcome) (gwtypes.PolicyDecision, *gwerrors.AppError) {
	input := gwtypes.PolicyInput{
		TenantID:         reqCtx.TenantID,
		UserID:           reqCtx.UserID,
		Endpoint:         reqCtx.Endpoint,
		RequestedModel:   model,
		Classification:   reqCtx.Classification,
		EstimatedTokens:  estimatedTokens,
		ConnectorTargets: connectorTargets,
	}
	decision, err := o.cfg.Policy.Evaluate(ctx, input)
	if err == nil {
		return decision, nil
	}

	resolved, resolveErr := policy.Resolve(o.cfg.PolicyMode, err)
	if resolveErr != nil {
		switch resolveErr.(type) {
		case *policy.TimeoutError:
			return gwtypes.PolicyDecision{}, gwerrors.PolicyUnavailable(resolveErr)
		case *policy.ContractInvalidError:
			return gwtypes.PolicyDecision{}, gwerrors.PolicyContractInvalid(resolveErr)
		default:
			return gwtypes.PolicyDecision{}, gwerrors.PolicyUnavailable(resolveErr)
		}
	}
	return resolved, nil
}

// policyKind derives the audit event's policy_decision from how the request
// was actually governed: "observe" when observe mode let a deny (or a
// synthesized outage decision) pass through, "transform" when guardrails
// were applied, "allow" otherwise. Observed events keep their deny_reason
// so the ledger shows what enforce mode would have blocked.
func policyKind(out *stageOutcome) (gwtypes.PolicyDecisionKind, string) {
	if out.policyMode == gwtypes.PolicyModeObserve && (!out.decision.Allow || out.decision.Label == "observe") {
		return gwtypes.PolicyDecisionObserve, out.decision.DenyReason
	}
	if len(out.transformsApplied) > 0 {
		return gwtypes.PolicyDecisionTransform, ""
	}
	return gwtypes.PolicyDecisionAllow, ""
}

func (o *Orchestrator) runRetrieval(ctx context.Context, req *gwtypes.ChatRequest, decision gwtypes.PolicyDecision, out *stageOutcome) *gwerrors.AppError {
	allowed := o.cfg.DefaultAllowConnectors
	if decision.ConnectorConstraints != nil && len(decision.ConnectorConstraints.AllowedConnectors) > 0 {
		allowed = decision.ConnectorConstraints.AllowedConnectors
	}
	k := req.RAG.TopK
	if k <= 0 {
		k = o.cfg.DefaultTopK
	}
	chunks, err := o.cfg.Retrieval.Search(ctx, retrieval.Request{
		Query:             req.LastUserMessage(),
		Connector:         req.RAG.Connector,
		K:                 k,
		Filters:           req.RAG.Filters,
		AllowedConnectors: allowed,
	})
	if err != nil {
		switch e := err.(type) {
		case *retrieval.DeniedError:
			return gwerrors.RetrievalForbidden(e.Connector)
		case *retrieval.NotFoundError:
			return gwerrors.ConnectorNotFound(e.Connector)
		default:
			return gwerrors.RetrievalUnavailable(err)
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	req.Messages = append(req.Messages, gwtypes.Message{Role: gwtypes.RoleSystem, Content: retrieval.RenderContextMessage(chunks)})
	out.citations = retrieval.BuildCitations(chunks)
	return nil
}

func (o *Orchestrator) checkBudget(ctx context.Context, tenant string, requested int, out *stageOutcome) *gwerrors.AppError {
	if err := o.cfg.Budget.Check(ctx, tenant, requested); err != nil {
		switch e := err.(type) {
		case *budget.ExceededError:
			o.cfg.Metrics.ObserveBudgetRejection(tenant, "budget_exceeded")
			o.dispatchWebhook(ctx, out, "budget_exceeded", map[string]any{"tenant_id": tenant, "used": e.Used, "ceiling": e.Ceiling})
			if summary, serr := o.cfg.Budget.Summary(ctx, tenant); serr == nil {
				out.budgetSummary = &summary
			}
			o.writeAudit(ctx, out, gwtypes.PolicyDecisionDeny, "budget-gate", "budget_exceeded")
			return gwerrors.BudgetExceeded(e.Error())
		case *budget.BackendError:
			return gwerrors.BudgetBackendUnavailable(e)
		default:
			return gwerrors.BudgetBackendUnavailable(err)
		}
	}
	summary, err := o.cfg.Budget.Summary(ctx, tenant)
	if err == nil {
		out.budgetSummary = &summary
	}
	return nil
}

func (o *Orchestrator) recordBudgetUsage(ctx context.Context, tenant string, tokens int, out *stageOutcome) {
	if o.cfg.Budget == nil {
		return
	}
	if err := o.cfg.Budget.Record(ctx, tenant, tokens); err != nil {
		o.logger.Warn("budget record failed", slog.Any("error", err))
		return
	}
	summary, err := o.cfg.Budget.Summary(ctx, tenant)
	if err == nil {
		out.budgetSummary = &summary
	}
}

func (o *Orchestrator) dispatchPostSuccessWebhooks(ctx context.Context, reqCtx gwtypes.RequestContext, out *stageOutcome) {
	if out.inputRedactionCount+out.outputRedactionCount > 0 {
		o.dispatchWebhook(ctx, out, "redaction_hit", map[string]any{"request_id": reqCtx.RequestID, "count": out.inputRedactionCount + out.outputRedactionCount})
	}
	if out.attempts > 1 {
		o.dispatchWebhook(ctx, out, "provider_fallback", map[string]any{"request_id": reqCtx.RequestID, "fallback_chain": out.fallbackChain, "attempts": out.attempts})
	}
}

// dispatchWebhook fires a delivery in the background and records the event
// type on the outcome so the audit event's webhook_events field reflects
// everything that was queued for this request. Delivery outlives the request
// context: a response already written must not cancel a retrying POST.
func (o *Orchestrator) dispatchWebhook(ctx context.Context, out *stageOutcome, eventType string, payload any) {
	if o.cfg.Webhook == nil {
		return
	}
	out.webhookEvents = append(out.webhookEvents, eventType)
	bg := context.WithoutCancel(ctx)
	go func() {
		for _, res := range o.cfg.Webhook.Dispatch(bg, eventType, payload) {
			outcome := "failed"
			if res.Success {
				outcome = "delivered"
			}
			o.cfg.Metrics.ObserveWebhookDelivery(eventType, outcome)
		}
	}()
}

func (o *Orchestrator) observeFallback(routed provider.Outcome) {
	if routed.ProviderName == "" {
		return
	}
	for _, attempt := range routed.Attempts {
		o.cfg.Metrics.ObserveProviderFallback(attempt.ProviderName, routed.ProviderName)
	}
}

func (o *Orchestrator) observeRedaction(counts map[redaction.Category]int, direction string) {
	for category, count := range counts {
		o.cfg.Metrics.ObserveRedaction(string(category), direction, count)
	}
}

// writeAudit appends an audit event, logging (rather than propagating) any
// write failure, used on paths that have already committed to returning a
// non-success status (deny, provider error).
func (o *Orchestrator) writeAudit(ctx context.Context, out *stageOutcome, kind gwtypes.PolicyDecisionKind, providerName, denyReason string) {
	if o.cfg.Audit == nil {
		return
	}
	event := o.buildAuditEvent(out, kind, providerName, denyReason)
	if _, err := o.cfg.Audit.WriteEvent(ctx, event); err != nil {
		o.logger.Warn("audit write failed", slog.Any("error", err), slog.String("request_id", out.reqCtx.RequestID))
	}
}

// writeAuditOrFail appends the success-path audit event. A validation or
// write failure here is fail-closed for the ledger: the response is refused
// with a 502 rather than served unrecorded.
func (o *Orchestrator) writeAuditOrFail(ctx context.Context, out *stageOutcome, kind gwtypes.PolicyDecisionKind, providerName, denyReason string) *gwerrors.AppError {
	if o.cfg.Audit == nil {
		return nil
	}
	event := o.buildAuditEvent(out, kind, providerName, denyReason)
	if _, err := o.cfg.Audit.WriteEvent(ctx, event); err != nil {
		return gwerrors.AuditWriteFailed(err)
	}
	return nil
}

func (o *Orchestrator) buildAuditEvent(out *stageOutcome, kind gwtypes.PolicyDecisionKind, providerName, denyReason string) gwtypes.AuditEvent {
	event := gwtypes.AuditEvent{
		RequestID:            out.reqCtx.RequestID,
		TenantID:             out.reqCtx.TenantID,
		UserID:               out.reqCtx.UserID,
		Endpoint:             out.reqCtx.Endpoint,
		RequestedModel:       out.requestedModel,
		SelectedModel:        out.selectedModel,
		Provider:             providerName,
		PolicyDecision:       kind,
		PolicyDecisionID:     out.decision.DecisionID,
		PolicyEvaluatedAt:    out.decision.EvaluatedAt,
		PolicyAllow:          out.decision.Allow,
		PolicyMode:           string(out.policyMode),
		TransformsApplied:    out.transformsApplied,
		RedactionCount:       out.inputRedactionCount + out.outputRedactionCount,
		InputRedactionCount:  out.inputRedactionCount,
		OutputRedactionCount: out.outputRedactionCount,
		RequestPayloadHash:   out.requestPayloadHash,
		RedactedPayloadHash:  out.redactedPayloadHash,
		ProviderRequestHash:  out.providerRequestHash,
		ProviderResponseHash: out.providerResponseHash,
		RetrievalCitations:   out.citations,
		Streaming:            out.streaming,
		StreamError:          out.streamError,
		TokensIn:             out.tokensIn,
		TokensOut:            out.tokensOut,
		CostUSD:              out.costUSD,
		ProviderAttempts:     out.attempts,
		FallbackChain:        out.fallbackChain,
		TraceID:              out.reqCtx.RequestID,
		WebhookEvents:        out.webhookEvents,
		DenyReason:           denyReason,
	}
	if out.budgetSummary != nil {
		event.Budget = &gwtypes.BudgetSnapshot{
			TenantID:            out.budgetSummary.TenantID,
			WindowSeconds:       out.budgetSummary.WindowSeconds,
			Ceiling:             out.budgetSummary.Ceiling,
			Used:                out.budgetSummary.Used,
			Remaining:           out.budgetSummary.Remaining,
			UtilizationPct:      out.budgetSummary.UtilizationPct,
			MidStreamTerminated: out.midStreamTerminated,
			Estimated:           out.budgetEstimated,
		}
	}
	return event
}

func applyOutcome(out *stageOutcome, routed provider.Outcome) {
	out.providerName = routed.ProviderName
	out.fallbackChain = routed.FallbackChain
	out.costFn = routed.CostFn
	out.attempts = len(routed.Attempts) + 1
	if routed.ProviderName == "" {
		out.attempts = len(routed.Attempts)
	}
}

func resolveCost(routed provider.Outcome, operation string, tokensIn, tokensOut int) float64 {
	if routed.CostComputed {
		return routed.CostUSD
	}
	switch operation {
	case "embeddings":
		return roundTo(float64(tokensIn)*embeddingsCostScalar, 8)
	default:
		return roundTo(float64(tokensIn+tokensOut)*chatCostScalar, 8)
	}
}

func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

func mapProviderError(err error) *gwerrors.AppError {
	var perr *provider.Error
	if errors.As(err, &perr) {
		switch perr.Status {
		case 403:
			return gwerrors.ProviderForbidden(perr.Message)
		case 429:
			return gwerrors.ProviderRateLimited(err.Error())
		case 501, 502, 503:
			return gwerrors.ProviderUpstreamStatus(perr.Status, err.Error())
		}
	}
	return gwerrors.ProviderUpstreamError(err.Error())
}

func connectorTargets(req *gwtypes.ChatRequest) []string {
	if req.RAG == nil || !req.RAG.Enabled || req.RAG.Connector == "" {
		return nil
	}
	return []string{req.RAG.Connector}
}

func providerAllowList(decision gwtypes.PolicyDecision) []string {
	if decision.ProviderConstraints == nil {
		return nil
	}
	return decision.ProviderConstraints.AllowedProviders
}

func containsString(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
