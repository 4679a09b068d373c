package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sovereign-rag/gateway/internal/gwerrors"
	"github.com/sovereign-rag/gateway/internal/gwtypes"
	"github.com/sovereign-rag/gateway/internal/provider"
)

// ChatStreamFrame is one SSE frame ready to write verbatim to the response
// body, already including the trailing blank line.
type ChatStreamFrame struct {
	Data []byte
}

// HandleChatStream runs the shared pre-flight stages synchronously, then
// hands the remainder of the request to a background goroutine that streams SSE
// frames on the returned channel. The channel is always closed, and exactly
// one audit event is written, regardless of how the stream ends: normal
// completion, a provider error, a mid-stream budget cutoff, or ctx
// cancellation from a client disconnect.
func (o *Orchestrator) HandleChatStream(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest) (<-chan ChatStreamFrame, *gwerrors.AppError) {
	working, decision, out, appErr := o.preflightChat(ctx, reqCtx, req)
	if appErr != nil {
		return nil, appErr
	}
	out.streaming = true

	allowedProviders := providerAllowList(decision)
	chatReq := provider.ChatRequest{Model: working.Model, Messages: working.Messages, MaxTokens: working.MaxTokens}
	upstream, routed, err := o.cfg.Router.ChatStreamAllowed(ctx, o.cfg.DefaultProvider, working.Model, allowedProviders, chatReq)
	applyOutcome(out, routed)
	o.observeFallback(routed)
	if err != nil {
		appErr := mapProviderError(err)
		o.dispatchWebhook(ctx, out, "provider_error", map[string]any{"request_id": reqCtx.RequestID, "error": err.Error()})
		kind, _ := policyKind(out)
		o.writeAudit(ctx, out, kind, routed.ProviderName, appErr.Message)
		return nil, appErr
	}

	frames := make(chan ChatStreamFrame)
	go o.runStream(ctx, reqCtx, working, out, upstream, frames)
	return frames, nil
}

// runStream owns the generator's lifetime. Its deferred finalizer is the
// one place budget usage and the audit event are recorded for a streamed
// request, so both happen regardless of how the stream terminates.
func (o *Orchestrator) runStream(ctx context.Context, reqCtx gwtypes.RequestContext, req *gwtypes.ChatRequest, out *stageOutcome, upstream <-chan provider.StreamChunk, frames chan<- ChatStreamFrame) {
	defer close(frames)

	chatID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	var accumulated strings.Builder
	sentFinish := false
	sawDone := false
	budgetCut := false
	chunkIndex := 0

	defer func() {
		finalizeCtx := context.Background()
		if out.tokensIn == 0 {
			out.tokensIn = req.EstimatedWordCount()
			out.budgetEstimated = true
		}
		if out.tokensOut == 0 && accumulated.Len() > 0 {
			out.tokensOut = estimateWordCount(accumulated.String())
			out.budgetEstimated = true
		}
		if out.costFn != nil {
			out.costUSD = out.costFn("chat", out.tokensIn, out.tokensOut)
		} else {
			out.costUSD = roundTo(float64(out.tokensIn+out.tokensOut)*chatCostScalar, 8)
		}
		if !sawDone && out.streamError == "" {
			out.streamError = "stream_closed_unexpectedly"
		}
		o.recordBudgetUsage(finalizeCtx, reqCtx.TenantID, out.tokensIn+out.tokensOut, out)
		o.dispatchPostSuccessWebhooks(finalizeCtx, reqCtx, out)
		kind, denyReason := policyKind(out)
		o.writeAudit(finalizeCtx, out, kind, out.providerName, denyReason)
	}()

	for chunk := range upstream {
		if chunk.Err != nil {
			out.streamError = "provider_stream_error"
			o.dispatchWebhook(ctx, out, "provider_error", map[string]any{"request_id": reqCtx.RequestID, "error": chunk.Err.Error()})
			return
		}
		accumulated.WriteString(chunk.DeltaContent)
		if chunk.PromptTokens > 0 {
			out.tokensIn = chunk.PromptTokens
		}
		if chunk.CompletionTokens > 0 {
			out.tokensOut = chunk.CompletionTokens
		}

		var finishReason *string
		if chunk.FinishReason != "" {
			fr := chunk.FinishReason
			finishReason = &fr
			sentFinish = true
		}
		delta := &gwtypes.Message{Role: gwtypes.RoleAssistant, Content: chunk.DeltaContent}
		payload := gwtypes.ChatChunk{
			ID: chatID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []gwtypes.ChatChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		}
		if !o.sendFrame(ctx, frames, payload) {
			out.streamError = "client_disconnected"
			return
		}
		if chunk.Done {
			sawDone = true
		}

		chunkIndex++
		if o.cfg.Budget != nil && chunkIndex%midStreamCheckEvery == 0 {
			ok, berr := o.cfg.Budget.CheckRunning(ctx, reqCtx.TenantID, out.tokensIn+out.tokensOut)
			if berr == nil && !ok {
				// A budget cutoff is not a stream failure: emit the length
				// chunk, stop relaying, and complete normally so the
				// response still ends with the [DONE] sentinel.
				out.midStreamTerminated = true
				stop := "length"
				final := gwtypes.ChatChunk{
					ID: chatID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []gwtypes.ChatChoice{{Index: 0, Delta: &gwtypes.Message{Role: gwtypes.RoleAssistant}, FinishReason: &stop}},
				}
				o.sendFrame(ctx, frames, final)
				sentFinish = true
				budgetCut = true
				// The provider is still producing; drain it so the relay
				// goroutine isn't left blocked on an abandoned channel.
				go func() {
					for range upstream {
					}
				}()
				break
			}
		}

		select {
		case <-ctx.Done():
			out.streamError = "client_disconnected"
			return
		default:
		}
	}
	sawDone = true

	if len(out.citations) > 0 && !budgetCut {
		citMsg := &gwtypes.Message{Role: gwtypes.RoleAssistant, Citations: out.citations}
		o.sendFrame(ctx, frames, gwtypes.ChatChunk{
			ID: chatID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []gwtypes.ChatChoice{{Index: 0, Delta: citMsg}},
		})
	}

	if !sentFinish {
		stop := "stop"
		o.sendFrame(ctx, frames, gwtypes.ChatChunk{
			ID: chatID, Object: "chat.completion.chunk", Created: created, Model: req.Model,
			Choices: []gwtypes.ChatChoice{{Index: 0, Delta: &gwtypes.Message{Role: gwtypes.RoleAssistant}, FinishReason: &stop}},
		})
	}

	// The reader may already be gone (net/http cancels the request context
	// once the handler returns); never block the finalizer on the sentinel.
	select {
	case frames <- ChatStreamFrame{Data: []byte("data: [DONE]\n\n")}:
	case <-ctx.Done():
	}
}

// sendFrame marshals payload as compact JSON and writes it as one SSE data
// frame, returning false if ctx was canceled before the frame was
// delivered (the caller disconnected).
func (o *Orchestrator) sendFrame(ctx context.Context, frames chan<- ChatStreamFrame, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		o.logger.Warn("stream: marshal frame failed", slog.Any("error", err))
		return false
	}
	data := make([]byte, 0, len(body)+8)
	data = append(data, "data: "...)
	data = append(data, body...)
	data = append(data, '\n', '\n')
	select {
	case frames <- ChatStreamFrame{Data: data}:
		return true
	case <-ctx.Done():
		return false
	}
}

func estimateWordCount(s string) int {
	count := 0
	inWord := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
			continue
		}
		if !inWord {
			count++
			inWord = true
		}
	}
	return count
}
